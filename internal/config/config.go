package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Storage     StorageConfig
	RabbitMQ    RabbitMQConfig
	Submission  SubmissionConfig
	Network     NetworkConfig
	Queue       QueueConfig
	Store       StoreConfig
	Sync        SyncConfig
	Validation  ValidationConfig
}

// StorageConfig holds local persistence settings
type StorageConfig struct {
	Path string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL               string
	ReadingsExchange  string
	ReadingsQueue     string
	ReadingsKey       string
	EventsExchange    string
	SyncedRoutingKey  string
	DLQQueue          string
	PrefetchCount     int
}

// SubmissionConfig holds remote submission endpoint settings
type SubmissionConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// NetworkConfig holds connectivity probe settings
type NetworkConfig struct {
	ProbeURL      string
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

// QueueConfig holds durable queue settings
type QueueConfig struct {
	MaxSize            int
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	BackoffMultiplier  float64
	StuckItemThreshold time.Duration
}

// StoreConfig holds offline metric store settings
type StoreConfig struct {
	MaxMetrics         int
	RetentionAuthed    time.Duration
	RetentionAnonymous time.Duration
}

// SyncConfig holds synchronization engine settings
type SyncConfig struct {
	BatchSize            int
	MaxConcurrentBatches int
	BackgroundInterval   time.Duration
	BackgroundSync       bool
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	MaxBatchSize       int
	DefaultSensorModel string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "vitalsync-agent"),
		Storage: StorageConfig{
			Path: getEnv("STORAGE_PATH", "vitalsync.db"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			ReadingsExchange: getEnv("RABBITMQ_READINGS_EXCHANGE", "vitalsync.readings.exchange"),
			ReadingsQueue:    getEnv("RABBITMQ_READINGS_QUEUE", "vitalsync.readings.queue"),
			ReadingsKey:      getEnv("RABBITMQ_READINGS_ROUTING_KEY", "device.reading.raw"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "vitalsync.events.exchange"),
			SyncedRoutingKey: getEnv("RABBITMQ_SYNCED_ROUTING_KEY", "metrics.batch.synced"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "vitalsync.readings.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Submission: SubmissionConfig{
			BaseURL:   getEnv("SUBMISSION_BASE_URL", ""),
			AuthToken: getEnv("SUBMISSION_AUTH_TOKEN", ""),
			Timeout:   getEnvAsDuration("SUBMISSION_TIMEOUT", 15*time.Second),
		},
		Network: NetworkConfig{
			ProbeURL:      getEnv("NETWORK_PROBE_URL", "https://clients3.google.com/generate_204"),
			CheckInterval: getEnvAsDuration("NETWORK_CHECK_INTERVAL", 30*time.Second),
			ProbeTimeout:  getEnvAsDuration("NETWORK_PROBE_TIMEOUT", 5*time.Second),
		},
		Queue: QueueConfig{
			MaxSize:            getEnvAsInt("QUEUE_MAX_SIZE", 1000),
			BaseRetryDelay:     getEnvAsDuration("QUEUE_BASE_RETRY_DELAY", time.Second),
			MaxRetryDelay:      getEnvAsDuration("QUEUE_MAX_RETRY_DELAY", 5*time.Minute),
			BackoffMultiplier:  getEnvAsFloat("QUEUE_BACKOFF_MULTIPLIER", 2.0),
			StuckItemThreshold: getEnvAsDuration("QUEUE_STUCK_ITEM_THRESHOLD", 5*time.Minute),
		},
		Store: StoreConfig{
			MaxMetrics:         getEnvAsInt("STORE_MAX_METRICS", 1000),
			RetentionAuthed:    getEnvAsDuration("STORE_RETENTION_AUTHED", 30*24*time.Hour),
			RetentionAnonymous: getEnvAsDuration("STORE_RETENTION_ANONYMOUS", 7*24*time.Hour),
		},
		Sync: SyncConfig{
			BatchSize:            getEnvAsInt("SYNC_BATCH_SIZE", 50),
			MaxConcurrentBatches: getEnvAsInt("SYNC_MAX_CONCURRENT_BATCHES", 3),
			BackgroundInterval:   getEnvAsDuration("SYNC_BACKGROUND_INTERVAL", 30*time.Second),
			BackgroundSync:       getEnvAsBool("SYNC_BACKGROUND_ENABLED", true),
		},
		Validation: ValidationConfig{
			MaxBatchSize:       getEnvAsInt("VALIDATION_MAX_BATCH_SIZE", 1000),
			DefaultSensorModel: getEnv("VALIDATION_DEFAULT_SENSOR_MODEL", "unknown-wearable"),
		},
	}

	// Validate required fields
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Submission.BaseURL == "" {
		return nil, fmt.Errorf("SUBMISSION_BASE_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
