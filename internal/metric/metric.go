package metric

import (
	"time"
)

// Type identifies the kind of health observation a record carries.
type Type string

const (
	TypeHeartRate   Type = "heart_rate"
	TypeSpO2        Type = "spo2"
	TypeSkinTemp    Type = "skin_temperature"
	TypeAmbientTemp Type = "ambient_temperature"
	TypeSteps       Type = "steps"
	TypeSleep       Type = "sleep"
)

// Range is the accepted numeric window for a metric type.
type Range struct {
	Min float64
	Max float64
}

// ValidRanges maps metric types to their accepted value windows.
// Types absent from the map accept any value.
var ValidRanges = map[Type]Range{
	TypeHeartRate:   {Min: 30, Max: 220},
	TypeSpO2:        {Min: 70, Max: 100},
	TypeSkinTemp:    {Min: 20, Max: 45},
	TypeAmbientTemp: {Min: -50, Max: 60},
}

// UnitFor returns the canonical unit string for a metric type.
func UnitFor(t Type) string {
	switch t {
	case TypeHeartRate:
		return "bpm"
	case TypeSpO2:
		return "%"
	case TypeSkinTemp, TypeAmbientTemp:
		return "°C"
	case TypeSteps:
		return "steps"
	case TypeSleep:
		return "hours"
	default:
		return ""
	}
}

// Record is a single health observation as captured from a device.
// Value is a pointer because an omitted metric is valid; a value of
// exactly zero means "sensor unavailable" and is never range-checked.
type Record struct {
	Type        Type     `json:"type"`
	Value       *float64 `json:"value,omitempty"`
	Unit        string   `json:"unit"`
	SensorModel string   `json:"sensor_model"`
	Timestamp   string   `json:"timestamp"`
}

// SyncStatus tracks the delivery state of a stored metric.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// StoredMetric wraps a Record with local persistence metadata.
type StoredMetric struct {
	ID              string     `json:"id"`
	Record          Record     `json:"record"`
	StoredAt        time.Time  `json:"stored_at"`
	SyncStatus      SyncStatus `json:"sync_status"`
	SyncAttempts    int        `json:"sync_attempts"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	SyncError       string     `json:"sync_error,omitempty"`
	DeviceID        string     `json:"device_id,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
}

// DeviceReading is a raw snapshot from a capture source. All fields are
// optional; zero means the sensor did not report.
type DeviceReading struct {
	DeviceID    string    `json:"device_id"`
	HeartRate   float64   `json:"heart_rate,omitempty"`
	OxygenLevel float64   `json:"oxygen_level,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Steps       float64   `json:"steps,omitempty"`
	SleepHours  float64   `json:"sleep_hours,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	SensorModel string    `json:"sensor_model,omitempty"`
}

// Float returns a pointer to v, for building Records inline.
func Float(v float64) *float64 {
	return &v
}
