// Package metricstore keeps the durable local record of captured metrics.
package metricstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raniswara/vitalsync-agent/internal/metric"
	"github.com/raniswara/vitalsync-agent/internal/netmon"
	"github.com/raniswara/vitalsync-agent/internal/queue"
)

// persistKey is the stable storage key the metric collection serializes under.
const persistKey = "offline_metrics"

// batchMaxAttempts is the delivery attempt budget for enqueued metric batches.
const batchMaxAttempts = 5

// Persistence is the blob store the collection serializes itself into.
type Persistence interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Enqueuer is the queue-side contract the store needs for delivery handoff.
type Enqueuer interface {
	Enqueue(ctx context.Context, in queue.NewItem) (string, error)
}

// Config holds offline store settings.
type Config struct {
	MaxMetrics         int
	RetentionAuthed    time.Duration
	RetentionAnonymous time.Duration
}

// CleanupOptions selects the retention window for CleanupOldData. The zero
// value means an unauthenticated session with the default window.
type CleanupOptions struct {
	Authenticated  bool
	MaxAgeOverride time.Duration
}

// StorageStats summarizes the stored collection.
type StorageStats struct {
	TotalMetrics int
	PendingSync  int
	StorageSize  int
	OldestMetric *time.Time
	NewestMetric *time.Time
}

// Store owns the persisted StoredMetric collection. The sync engine mutates
// status only through this API, never the backing persistence.
type Store struct {
	mu      sync.Mutex
	metrics []*metric.StoredMetric
	persist Persistence
	q       Enqueuer
	monitor netmon.Monitor
	cfg     Config
	logger  *zap.Logger

	deviceID string
	userID   string
}

// NewStore loads any previously persisted metrics.
func NewStore(ctx context.Context, persist Persistence, q Enqueuer, monitor netmon.Monitor, cfg Config, logger *zap.Logger) (*Store, error) {
	s := &Store{
		persist: persist,
		q:       q,
		monitor: monitor,
		cfg:     cfg,
		logger:  logger,
	}

	data, err := persist.Load(ctx, persistKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load metric store: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.metrics); err != nil {
			return nil, fmt.Errorf("failed to decode persisted metrics: %w", err)
		}
	}

	logger.Info("offline metric store loaded", zap.Int("metrics", len(s.metrics)))
	return s, nil
}

// SetIdentity records the current device and user so new metrics carry them.
func (s *Store) SetIdentity(deviceID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = deviceID
	s.userID = userID
}

// StoreMetrics wraps each record as a pending StoredMetric and persists the
// collection, evicting oldest entries at capacity. If the network is online a
// metric_batch queue item is additionally enqueued; enqueue failure is logged
// and swallowed because the metrics are already safe in the store.
func (s *Store) StoreMetrics(ctx context.Context, records []metric.Record) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	now := time.Now()
	ids := make([]string, 0, len(records))
	for _, record := range records {
		sm := &metric.StoredMetric{
			ID:         uuid.New().String(),
			Record:     record,
			StoredAt:   now,
			SyncStatus: metric.SyncPending,
			DeviceID:   s.deviceID,
			UserID:     s.userID,
		}
		s.metrics = append(s.metrics, sm)
		ids = append(ids, sm.ID)
	}

	if over := len(s.metrics) - s.cfg.MaxMetrics; over > 0 {
		sort.Slice(s.metrics, func(i, j int) bool {
			return s.metrics[i].StoredAt.Before(s.metrics[j].StoredAt)
		})
		for _, victim := range s.metrics[:over] {
			s.logger.Warn("evicting oldest stored metric at capacity",
				zap.String("id", victim.ID),
				zap.String("sync_status", string(victim.SyncStatus)))
		}
		s.metrics = s.metrics[over:]
	}

	err := s.save(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if s.monitor.IsOnline() {
		s.enqueueBatch(ctx, records, ids)
	}

	return ids, nil
}

// enqueueBatch hands a batch of just-stored records to the durable queue.
func (s *Store) enqueueBatch(ctx context.Context, records []metric.Record, ids []string) {
	payload, err := json.Marshal(records)
	if err != nil {
		s.logger.Error("failed to encode metric batch payload", zap.Error(err))
		return
	}

	itemID, err := s.q.Enqueue(ctx, queue.NewItem{
		Type:        queue.TypeMetricBatch,
		Payload:     payload,
		Priority:    queue.PriorityNormal,
		MaxAttempts: batchMaxAttempts,
		Metadata:    &queue.Metadata{MetricIDs: ids, DeviceID: s.deviceID},
	})
	if err != nil {
		s.logger.Warn("failed to enqueue metric batch, metrics remain stored",
			zap.Error(err), zap.Int("metrics", len(ids)))
		return
	}

	s.logger.Debug("enqueued metric batch",
		zap.String("item_id", itemID), zap.Int("metrics", len(ids)))
}

// GetStoredMetrics returns metrics newest-first with optional pagination. A
// limit of zero means no limit.
func (s *Store) GetStoredMetrics(limit, offset int) []metric.StoredMetric {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]*metric.StoredMetric, len(s.metrics))
	copy(sorted, s.metrics)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StoredAt.After(sorted[j].StoredAt)
	})

	if offset >= len(sorted) {
		return nil
	}
	sorted = sorted[offset:]
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	out := make([]metric.StoredMetric, 0, len(sorted))
	for _, sm := range sorted {
		out = append(out, *sm)
	}
	return out
}

// GetPendingMetrics returns all metrics awaiting delivery.
func (s *Store) GetPendingMetrics() []metric.StoredMetric {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []metric.StoredMetric
	for _, sm := range s.metrics {
		if sm.SyncStatus == metric.SyncPending {
			out = append(out, *sm)
		}
	}
	return out
}

// MarkMetricsAsSynced flips the given metrics to synced. Unknown ids are
// ignored; the queue and the store have independent lifecycles and a metric
// may have been evicted since its batch was enqueued.
func (s *Store) MarkMetricsAsSynced(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idSet := toSet(ids)
	changed := 0
	for _, sm := range s.metrics {
		if idSet[sm.ID] {
			sm.SyncStatus = metric.SyncSynced
			sm.SyncError = ""
			changed++
		}
	}
	if changed == 0 {
		return nil
	}
	return s.save(ctx)
}

// MarkMetricsAsFailed records a delivery failure against the given metrics.
func (s *Store) MarkMetricsAsFailed(ctx context.Context, ids []string, syncErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idSet := toSet(ids)
	now := time.Now()
	changed := 0
	for _, sm := range s.metrics {
		if idSet[sm.ID] {
			sm.SyncStatus = metric.SyncFailed
			sm.SyncAttempts++
			sm.LastSyncAttempt = &now
			sm.SyncError = syncErr
			changed++
		}
	}
	if changed == 0 {
		return nil
	}
	return s.save(ctx)
}

// ClearSyncedMetrics purges delivered entries only.
func (s *Store) ClearSyncedMetrics(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.metrics[:0]
	removed := 0
	for _, sm := range s.metrics {
		if sm.SyncStatus == metric.SyncSynced {
			removed++
			continue
		}
		kept = append(kept, sm)
	}
	s.metrics = kept

	if removed == 0 {
		return 0, nil
	}
	if err := s.save(ctx); err != nil {
		return 0, err
	}
	return removed, nil
}

// CleanupOldData purges synced and failed entries older than the retention
// window. Pending metrics are exempt regardless of age: undelivered data is
// never lost to retention.
func (s *Store) CleanupOldData(ctx context.Context, opts CleanupOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxAge := s.cfg.RetentionAnonymous
	if opts.Authenticated {
		maxAge = s.cfg.RetentionAuthed
	}
	if opts.MaxAgeOverride > 0 {
		maxAge = opts.MaxAgeOverride
	}
	cutoff := time.Now().Add(-maxAge)

	kept := s.metrics[:0]
	removed := 0
	for _, sm := range s.metrics {
		if sm.SyncStatus != metric.SyncPending && sm.StoredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, sm)
	}
	s.metrics = kept

	if removed == 0 {
		return 0, nil
	}
	if err := s.save(ctx); err != nil {
		return 0, err
	}

	s.logger.Info("retention cleanup removed aged metrics",
		zap.Int("removed", removed), zap.Duration("max_age", maxAge))
	return removed, nil
}

// GetStorageStats summarizes the stored collection.
func (s *Store) GetStorageStats() StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := StorageStats{TotalMetrics: len(s.metrics)}
	for _, sm := range s.metrics {
		if sm.SyncStatus == metric.SyncPending {
			stats.PendingSync++
		}
		if stats.OldestMetric == nil || sm.StoredAt.Before(*stats.OldestMetric) {
			t := sm.StoredAt
			stats.OldestMetric = &t
		}
		if stats.NewestMetric == nil || sm.StoredAt.After(*stats.NewestMetric) {
			t := sm.StoredAt
			stats.NewestMetric = &t
		}
	}

	if data, err := json.Marshal(s.metrics); err == nil {
		stats.StorageSize = len(data)
	}
	return stats
}

// SyncPendingMetrics snapshots the current pending metrics and enqueues them
// as one batch tagged with their ids, so the engine can flip exactly those on
// delivery. It returns without waiting for delivery.
func (s *Store) SyncPendingMetrics(ctx context.Context) (int, error) {
	pending := s.GetPendingMetrics()
	if len(pending) == 0 {
		return 0, nil
	}

	records := make([]metric.Record, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, sm := range pending {
		records = append(records, sm.Record)
		ids = append(ids, sm.ID)
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return 0, fmt.Errorf("failed to encode pending batch: %w", err)
	}

	_, err = s.q.Enqueue(ctx, queue.NewItem{
		Type:        queue.TypeMetricBatch,
		Payload:     payload,
		Priority:    queue.PriorityNormal,
		MaxAttempts: batchMaxAttempts,
		Metadata:    &queue.Metadata{MetricIDs: ids},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue pending batch: %w", err)
	}

	return len(pending), nil
}

// IsOnline delegates to the network monitor.
func (s *Store) IsOnline() bool {
	return s.monitor.IsOnline()
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (s *Store) save(ctx context.Context) error {
	data, err := json.Marshal(s.metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	if err := s.persist.Save(ctx, persistKey, data); err != nil {
		return fmt.Errorf("failed to persist metrics: %w", err)
	}
	return nil
}
