package metricstore_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raniswara/vitalsync-agent/internal/metric"
	"github.com/raniswara/vitalsync-agent/internal/metricstore"
	"github.com/raniswara/vitalsync-agent/internal/netmon"
	"github.com/raniswara/vitalsync-agent/internal/queue"
)

type fakePersist struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakePersist() *fakePersist {
	return &fakePersist{data: make(map[string][]byte)}
}

func (f *fakePersist) Load(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}

func (f *fakePersist) Save(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
	return nil
}

type fakeMonitor struct {
	online bool
}

func (m *fakeMonitor) IsOnline() bool { return m.online }

func (m *fakeMonitor) State() netmon.State {
	return netmon.State{IsOnline: m.online, LastChecked: time.Now()}
}

func (m *fakeMonitor) AddListener(fn func(netmon.State)) func() { return func() {} }

type fakeEnqueuer struct {
	mu    sync.Mutex
	items []queue.NewItem
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, in queue.NewItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.items = append(f.items, in)
	return "item-1", nil
}

func testConfig() metricstore.Config {
	return metricstore.Config{
		MaxMetrics:         1000,
		RetentionAuthed:    30 * 24 * time.Hour,
		RetentionAnonymous: 7 * 24 * time.Hour,
	}
}

func testRecords(n int) []metric.Record {
	records := make([]metric.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, metric.Record{
			Type:        metric.TypeHeartRate,
			Value:       metric.Float(70 + float64(i)),
			Unit:        "bpm",
			SensorModel: "pulseband-3",
			Timestamp:   time.Now().Format(time.RFC3339),
		})
	}
	return records
}

func newTestStore(t *testing.T, persist metricstore.Persistence, q metricstore.Enqueuer, online bool, cfg metricstore.Config) *metricstore.Store {
	t.Helper()
	s, err := metricstore.NewStore(context.Background(), persist, q, &fakeMonitor{online: online}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestStoreMetrics_OnlineEnqueuesOneBatch(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := newTestStore(t, newFakePersist(), enq, true, testConfig())

	ids, err := s.StoreMetrics(context.Background(), testRecords(3))
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 stored ids, got %d", len(ids))
	}

	if len(enq.items) != 1 {
		t.Fatalf("expected exactly 1 enqueued batch, got %d", len(enq.items))
	}
	item := enq.items[0]
	if item.Type != queue.TypeMetricBatch {
		t.Errorf("expected metric_batch, got %s", item.Type)
	}
	if item.Priority != queue.PriorityNormal {
		t.Errorf("expected normal priority, got %s", item.Priority)
	}
	if item.MaxAttempts != 5 {
		t.Errorf("expected maxAttempts 5, got %d", item.MaxAttempts)
	}
	if item.Metadata == nil || len(item.Metadata.MetricIDs) != 3 {
		t.Fatalf("expected metadata with 3 metric ids, got %+v", item.Metadata)
	}

	var payload []metric.Record
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if len(payload) != 3 {
		t.Errorf("expected 3 records in payload, got %d", len(payload))
	}
}

func TestStoreMetrics_OfflineSkipsQueue(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := newTestStore(t, newFakePersist(), enq, false, testConfig())

	ids, err := s.StoreMetrics(context.Background(), testRecords(1))
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 stored id, got %d", len(ids))
	}

	if len(enq.items) != 0 {
		t.Errorf("no queue item must be created while offline, got %d", len(enq.items))
	}

	pending := s.GetPendingMetrics()
	if len(pending) != 1 || pending[0].SyncStatus != metric.SyncPending {
		t.Errorf("expected 1 pending metric, got %+v", pending)
	}
}

func TestStoreMetrics_EnqueueFailureIsSwallowed(t *testing.T) {
	enq := &fakeEnqueuer{err: context.DeadlineExceeded}
	s := newTestStore(t, newFakePersist(), enq, true, testConfig())

	ids, err := s.StoreMetrics(context.Background(), testRecords(2))
	if err != nil {
		t.Fatalf("store must succeed despite enqueue failure, got: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 stored ids, got %d", len(ids))
	}
	if got := len(s.GetPendingMetrics()); got != 2 {
		t.Errorf("metrics must remain safely stored, got %d pending", got)
	}
}

func TestStoreMetrics_EvictsOldestAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMetrics = 2
	s := newTestStore(t, newFakePersist(), &fakeEnqueuer{}, false, cfg)

	first, _ := s.StoreMetrics(context.Background(), testRecords(1))
	time.Sleep(2 * time.Millisecond)
	if _, err := s.StoreMetrics(context.Background(), testRecords(1)); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.StoreMetrics(context.Background(), testRecords(1)); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	stats := s.GetStorageStats()
	if stats.TotalMetrics != 2 {
		t.Fatalf("expected 2 metrics after eviction, got %d", stats.TotalMetrics)
	}
	for _, sm := range s.GetStoredMetrics(0, 0) {
		if sm.ID == first[0] {
			t.Error("oldest metric should have been evicted")
		}
	}
}

func TestMarkMetrics_StatusTransitions(t *testing.T) {
	s := newTestStore(t, newFakePersist(), &fakeEnqueuer{}, false, testConfig())

	ids, _ := s.StoreMetrics(context.Background(), testRecords(2))

	if err := s.MarkMetricsAsSynced(context.Background(), ids[:1]); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	if err := s.MarkMetricsAsFailed(context.Background(), ids[1:], "server unreachable"); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}

	all := s.GetStoredMetrics(0, 0)
	byID := make(map[string]metric.StoredMetric)
	for _, sm := range all {
		byID[sm.ID] = sm
	}

	if byID[ids[0]].SyncStatus != metric.SyncSynced {
		t.Errorf("expected synced, got %s", byID[ids[0]].SyncStatus)
	}
	failed := byID[ids[1]]
	if failed.SyncStatus != metric.SyncFailed {
		t.Errorf("expected failed, got %s", failed.SyncStatus)
	}
	if failed.SyncAttempts != 1 {
		t.Errorf("expected 1 sync attempt, got %d", failed.SyncAttempts)
	}
	if failed.LastSyncAttempt == nil {
		t.Error("expected last sync attempt stamped")
	}
	if failed.SyncError != "server unreachable" {
		t.Errorf("expected sync error recorded, got %q", failed.SyncError)
	}
}

func TestGetStoredMetrics_NewestFirstWithPagination(t *testing.T) {
	s := newTestStore(t, newFakePersist(), &fakeEnqueuer{}, false, testConfig())

	var ids []string
	for i := 0; i < 3; i++ {
		stored, _ := s.StoreMetrics(context.Background(), testRecords(1))
		ids = append(ids, stored[0])
		time.Sleep(2 * time.Millisecond)
	}

	all := s.GetStoredMetrics(0, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(all))
	}
	if all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Error("expected newest-first ordering")
	}

	page := s.GetStoredMetrics(1, 1)
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Errorf("expected middle metric from limit=1 offset=1, got %+v", page)
	}

	if got := s.GetStoredMetrics(10, 5); got != nil {
		t.Errorf("expected nil past the end, got %+v", got)
	}
}

func TestClearSyncedMetrics(t *testing.T) {
	s := newTestStore(t, newFakePersist(), &fakeEnqueuer{}, false, testConfig())

	ids, _ := s.StoreMetrics(context.Background(), testRecords(3))
	if err := s.MarkMetricsAsSynced(context.Background(), ids[:2]); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}

	removed, err := s.ClearSyncedMetrics(context.Background())
	if err != nil {
		t.Fatalf("clear synced failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if got := s.GetStorageStats().TotalMetrics; got != 1 {
		t.Errorf("expected 1 remaining metric, got %d", got)
	}
}

func seedStore(t *testing.T, persist *fakePersist, metrics []metric.StoredMetric) {
	t.Helper()
	data, err := json.Marshal(metrics)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := persist.Save(context.Background(), "offline_metrics", data); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestCleanupOldData_PendingExemptFromRetention(t *testing.T) {
	persist := newFakePersist()
	old := time.Now().Add(-90 * 24 * time.Hour)
	seedStore(t, persist, []metric.StoredMetric{
		{ID: "old-pending", StoredAt: old, SyncStatus: metric.SyncPending},
		{ID: "old-synced", StoredAt: old, SyncStatus: metric.SyncSynced},
		{ID: "old-failed", StoredAt: old, SyncStatus: metric.SyncFailed},
	})

	s := newTestStore(t, persist, &fakeEnqueuer{}, false, testConfig())

	removed, err := s.CleanupOldData(context.Background(), metricstore.CleanupOptions{Authenticated: true})
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed (synced+failed), got %d", removed)
	}

	remaining := s.GetStoredMetrics(0, 0)
	if len(remaining) != 1 || remaining[0].ID != "old-pending" {
		t.Errorf("pending metric must never be removed by retention, got %+v", remaining)
	}
}

func TestCleanupOldData_UnauthenticatedWindowApplies(t *testing.T) {
	persist := newFakePersist()
	tenDaysOld := time.Now().Add(-10 * 24 * time.Hour)
	seedStore(t, persist, []metric.StoredMetric{
		{ID: "synced-10d", StoredAt: tenDaysOld, SyncStatus: metric.SyncSynced},
	})

	s := newTestStore(t, persist, &fakeEnqueuer{}, false, testConfig())

	// Inside the 30-day authenticated window, outside the 7-day anonymous one
	removed, err := s.CleanupOldData(context.Background(), metricstore.CleanupOptions{})
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("10-day-old synced metric must fall to the 7-day window, removed=%d", removed)
	}
}

func TestCleanupOldData_OverrideReplacesDefault(t *testing.T) {
	persist := newFakePersist()
	twoHoursOld := time.Now().Add(-2 * time.Hour)
	seedStore(t, persist, []metric.StoredMetric{
		{ID: "synced-2h", StoredAt: twoHoursOld, SyncStatus: metric.SyncSynced},
	})

	s := newTestStore(t, persist, &fakeEnqueuer{}, false, testConfig())

	removed, err := s.CleanupOldData(context.Background(), metricstore.CleanupOptions{
		Authenticated:  true,
		MaxAgeOverride: time.Hour,
	})
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("override window must win over the default, removed=%d", removed)
	}
}

func TestSyncPendingMetrics_EnqueuesTaggedBatch(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := newTestStore(t, newFakePersist(), enq, false, testConfig())

	ids, _ := s.StoreMetrics(context.Background(), testRecords(2))

	count, err := s.SyncPendingMetrics(context.Background())
	if err != nil {
		t.Fatalf("sync pending failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 pending metrics batched, got %d", count)
	}
	if len(enq.items) != 1 {
		t.Fatalf("expected 1 enqueued batch, got %d", len(enq.items))
	}
	if got := enq.items[0].Metadata.MetricIDs; len(got) != 2 || got[0] != ids[0] || got[1] != ids[1] {
		t.Errorf("expected metadata tagged with pending ids %v, got %v", ids, got)
	}
}

func TestGetStorageStats(t *testing.T) {
	s := newTestStore(t, newFakePersist(), &fakeEnqueuer{}, false, testConfig())

	ids, _ := s.StoreMetrics(context.Background(), testRecords(3))
	if err := s.MarkMetricsAsSynced(context.Background(), ids[:1]); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}

	stats := s.GetStorageStats()
	if stats.TotalMetrics != 3 {
		t.Errorf("expected 3 total, got %d", stats.TotalMetrics)
	}
	if stats.PendingSync != 2 {
		t.Errorf("expected 2 pending, got %d", stats.PendingSync)
	}
	if stats.StorageSize <= 0 {
		t.Error("expected positive storage size")
	}
	if stats.OldestMetric == nil || stats.NewestMetric == nil {
		t.Error("expected oldest/newest timestamps")
	}
}
