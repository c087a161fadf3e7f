// Package syncengine drains the durable queue against the remote service.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raniswara/vitalsync-agent/internal/api"
	"github.com/raniswara/vitalsync-agent/internal/events"
	"github.com/raniswara/vitalsync-agent/internal/logging"
	"github.com/raniswara/vitalsync-agent/internal/metric"
	"github.com/raniswara/vitalsync-agent/internal/netmon"
	"github.com/raniswara/vitalsync-agent/internal/queue"
)

// ErrSyncInProgress is returned when StartSync is called while a pass is
// already running. Callers retry later; attempts are never queued.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrOffline is returned when a sync is requested without connectivity.
var ErrOffline = errors.New("network unavailable, cannot sync")

// State is the engine's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// WorkQueue is the queue-side contract the engine drains.
type WorkQueue interface {
	Dequeue(ctx context.Context, maxItems int) ([]queue.Item, error)
	UpdateItem(ctx context.Context, id string, patch queue.Patch) error
	RemoveItem(ctx context.Context, id string) error
	ClearCompleted(ctx context.Context) (int, error)
	Status() queue.StatusCounts
}

// MetricMarker is the store-side contract for flipping delivery status.
type MetricMarker interface {
	MarkMetricsAsSynced(ctx context.Context, ids []string) error
	MarkMetricsAsFailed(ctx context.Context, ids []string, syncErr string) error
}

// Config holds synchronization settings.
type Config struct {
	BatchSize            int
	MaxConcurrentBatches int
	BackgroundInterval   time.Duration
	BackgroundSync       bool
}

// Result summarizes one sync pass.
type Result struct {
	Success     bool
	SyncedItems int
	FailedItems int
	TotalItems  int
	Errors      map[string]string
	Duration    time.Duration
}

// Progress is the payload of progress events.
type Progress struct {
	Processed int
	Total     int
	Percent   int
}

// Engine is the only component that calls the submission client. It owns
// retry execution, the concurrency cap and background scheduling.
type Engine struct {
	q       WorkQueue
	store   MetricMarker
	client  api.SubmissionClient
	monitor netmon.Monitor
	bus     *events.Bus
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	lastRun *time.Time
}

// NewEngine creates the engine and subscribes it to connectivity transitions
// so a restored connection triggers an opportunistic sync.
func NewEngine(q WorkQueue, store MetricMarker, client api.SubmissionClient, monitor netmon.Monitor, bus *events.Bus, cfg Config, logger *zap.Logger) *Engine {
	e := &Engine{
		q:       q,
		store:   store,
		client:  client,
		monitor: monitor,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		state:   StateIdle,
	}

	monitor.AddListener(func(state netmon.State) {
		if !state.IsOnline {
			return
		}
		logger.Info("connectivity restored, triggering sync")
		go func() {
			if _, err := e.StartSync(context.Background()); err != nil &&
				!errors.Is(err, ErrSyncInProgress) {
				logger.Warn("opportunistic sync failed", zap.Error(err))
			}
		}()
	})

	return e
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastRun returns when the last pass finished, if any.
func (e *Engine) LastRun() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun
}

// StartSync runs one sync pass. It fails fast when offline or when a pass is
// already running, and short-circuits to a trivial success when the queue has
// no pending or failed work.
func (e *Engine) StartSync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.state == StateSyncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.state = StateSyncing
	e.mu.Unlock()

	started := time.Now()
	var outErr error

	defer func() {
		e.mu.Lock()
		e.state = StateIdle
		now := time.Now()
		e.lastRun = &now
		e.mu.Unlock()

		if outErr != nil {
			e.bus.Publish(events.Event{Type: events.SyncError, Payload: outErr.Error()})
		}
	}()

	if !e.monitor.IsOnline() {
		outErr = ErrOffline
		return nil, outErr
	}

	counts := e.q.Status()
	if counts.Pending == 0 && counts.Failed == 0 {
		return &Result{Success: true, Duration: time.Since(started)}, nil
	}

	e.bus.Publish(events.Event{Type: events.SyncStarted})

	items, err := e.q.Dequeue(ctx, e.cfg.BatchSize)
	if err != nil {
		outErr = fmt.Errorf("failed to dequeue: %w", err)
		return nil, outErr
	}
	if len(items) == 0 {
		result := &Result{Success: true, Duration: time.Since(started)}
		e.bus.Publish(events.Event{Type: events.SyncCompleted, Payload: result})
		return result, nil
	}

	result := e.processItems(ctx, items)
	result.Duration = time.Since(started)

	if _, err := e.q.ClearCompleted(ctx); err != nil {
		e.logger.Warn("failed to purge completed items", zap.Error(err))
	}

	e.logger.Info("sync pass finished",
		zap.Int("total", result.TotalItems),
		zap.Int("synced", result.SyncedItems),
		zap.Int("failed", result.FailedItems),
		zap.Duration("duration", result.Duration))

	e.bus.Publish(events.Event{Type: events.SyncCompleted, Payload: result})
	return result, nil
}

// processItems works through the dequeued set in chunks of the concurrency
// cap, awaiting each chunk fully before starting the next. Per-item failures
// are isolated; they accumulate into the result instead of aborting the pass.
func (e *Engine) processItems(ctx context.Context, items []queue.Item) *Result {
	result := &Result{
		TotalItems: len(items),
		Errors:     make(map[string]string),
	}

	var resMu sync.Mutex
	processed := 0

	chunkSize := e.cfg.MaxConcurrentBatches
	if chunkSize < 1 {
		chunkSize = 1
	}

	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for _, item := range items[start:end] {
			wg.Add(1)
			go func(item queue.Item) {
				defer wg.Done()
				err := e.processItem(ctx, item)

				resMu.Lock()
				defer resMu.Unlock()
				processed++
				if err != nil {
					result.FailedItems++
					result.Errors[item.ID] = err.Error()
				} else {
					result.SyncedItems++
				}
			}(item)
		}
		wg.Wait()

		e.bus.Publish(events.Event{Type: events.SyncProgress, Payload: Progress{
			Processed: processed,
			Total:     len(items),
			Percent:   processed * 100 / len(items),
		}})
	}

	result.Success = result.FailedItems == 0
	return result
}

// processItem dispatches one item to its type-specific processor and records
// the outcome on the queue item.
func (e *Engine) processItem(ctx context.Context, item queue.Item) error {
	var procErr error
	switch item.Type {
	case queue.TypeMetricBatch:
		procErr = e.processMetricBatch(ctx, item)
	default:
		// Explicit gap: these item types are queued by other subsystems but
		// have no processor yet. Failing loudly beats a silent no-op.
		procErr = fmt.Errorf("no processor implemented for item type %q", item.Type)
	}

	if procErr != nil {
		// A permanent rejection (4xx) can never succeed on retry; drop the
		// item instead of leaving it to burn attempts.
		if !api.IsTransient(procErr) {
			e.logger.Warn("dropping permanently rejected item",
				zap.String("id", item.ID), zap.Error(procErr))
			if err := e.q.RemoveItem(ctx, item.ID); err != nil {
				e.logger.Error("failed to remove item", zap.String("id", item.ID), zap.Error(err))
			}
			return procErr
		}

		failed := queue.StatusFailed
		msg := procErr.Error()
		if err := e.q.UpdateItem(ctx, item.ID, queue.Patch{Status: &failed, Error: &msg}); err != nil {
			e.logger.Error("failed to mark item failed", zap.String("id", item.ID), zap.Error(err))
		}
		return procErr
	}

	completed := queue.StatusCompleted
	if err := e.q.UpdateItem(ctx, item.ID, queue.Patch{Status: &completed}); err != nil {
		e.logger.Error("failed to mark item completed", zap.String("id", item.ID), zap.Error(err))
	}
	return nil
}

func (e *Engine) processMetricBatch(ctx context.Context, item queue.Item) error {
	logger := logging.WithBatch(e.logger, item.ID)

	var records []metric.Record
	if err := json.Unmarshal(item.Payload, &records); err != nil {
		return fmt.Errorf("corrupt metric batch payload: %w", err)
	}

	if err := e.client.SubmitBatch(ctx, records); err != nil {
		if item.Metadata != nil && len(item.Metadata.MetricIDs) > 0 {
			if markErr := e.store.MarkMetricsAsFailed(ctx, item.Metadata.MetricIDs, err.Error()); markErr != nil {
				logger.Error("failed to mark metrics failed", zap.Error(markErr))
			}
		}
		return err
	}

	if item.Metadata != nil && len(item.Metadata.MetricIDs) > 0 {
		if err := e.store.MarkMetricsAsSynced(ctx, item.Metadata.MetricIDs); err != nil {
			logger.Error("failed to mark metrics synced", zap.Error(err))
		}
	}

	logger.Debug("metric batch delivered", zap.Int("metrics", len(records)))
	return nil
}

// Run drives background interval sync until ctx is cancelled. Passes are
// skipped while offline or while a pass is in flight; an in-flight pass is
// never interrupted by cancellation, only the scheduling stops.
func (e *Engine) Run(ctx context.Context) {
	if !e.cfg.BackgroundSync {
		e.logger.Info("background sync disabled")
		return
	}

	e.logger.Info("background sync started", zap.Duration("interval", e.cfg.BackgroundInterval))

	ticker := time.NewTicker(e.cfg.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("background sync stopped")
			return
		case <-ticker.C:
			if !e.monitor.IsOnline() || e.State() == StateSyncing {
				continue
			}
			if _, err := e.StartSync(context.Background()); err != nil &&
				!errors.Is(err, ErrSyncInProgress) {
				e.logger.Warn("background sync pass failed", zap.Error(err))
			}
		}
	}
}
