// Package queue provides the durable holding area for deferred delivery work.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an operation addresses a nonexistent item id.
var ErrNotFound = errors.New("queue item not found")

// persistKey is the stable storage key the whole queue serializes under.
const persistKey = "sync_queue"

// ItemType identifies the kind of deferred work an item carries.
type ItemType string

const (
	TypeMetricBatch ItemType = "metric_batch"
	TypeIssue       ItemType = "issue"
	TypeDeviceEvent ItemType = "device_event"
)

// Priority orders dequeue: high before normal before low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityHigh:   0,
	PriorityNormal: 1,
	PriorityLow:    2,
}

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// Metadata carries correlation data alongside an item's payload.
type Metadata struct {
	MetricIDs []string `json:"metric_ids,omitempty"`
	DeviceID  string   `json:"device_id,omitempty"`
}

// Item is one unit of deferred work.
type Item struct {
	ID          string          `json:"id"`
	Type        ItemType        `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastAttempt *time.Time      `json:"last_attempt,omitempty"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Metadata    *Metadata       `json:"metadata,omitempty"`
}

// NewItem is the caller-supplied part of an item; id, timestamp, attempts and
// status are assigned on enqueue.
type NewItem struct {
	Type        ItemType
	Payload     json.RawMessage
	Priority    Priority
	MaxAttempts int
	Metadata    *Metadata
}

// Patch holds the fields UpdateItem may merge into an existing item.
type Patch struct {
	Status *Status
	Error  *string
}

// StatusCounts summarizes the queue by item status.
type StatusCounts struct {
	Pending       int
	Processing    int
	Failed        int
	Completed     int
	LastProcessed *time.Time
}

// Persistence is the blob store the queue serializes itself into.
type Persistence interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Config holds durable queue settings.
type Config struct {
	MaxSize            int
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	BackoffMultiplier  float64
	StuckItemThreshold time.Duration
}

// DurableQueue is a persisted, priority-ordered, retry-aware work queue. All
// mutation is serialized through a mutex and the whole collection is written
// back before the mutating call returns.
type DurableQueue struct {
	mu      sync.Mutex
	items   []*Item
	persist Persistence
	cfg     Config
	logger  *zap.Logger
}

// NewDurableQueue loads any previously persisted queue and recovers items
// stuck in processing after an abnormal termination.
func NewDurableQueue(ctx context.Context, persist Persistence, cfg Config, logger *zap.Logger) (*DurableQueue, error) {
	// A non-positive capacity would make every enqueue evict past the slice
	// bounds; the queue always holds at least one item.
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}

	q := &DurableQueue{
		persist: persist,
		cfg:     cfg,
		logger:  logger,
	}

	data, err := persist.Load(ctx, persistKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &q.items); err != nil {
			return nil, fmt.Errorf("failed to decode persisted queue: %w", err)
		}
	}

	if recovered := q.recoverStuckItems(); recovered > 0 {
		logger.Warn("recovered items stuck in processing", zap.Int("count", recovered))
		if err := q.save(ctx); err != nil {
			return nil, err
		}
	}

	logger.Info("durable queue loaded", zap.Int("items", len(q.items)))
	return q, nil
}

// recoverStuckItems resets processing items whose last attempt is older than
// the stuck threshold back to pending. A crash between dequeue and completion
// otherwise strands them forever.
func (q *DurableQueue) recoverStuckItems() int {
	cutoff := time.Now().Add(-q.cfg.StuckItemThreshold)
	recovered := 0
	for _, item := range q.items {
		if item.Status != StatusProcessing {
			continue
		}
		if item.LastAttempt == nil || item.LastAttempt.Before(cutoff) {
			item.Status = StatusPending
			recovered++
		}
	}
	return recovered
}

// Enqueue adds a new item, evicting the oldest items first if the queue is at
// capacity. Eviction is a deliberate data-shedding policy under sustained
// backpressure, not an error.
func (q *DurableQueue) Enqueue(ctx context.Context, in NewItem) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if in.Priority == "" {
		in.Priority = PriorityNormal
	}

	if len(q.items) >= q.cfg.MaxSize {
		evict := len(q.items) - q.cfg.MaxSize + 1
		sort.Slice(q.items, func(i, j int) bool {
			return q.items[i].Timestamp.Before(q.items[j].Timestamp)
		})
		for _, victim := range q.items[:evict] {
			q.logger.Warn("evicting oldest queue item at capacity",
				zap.String("id", victim.ID),
				zap.String("type", string(victim.Type)),
				zap.String("status", string(victim.Status)))
		}
		q.items = q.items[evict:]
	}

	item := &Item{
		ID:          uuid.New().String(),
		Type:        in.Type,
		Payload:     in.Payload,
		Timestamp:   time.Now(),
		Priority:    in.Priority,
		Attempts:    0,
		MaxAttempts: in.MaxAttempts,
		Status:      StatusPending,
		Metadata:    in.Metadata,
	}
	q.items = append(q.items, item)

	if err := q.save(ctx); err != nil {
		return "", err
	}

	q.logger.Debug("enqueued item",
		zap.String("id", item.ID),
		zap.String("type", string(item.Type)),
		zap.String("priority", string(item.Priority)))

	return item.ID, nil
}

// Dequeue selects up to maxItems pending items ordered by priority then
// enqueue time, transitions them to processing and returns copies. This is
// the only path that advances items out of pending.
func (q *DurableQueue) Dequeue(ctx context.Context, maxItems int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*Item
	for _, item := range q.items {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := priorityRank[pending[i].Priority], priorityRank[pending[j].Priority]
		if ri != rj {
			return ri < rj
		}
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})

	if len(pending) > maxItems {
		pending = pending[:maxItems]
	}
	if len(pending) == 0 {
		return nil, nil
	}

	now := time.Now()
	out := make([]Item, 0, len(pending))
	for _, item := range pending {
		item.Status = StatusProcessing
		item.Attempts++
		item.LastAttempt = &now
		out = append(out, *item)
	}

	if err := q.save(ctx); err != nil {
		return nil, err
	}

	return out, nil
}

// UpdateItem merges patch fields into an existing item.
func (q *DurableQueue) UpdateItem(ctx context.Context, id string, patch Patch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.find(id)
	if item == nil {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}

	if patch.Status != nil {
		item.Status = *patch.Status
	}
	if patch.Error != nil {
		item.Error = *patch.Error
	}

	return q.save(ctx)
}

// RemoveItem deletes an item permanently.
func (q *DurableQueue) RemoveItem(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.save(ctx)
		}
	}
	return fmt.Errorf("remove %s: %w", id, ErrNotFound)
}

// Status returns counts per status and the last processed timestamp.
func (q *DurableQueue) Status() StatusCounts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var counts StatusCounts
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			counts.Pending++
		case StatusProcessing:
			counts.Processing++
		case StatusFailed:
			counts.Failed++
		case StatusCompleted:
			counts.Completed++
			if item.LastAttempt != nil &&
				(counts.LastProcessed == nil || item.LastAttempt.After(*counts.LastProcessed)) {
				t := *item.LastAttempt
				counts.LastProcessed = &t
			}
		}
	}
	return counts
}

// ClearCompleted purges all completed items and returns how many were removed.
func (q *DurableQueue) ClearCompleted(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.Status == StatusCompleted {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept

	if removed == 0 {
		return 0, nil
	}
	if err := q.save(ctx); err != nil {
		return 0, err
	}
	return removed, nil
}

// RetryFailed resets retryable failed items back to pending. A zero override
// uses each item's own MaxAttempts; items already at their attempt budget are
// left failed permanently.
func (q *DurableQueue) RetryFailed(ctx context.Context, maxAttemptsOverride int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reset := 0
	for _, item := range q.items {
		if item.Status != StatusFailed {
			continue
		}
		limit := item.MaxAttempts
		if maxAttemptsOverride > 0 {
			limit = maxAttemptsOverride
		}
		if item.Attempts >= limit {
			continue
		}
		item.Status = StatusPending
		item.Error = ""
		reset++
	}

	if reset == 0 {
		return 0, nil
	}
	if err := q.save(ctx); err != nil {
		return 0, err
	}

	q.logger.Info("reset failed items for retry", zap.Int("count", reset))
	return reset, nil
}

// CalculateRetryDelay returns the backoff delay before the given attempt
// number. Pure function; the caller is responsible for waiting.
func (q *DurableQueue) CalculateRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(q.cfg.BaseRetryDelay) * math.Pow(q.cfg.BackoffMultiplier, float64(attempts-1))
	if delay > float64(q.cfg.MaxRetryDelay) {
		return q.cfg.MaxRetryDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether a failed item still has attempt budget left.
func (q *DurableQueue) ShouldRetry(item Item) bool {
	return item.Status == StatusFailed && item.Attempts < item.MaxAttempts
}

// Size returns the total number of items currently held.
func (q *DurableQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DurableQueue) find(id string) *Item {
	for _, item := range q.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// save serializes the whole collection as one unit. Write efficiency is
// traded for crash consistency: either the write lands or the prior state
// stays on disk.
func (q *DurableQueue) save(ctx context.Context) error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := q.persist.Save(ctx, persistKey, data); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}
