package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credit_ledger/internal/models"
	"credit_ledger/internal/queue"
	"credit_ledger/internal/utils"
)

// UsageEventWriter is where the worker persists raw usage events
type UsageEventWriter interface {
	Create(ctx context.Context, event *models.RawUsageEvent) error
	CreateBatch(ctx context.Context, events []*models.RawUsageEvent) error
}

// UsageQueueWorker drains the raw-usage queue into the event store
type UsageQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	repo        UsageEventWriter
	config      *queue.Config
	logger      *utils.Logger
	sleep       func(time.Duration)
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewUsageQueueWorker creates a new usage queue worker
func NewUsageQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, repo UsageEventWriter, config *queue.Config) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("raw-usage")
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		repo:        repo,
		config:      config,
		logger:      utils.NewLogger("usage-worker"),
		sleep:       time.Sleep,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Run processes batches until ctx is cancelled or Stop is called
func (w *UsageQueueWorker) Run(ctx context.Context) error {
	w.run(ctx)
	return nil
}

// Stop gracefully stops the worker
func (w *UsageQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds a raw usage event to the queue
func (w *UsageQueueWorker) Enqueue(ctx context.Context, event *models.RawUsageEvent) error {
	return queue.EnqueueJSON(ctx, w.queue, event)
}

func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Usage worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch handles up to BatchSize events
func (w *UsageQueueWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
			return
		}
		w.logger.Error("Failed to dequeue usage events", "error", err)
		w.sleep(1 * time.Second) // Back off on error
		return
	}

	if len(items) == 0 {
		return
	}

	w.logger.Debug("Processing usage batch", "count", len(items))

	events := make([]*models.RawUsageEvent, 0, len(items))
	payloads := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		var event models.RawUsageEvent
		if err := json.Unmarshal(item, &event); err != nil {
			w.logger.Error("Failed to unmarshal usage event", "error", err)
			w.deadLetter(ctx, item, err)
			continue
		}
		events = append(events, &event)
		payloads = append(payloads, item)
	}

	if len(events) == 0 {
		return
	}

	if err := w.repo.CreateBatch(ctx, events); err != nil {
		w.logger.Error("Failed to insert batch, falling back to individual inserts", "error", err)
		for i, event := range events {
			if err := w.processItem(ctx, event, payloads[i]); err != nil {
				w.logger.Error("Failed to process usage event", "event_id", event.ID, "error", err)
			}
		}
		return
	}

	w.logger.Debug("Inserted batch successfully", "count", len(events))
}

// processItem inserts one event with exponential backoff, then gives up to
// the dead letter queue
func (w *UsageQueueWorker) processItem(ctx context.Context, event *models.RawUsageEvent, payload json.RawMessage) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying usage event", "attempt", attempt, "backoff", backoff)
			w.sleep(backoff)
		}

		if err := w.repo.Create(ctx, event); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	w.deadLetter(ctx, payload, lastErr)
	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

func (w *UsageQueueWorker) deadLetter(ctx context.Context, payload json.RawMessage, cause error) {
	if w.dlq == nil {
		return
	}
	if err := w.dlq.Add(ctx, payload, cause); err != nil {
		w.logger.Error("Failed to add to dead letter queue", "error", err)
		return
	}
	w.logger.Warn("Usage event moved to DLQ", "error", cause)
}

// GetQueueLength returns the current queue length
func (w *UsageQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *UsageQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a failed item and removes it from the
// dead letter queue
func (w *UsageQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	item, err := w.dlq.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := w.queue.Enqueue(ctx, item.Payload); err != nil {
		return fmt.Errorf("failed to re-enqueue item: %w", err)
	}

	if err := w.dlq.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove from DLQ: %w", err)
	}

	return nil
}
