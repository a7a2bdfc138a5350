// Package queue carries asynchronous work beside the ledger. Two backends
// share one interface:
//
//  1. Memory queue (channel-based): no persistence, for single-instance and
//     development deployments.
//  2. Redis queue (list-based): survives restarts and supports several
//     workers.
//
// Payloads are JSON documents so both backends behave the same. Items a
// worker gives up on move to a dead-letter queue (memory slice or Redis
// hash) from which an operator can retry them.
//
//	usage report ──► raw-usage queue ──► worker (batches) ──► raw_usage_events
//	                                        │ (retry, backoff)
//	                                        ▼
//	                                       DLQ
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds a JSON payload to the queue
	Enqueue(ctx context.Context, payload json.RawMessage) error

	// Dequeue retrieves up to maxItems payloads, blocking until at least one
	// is available or ctx is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]json.RawMessage, error)

	// DequeueWithTimeout is Dequeue that returns an empty slice when nothing
	// arrives before timeout
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]json.RawMessage, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue defines the interface for handling failed items
type DeadLetterQueue interface {
	// Add records a failed payload with the error that exhausted it
	Add(ctx context.Context, payload json.RawMessage, err error) error

	// List returns up to maxItems items, oldest first; maxItems <= 0 means all
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Get returns one item, or ErrItemNotFound
	Get(ctx context.Context, id string) (*DeadLetterItem, error)

	// Remove removes an item
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis selects the Redis backend
	UseRedis bool

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}

// EnqueueJSON marshals v and enqueues it.
func EnqueueJSON(ctx context.Context, q Queue, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	return q.Enqueue(ctx, data)
}
