package logging

import (
	"context"
	"errors"
	"sync"
	"time"

	"credit_ledger/internal/utils"
)

// ErrBufferFull is returned by Enqueue when the in-memory buffer is full.
// The record is dropped; the ledger itself is unaffected.
var ErrBufferFull = errors.New("audit buffer full")

// ErrSinkClosed is returned by Enqueue after Shutdown.
var ErrSinkClosed = errors.New("audit sink closed")

// BatchWriter persists a batch of audit records.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*AuditRecord) ([]string, error)
}

// BufferedSinkConfig controls batching.
type BufferedSinkConfig struct {
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush after this many records
	FlushInterval time.Duration // Flush at least this often when non-empty
	WriteTimeout  time.Duration // Timeout of a single WriteBatch call
}

// BufferedSink batches records in memory and hands them to a BatchWriter
// from a single background goroutine.
type BufferedSink struct {
	writer BatchWriter
	config BufferedSinkConfig
	logger *utils.Logger

	records chan *AuditRecord
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewBufferedSink creates the sink and starts its flush loop.
func NewBufferedSink(writer BatchWriter, cfg BufferedSinkConfig) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &BufferedSink{
		writer:  writer,
		config:  cfg,
		logger:  utils.NewLogger("audit-sink"),
		records: make(chan *AuditRecord, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue adds a record without blocking.
func (s *BufferedSink) Enqueue(rec *AuditRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.records <- rec:
		return nil
	default:
		return ErrBufferFull
	}
}

// Shutdown stops accepting records and flushes what is buffered.
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BufferedSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*AuditRecord, 0, s.config.FlushSize)
	for {
		select {
		case rec := <-s.records:
			batch = append(batch, rec)
			if len(batch) >= s.config.FlushSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.done:
			// Drain whatever was enqueued before Shutdown.
			for {
				select {
				case rec := <-s.records:
					batch = append(batch, rec)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *BufferedSink) flush(batch []*AuditRecord) []*AuditRecord {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
		s.logger.Error("Failed to write audit batch", "count", len(batch), "error", err)
	}
	return batch[:0]
}
