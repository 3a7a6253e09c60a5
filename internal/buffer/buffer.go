// Package buffer batches extracted records and writes them to the
// primary and backup sinks with bounded retries.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/metrics"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Saver accumulates records until a batch fills, then writes the batch
// to the local backup sink first and the primary sink second. Batches
// the primary rejects land in the retry queue; the backup copy already
// exists, so no record is lost even if the primary stays down for the
// whole run.
type Saver struct {
	mu         sync.Mutex
	pending    []scrape.Record
	retryQueue [][]scrape.Record
	totalSaved int64
	lastFlush  time.Time

	datasetID   string
	batchSize   int
	maxAttempts int
	backoffBase time.Duration
	primary     scrape.Sink
	backup      scrape.Sink
	clock       scrape.Clock
	logger      *zap.Logger
}

// Config holds Saver settings. Primary may be nil when no remote sink
// is configured; the backup sink is required.
type Config struct {
	DatasetID   string
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	Primary     scrape.Sink
	Backup      scrape.Sink
	Clock       scrape.Clock
	Logger      *zap.Logger
}

// New creates a Saver.
func New(cfg Config) (*Saver, error) {
	if cfg.Backup == nil {
		return nil, errors.New("backup sink is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Saver{
		pending:     make([]scrape.Record, 0, cfg.BatchSize),
		datasetID:   cfg.DatasetID,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		primary:     cfg.Primary,
		backup:      cfg.Backup,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// Save buffers one record and flushes when the batch fills. The swap
// happens under the lock; the sink writes do not, so a slow primary
// never blocks the next Save from buffering.
func (s *Saver) Save(ctx context.Context, rec scrape.Record) error {
	s.mu.Lock()
	s.pending = append(s.pending, rec)
	if len(s.pending) < s.batchSize {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make([]scrape.Record, 0, s.batchSize)
	s.mu.Unlock()

	return s.writeBatch(ctx, batch)
}

// FlushAll drains the partial batch and every queued retry batch. It
// is idempotent: a second call with nothing buffered is a no-op. A
// primary failure here re-queues the batch and is reported, but the
// backup copies are already on disk.
func (s *Saver) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make([]scrape.Record, 0, s.batchSize)
	retries := s.retryQueue
	s.retryQueue = nil
	s.mu.Unlock()

	var errs []error
	if len(batch) > 0 {
		if err := s.writeBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	for _, queued := range retries {
		// Retry batches were backed up when first formed.
		if err := s.writePrimary(ctx, queued); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of buffer state.
func (s *Saver) Stats() scrape.BufferStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scrape.BufferStats{
		DatasetID:  s.datasetID,
		Pending:    len(s.pending),
		RetryQueue: len(s.retryQueue),
		TotalSaved: s.totalSaved,
		LastFlush:  s.lastFlush,
	}
}

// Close flushes outstanding records and closes both sinks.
func (s *Saver) Close(ctx context.Context) error {
	var errs []error
	if err := s.FlushAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.primary != nil {
		if err := s.primary.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close primary sink: %w", err))
		}
	}
	if err := s.backup.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close backup sink: %w", err))
	}
	return errors.Join(errs...)
}

// writeBatch dual-writes one batch: backup always, primary with
// retries. A backup failure is logged and does not block the primary
// write.
func (s *Saver) writeBatch(ctx context.Context, batch []scrape.Record) error {
	if err := s.backup.Write(ctx, batch); err != nil {
		metrics.ObserveSinkFailure("backup")
		s.logger.Error("backup sink write failed",
			zap.Int("records", len(batch)),
			zap.Error(err),
		)
	}
	return s.writePrimary(ctx, batch)
}

// writePrimary attempts the primary write with exponential backoff on
// recoverable errors. Non-recoverable errors and exhausted retries
// queue the batch for the next FlushAll.
func (s *Saver) writePrimary(ctx context.Context, batch []scrape.Record) error {
	if s.primary == nil {
		s.recordFlush(len(batch))
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		lastErr = s.primary.Write(ctx, batch)
		if lastErr == nil {
			s.recordFlush(len(batch))
			return nil
		}
		if !scrape.IsRecoverable(lastErr) {
			break
		}
		if attempt == s.maxAttempts {
			break
		}
		delay := Delay(s.backoffBase, attempt)
		s.logger.Warn("primary sink write failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	metrics.ObserveSinkFailure("primary")
	s.mu.Lock()
	s.retryQueue = append(s.retryQueue, batch)
	s.mu.Unlock()
	return fmt.Errorf("write batch of %d records: %w", len(batch), lastErr)
}

func (s *Saver) recordFlush(n int) {
	s.mu.Lock()
	s.totalSaved += int64(n)
	s.lastFlush = s.clock.Now()
	s.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
