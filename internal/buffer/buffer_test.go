package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeSink struct {
	mu      sync.Mutex
	batches [][]scrape.Record
	errs    []error
	closed  bool
}

func (s *fakeSink) Write(_ context.Context, batch []scrape.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	copied := make([]scrape.Record, len(batch))
	copy(copied, batch)
	s.batches = append(s.batches, copied)
	return nil
}

func (s *fakeSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func record(i int) scrape.Record {
	return scrape.Record{
		DatasetID: "ds-1",
		ItemKey:   fmt.Sprintf("item-%d", i),
		Fields:    map[string]string{"name": fmt.Sprintf("Place %d", i)},
	}
}

func newSaver(t *testing.T, primary, backup *fakeSink, batchSize int) *Saver {
	t.Helper()
	var p scrape.Sink
	if primary != nil {
		p = primary
	}
	s, err := New(Config{
		DatasetID:   "ds-1",
		BatchSize:   batchSize,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		Primary:     p,
		Backup:      backup,
		Clock:       &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	return s
}

func TestSaveFlushesFullBatches(t *testing.T) {
	primary := &fakeSink{}
	backup := &fakeSink{}
	s := newSaver(t, primary, backup, 3)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Save(ctx, record(i)))
	}

	// 10 records, batch size 3: three full batches flushed, one left.
	require.Len(t, primary.batches, 3)
	require.Len(t, backup.batches, 3)
	stats := s.Stats()
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, int64(9), stats.TotalSaved)

	require.NoError(t, s.FlushAll(ctx))
	require.Equal(t, 10, primary.records())
	require.Equal(t, 10, backup.records())
	require.Zero(t, s.Stats().Pending)
	require.Equal(t, int64(10), s.Stats().TotalSaved)
}

func TestBatchesPreserveOrder(t *testing.T) {
	primary := &fakeSink{}
	backup := &fakeSink{}
	s := newSaver(t, primary, backup, 4)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Save(ctx, record(i)))
	}

	var keys []string
	for _, b := range primary.batches {
		for _, r := range b {
			keys = append(keys, r.ItemKey)
		}
	}
	for i, key := range keys {
		require.Equal(t, fmt.Sprintf("item-%d", i), key)
	}
}

func TestFlushAllIsIdempotent(t *testing.T) {
	primary := &fakeSink{}
	backup := &fakeSink{}
	s := newSaver(t, primary, backup, 5)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record(0)))
	require.NoError(t, s.FlushAll(ctx))
	require.NoError(t, s.FlushAll(ctx))

	require.Equal(t, 1, primary.records())
	require.Equal(t, 1, backup.records())
	require.Equal(t, int64(1), s.Stats().TotalSaved)
}

func TestRecoverableErrorsAreRetried(t *testing.T) {
	primary := &fakeSink{errs: []error{
		scrape.Recoverable(errors.New("503")),
		scrape.Recoverable(errors.New("503")),
		nil,
	}}
	backup := &fakeSink{}
	s := newSaver(t, primary, backup, 2)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record(0)))
	require.NoError(t, s.Save(ctx, record(1)))

	require.Equal(t, 2, primary.records())
	require.Zero(t, s.Stats().RetryQueue)
	require.Equal(t, int64(2), s.Stats().TotalSaved)
}

func TestNonRecoverableErrorQueuesImmediately(t *testing.T) {
	primary := &fakeSink{errs: []error{
		errors.New("schema mismatch"),
		errors.New("schema mismatch"),
	}}
	backup := &fakeSink{}
	s := newSaver(t, primary, backup, 2)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record(0)))
	err := s.Save(ctx, record(1))
	require.Error(t, err)

	// Backup got the batch even though the primary rejected it, and
	// only one primary attempt was spent on a fatal error.
	require.Equal(t, 2, backup.records())
	require.Zero(t, primary.records())
	require.Len(t, primary.errs, 1)
	require.Equal(t, 1, s.Stats().RetryQueue)
	require.Zero(t, s.Stats().TotalSaved)
}

func TestFlushAllDrainsRetryQueue(t *testing.T) {
	primary := &fakeSink{errs: []error{
		scrape.Recoverable(errors.New("429")),
		scrape.Recoverable(errors.New("429")),
		scrape.Recoverable(errors.New("429")),
	}}
	backup := &fakeSink{}
	s := newSaver(t, primary, backup, 2)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record(0)))
	require.Error(t, s.Save(ctx, record(1)))
	require.Equal(t, 1, s.Stats().RetryQueue)

	// The primary recovers; the queued batch drains without a second
	// backup write.
	require.NoError(t, s.FlushAll(ctx))
	require.Equal(t, 2, primary.records())
	require.Equal(t, 2, backup.records())
	require.Zero(t, s.Stats().RetryQueue)
	require.Equal(t, int64(2), s.Stats().TotalSaved)
}

func TestBackupFailureDoesNotBlockPrimary(t *testing.T) {
	primary := &fakeSink{}
	backup := &fakeSink{errs: []error{errors.New("disk full")}}
	s := newSaver(t, primary, backup, 1)

	require.NoError(t, s.Save(context.Background(), record(0)))
	require.Equal(t, 1, primary.records())
	require.Zero(t, backup.records())
}

func TestNoPrimaryStillCountsSaved(t *testing.T) {
	backup := &fakeSink{}
	s := newSaver(t, nil, backup, 2)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record(0)))
	require.NoError(t, s.Save(ctx, record(1)))

	require.Equal(t, 2, backup.records())
	require.Equal(t, int64(2), s.Stats().TotalSaved)
}

func TestCloseFlushesAndClosesSinks(t *testing.T) {
	primary := &fakeSink{}
	backup := &fakeSink{}
	s := newSaver(t, primary, backup, 10)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record(0)))
	require.NoError(t, s.Close(ctx))

	require.Equal(t, 1, primary.records())
	require.True(t, primary.closed)
	require.True(t, backup.closed)
}

func TestDelayDoubles(t *testing.T) {
	base := 2 * time.Second
	require.Equal(t, 2*time.Second, Delay(base, 1))
	require.Equal(t, 4*time.Second, Delay(base, 2))
	require.Equal(t, 8*time.Second, Delay(base, 3))
	require.Equal(t, 2*time.Second, Delay(base, 0))
}
