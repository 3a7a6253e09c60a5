package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/buffer"
	"github.com/JakeFAU/maps-harvester/internal/guard"
	"github.com/JakeFAU/maps-harvester/internal/runstate"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
	"github.com/JakeFAU/maps-harvester/internal/store/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeSession struct{}

func (fakeSession) Kind() scrape.BackendKind { return scrape.BackendPrimary }

func (fakeSession) Navigate(context.Context, string, time.Duration) error { return nil }

func (fakeSession) Alive(context.Context) bool { return true }

func (fakeSession) Close(context.Context) error { return nil }

type fakePool struct {
	mu        sync.Mutex
	useErr    error
	restarts  int
	shutdowns int
}

func (p *fakePool) UseSession(context.Context) (scrape.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.useErr != nil {
		return nil, p.useErr
	}
	return fakeSession{}, nil
}

func (p *fakePool) Restart(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	return nil
}

func (p *fakePool) Shutdown(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
}

type fakeExtractor struct {
	extract func(ctx context.Context, key string) ([]scrape.Record, error)
}

func (e *fakeExtractor) Extract(ctx context.Context, _ scrape.Session, key string) ([]scrape.Record, error) {
	return e.extract(ctx, key)
}

type collectSink struct {
	mu      sync.Mutex
	records []scrape.Record
}

func (s *collectSink) Write(_ context.Context, batch []scrape.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, batch...)
	return nil
}

func (s *collectSink) Close(context.Context) error { return nil }

type fakeNotifier struct {
	mu     sync.Mutex
	events []scrape.WorkItem
}

func (n *fakeNotifier) ItemCompleted(_ context.Context, item scrape.WorkItem, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, item)
	return nil
}

type fixture struct {
	state    *runstate.RunState
	store    *memory.WorkStore
	pool     *fakePool
	sink     *collectSink
	notifier *fakeNotifier
	saver    *buffer.Saver
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := &collectSink{}
	saver, err := buffer.New(buffer.Config{
		DatasetID: "ds-1",
		BatchSize: 2,
		Backup:    sink,
		Clock:     clk,
	})
	require.NoError(t, err)
	return &fixture{
		state:    runstate.New(clk, zap.NewNop()),
		store:    memory.NewWorkStore(clk),
		pool:     &fakePool{},
		sink:     sink,
		notifier: &fakeNotifier{},
		saver:    saver,
		clock:    clk,
	}
}

func (f *fixture) scheduler(t *testing.T, ext *fakeExtractor, opts ...func(*Config)) *Scheduler {
	t.Helper()
	cfg := Config{
		State:           f.state,
		Store:           f.store,
		Pool:            f.pool,
		Extractor:       ext,
		Saver:           f.saver,
		Notifier:        f.notifier,
		Guard:           guard.New(guard.Config{Timeout: time.Second}),
		Clock:           f.clock,
		DatasetID:       "ds-1",
		RestartInterval: 100,
		DelayMin:        time.Millisecond,
		DelayMax:        time.Millisecond,
		ThrottleBackoff: time.Millisecond,
		IdleWait:        time.Millisecond,
		ExitWhenDrained: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func oneRecord(key string) []scrape.Record {
	return []scrape.Record{{ItemKey: key, Fields: map[string]string{"name": key}}}
}

func TestRunProcessesAllItems(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a", "b", "c")

	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext)

	require.NoError(t, s.Run(context.Background()))

	counts := f.store.Counts()
	require.Equal(t, 3, counts[scrape.ItemDone])
	require.Len(t, f.sink.records, 3)
	require.Len(t, f.notifier.events, 3)
	for _, rec := range f.sink.records {
		require.Equal(t, "ds-1", rec.DatasetID)
	}

	snap := f.state.Snapshot()
	require.Equal(t, scrape.RunIdle, snap.Status)
	require.Equal(t, 3, snap.ProcessedCount)
	require.Equal(t, 1, f.pool.shutdowns)
}

func TestEmptyQueueRepollsUntilStopped(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a")

	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		if key == "b" {
			f.state.RequestStop()
		}
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext, func(cfg *Config) {
		cfg.ExitWhenDrained = false
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return f.store.Counts()[scrape.ItemDone] == 1
	}, 2*time.Second, time.Millisecond)

	// The drained loop keeps polling, so a late-queued item is picked
	// up on the next poll.
	f.store.Add("b")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end after stop request")
	}
	require.Equal(t, 2, f.store.Counts()[scrape.ItemDone])
	require.Equal(t, scrape.RunIdle, f.state.Status())
}

func TestSweepResetsStuckItemsFirst(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a", "b")
	require.NoError(t, f.store.Save(context.Background(), &scrape.WorkItem{
		Key:    "a",
		Status: scrape.ItemProcessing,
	}))

	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext)

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 2, f.store.Counts()[scrape.ItemDone])
}

func TestTimedOutItemIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.store.Add("slow", "fast")

	ext := &fakeExtractor{extract: func(ctx context.Context, key string) ([]scrape.Record, error) {
		if key == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext, func(cfg *Config) {
		cfg.Guard = guard.New(guard.Config{Timeout: 30 * time.Millisecond})
	})

	require.NoError(t, s.Run(context.Background()))

	counts := f.store.Counts()
	require.Equal(t, 1, counts[scrape.ItemSkipped])
	require.Equal(t, 1, counts[scrape.ItemDone])
	// The session that timed out is discarded.
	require.GreaterOrEqual(t, f.pool.restarts, 1)
}

func TestThrottledItemFailsAndBacksOff(t *testing.T) {
	f := newFixture(t)
	f.store.Add("blocked", "ok")

	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		if key == "blocked" {
			return nil, &scrape.ThrottleError{Signature: "unusual traffic"}
		}
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext)

	require.NoError(t, s.Run(context.Background()))

	counts := f.store.Counts()
	require.Equal(t, 1, counts[scrape.ItemFailed])
	require.Equal(t, 1, counts[scrape.ItemDone])
}

func TestThrottleBudgetExhaustedEndsRun(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a", "b", "c", "d", "e")

	ext := &fakeExtractor{extract: func(context.Context, string) ([]scrape.Record, error) {
		return nil, &scrape.ThrottleError{Signature: "unusual traffic"}
	}}
	s := f.scheduler(t, ext, func(cfg *Config) {
		cfg.MaxBackoffs = 2
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "throttled")
	require.Equal(t, scrape.RunError, f.state.Status())
	// Only the items up to the budget were attempted.
	require.Equal(t, 2, f.store.Counts()[scrape.ItemFailed])
	require.Equal(t, 3, f.store.Counts()[scrape.ItemPending])
}

func TestSessionFailureMarksItemFailed(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a", "b")

	calls := 0
	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		calls++
		if calls == 1 {
			return nil, &scrape.SessionError{Op: "navigate", Err: errors.New("target crashed")}
		}
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext)

	require.NoError(t, s.Run(context.Background()))

	counts := f.store.Counts()
	require.Equal(t, 1, counts[scrape.ItemFailed])
	require.Equal(t, 1, counts[scrape.ItemDone])
	require.GreaterOrEqual(t, f.pool.restarts, 1)
}

func TestStopRequestEndsRunCleanly(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a", "b", "c")

	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		if key == "a" {
			f.state.RequestStop()
		}
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext)

	require.NoError(t, s.Run(context.Background()))

	counts := f.store.Counts()
	require.Equal(t, 1, counts[scrape.ItemDone])
	require.Equal(t, 2, counts[scrape.ItemPending])
	require.Equal(t, scrape.RunIdle, f.state.Status())
	// The partial batch was flushed on shutdown.
	require.Len(t, f.sink.records, 1)
}

func TestProactiveRestartEveryNItems(t *testing.T) {
	f := newFixture(t)
	var keys []string
	for i := 0; i < 5; i++ {
		keys = append(keys, fmt.Sprintf("item-%d", i))
	}
	f.store.Add(keys...)

	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext, func(cfg *Config) {
		cfg.RestartInterval = 2
	})

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 5, f.store.Counts()[scrape.ItemDone])
	// Restarts before items 3 and 5.
	require.Equal(t, 2, f.pool.restarts)
}

func TestItemNeverLeftProcessing(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a", "b", "c")

	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		switch key {
		case "a":
			return nil, errors.New("parse failure")
		case "b":
			return nil, &scrape.ThrottleError{Signature: "unusual traffic"}
		default:
			return oneRecord(key), nil
		}
	}}
	s := f.scheduler(t, ext)

	require.NoError(t, s.Run(context.Background()))

	counts := f.store.Counts()
	require.Zero(t, counts[scrape.ItemPending])
	require.Zero(t, counts[scrape.ItemProcessing])
	require.Equal(t, 3, counts[scrape.ItemFailed]+counts[scrape.ItemDone])
}

func TestErrorStateHaltsRun(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a", "b", "c")

	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		if key == "a" {
			// Failed watchdog recovery parks the engine in Error.
			f.state.SetStatus(scrape.RunRecovering)
			f.state.SetStatus(scrape.RunError)
		}
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext)

	err := s.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "error state")

	// Error holds through shutdown; only an external reset clears it.
	require.Equal(t, scrape.RunError, f.state.Status())
	counts := f.store.Counts()
	require.Equal(t, 1, counts[scrape.ItemDone])
	require.Equal(t, 2, counts[scrape.ItemPending])
	require.Equal(t, 1, f.pool.shutdowns)
}

func TestPauseDuringItemReturnsItToQueue(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a")

	var calls int
	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		calls++
		if calls == 1 {
			// A pause lands mid-item; the in-item checkpoint aborts the
			// pass with the records collected so far.
			f.state.RequestPause()
			return oneRecord(key), scrape.ErrInterrupted
		}
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return f.state.Status() == scrape.RunPaused &&
			f.store.Counts()[scrape.ItemPending] == 1
	}, 2*time.Second, time.Millisecond)

	f.state.RequestResume()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	require.Equal(t, 2, calls)
	require.Equal(t, 1, f.store.Counts()[scrape.ItemDone])
	// Only the completed attempt is notified.
	require.Len(t, f.notifier.events, 1)
}

func TestContextCancellationStopsRun(t *testing.T) {
	f := newFixture(t)
	f.store.Add("a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	ext := &fakeExtractor{extract: func(_ context.Context, key string) ([]scrape.Record, error) {
		if key == "a" {
			cancel()
		}
		return oneRecord(key), nil
	}}
	s := f.scheduler(t, ext)

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	// Cancellation is an external stop, not an engine fault.
	require.Equal(t, scrape.RunIdle, f.state.Status())
	require.Equal(t, 1, f.pool.shutdowns)
}
