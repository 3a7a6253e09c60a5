package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/runstate"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStaleHeartbeatTriggersRecovery(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	state := runstate.New(clk, zap.NewNop())
	state.SetStatus(scrape.RunRunning)
	state.Heartbeat()

	var recoveries atomic.Int32
	w := New(Config{
		State: state,
		Recover: func(context.Context) error {
			recoveries.Add(1)
			return nil
		},
		Timeout:       time.Minute,
		CheckInterval: 5 * time.Millisecond,
		Clock:         clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Fresh heartbeat: no recovery.
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, recoveries.Load())

	clk.advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return recoveries.Load() == 1
	}, time.Second, 5*time.Millisecond)

	snap := state.Snapshot()
	require.Equal(t, scrape.RunRunning, snap.Status)
	require.Equal(t, 1, snap.WatchdogRestarts)
	// The heartbeat was re-stamped, so no second trigger follows.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), recoveries.Load())
}

func TestRecoveryFailureHaltsEngine(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	state := runstate.New(clk, zap.NewNop())
	state.SetStatus(scrape.RunRunning)
	state.Heartbeat()

	var recoveries atomic.Int32
	w := New(Config{
		State: state,
		Recover: func(context.Context) error {
			recoveries.Add(1)
			return errors.New("browser will not restart")
		},
		Timeout:       time.Minute,
		CheckInterval: 5 * time.Millisecond,
		Clock:         clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	clk.advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return state.Status() == scrape.RunError
	}, time.Second, 5*time.Millisecond)

	// Error state is quiescent: no further recovery attempts.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), recoveries.Load())
	require.Zero(t, state.Snapshot().WatchdogRestarts)
}

func TestNoTriggerWhilePaused(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	state := runstate.New(clk, zap.NewNop())
	state.SetStatus(scrape.RunRunning)
	state.Heartbeat()
	state.RequestPause()

	var recoveries atomic.Int32
	w := New(Config{
		State: state,
		Recover: func(context.Context) error {
			recoveries.Add(1)
			return nil
		},
		Timeout:       time.Minute,
		CheckInterval: 5 * time.Millisecond,
		Clock:         clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	clk.advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, recoveries.Load())
	require.Equal(t, scrape.RunPaused, state.Status())
}

func TestNoTriggerBeforeFirstHeartbeat(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	state := runstate.New(clk, zap.NewNop())
	state.SetStatus(scrape.RunRunning)

	var recoveries atomic.Int32
	w := New(Config{
		State: state,
		Recover: func(context.Context) error {
			recoveries.Add(1)
			return nil
		},
		Timeout:       time.Minute,
		CheckInterval: 5 * time.Millisecond,
		Clock:         clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	clk.advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, recoveries.Load())
}
