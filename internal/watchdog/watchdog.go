// Package watchdog monitors scheduler liveness and drives recovery
// when the heartbeat goes stale.
package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/metrics"
	"github.com/JakeFAU/maps-harvester/internal/runstate"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Watchdog periodically compares the engine heartbeat against a
// staleness bound. A stale heartbeat while Running moves the engine to
// Recovering and invokes the recovery callback exactly once per
// incident; the Recovering state itself keeps a second check from
// re-triggering while recovery is underway.
type Watchdog struct {
	state         *runstate.RunState
	recover       func(context.Context) error
	timeout       time.Duration
	checkInterval time.Duration
	clock         scrape.Clock
	logger        *zap.Logger
}

// Config holds Watchdog settings.
type Config struct {
	State         *runstate.RunState
	Recover       func(context.Context) error
	Timeout       time.Duration
	CheckInterval time.Duration
	Clock         scrape.Clock
	Logger        *zap.Logger
}

// New creates a Watchdog.
func New(cfg Config) *Watchdog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Watchdog{
		state:         cfg.State,
		recover:       cfg.Recover,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}
}

// Run blocks until ctx is cancelled, checking liveness every interval.
// Callers run it in its own goroutine alongside the scheduler.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watchdog) check(ctx context.Context) {
	snap := w.state.Snapshot()
	if snap.Status != scrape.RunRunning {
		return
	}
	if snap.LastHeartbeat.IsZero() {
		return
	}
	staleFor := w.clock.Now().Sub(snap.LastHeartbeat)
	if staleFor <= w.timeout {
		return
	}

	w.logger.Error("heartbeat stale, starting recovery",
		zap.Duration("stale_for", staleFor),
		zap.String("current_item", snap.CurrentItemKey),
	)
	w.state.SetStatus(scrape.RunRecovering)

	if err := w.recover(ctx); err != nil {
		w.logger.Error("recovery failed, halting engine", zap.Error(err))
		w.state.SetStatus(scrape.RunError)
		return
	}

	// Stamp a fresh heartbeat so the next check measures from the
	// recovery, not from the stall.
	w.state.Heartbeat()
	w.state.IncrementWatchdogRestarts()
	metrics.ObserveWatchdogRecovery()
	w.state.SetStatus(scrape.RunRunning)
	w.logger.Info("recovery complete, resuming")
}
