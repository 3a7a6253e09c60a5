// Package scheduler runs the item-processing loop: claim, extract,
// classify, persist.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/buffer"
	"github.com/JakeFAU/maps-harvester/internal/guard"
	"github.com/JakeFAU/maps-harvester/internal/metrics"
	"github.com/JakeFAU/maps-harvester/internal/runstate"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Scheduler owns one run end to end. It is single-threaded by
// contract: one item at a time against one session.
type Scheduler struct {
	state     *runstate.RunState
	store     scrape.WorkStore
	pool      scrape.SessionProvider
	extractor scrape.Extractor
	saver     *buffer.Saver
	notifier  scrape.Notifier
	guard     *guard.Guard
	clock     scrape.Clock
	logger    *zap.Logger

	datasetID       string
	restartInterval int
	delayMin        time.Duration
	delayMax        time.Duration
	throttleBackoff time.Duration
	maxBackoffs     int
	idleWait        time.Duration
	exitWhenDrained bool

	// lastWasThrottle marks whether the most recent item failed on a
	// throttle signal. The loop is single-threaded, so no locking.
	lastWasThrottle bool
}

// Config holds Scheduler settings. Notifier is optional.
type Config struct {
	State     *runstate.RunState
	Store     scrape.WorkStore
	Pool      scrape.SessionProvider
	Extractor scrape.Extractor
	Saver     *buffer.Saver
	Notifier  scrape.Notifier
	Guard     *guard.Guard
	Clock     scrape.Clock
	Logger    *zap.Logger

	DatasetID string
	// RestartInterval proactively restarts the session every N items.
	RestartInterval int
	DelayMin        time.Duration
	DelayMax        time.Duration
	ThrottleBackoff time.Duration
	// MaxBackoffs bounds consecutive throttle waits before the run
	// gives up instead of hammering a blocked target.
	MaxBackoffs int
	// IdleWait is how long the loop sleeps between polls of an empty
	// queue. Items queued mid-run get picked up on the next poll.
	IdleWait time.Duration
	// ExitWhenDrained ends the run instead of re-polling once the
	// queue is empty. Batch invocations set this; the long-running
	// service keeps polling until a stop is requested.
	ExitWhenDrained bool
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.State == nil:
		return nil, errors.New("run state is required")
	case cfg.Store == nil:
		return nil, errors.New("work store is required")
	case cfg.Pool == nil:
		return nil, errors.New("session pool is required")
	case cfg.Extractor == nil:
		return nil, errors.New("extractor is required")
	case cfg.Saver == nil:
		return nil, errors.New("saver is required")
	case cfg.Guard == nil:
		return nil, errors.New("guard is required")
	case cfg.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = 10
	}
	if cfg.DelayMin <= 0 {
		cfg.DelayMin = 5 * time.Second
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if cfg.ThrottleBackoff <= 0 {
		cfg.ThrottleBackoff = 10 * time.Second
	}
	if cfg.MaxBackoffs <= 0 {
		cfg.MaxBackoffs = 5
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		state:           cfg.State,
		store:           cfg.Store,
		pool:            cfg.Pool,
		extractor:       cfg.Extractor,
		saver:           cfg.Saver,
		notifier:        cfg.Notifier,
		guard:           cfg.Guard,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		datasetID:       cfg.DatasetID,
		restartInterval: cfg.RestartInterval,
		delayMin:        cfg.DelayMin,
		delayMax:        cfg.DelayMax,
		throttleBackoff: cfg.ThrottleBackoff,
		maxBackoffs:     cfg.MaxBackoffs,
		idleWait:        cfg.IdleWait,
		exitWhenDrained: cfg.ExitWhenDrained,
	}, nil
}

// Run processes items until a stop is requested or the context ends;
// with ExitWhenDrained set it also ends once the queue is empty. It
// always shuts down cleanly: buffered records are flushed, the session
// is closed, and the engine returns to Idle.
func (s *Scheduler) Run(ctx context.Context) error {
	s.state.SetStatus(scrape.RunRunning)
	s.state.Heartbeat()

	swept, err := s.store.SweepStuck(ctx)
	if err != nil {
		s.state.SetStatus(scrape.RunError)
		return fmt.Errorf("sweep stuck items: %w", err)
	}
	if swept > 0 {
		s.logger.Info("reset items stuck in processing", zap.Int("count", swept))
	}

	runErr := s.loop(ctx)
	s.shutdown(ctx, runErr)
	return runErr
}

func (s *Scheduler) loop(ctx context.Context) error {
	itemsSinceRestart := 0
	consecutiveBackoffs := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.state.StopRequested() {
			s.logger.Info("stop requested, ending run")
			return nil
		}
		switch s.state.Status() {
		case scrape.RunError:
			// The watchdog parks the engine here when recovery fails;
			// only an external reset may clear it.
			s.logger.Error("engine halted in error state, ending run")
			return errors.New("engine halted in error state")
		case scrape.RunPaused:
			s.logger.Info("paused, waiting for resume")
			if err := s.state.AwaitResume(ctx); err != nil {
				return err
			}
			continue
		}
		s.state.Heartbeat()

		item, err := s.store.NextPending(ctx)
		if err != nil && !errors.Is(err, scrape.ErrNoPending) {
			return fmt.Errorf("claim next item: %w", err)
		}
		if item == nil || errors.Is(err, scrape.ErrNoPending) {
			if s.exitWhenDrained {
				s.logger.Info("work queue drained, run complete")
				return nil
			}
			s.logger.Debug("work queue empty, polling again")
			if err := s.wait(ctx, s.idleWait); err != nil {
				return err
			}
			continue
		}

		if itemsSinceRestart >= s.restartInterval {
			s.logger.Info("proactive session restart",
				zap.Int("items_since_restart", itemsSinceRestart),
			)
			if err := s.pool.Restart(ctx); err != nil {
				s.logger.Warn("proactive restart failed", zap.Error(err))
			}
			itemsSinceRestart = 0
		}

		status := s.processItem(ctx, item)
		itemsSinceRestart++

		if status == scrape.ItemFailed && s.lastWasThrottle {
			consecutiveBackoffs++
			if consecutiveBackoffs >= s.maxBackoffs {
				s.logger.Error("throttle backoff budget exhausted, ending run",
					zap.Int("consecutive_backoffs", consecutiveBackoffs),
				)
				return fmt.Errorf("target throttled %d consecutive items", consecutiveBackoffs)
			}
			if err := s.wait(ctx, s.throttleBackoff); err != nil {
				return err
			}
		} else {
			consecutiveBackoffs = 0
		}

		if err := s.wait(ctx, s.jitteredDelay()); err != nil {
			return err
		}
	}
}

// processItem runs one item through its full lifecycle. Whatever
// happens, the item never stays in Processing: it leaves with an
// outcome status, or back in Pending when a pause or stop interrupted
// it mid-flow.
func (s *Scheduler) processItem(ctx context.Context, item *scrape.WorkItem) scrape.ItemStatus {
	s.lastWasThrottle = false
	s.state.UpdateProgress(item.Key)
	s.logger.Info("processing item", zap.String("key", item.Key))
	started := s.clock.Now()

	item.Status = scrape.ItemProcessing
	if err := s.store.Save(ctx, item); err != nil {
		s.logger.Error("marking item processing failed", zap.String("key", item.Key), zap.Error(err))
	}

	var recordCount int
	workErr := s.guard.Run(ctx, func(workCtx context.Context) error {
		sess, err := s.pool.UseSession(workCtx)
		if err != nil {
			return err
		}
		records, err := s.extractor.Extract(workCtx, sess, item.Key)
		for i := range records {
			records[i].DatasetID = s.datasetID
			if saveErr := s.saver.Save(workCtx, records[i]); saveErr != nil {
				s.logger.Error("buffering record failed",
					zap.String("key", item.Key),
					zap.Error(saveErr),
				)
			}
			s.state.Heartbeat()
		}
		recordCount = len(records)
		return err
	})

	status := s.classify(ctx, item.Key, workErr)
	item.Status = status
	if err := s.store.Save(ctx, item); err != nil {
		s.logger.Error("saving final item status failed",
			zap.String("key", item.Key),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}

	// An interrupted item went back to Pending; it was not an outcome.
	if status != scrape.ItemPending {
		metrics.ObserveItem(string(status))
		metrics.ObserveItemDuration(s.clock.Now().Sub(started).Seconds())
		if status == scrape.ItemDone {
			metrics.AddRecordsSaved(recordCount)
		}
		s.notify(ctx, *item, recordCount)
	}
	s.state.Heartbeat()
	return status
}

// classify maps a work error onto the item's final status and performs
// the matching side effects.
func (s *Scheduler) classify(ctx context.Context, key string, err error) scrape.ItemStatus {
	switch {
	case err == nil:
		s.logger.Info("item done", zap.String("key", key))
		return scrape.ItemDone

	case errors.Is(err, scrape.ErrInterrupted):
		s.logger.Info("pause or stop during item, returning item to queue", zap.String("key", key))
		return scrape.ItemPending

	case errors.Is(err, scrape.ErrTimedOut):
		// The abandoned goroutine may still hold the session; discard
		// it so the next item starts clean.
		s.logger.Warn("item timed out, skipping", zap.String("key", key))
		if restartErr := s.pool.Restart(ctx); restartErr != nil {
			s.logger.Warn("restart after timeout failed", zap.Error(restartErr))
		}
		return scrape.ItemSkipped

	case scrape.IsThrottle(err):
		s.logger.Warn("target throttled, backing off",
			zap.String("key", key),
			zap.Error(err),
		)
		metrics.ObserveThrottleHit()
		s.lastWasThrottle = true
		return scrape.ItemFailed

	case scrape.IsSessionFailure(err):
		s.logger.Error("session failure", zap.String("key", key), zap.Error(err))
		if restartErr := s.pool.Restart(ctx); restartErr != nil {
			s.logger.Warn("restart after session failure failed", zap.Error(restartErr))
		}
		return scrape.ItemFailed

	default:
		s.logger.Error("item failed", zap.String("key", key), zap.Error(err))
		return scrape.ItemFailed
	}
}

func (s *Scheduler) notify(ctx context.Context, item scrape.WorkItem, records int) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ItemCompleted(ctx, item, records); err != nil {
		s.logger.Warn("completion notification failed",
			zap.String("key", item.Key),
			zap.Error(err),
		)
	}
}

// shutdown flushes buffered records and closes the session no matter
// how the loop ended. A clean or stopped run lands in Idle; a run that
// died on an error lands in Error so the control surface can show it.
func (s *Scheduler) shutdown(ctx context.Context, runErr error) {
	s.state.SetStatus(scrape.RunStopping)
	if err := s.saver.Close(ctx); err != nil {
		s.logger.Error("final flush incomplete, backup files hold the remainder", zap.Error(err))
	}
	s.pool.Shutdown(ctx)
	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		s.state.SetStatus(scrape.RunError)
	case s.state.Status() == scrape.RunError:
		// Externally imposed while we were draining; leave it for the
		// operator.
	default:
		s.state.SetStatus(scrape.RunIdle)
	}
	s.logger.Info("run shut down")
}

// wait sleeps for d, waking early when a stop is requested or the
// context ends.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-s.state.StopChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitteredDelay picks a uniform random delay in [delayMin, delayMax].
func (s *Scheduler) jitteredDelay() time.Duration {
	if s.delayMax <= s.delayMin {
		return s.delayMin
	}
	span := s.delayMax - s.delayMin
	return s.delayMin + rand.N(span)
}
