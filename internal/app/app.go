// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/api"
	"github.com/JakeFAU/maps-harvester/internal/buffer"
	"github.com/JakeFAU/maps-harvester/internal/clock/system"
	"github.com/JakeFAU/maps-harvester/internal/config"
	"github.com/JakeFAU/maps-harvester/internal/extractor"
	"github.com/JakeFAU/maps-harvester/internal/guard"
	"github.com/JakeFAU/maps-harvester/internal/metrics"
	"github.com/JakeFAU/maps-harvester/internal/notify"
	"github.com/JakeFAU/maps-harvester/internal/probe"
	"github.com/JakeFAU/maps-harvester/internal/runstate"
	"github.com/JakeFAU/maps-harvester/internal/scheduler"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
	"github.com/JakeFAU/maps-harvester/internal/session"
	"github.com/JakeFAU/maps-harvester/internal/sink"
	"github.com/JakeFAU/maps-harvester/internal/store/memory"
	"github.com/JakeFAU/maps-harvester/internal/store/postgres"
	"github.com/JakeFAU/maps-harvester/internal/watchdog"
)

// App holds the shared, long-lived services: run state, work store,
// session pool, watchdog, and the run manager. It is initialized once
// at startup and fails fast on bad configuration.
type App struct {
	Cfg      config.Config
	Logger   *zap.Logger
	Clock    scrape.Clock
	State    *runstate.RunState
	Store    scrape.WorkStore
	Pool     *session.Pool
	Prober   *probe.Prober
	Manager  *api.Manager
	Watchdog *watchdog.Watchdog

	notifier *notify.PubSubNotifier
	pgStore  *postgres.WorkStore
	memStore *memory.WorkStore
}

// New wires the application from configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clk := system.New()
	state := runstate.New(clk, logger.Named("runstate"))

	a := &App{
		Cfg:    cfg,
		Logger: logger,
		Clock:  clk,
		State:  state,
	}

	if cfg.DB.DSN != "" {
		logger.Info("using postgres work store")
		pg, err := postgres.NewWorkStore(ctx, postgres.WorkStoreConfig{DSN: cfg.DB.DSN})
		if err != nil {
			return nil, fmt.Errorf("initialize work store: %w", err)
		}
		a.pgStore = pg
		a.Store = pg
	} else {
		logger.Info("using in-memory work store")
		a.memStore = memory.NewWorkStore(clk)
		a.Store = a.memStore
	}

	pool, err := a.buildPool(logger)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	a.Prober = probe.New(probe.Config{
		UserAgent: cfg.Session.UserAgent,
		Logger:    logger.Named("probe"),
	})

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		logger.Info("completion notifications enabled",
			zap.String("topic", cfg.PubSub.TopicName),
		)
		notifier, err := notify.NewPubSubNotifier(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, clk, logger.Named("notify"))
		if err != nil {
			return nil, fmt.Errorf("initialize notifier: %w", err)
		}
		a.notifier = notifier
	}

	a.Manager = api.NewManager(state, a.buildRun, logger.Named("manager"))

	a.Watchdog = watchdog.New(watchdog.Config{
		State:         state,
		Recover:       a.recoverSession,
		Timeout:       time.Duration(cfg.Watchdog.TimeoutSec) * time.Second,
		CheckInterval: time.Duration(cfg.Watchdog.CheckIntervalSec) * time.Second,
		Clock:         clk,
		Logger:        logger.Named("watchdog"),
	})

	return a, nil
}

func (a *App) buildPool(logger *zap.Logger) (*session.Pool, error) {
	primary := session.NewChromeBackend(session.BackendConfig{
		Kind:       scrape.BackendPrimary,
		ExecPath:   a.Cfg.Session.PrimaryExecPath,
		ProfileDir: a.Cfg.Session.ProfileDir,
		Logger:     logger.Named("backend.primary"),
	})
	var fallback scrape.Backend
	if a.Cfg.Session.FallbackExecPath != "" {
		fallbackProfile := ""
		if a.Cfg.Session.ProfileDir != "" {
			fallbackProfile = filepath.Join(filepath.Dir(a.Cfg.Session.ProfileDir),
				filepath.Base(a.Cfg.Session.ProfileDir)+"-fallback")
		}
		fallback = session.NewChromeBackend(session.BackendConfig{
			Kind:       scrape.BackendFallback,
			ExecPath:   a.Cfg.Session.FallbackExecPath,
			ProfileDir: fallbackProfile,
			Logger:     logger.Named("backend.fallback"),
		})
	}

	return session.NewPool(session.PoolConfig{
		Primary:  primary,
		Fallback: fallback,
		Options: scrape.SessionOptions{
			Headless:    a.Cfg.Session.Headless,
			SlowMo:      a.Cfg.SlowMo(),
			UserAgent:   a.Cfg.Session.UserAgent,
			ProxyServer: a.Cfg.Session.ProxyServer,
		},
		HashFn:            a.Cfg.SessionHash,
		RepairAfter:       a.Cfg.Session.RepairAfter,
		FailoverThreshold: a.Cfg.Session.FailoverThreshold,
		Logger:            logger.Named("pool"),
	})
}

// buildRun assembles the per-run pieces: sinks, buffer, extractor, and
// scheduler, all tagged with the run's dataset ID.
func (a *App) buildRun(datasetID string) (*api.Run, error) {
	backup, err := sink.NewLocalSink(a.Cfg.Persist.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("initialize backup sink: %w", err)
	}

	var primary scrape.Sink
	if a.Cfg.Persist.GCSBucket != "" {
		gcs, err := sink.NewGCSSink(context.Background(), a.Cfg.Persist.GCSBucket, a.Cfg.Persist.GCSPrefix)
		if err != nil {
			return nil, fmt.Errorf("initialize gcs sink: %w", err)
		}
		primary = gcs
	}

	saver, err := buffer.New(buffer.Config{
		DatasetID:   datasetID,
		BatchSize:   a.Cfg.Persist.BatchSize,
		MaxAttempts: a.Cfg.Persist.MaxAttempts,
		BackoffBase: time.Duration(a.Cfg.Persist.BackoffBaseMs) * time.Millisecond,
		Primary:     primary,
		Backup:      backup,
		Clock:       a.Clock,
		Logger:      a.Logger.Named("buffer"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize persistence buffer: %w", err)
	}

	ext, err := extractor.New(extractor.Config{
		BaseURL:    a.Cfg.Target.BaseURL,
		MaxResults: a.Cfg.Target.MaxResults,
		SlowMo:     a.Cfg.SlowMo(),
		Clock:      a.Clock,
		Heartbeat:  a.State.Heartbeat,
		Checkpoint: a.runCheckpoint,
		Logger:     a.Logger.Named("extractor"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize extractor: %w", err)
	}

	var notifier scrape.Notifier
	if a.notifier != nil {
		notifier = a.notifier
	}

	sched, err := scheduler.New(scheduler.Config{
		State:           a.State,
		Store:           a.Store,
		Pool:            a.Pool,
		Extractor:       ext,
		Saver:           saver,
		Notifier:        notifier,
		Guard:           guard.New(guard.Config{Timeout: a.Cfg.MaxItemTimeout(), Logger: a.Logger.Named("guard")}),
		Clock:           a.Clock,
		Logger:          a.Logger.Named("scheduler"),
		DatasetID:       datasetID,
		RestartInterval: a.Cfg.Engine.SessionRestartInterval,
		DelayMin:        time.Duration(a.Cfg.Engine.DelayBetweenItemsMin) * time.Second,
		DelayMax:        time.Duration(a.Cfg.Engine.DelayBetweenItemsMax) * time.Second,
		ThrottleBackoff: time.Duration(a.Cfg.Engine.ThrottleBackoffSec) * time.Second,
		MaxBackoffs:     a.Cfg.Engine.MaxThrottleBackoffs,
		IdleWait:        time.Duration(a.Cfg.Engine.IdleWaitSec) * time.Second,
		ExitWhenDrained: a.Cfg.Engine.ExitWhenDrained,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize scheduler: %w", err)
	}

	return &api.Run{Runner: sched, Stats: saver.Stats}, nil
}

// runCheckpoint lets pause and stop requests take effect inside an
// item's multi-page flow. The interrupted item returns to Pending, so
// the scheduler loop handles the pause or stop between items as usual.
func (a *App) runCheckpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.State.StopRequested() || a.State.Status() == scrape.RunPaused {
		return scrape.ErrInterrupted
	}
	return nil
}

// recoverSession is the watchdog's recovery path: discard the wedged
// session and probe the target so the engine does not resume straight
// into a rate-limit wall.
func (a *App) recoverSession(ctx context.Context) error {
	if err := a.Pool.Restart(ctx); err != nil {
		return fmt.Errorf("restart session: %w", err)
	}
	if err := a.Prober.Check(ctx, a.Cfg.Target.BaseURL); err != nil {
		return fmt.Errorf("probe target after restart: %w", err)
	}
	return nil
}

// ImportKeys loads work items into whichever store is configured.
func (a *App) ImportKeys(ctx context.Context, keys []string) (int, error) {
	if a.pgStore != nil {
		return a.pgStore.Import(ctx, keys)
	}
	return a.memStore.Add(keys...), nil
}

// Close releases long-lived resources.
func (a *App) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.Logger.Warn("closing notifier", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.Logger.Sync(); err != nil {
		// Sync on stderr commonly fails; nothing useful to do.
		_ = err
	}
}
