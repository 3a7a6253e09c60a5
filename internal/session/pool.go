package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/metrics"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Pool owns at most one live session. Every borrower goes through
// UseSession, which replaces the session when the launch configuration
// changed or the health check fails, and applies the repair/failover
// policy on consecutive start failures. The failover to the fallback
// backend is permanent for the pool's lifetime.
type Pool struct {
	mu          sync.Mutex
	current     scrape.Session
	currentHash string
	startFails  int
	onFallback  bool
	backend     scrape.Backend
	fallback    scrape.Backend
	opts        scrape.SessionOptions
	hashFn      func() (string, error)
	repairAfter int
	failoverAt  int
	logger      *zap.Logger
}

// PoolConfig holds Pool settings. Fallback may be nil when only one
// engine is installed.
type PoolConfig struct {
	Primary  scrape.Backend
	Fallback scrape.Backend
	Options  scrape.SessionOptions
	// HashFn returns the current session-config digest; a change
	// forces a restart before the next borrow.
	HashFn            func() (string, error)
	RepairAfter       int
	FailoverThreshold int
	Logger            *zap.Logger
}

// NewPool creates a session pool starting on the primary backend.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("primary backend is required")
	}
	if cfg.HashFn == nil {
		cfg.HashFn = func() (string, error) { return "", nil }
	}
	if cfg.RepairAfter <= 0 {
		cfg.RepairAfter = 2
	}
	if cfg.FailoverThreshold <= 0 {
		cfg.FailoverThreshold = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Pool{
		backend:     cfg.Primary,
		fallback:    cfg.Fallback,
		opts:        cfg.Options,
		hashFn:      cfg.HashFn,
		repairAfter: cfg.RepairAfter,
		failoverAt:  cfg.FailoverThreshold,
		logger:      cfg.Logger,
	}, nil
}

// UseSession returns a healthy session, starting or restarting one as
// needed. The caller must not retain the session across calls.
func (p *Pool) UseSession(ctx context.Context) (scrape.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash, err := p.hashFn()
	if err != nil {
		return nil, fmt.Errorf("compute session config hash: %w", err)
	}

	if p.current != nil && hash != p.currentHash {
		p.logger.Info("session config changed, restarting session")
		metrics.ObserveSessionRestart("config_change")
		p.closeCurrentLocked(ctx)
	}

	if p.current != nil && !p.current.Alive(ctx) {
		p.logger.Warn("session failed health check, restarting session")
		metrics.ObserveSessionRestart("unhealthy")
		p.closeCurrentLocked(ctx)
	}

	if p.current == nil {
		sess, err := p.startLocked(ctx)
		if err != nil {
			return nil, err
		}
		p.current = sess
		p.currentHash = hash
	}

	return p.current, nil
}

// startLocked attempts a session start under the failure policy:
// repair the backend's assets after repairAfter consecutive failures,
// switch to the fallback backend permanently after failoverAt, and
// give up once the fallback exhausts the same budget.
func (p *Pool) startLocked(ctx context.Context) (scrape.Session, error) {
	for {
		sess, err := p.backend.Start(ctx, p.opts)
		if err == nil {
			p.startFails = 0
			return sess, nil
		}

		p.startFails++
		p.logger.Error("session start failed",
			zap.String("backend", string(p.backend.Kind())),
			zap.Int("consecutive_failures", p.startFails),
			zap.Error(err),
		)

		if p.startFails == p.repairAfter {
			if repairErr := p.backend.Repair(ctx); repairErr != nil {
				p.logger.Error("backend repair failed", zap.Error(repairErr))
			}
		}

		if p.startFails < p.failoverAt {
			return nil, err
		}

		if !p.onFallback && p.fallback != nil {
			p.logger.Warn("failing over to fallback backend",
				zap.String("from", string(p.backend.Kind())),
				zap.String("to", string(p.fallback.Kind())),
			)
			metrics.ObserveSessionRestart("failover")
			p.backend = p.fallback
			p.onFallback = true
			p.startFails = 0
			continue
		}

		return nil, fmt.Errorf("all session backends exhausted: %w", err)
	}
}

// Restart discards the current session so the next borrow starts
// fresh. Close errors are logged, not returned; a session being
// restarted is already suspect.
func (p *Pool) Restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		metrics.ObserveSessionRestart("requested")
	}
	p.closeCurrentLocked(ctx)
	return nil
}

// Shutdown closes the live session. The pool can be reused afterwards;
// the next UseSession starts a new session.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCurrentLocked(ctx)
}

// Backend reports which backend the pool is currently on.
func (p *Pool) Backend() scrape.BackendKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend.Kind()
}

func (p *Pool) closeCurrentLocked(ctx context.Context) {
	if p.current == nil {
		return
	}
	if err := p.current.Close(ctx); err != nil {
		p.logger.Warn("closing session", zap.Error(err))
	}
	p.current = nil
	p.currentHash = ""
}
