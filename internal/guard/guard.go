// Package guard bounds the wall-clock time of a unit of work.
package guard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Guard runs work functions under a deadline. When the deadline
// expires the caller gets scrape.ErrTimedOut immediately; the work
// goroutine keeps running until it observes its context and may still
// touch shared state afterwards. Components that share state with
// guarded work must tolerate late writes; the session pool discards
// the whole session after a timeout for exactly this reason.
type Guard struct {
	timeout time.Duration
	logger  *zap.Logger
}

// Config holds Guard settings.
type Config struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// New creates a Guard. A zero timeout disables the deadline.
func New(cfg Config) *Guard {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Guard{
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Run executes work under the configured deadline. The work receives a
// context that is cancelled at the deadline so cooperative code can
// abort early; the buffered result channel lets an abandoned goroutine
// finish without blocking forever.
func (g *Guard) Run(ctx context.Context, work func(context.Context) error) error {
	if g.timeout <= 0 {
		return work(ctx)
	}

	workCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- work(workCtx)
	}()

	select {
	case err := <-result:
		// Cooperative work that quit on the deadline reports the same
		// way as abandoned work.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return scrape.ErrTimedOut
		}
		return err
	case <-workCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn("abandoning timed-out work",
			zap.Duration("timeout", g.timeout),
		)
		return scrape.ErrTimedOut
	}
}
