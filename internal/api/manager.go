// Package api exposes the HTTP control surface for the harvester.
package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/runstate"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Runner is one run of the scheduler, started in its own goroutine.
type Runner interface {
	Run(ctx context.Context) error
}

// Run bundles the pieces of one run the manager needs to track.
type Run struct {
	Runner Runner
	// Stats reports the run's persistence buffer state.
	Stats func() scrape.BufferStats
}

// Factory builds a fresh run tagged with the given dataset ID.
type Factory func(datasetID string) (*Run, error)

// Manager owns run lifecycle: at most one run at a time, each with its
// own dataset ID and persistence buffer.
type Manager struct {
	mu        sync.Mutex
	state     *runstate.RunState
	factory   Factory
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	datasetID string
	stats     func() scrape.BufferStats
}

// NewManager creates a Manager.
func NewManager(state *runstate.RunState, factory Factory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		state:   state,
		factory: factory,
		logger:  logger,
	}
}

// Start launches a new run. Only Idle and Error accept a start; Error
// is reset first so a halted engine can be restarted from the control
// surface. A start is refused while the previous run goroutine is
// still draining.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A halted engine may leave its run goroutine mid-shutdown; starting
	// over it would put two schedulers on one session.
	if m.done != nil {
		select {
		case <-m.done:
		default:
			return "", fmt.Errorf("previous run still draining")
		}
	}

	switch status := m.state.Status(); status {
	case scrape.RunIdle:
	case scrape.RunError:
		m.state.Reset()
	default:
		return "", fmt.Errorf("run already active (status %s)", status)
	}

	datasetID := uuid.NewString()
	run, err := m.factory(datasetID)
	if err != nil {
		return "", fmt.Errorf("build run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.datasetID = datasetID
	m.stats = run.Stats

	go func() {
		defer close(done)
		if err := run.Runner.Run(runCtx); err != nil {
			m.logger.Error("run ended with error",
				zap.String("dataset_id", datasetID),
				zap.Error(err),
			)
			return
		}
		m.logger.Info("run finished", zap.String("dataset_id", datasetID))
	}()

	m.logger.Info("run started", zap.String("dataset_id", datasetID))
	return datasetID, nil
}

// Stop signals the active run to finish its current item and shut
// down.
func (m *Manager) Stop() {
	m.state.RequestStop()
}

// Pause gates the scheduler before its next item.
func (m *Manager) Pause() {
	m.state.RequestPause()
}

// Resume releases a paused scheduler.
func (m *Manager) Resume() {
	m.state.RequestResume()
}

// Reset returns a halted engine to Idle. Active runs must be stopped
// first.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status := m.state.Status(); status {
	case scrape.RunIdle, scrape.RunError:
		m.state.Reset()
		return nil
	default:
		return fmt.Errorf("cannot reset while %s", status)
	}
}

// Status returns the engine snapshot plus the active dataset ID.
func (m *Manager) Status() (scrape.RunSnapshot, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Snapshot(), m.datasetID
}

// Stats reports buffer state for the current (or most recent) run.
func (m *Manager) Stats() scrape.BufferStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		return scrape.BufferStats{}
	}
	return m.stats()
}

// Wait blocks until the active run finishes or ctx ends. A nil return
// with no active run is immediate.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the active run and waits for it to drain, bounded by
// ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.state.RequestStop()

	m.mu.Lock()
	done := m.done
	cancel := m.cancel
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The run did not drain in time; cut it off.
		if cancel != nil {
			cancel()
		}
		return fmt.Errorf("run did not drain before deadline: %w", ctx.Err())
	}
}
