// Package runstate implements the process-wide engine state machine.
package runstate

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// RunState is the single shared state instance coordinating the
// scheduler, the watchdog, and the control surface. All compound
// read-modify-writes happen under one mutex; waiting on the pause gate
// or the stop signal happens on channels so blocked goroutines wake
// without polling.
type RunState struct {
	mu               sync.Mutex
	status           scrape.RunStatus
	currentItemKey   string
	processedCount   int
	snapshot         scrape.RunSnapshot
	clock            scrape.Clock
	logger           *zap.Logger
	watchdogRestarts int

	// pauseCh is open (non-closed) while paused and closed while
	// running; stopCh is closed once a stop has been requested.
	pauseCh chan struct{}
	stopCh  chan struct{}
}

// New constructs a RunState in Idle with the gate open and no stop
// signal pending.
func New(clock scrape.Clock, logger *zap.Logger) *RunState {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RunState{
		status: scrape.RunIdle,
		clock:  clock,
		logger: logger,
	}
	s.pauseCh = closedChan()
	s.stopCh = make(chan struct{})
	return s
}

// legal encodes the transition table. Illegal transitions are no-ops,
// not errors.
func legal(from, to scrape.RunStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case scrape.RunIdle:
		return to == scrape.RunRunning || to == scrape.RunError
	case scrape.RunRunning:
		return to == scrape.RunPaused || to == scrape.RunStopping ||
			to == scrape.RunRecovering || to == scrape.RunError || to == scrape.RunIdle
	case scrape.RunPaused:
		return to == scrape.RunRunning || to == scrape.RunStopping || to == scrape.RunError
	case scrape.RunStopping:
		return to == scrape.RunIdle || to == scrape.RunError
	case scrape.RunRecovering:
		return to == scrape.RunRunning || to == scrape.RunError || to == scrape.RunStopping
	case scrape.RunError:
		return to == scrape.RunIdle
	}
	return false
}

// SetStatus applies a transition if it is legal and adjusts the pause
// gate and stop signal to match the new status.
func (s *RunState) SetStatus(status scrape.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !legal(s.status, status) {
		s.logger.Debug("ignoring illegal run-state transition",
			zap.String("from", string(s.status)),
			zap.String("to", string(status)),
		)
		return
	}
	s.applyLocked(status)
}

func (s *RunState) applyLocked(status scrape.RunStatus) {
	s.status = status
	switch status {
	case scrape.RunRunning:
		if s.snapshot.StartTime.IsZero() {
			s.snapshot.StartTime = s.clock.Now()
		}
		// Clear any prior stop request and open the gate.
		select {
		case <-s.stopCh:
			s.stopCh = make(chan struct{})
		default:
		}
		s.openGateLocked()
	case scrape.RunPaused:
		s.closeGateLocked()
	case scrape.RunStopping:
		// Release the gate so a paused loop can observe the stop.
		s.signalStopLocked()
		s.openGateLocked()
	case scrape.RunIdle:
		s.currentItemKey = ""
	}
}

// RequestPause moves Running to Paused; a no-op otherwise.
func (s *RunState) RequestPause() {
	s.SetStatus(scrape.RunPaused)
}

// RequestResume moves Paused back to Running; a no-op otherwise.
func (s *RunState) RequestResume() {
	s.SetStatus(scrape.RunRunning)
}

// RequestStop sets the stop signal from Running or Paused.
func (s *RunState) RequestStop() {
	s.SetStatus(scrape.RunStopping)
}

// Reset returns a terminal Error (or Idle/Stopping) state machine to a
// clean Idle, clearing counters for a fresh run.
func (s *RunState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = scrape.RunIdle
	s.currentItemKey = ""
	s.processedCount = 0
	s.watchdogRestarts = 0
	s.snapshot = scrape.RunSnapshot{}
	s.stopCh = make(chan struct{})
	s.openGateLocked()
}

// Snapshot returns a copy of the current state.
func (s *RunState) Snapshot() scrape.RunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot
	snap.Status = s.status
	snap.CurrentItemKey = s.currentItemKey
	snap.ProcessedCount = s.processedCount
	snap.WatchdogRestarts = s.watchdogRestarts
	return snap
}

// Status returns only the current status.
func (s *RunState) Status() scrape.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// UpdateProgress records the item currently being worked on.
func (s *RunState) UpdateProgress(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentItemKey = key
	s.processedCount++
}

// Heartbeat stamps the liveness signal the watchdog trusts.
func (s *RunState) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastHeartbeat = s.clock.Now()
}

// IncrementWatchdogRestarts bumps the recovery counter.
func (s *RunState) IncrementWatchdogRestarts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchdogRestarts++
}

// StopRequested reports whether a stop signal is pending.
func (s *RunState) StopRequested() bool {
	select {
	case <-s.stopChan():
		return true
	default:
		return false
	}
}

// StopChan exposes the stop signal for select loops.
func (s *RunState) StopChan() <-chan struct{} {
	return s.stopChan()
}

// AwaitResume blocks while the engine is paused. It returns early when
// the context finishes or a stop is requested, so a paused loop can
// still exit promptly.
func (s *RunState) AwaitResume(ctx context.Context) error {
	for {
		s.mu.Lock()
		gate := s.pauseCh
		stop := s.stopCh
		s.mu.Unlock()

		select {
		case <-gate:
			return nil
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *RunState) stopChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

func (s *RunState) openGateLocked() {
	select {
	case <-s.pauseCh:
	default:
		close(s.pauseCh)
	}
}

func (s *RunState) closeGateLocked() {
	select {
	case <-s.pauseCh:
		s.pauseCh = make(chan struct{})
	default:
	}
}

func (s *RunState) signalStopLocked() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
