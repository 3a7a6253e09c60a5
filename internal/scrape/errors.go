package scrape

import (
	"errors"
	"fmt"
)

// ErrTimedOut is returned by the timeout guard when a unit of work
// exceeds its wall-clock bound. The item is preserved as Skipped.
var ErrTimedOut = errors.New("work timed out")

// ErrNoPending is returned by stores that prefer an error over a nil
// item; the scheduler treats both forms as a drained queue.
var ErrNoPending = errors.New("no pending work item")

// ErrInterrupted is returned from an in-item checkpoint when a pause
// or stop request arrives mid-item. The item returns to Pending so the
// work is retried once the run resumes.
var ErrInterrupted = errors.New("run interrupted")

// ThrottleError reports that the target signaled rate limiting (e.g.
// an unusual-traffic interstitial). The scheduler backs off instead of
// hammering the target.
type ThrottleError struct {
	Signature string
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("target throttled: %s", e.Signature)
}

// IsThrottle reports whether err carries a throttle signature.
func IsThrottle(err error) bool {
	var t *ThrottleError
	return errors.As(err, &t)
}

// SessionError reports that the automation backend broke (start,
// navigation, or context failure). It triggers a pool restart.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsSessionFailure reports whether err originated in the backend.
func IsSessionFailure(err error) bool {
	var s *SessionError
	return errors.As(err, &s)
}

// RecoverableError marks a sink failure as retryable (rate limits,
// transient network). Anything not wrapped this way is treated as
// fatal by the batch writer and propagates without consuming retry
// budget.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("recoverable: %v", e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// Recoverable wraps err so the batch writer retries it.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

// IsRecoverable reports whether a sink error is worth retrying.
func IsRecoverable(err error) bool {
	var r *RecoverableError
	return errors.As(err, &r)
}
