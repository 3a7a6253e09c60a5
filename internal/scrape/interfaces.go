package scrape

import (
	"context"
	"time"
)

// WorkStore persists work items and their lifecycle status.
type WorkStore interface {
	// NextPending returns the next pending item in insertion order, or
	// nil when no pending item exists.
	NextPending(ctx context.Context) (*WorkItem, error)
	Save(ctx context.Context, item *WorkItem) error
	// SweepStuck resets every Processing item back to Pending and
	// returns how many were reset. Run at startup; items stuck in
	// Processing are crash artifacts, never an error condition.
	SweepStuck(ctx context.Context) (int, error)
	// ResetFailed returns Failed and Skipped items to Pending so a
	// later run retries them.
	ResetFailed(ctx context.Context) (int, error)
}

// Session is one live automation backend instance plus one browsing
// context, exclusively owned by the session pool. Callers must treat
// any operation after a pool restart as failed.
type Session interface {
	Kind() BackendKind
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Alive validates that the backend is connected and the browsing
	// context still answers. Cheap enough to call before every reuse.
	Alive(ctx context.Context) bool
	Close(ctx context.Context) error
}

// Backend starts automation sessions. Implementations wrap a concrete
// driver; the pool treats them as interchangeable Primary/Fallback
// capabilities.
type Backend interface {
	Kind() BackendKind
	Start(ctx context.Context, opts SessionOptions) (Session, error)
	// Repair performs a best-effort asset fix (e.g. wiping a corrupted
	// profile directory) between failed start attempts.
	Repair(ctx context.Context) error
}

// SessionProvider is the scheduler's view of the session pool.
type SessionProvider interface {
	UseSession(ctx context.Context) (Session, error)
	Restart(ctx context.Context) error
	Shutdown(ctx context.Context)
}

// Extractor performs the site-specific per-item work against a live
// session and returns the records it produced.
type Extractor interface {
	Extract(ctx context.Context, sess Session, itemKey string) ([]Record, error)
}

// Sink writes confirmed batches to an external system. Implementations
// signal retryability through the error taxonomy in errors.go.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
	Close(ctx context.Context) error
}

// Notifier publishes item-completion events (fire-and-forget from the
// scheduler's point of view).
type Notifier interface {
	ItemCompleted(ctx context.Context, item WorkItem, records int) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
