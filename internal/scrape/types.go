// Package scrape defines core types shared across subsystems.
package scrape

import "time"

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

// Item status values persisted in the work store.
const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemDone       ItemStatus = "done"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// Terminal reports whether the status is an end state for a run.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemDone, ItemFailed, ItemSkipped:
		return true
	default:
		return false
	}
}

// WorkItem is one unit of scrape work, unique by Key. Items are created
// externally (bulk import) and mutated only by the scheduler.
type WorkItem struct {
	ID        int64      `json:"id"`
	Key       string     `json:"key"`
	Status    ItemStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunStatus is the process-wide engine state.
type RunStatus string

// Run status values exposed via the control surface.
const (
	RunIdle       RunStatus = "idle"
	RunRunning    RunStatus = "running"
	RunPaused     RunStatus = "paused"
	RunStopping   RunStatus = "stopping"
	RunRecovering RunStatus = "recovering"
	RunError      RunStatus = "error"
)

// RunSnapshot is a point-in-time copy of the engine state, safe to hand
// to the control surface without further locking.
type RunSnapshot struct {
	Status           RunStatus `json:"status"`
	CurrentItemKey   string    `json:"current_item_key,omitempty"`
	ProcessedCount   int       `json:"processed_count"`
	StartTime        time.Time `json:"start_time,omitzero"`
	LastHeartbeat    time.Time `json:"last_heartbeat,omitzero"`
	WatchdogRestarts int       `json:"watchdog_restarts"`
}

// Record is one extracted, sink-agnostic payload produced from a
// WorkItem. It is immutable once produced.
type Record struct {
	DatasetID  string            `json:"dataset_id"`
	ItemKey    string            `json:"item_key"`
	CapturedAt time.Time         `json:"captured_at"`
	Fields     map[string]string `json:"fields"`
}

// BackendKind tags which automation engine a session was started with.
type BackendKind string

// Backend variants tried by the session pool.
const (
	BackendPrimary  BackendKind = "primary"
	BackendFallback BackendKind = "fallback"
)

// SessionOptions carries pass-through launch configuration for a
// browsing context. Proxy and stealth knobs are opaque to the engine.
type SessionOptions struct {
	Headless    bool
	SlowMo      time.Duration
	UserAgent   string
	ProxyServer string
	ViewportW   int
	ViewportH   int
}

// BufferStats summarizes persistence buffer state for the stats endpoint.
type BufferStats struct {
	DatasetID  string    `json:"dataset_id"`
	Pending    int       `json:"pending"`
	RetryQueue int       `json:"retry_queue"`
	TotalSaved int64     `json:"total_saved"`
	LastFlush  time.Time `json:"last_flush,omitzero"`
}
