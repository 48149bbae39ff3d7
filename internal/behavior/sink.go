// Package behavior stores collected reading-behavior events and serves them
// back for analysis. The Sink interface is the boundary the event collector
// forwards to; Store is the daemon's SQLite-backed production sink.
package behavior

import (
	"time"

	"github.com/lectorlab/sibyl/internal/model"
)

// CollectionStatus is the read-only snapshot of the active session.
type CollectionStatus struct {
	IsCollecting     bool   `json:"is_collecting"`
	EventCount       int64  `json:"event_count"`
	CurrentSubjectID string `json:"current_subject_id,omitempty"`
}

// Snapshot is the aggregate the analysis engine consumes: the session
// identity, the most recent events in chronological order, and per-category
// counts over the whole session.
type Snapshot struct {
	Status     CollectionStatus    `json:"status"`
	SessionID  string              `json:"session_id,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	Events     []model.EventRecord `json:"events,omitempty"`
	Categories map[string]int64    `json:"categories,omitempty"`
}

// Sink receives collected events scoped to a subject session.
type Sink interface {
	// StartCollecting opens a session for a subject and returns its id. An
	// already-open session is finalized first.
	StartCollecting(subjectID string) (string, error)

	// StopCollecting finalizes the open session. No-op when none is open.
	StopCollecting() error

	// CollectEvent records one event against the open session. It fails
	// when no session is open; callers are expected to contain the failure.
	CollectEvent(rec model.EventRecord) error

	// Status reports the active session without touching storage.
	Status() CollectionStatus

	// BehaviorData aggregates the open session for analysis. With no open
	// session it returns a snapshot whose status shows collection off.
	BehaviorData() (Snapshot, error)
}
