// Package ledger defines the sync-state ledger shared between the local
// recorders (which create Dirty entries) and the sync engine (which owns all
// state transitions).
package ledger

import "time"

// Kind identifies what sort of local record a ledger entry wraps.
type Kind string

const (
	KindEmbedding  Kind = "embedding"
	KindAttendance Kind = "attendance"
	KindProfile    Kind = "profile"
)

// Kinds lists all record kinds in the order the engine drains them.
// Profiles go first so a brand-new identity exists at the authority before
// its embeddings and attendance events arrive.
var Kinds = []Kind{KindProfile, KindEmbedding, KindAttendance}

// State is the synchronization lifecycle state of one local record.
type State string

const (
	StateDirty    State = "dirty"
	StateInFlight State = "in_flight"
	StateSynced   State = "synced"
	StateConflict State = "conflict"
)

// Conflict reasons recorded in LastError when an entry parks in Conflict.
const (
	ReasonExhaustedRetries = "exhausted_retries"
)

// Entry wraps one locally-mutated record with its sync metadata.
type Entry struct {
	ID              int64
	Kind            Kind
	RecordID        int64 // row id of the wrapped record in its own table
	State           State
	Attempts        int
	LastError       string
	LastAttemptedAt time.Time
	NextAttemptAt   time.Time
	CreatedAt       time.Time
}

// Retryable reports whether the entry may be pushed again given the
// configured attempt cap.
func (e Entry) Retryable(maxAttempts int) bool {
	return e.Attempts < maxAttempts
}
