package aggregation

import (
	"errors"
	"time"
)

// Store contract errors. Callers branch with errors.Is.
var (
	// ErrNotFound - no session with the given id.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists - Create was called twice for the same session id.
	// Fan-out initiation is idempotent; the second caller must not proceed.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrVersionConflict - the expected version did not match the stored
	// one. The caller should re-read and retry; the store never silently
	// overwrites a concurrent write.
	ErrVersionConflict = errors.New("session version conflict")
)

// Store is the durable, concurrently-mutable record of aggregation
// sessions. Implementations must provide conditional (compare-and-swap)
// writes keyed on Session.Version; process-local maps are acceptable only
// for tests and single-process deployments.
type Store interface {
	// Create persists a new session in PENDING state.
	// Returns ErrAlreadyExists if the id is already taken.
	Create(session *Session) error

	// Get returns the session with the given id, or ErrNotFound.
	Get(id string) (*Session, error)

	// ApplyPartial records one strategy's result, incrementing Completed
	// and the version. Conditioned on expectedVersion (ErrVersionConflict
	// on mismatch). A strategy that has already reported is a no-op, as is
	// a session that is already terminal; neither is an error.
	ApplyPartial(id string, result PartialResult, expectedVersion int64) (*Session, error)

	// BeginMerge transitions PENDING -> MERGING, conditioned on
	// expectedVersion. Exactly one caller wins the race to merge a
	// completed session; the losers get ErrVersionConflict.
	BeginMerge(id string, expectedVersion int64) (*Session, error)

	// FindStale returns non-terminal sessions whose deadline is before the
	// given instant. Used by the timeout scanner.
	FindStale(olderThan time.Time) ([]*Session, error)

	// MarkTerminal transitions the session into a terminal status,
	// conditioned on expectedVersion. A session that is already terminal
	// is a no-op reported via applied=false, never an error - the scanner
	// and the completion path are allowed to race.
	MarkTerminal(id string, status Status, expectedVersion int64) (session *Session, applied bool, err error)
}
