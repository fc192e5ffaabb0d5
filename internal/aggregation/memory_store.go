package aggregation

import (
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the reference Store implementation: a mutex-guarded map
// with the same conditional-write semantics as the durable store. It backs
// tests and single-process deployments; multi-process deployments must use
// SQLiteStore so correctness survives across workers.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Create persists a new session in PENDING state.
func (m *MemoryStore) Create(session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s: %w", session.ID, ErrAlreadyExists)
	}

	stored := session.Clone()
	stored.Status = StatusPending
	stored.Version = 1
	m.sessions[session.ID] = stored
	return nil
}

// Get returns a copy of the session with the given id.
func (m *MemoryStore) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session.Clone(), nil
}

// ApplyPartial records one strategy's result with compare-and-swap
// semantics.
func (m *MemoryStore) ApplyPartial(id string, result PartialResult, expectedVersion int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	// Terminal sessions are fenced: late arrivals are silently absorbed.
	if session.Status.Terminal() {
		return session.Clone(), nil
	}

	// Idempotent replay: the same strategy reporting twice is a no-op.
	if session.Reported(result.StrategyID) {
		return session.Clone(), nil
	}

	if session.Version != expectedVersion {
		return nil, fmt.Errorf("session %s: expected version %d, have %d: %w",
			id, expectedVersion, session.Version, ErrVersionConflict)
	}

	if result.Failed() {
		session.Failures[result.StrategyID] = result.Err
	} else {
		session.Partials[result.StrategyID] = *result.Allocation
	}
	session.Completed++
	session.Version++

	return session.Clone(), nil
}

// BeginMerge transitions PENDING -> MERGING.
func (m *MemoryStore) BeginMerge(id string, expectedVersion int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if session.Status != StatusPending || session.Version != expectedVersion {
		return nil, fmt.Errorf("session %s: %w", id, ErrVersionConflict)
	}

	session.Status = StatusMerging
	session.Version++
	return session.Clone(), nil
}

// FindStale returns non-terminal sessions whose deadline has passed.
func (m *MemoryStore) FindStale(olderThan time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*Session
	for _, session := range m.sessions {
		if !session.Status.Terminal() && session.Deadline.Before(olderThan) {
			stale = append(stale, session.Clone())
		}
	}
	return stale, nil
}

// MarkTerminal transitions the session into a terminal status.
func (m *MemoryStore) MarkTerminal(id string, status Status, expectedVersion int64) (*Session, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("status %s is not terminal", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, false, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	// Already terminal: no-op, never an error. The timeout scanner and the
	// completion path race deliberately.
	if session.Status.Terminal() {
		return session.Clone(), false, nil
	}

	if session.Version != expectedVersion {
		return nil, false, fmt.Errorf("session %s: expected version %d, have %d: %w",
			id, expectedVersion, session.Version, ErrVersionConflict)
	}

	session.Status = status
	session.Version++
	return session.Clone(), true, nil
}
