package aggregation

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jvallis/helmsman/internal/database"
	"github.com/jvallis/helmsman/internal/evaluation"
)

// SessionsSchema creates the sessions table. Applied idempotently on every
// startup via database.Config.Schema.
const SessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    total_expected INTEGER NOT NULL,
    completed      INTEGER NOT NULL DEFAULT 0,
    partials       BLOB NOT NULL,
    failures       BLOB NOT NULL,
    status         TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    deadline       INTEGER NOT NULL,
    version        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status_deadline
    ON sessions(status, deadline);
`

// SQLiteStore is the durable Store implementation. One row per session;
// partial allocations and failure maps are serialized with msgpack; all
// mutations are conditional UPDATEs on the version column, so concurrent
// writers from independent worker processes can never silently overwrite
// each other.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteStore creates a session store backed by the given sessions
// database connection.
func NewSQLiteStore(db *sql.DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		log: log.With().Str("repository", "sessions").Logger(),
	}
}

// Create persists a new session in PENDING state.
func (s *SQLiteStore) Create(session *Session) error {
	partials, failures, err := encodeMaps(session)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, correlation_id, total_expected, completed,
		                      partials, failures, status, created_at, deadline, version)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, 1)
	`, session.ID, session.CorrelationID, session.TotalExpected,
		partials, failures, string(StatusPending),
		session.CreatedAt.UnixMilli(), session.Deadline.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", session.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}

	return nil
}

// Get returns the session with the given id.
func (s *SQLiteStore) Get(id string) (*Session, error) {
	return scanSession(s.db.QueryRow(`
		SELECT id, correlation_id, total_expected, completed,
		       partials, failures, status, created_at, deadline, version
		FROM sessions WHERE id = ?
	`, id), id)
}

// ApplyPartial records one strategy's result with a conditional write.
func (s *SQLiteStore) ApplyPartial(id string, result PartialResult, expectedVersion int64) (*Session, error) {
	var applied *Session

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRow(`
			SELECT id, correlation_id, total_expected, completed,
			       partials, failures, status, created_at, deadline, version
			FROM sessions WHERE id = ?
		`, id), id)
		if err != nil {
			return err
		}

		// Terminal sessions are fenced; replays are no-ops.
		if session.Status.Terminal() || session.Reported(result.StrategyID) {
			applied = session
			return nil
		}

		if session.Version != expectedVersion {
			return fmt.Errorf("session %s: expected version %d, have %d: %w",
				id, expectedVersion, session.Version, ErrVersionConflict)
		}

		if result.Failed() {
			session.Failures[result.StrategyID] = result.Err
		} else {
			session.Partials[result.StrategyID] = *result.Allocation
		}
		session.Completed++
		session.Version++

		if err := s.update(tx, session, expectedVersion); err != nil {
			return err
		}
		applied = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	return applied, nil
}

// BeginMerge transitions PENDING -> MERGING with a conditional write.
func (s *SQLiteStore) BeginMerge(id string, expectedVersion int64) (*Session, error) {
	var merged *Session

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRow(`
			SELECT id, correlation_id, total_expected, completed,
			       partials, failures, status, created_at, deadline, version
			FROM sessions WHERE id = ?
		`, id), id)
		if err != nil {
			return err
		}

		if session.Status != StatusPending || session.Version != expectedVersion {
			return fmt.Errorf("session %s: %w", id, ErrVersionConflict)
		}

		session.Status = StatusMerging
		session.Version++

		if err := s.update(tx, session, expectedVersion); err != nil {
			return err
		}
		merged = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	return merged, nil
}

// FindStale returns non-terminal sessions whose deadline has passed.
func (s *SQLiteStore) FindStale(olderThan time.Time) ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, correlation_id, total_expected, completed,
		       partials, failures, status, created_at, deadline, version
		FROM sessions
		WHERE status IN (?, ?) AND deadline < ?
	`, string(StatusPending), string(StatusMerging), olderThan.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var stale []*Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan stale session row")
			continue
		}
		stale = append(stale, session)
	}
	return stale, rows.Err()
}

// MarkTerminal transitions the session into a terminal status.
func (s *SQLiteStore) MarkTerminal(id string, status Status, expectedVersion int64) (*Session, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("status %s is not terminal", status)
	}

	var (
		result  *Session
		applied bool
	)

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRow(`
			SELECT id, correlation_id, total_expected, completed,
			       partials, failures, status, created_at, deadline, version
			FROM sessions WHERE id = ?
		`, id), id)
		if err != nil {
			return err
		}

		// Already terminal: safe no-op so the scanner can race completion.
		if session.Status.Terminal() {
			result = session
			return nil
		}

		if session.Version != expectedVersion {
			return fmt.Errorf("session %s: expected version %d, have %d: %w",
				id, expectedVersion, session.Version, ErrVersionConflict)
		}

		session.Status = status
		session.Version++

		if err := s.update(tx, session, expectedVersion); err != nil {
			return err
		}
		result = session
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, applied, nil
}

// update writes the mutated session conditioned on the version it was read
// at. Zero rows affected means a concurrent writer got there first.
func (s *SQLiteStore) update(tx *sql.Tx, session *Session, expectedVersion int64) error {
	partials, failures, err := encodeMaps(session)
	if err != nil {
		return err
	}

	res, err := tx.Exec(`
		UPDATE sessions
		SET completed = ?, partials = ?, failures = ?, status = ?, version = ?
		WHERE id = ? AND version = ?
	`, session.Completed, partials, failures, string(session.Status),
		session.Version, session.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for session %s: %w", session.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrVersionConflict)
	}

	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row *sql.Row, id string) (*Session, error) {
	session, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, err
}

func scanSessionRow(row rowScanner) (*Session, error) {
	var (
		session            Session
		partials, failures []byte
		status             string
		createdAt          int64
		deadline           int64
	)

	err := row.Scan(&session.ID, &session.CorrelationID, &session.TotalExpected,
		&session.Completed, &partials, &failures, &status, &createdAt,
		&deadline, &session.Version)
	if err != nil {
		return nil, err
	}

	session.Status = Status(status)
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.Deadline = time.UnixMilli(deadline).UTC()

	session.Partials = make(map[string]evaluation.Allocation)
	if len(partials) > 0 {
		if err := msgpack.Unmarshal(partials, &session.Partials); err != nil {
			return nil, fmt.Errorf("failed to decode partials for session %s: %w", session.ID, err)
		}
	}
	session.Failures = make(map[string]string)
	if len(failures) > 0 {
		if err := msgpack.Unmarshal(failures, &session.Failures); err != nil {
			return nil, fmt.Errorf("failed to decode failures for session %s: %w", session.ID, err)
		}
	}

	return &session, nil
}

func encodeMaps(session *Session) (partials []byte, failures []byte, err error) {
	partials, err = msgpack.Marshal(session.Partials)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode partials for session %s: %w", session.ID, err)
	}
	failures, err = msgpack.Marshal(session.Failures)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode failures for session %s: %w", session.ID, err)
	}
	return partials, failures, nil
}

// isUniqueViolation detects a primary-key collision without depending on
// driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint violation")
}
