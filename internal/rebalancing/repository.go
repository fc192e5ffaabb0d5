// Package rebalancing is the downstream consumer of completed aggregation
// sessions: it persists each consolidated portfolio as the current set of
// target weights for rebalancing.
package rebalancing

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// TargetsSchema creates the target sets table. Applied idempotently on
// every startup via database.Config.Schema.
const TargetsSchema = `
CREATE TABLE IF NOT EXISTS target_sets (
    session_id     TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    weights        BLOB NOT NULL,
    strategies     BLOB NOT NULL,
    as_of          INTEGER NOT NULL,
    created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_target_sets_created_at
    ON target_sets(created_at DESC);
`

// TargetSet is one consolidated portfolio stored as rebalancing targets.
type TargetSet struct {
	SessionID     string             `json:"session_id"`
	CorrelationID string             `json:"correlation_id"`
	Weights       map[string]float64 `json:"weights"`
	Strategies    []string           `json:"strategies"`
	AsOf          time.Time          `json:"as_of"`
	CreatedAt     time.Time          `json:"created_at"`
}

// TargetRepository stores and retrieves target sets.
type TargetRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTargetRepository creates a target repository over the given
// connection.
func NewTargetRepository(db *sql.DB, log zerolog.Logger) *TargetRepository {
	return &TargetRepository{
		db:  db,
		log: log.With().Str("repository", "targets").Logger(),
	}
}

// Save persists a target set, replacing any earlier record for the same
// session so event replays stay idempotent.
func (r *TargetRepository) Save(set TargetSet) error {
	weights, err := msgpack.Marshal(set.Weights)
	if err != nil {
		return fmt.Errorf("failed to encode weights for session %s: %w", set.SessionID, err)
	}
	strategies, err := msgpack.Marshal(set.Strategies)
	if err != nil {
		return fmt.Errorf("failed to encode strategies for session %s: %w", set.SessionID, err)
	}

	createdAt := set.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO target_sets
			(session_id, correlation_id, weights, strategies, as_of, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, set.SessionID, set.CorrelationID, weights, strategies,
		set.AsOf.UnixMilli(), createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save target set for session %s: %w", set.SessionID, err)
	}
	return nil
}

// Latest returns the most recently stored target set. The boolean reports
// availability; an empty table is not an error.
func (r *TargetRepository) Latest() (TargetSet, bool, error) {
	row := r.db.QueryRow(`
		SELECT session_id, correlation_id, weights, strategies, as_of, created_at
		FROM target_sets
		ORDER BY created_at DESC, session_id DESC
		LIMIT 1
	`)
	set, err := scanTargetSet(row)
	if err == sql.ErrNoRows {
		return TargetSet{}, false, nil
	}
	if err != nil {
		return TargetSet{}, false, err
	}
	return set, true, nil
}

// BySession returns the target set of a specific session.
func (r *TargetRepository) BySession(sessionID string) (TargetSet, bool, error) {
	row := r.db.QueryRow(`
		SELECT session_id, correlation_id, weights, strategies, as_of, created_at
		FROM target_sets
		WHERE session_id = ?
	`, sessionID)
	set, err := scanTargetSet(row)
	if err == sql.ErrNoRows {
		return TargetSet{}, false, nil
	}
	if err != nil {
		return TargetSet{}, false, err
	}
	return set, true, nil
}

func scanTargetSet(row *sql.Row) (TargetSet, error) {
	var (
		set        TargetSet
		weights    []byte
		strategies []byte
		asOf       int64
		createdAt  int64
	)
	if err := row.Scan(&set.SessionID, &set.CorrelationID, &weights, &strategies, &asOf, &createdAt); err != nil {
		return TargetSet{}, err
	}

	if err := msgpack.Unmarshal(weights, &set.Weights); err != nil {
		return TargetSet{}, fmt.Errorf("failed to decode weights for session %s: %w", set.SessionID, err)
	}
	if err := msgpack.Unmarshal(strategies, &set.Strategies); err != nil {
		return TargetSet{}, fmt.Errorf("failed to decode strategies for session %s: %w", set.SessionID, err)
	}
	set.AsOf = time.UnixMilli(asOf).UTC()
	set.CreatedAt = time.UnixMilli(createdAt).UTC()
	return set, nil
}
