package aggregation

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvallis/helmsman/internal/database"
	"github.com/jvallis/helmsman/internal/evaluation"
)

func newTestSession(total int) *Session {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	return &Session{
		ID:            uuid.New().String(),
		CorrelationID: uuid.New().String(),
		TotalExpected: total,
		Partials:      make(map[string]evaluation.Allocation),
		Failures:      make(map[string]string),
		Status:        StatusPending,
		CreatedAt:     now,
		Deadline:      now.Add(5 * time.Minute),
		Version:       1,
	}
}

func successResult(strategyID string, weights map[string]float64) PartialResult {
	return PartialResult{
		StrategyID: strategyID,
		Allocation: &evaluation.Allocation{
			Weights:    weights,
			StrategyID: strategyID,
			AsOf:       time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		},
	}
}

func failureResult(strategyID, reason string) PartialResult {
	return PartialResult{StrategyID: strategyID, Err: reason}
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:sessions_%s?mode=memory&cache=shared", uuid.New().String()),
		Profile: database.ProfileLedger,
		Name:    "sessions-test",
		Schema:  SessionsSchema,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewSQLiteStore(db.Conn(), zerolog.Nop())
}

// Both implementations must satisfy the same conditional-write contract.
func storeImplementations(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(3)
			require.NoError(t, store.Create(session))

			got, err := store.Get(session.ID)
			require.NoError(t, err)
			assert.Equal(t, session.ID, got.ID)
			assert.Equal(t, session.CorrelationID, got.CorrelationID)
			assert.Equal(t, 3, got.TotalExpected)
			assert.Equal(t, 0, got.Completed)
			assert.Equal(t, StatusPending, got.Status)
			assert.Equal(t, int64(1), got.Version)
			assert.Empty(t, got.Partials)
			assert.Empty(t, got.Failures)
			assert.True(t, got.Deadline.After(got.CreatedAt))
		})
	}
}

func TestStoreCreateDuplicate(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(1)
			require.NoError(t, store.Create(session))

			err := store.Create(session)
			assert.ErrorIs(t, err, ErrAlreadyExists)
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get("no-such-session")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreApplyPartial(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(2)
			require.NoError(t, store.Create(session))

			updated, err := store.ApplyPartial(session.ID,
				successResult("momentum", map[string]float64{"AAPL": 1.0}), 1)
			require.NoError(t, err)
			assert.Equal(t, 1, updated.Completed)
			assert.Equal(t, int64(2), updated.Version)
			assert.Contains(t, updated.Partials, "momentum")
			assert.Equal(t, 1.0, updated.Partials["momentum"].Weights["AAPL"])

			updated, err = store.ApplyPartial(session.ID,
				failureResult("meanrev", "insufficient data"), 2)
			require.NoError(t, err)
			assert.Equal(t, 2, updated.Completed)
			assert.Equal(t, int64(3), updated.Version)
			assert.Equal(t, "insufficient data", updated.Failures["meanrev"])
		})
	}
}

func TestStoreApplyPartialVersionConflict(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(2)
			require.NoError(t, store.Create(session))

			_, err := store.ApplyPartial(session.ID,
				successResult("momentum", map[string]float64{"AAPL": 1.0}), 1)
			require.NoError(t, err)

			// Stale version: the store must refuse the write.
			_, err = store.ApplyPartial(session.ID,
				successResult("meanrev", map[string]float64{"MSFT": 1.0}), 1)
			assert.ErrorIs(t, err, ErrVersionConflict)

			got, err := store.Get(session.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, got.Completed)
			assert.NotContains(t, got.Partials, "meanrev")
		})
	}
}

func TestStoreApplyPartialReplayIsNoop(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(2)
			require.NoError(t, store.Create(session))

			first, err := store.ApplyPartial(session.ID,
				successResult("momentum", map[string]float64{"AAPL": 1.0}), 1)
			require.NoError(t, err)

			// Same strategy reporting again: absorbed, no counter movement,
			// even with a fresh expected version.
			replayed, err := store.ApplyPartial(session.ID,
				successResult("momentum", map[string]float64{"TSLA": 1.0}), first.Version)
			require.NoError(t, err)
			assert.Equal(t, 1, replayed.Completed)
			assert.Equal(t, first.Version, replayed.Version)
			assert.Equal(t, 1.0, replayed.Partials["momentum"].Weights["AAPL"])
		})
	}
}

func TestStoreTerminalSessionsAreFenced(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(2)
			require.NoError(t, store.Create(session))

			_, applied, err := store.MarkTerminal(session.ID, StatusTimedOut, 1)
			require.NoError(t, err)
			require.True(t, applied)

			// Late result after timeout: absorbed without mutation.
			got, err := store.ApplyPartial(session.ID,
				successResult("momentum", map[string]float64{"AAPL": 1.0}), 2)
			require.NoError(t, err)
			assert.Equal(t, StatusTimedOut, got.Status)
			assert.Equal(t, 0, got.Completed)
			assert.Empty(t, got.Partials)
		})
	}
}

func TestStoreBeginMergeExactlyOneWinner(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(1)
			require.NoError(t, store.Create(session))

			winner, err := store.BeginMerge(session.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, StatusMerging, winner.Status)
			assert.Equal(t, int64(2), winner.Version)

			_, err = store.BeginMerge(session.ID, 1)
			assert.ErrorIs(t, err, ErrVersionConflict)
		})
	}
}

func TestStoreMarkTerminal(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(1)
			require.NoError(t, store.Create(session))

			final, applied, err := store.MarkTerminal(session.ID, StatusCompleted, 1)
			require.NoError(t, err)
			assert.True(t, applied)
			assert.Equal(t, StatusCompleted, final.Status)

			// Second transition is a no-op, not an error, and does not
			// change the terminal status.
			final, applied, err = store.MarkTerminal(session.ID, StatusFailed, final.Version)
			require.NoError(t, err)
			assert.False(t, applied)
			assert.Equal(t, StatusCompleted, final.Status)
		})
	}
}

func TestStoreMarkTerminalRejectsNonTerminalStatus(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			session := newTestSession(1)
			require.NoError(t, store.Create(session))

			_, _, err := store.MarkTerminal(session.ID, StatusMerging, 1)
			assert.Error(t, err)
		})
	}
}

func TestStoreFindStale(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

			expired := newTestSession(2)
			expired.Deadline = now.Add(-time.Minute)
			require.NoError(t, store.Create(expired))

			alive := newTestSession(2)
			alive.Deadline = now.Add(time.Hour)
			require.NoError(t, store.Create(alive))

			finished := newTestSession(2)
			finished.Deadline = now.Add(-time.Hour)
			require.NoError(t, store.Create(finished))
			_, applied, err := store.MarkTerminal(finished.ID, StatusCompleted, 1)
			require.NoError(t, err)
			require.True(t, applied)

			stale, err := store.FindStale(now)
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, expired.ID, stale[0].ID)
		})
	}
}

func TestMemoryStoreHandsOutCopies(t *testing.T) {
	store := NewMemoryStore()
	session := newTestSession(2)
	require.NoError(t, store.Create(session))

	got, err := store.Get(session.ID)
	require.NoError(t, err)
	got.Partials["rogue"] = evaluation.Allocation{Weights: map[string]float64{"X": 1}}
	got.Status = StatusFailed

	fresh, err := store.Get(session.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.Partials)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestSQLiteStoreRoundTripsBlobState(t *testing.T) {
	store := newTestSQLiteStore(t)
	session := newTestSession(2)
	require.NoError(t, store.Create(session))

	asOf := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	result := PartialResult{
		StrategyID: "momentum",
		Allocation: &evaluation.Allocation{
			Weights:       map[string]float64{"AAPL": 0.6, "MSFT": 0.4},
			StrategyID:    "momentum",
			CorrelationID: session.CorrelationID,
			AsOf:          asOf,
			Excluded:      []string{"TSLA"},
		},
	}
	_, err := store.ApplyPartial(session.ID, result, 1)
	require.NoError(t, err)
	_, err = store.ApplyPartial(session.ID, failureResult("meanrev", "no data"), 2)
	require.NoError(t, err)

	got, err := store.Get(session.ID)
	require.NoError(t, err)

	stored := got.Partials["momentum"]
	assert.InDelta(t, 0.6, stored.Weights["AAPL"], 1e-12)
	assert.InDelta(t, 0.4, stored.Weights["MSFT"], 1e-12)
	assert.Equal(t, []string{"TSLA"}, stored.Excluded)
	assert.Equal(t, session.CorrelationID, stored.CorrelationID)
	assert.True(t, stored.AsOf.Equal(asOf))
	assert.Equal(t, "no data", got.Failures["meanrev"])
}
