// Package aggregation implements the fan-out/fan-in coordinator: it tracks
// which strategy evaluations of a batch have reported, merges their partial
// allocations into one consolidated portfolio, and fails sessions whose
// workers never report before the deadline.
//
// The only shared mutable state is the session record, and every mutation
// goes through optimistic concurrency: read the version, write conditioned
// on it, retry on conflict. Writers are independent worker processes, so
// locking is not an option.
package aggregation

import (
	"time"

	"github.com/jvallis/helmsman/internal/evaluation"
)

// Status is the lifecycle state of an aggregation session.
type Status string

const (
	// StatusPending - created, waiting for partial results.
	StatusPending Status = "PENDING"
	// StatusMerging - all partials arrived, merge in progress. Transient.
	StatusMerging Status = "MERGING"
	// StatusCompleted - merged successfully. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusTimedOut - deadline passed with completed < total. Terminal.
	StatusTimedOut Status = "TIMED_OUT"
	// StatusFailed - failed fast on a strategy error or cancelled. Terminal.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether the status is absorbing: terminal sessions are
// never mutated again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimedOut || s == StatusFailed
}

// Session is the durable record of one fan-out/fan-in episode.
// Version is a monotonically incrementing optimistic-concurrency token:
// every mutation reads the current version and writes only if it is
// unchanged.
type Session struct {
	ID            string
	CorrelationID string
	TotalExpected int
	Completed     int

	// Partials holds the successful allocations keyed by strategy id.
	Partials map[string]evaluation.Allocation
	// Failures holds the error descriptions of failed strategies.
	Failures map[string]string

	Status    Status
	CreatedAt time.Time
	Deadline  time.Time
	Version   int64
}

// Reported returns whether a strategy has already delivered a result,
// successful or failed. Used for idempotent replay detection.
func (s *Session) Reported(strategyID string) bool {
	if _, ok := s.Partials[strategyID]; ok {
		return true
	}
	_, ok := s.Failures[strategyID]
	return ok
}

// Clone returns a deep copy, so store implementations can hand out
// sessions without aliasing their internal state.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Partials = make(map[string]evaluation.Allocation, len(s.Partials))
	for k, v := range s.Partials {
		clone.Partials[k] = v
	}
	clone.Failures = make(map[string]string, len(s.Failures))
	for k, v := range s.Failures {
		clone.Failures[k] = v
	}
	return &clone
}

// PartialResult is one strategy's contribution to a session: either a
// successful allocation or a failure description, never both.
type PartialResult struct {
	StrategyID string
	Allocation *evaluation.Allocation
	Err        string
}

// Failed reports whether this partial is a strategy failure.
func (p PartialResult) Failed() bool {
	return p.Allocation == nil
}

// ConsolidatedPortfolio is the merge of all partial allocations in a
// completed session: each strategy's weights scaled by its share, summed
// per symbol, then re-normalized.
type ConsolidatedPortfolio struct {
	Weights                map[string]float64
	ContributingStrategies []string
	CorrelationID          string
	AsOf                   time.Time
}
