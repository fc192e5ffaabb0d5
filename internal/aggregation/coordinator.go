package aggregation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jvallis/helmsman/internal/evaluation"
	"github.com/jvallis/helmsman/internal/events"
)

// maxRetries bounds the optimistic-concurrency retry loop. Conflicts mean
// another writer is making progress, so a handful of re-reads is always
// enough; an unbounded loop would just hide a store bug.
const maxRetries = 5

// Failure policy values.
const (
	// PolicyExclude degrades gracefully: failed strategies are excluded
	// from the merge and the session still completes if at least one
	// strategy succeeded.
	PolicyExclude = "exclude"
	// PolicyFailFast fails the whole session on the first strategy error.
	PolicyFailFast = "fail-fast"
)

// StrategySpec names one strategy taking part in a fan-out.
// Share is the strategy's weight in the merged portfolio; zero means
// "equal share with every other zero-share strategy".
type StrategySpec struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Share  float64 `json:"share,omitempty"`
}

// FanoutRequest starts one aggregation session.
type FanoutRequest struct {
	Strategies    []StrategySpec `json:"strategies"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	AsOf          time.Time      `json:"as_of,omitempty"`

	// Deadline overrides the coordinator's default session deadline.
	DeadlineSeconds int `json:"deadline_seconds,omitempty"`
}

// StrategyJob is one unit of evaluation work handed to the dispatcher.
type StrategyJob struct {
	SessionID     string
	CorrelationID string
	StrategyID    string
	Source        string
	Share         float64
	AsOf          time.Time
}

// Dispatcher hands strategy jobs to whatever executes them (the evaluation
// worker pool in-process, a queue in a distributed deployment). Dispatch
// must not block: the coordinator fires all jobs and returns immediately.
type Dispatcher interface {
	Dispatch(job StrategyJob)
}

// DispatcherFunc adapts a function to the Dispatcher interface. Useful
// when the executor is constructed after the coordinator.
type DispatcherFunc func(StrategyJob)

// Dispatch calls f(job).
func (f DispatcherFunc) Dispatch(job StrategyJob) { f(job) }

// Config tunes the coordinator.
type Config struct {
	// SessionDeadline is the default time budget for a fan-out.
	SessionDeadline time.Duration
	// FailurePolicy is PolicyExclude or PolicyFailFast.
	FailurePolicy string
	// SumTolerance is how far the merged weight sum may deviate from 1.0
	// before validation rejects it. Zero selects the evaluator default.
	SumTolerance float64
}

// Coordinator runs the fan-out/fan-in state machine. It never holds locks
// across operations: all coordination happens through the store's
// conditional writes, so any number of coordinator instances can share one
// durable store.
type Coordinator struct {
	store      Store
	dispatcher Dispatcher
	publisher  events.Publisher
	cfg        Config
	log        zerolog.Logger

	// shares remembers each strategy's requested merge share per session.
	// Kept out of the Session record because only the merging instance
	// needs it; a session recovered by another instance falls back to
	// equal shares.
	shares *shareBook

	now func() time.Time
}

// NewCoordinator creates a coordinator over the given store and dispatcher.
func NewCoordinator(store Store, dispatcher Dispatcher, publisher events.Publisher, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.SessionDeadline <= 0 {
		cfg.SessionDeadline = 5 * time.Minute
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyExclude
	}
	if cfg.SumTolerance == 0 {
		cfg.SumTolerance = evaluation.DefaultSumTolerance
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		log:        log.With().Str("component", "aggregation").Logger(),
		shares:     newShareBook(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// StartFanout creates a session and dispatches one evaluation job per
// strategy. The session is persisted before any job is dispatched, so a
// result can never arrive for an unknown session.
func (c *Coordinator) StartFanout(req FanoutRequest) (*Session, error) {
	if len(req.Strategies) == 0 {
		return nil, fmt.Errorf("fan-out requires at least one strategy")
	}

	seen := make(map[string]bool, len(req.Strategies))
	for _, s := range req.Strategies {
		if s.ID == "" {
			return nil, fmt.Errorf("strategy id must not be empty")
		}
		if s.Source == "" {
			return nil, fmt.Errorf("strategy %s: source must not be empty", s.ID)
		}
		if s.Share < 0 {
			return nil, fmt.Errorf("strategy %s: share must not be negative", s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate strategy id %s", s.ID)
		}
		seen[s.ID] = true
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = c.now()
	}
	deadline := c.cfg.SessionDeadline
	if req.DeadlineSeconds > 0 {
		deadline = time.Duration(req.DeadlineSeconds) * time.Second
	}

	now := c.now()
	session := &Session{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		TotalExpected: len(req.Strategies),
		Partials:      make(map[string]evaluation.Allocation),
		Failures:      make(map[string]string),
		Status:        StatusPending,
		CreatedAt:     now,
		Deadline:      now.Add(deadline),
		Version:       1,
	}

	if err := c.store.Create(session); err != nil {
		return nil, err
	}
	c.shares.record(session.ID, req.Strategies)

	c.log.Info().
		Str("session_id", session.ID).
		Str("correlation_id", correlationID).
		Int("strategies", len(req.Strategies)).
		Time("deadline", session.Deadline).
		Msg("Fan-out started")

	for _, s := range req.Strategies {
		c.dispatcher.Dispatch(StrategyJob{
			SessionID:     session.ID,
			CorrelationID: correlationID,
			StrategyID:    s.ID,
			Source:        s.Source,
			Share:         s.Share,
			AsOf:          asOf,
		})
	}

	return session, nil
}

// OnPartialResult records one strategy's result and drives the session
// forward: fail-fast on errors when configured, merge when the last
// strategy reports. Safe to call concurrently and to replay.
func (c *Coordinator) OnPartialResult(sessionID string, result PartialResult) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		session, err := c.store.Get(sessionID)
		if err != nil {
			return err
		}

		// Late arrival after timeout/failure, or a replay: absorb silently.
		if session.Status.Terminal() || session.Reported(result.StrategyID) {
			c.log.Debug().
				Str("session_id", sessionID).
				Str("strategy_id", result.StrategyID).
				Str("status", string(session.Status)).
				Msg("Partial result absorbed without effect")
			return nil
		}

		updated, err := c.store.ApplyPartial(sessionID, result, session.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		if result.Failed() && c.cfg.FailurePolicy == PolicyFailFast {
			return c.failSession(updated,
				fmt.Sprintf("strategy %s failed: %s", result.StrategyID, result.Err))
		}

		if updated.Completed >= updated.TotalExpected {
			return c.completeSession(updated)
		}
		return nil
	}

	return fmt.Errorf("session %s: gave up after %d attempts: %w",
		sessionID, maxRetries, ErrVersionConflict)
}

// completeSession merges a fully-reported session. BeginMerge's conditional
// transition guarantees exactly one caller does the merge even when the
// final two results race.
func (c *Coordinator) completeSession(session *Session) error {
	merging, err := c.store.BeginMerge(session.ID, session.Version)
	if errors.Is(err, ErrVersionConflict) {
		// Another caller won the merge race, or the scanner timed the
		// session out between our write and now. Either way, not ours.
		return nil
	}
	if err != nil {
		return err
	}

	portfolio, err := c.Merge(merging)
	if err != nil {
		c.log.Warn().
			Str("session_id", merging.ID).
			Err(err).
			Msg("Merge failed")
		return c.failSession(merging, err.Error())
	}

	final, applied, err := c.store.MarkTerminal(merging.ID, StatusCompleted, merging.Version)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	c.shares.forget(final.ID)

	c.log.Info().
		Str("session_id", final.ID).
		Str("correlation_id", final.CorrelationID).
		Int("strategies", len(portfolio.ContributingStrategies)).
		Int("symbols", len(portfolio.Weights)).
		Msg("Session completed")

	c.publisher.Publish(&events.PortfolioAggregatedData{
		SessionID:     final.ID,
		CorrelationID: final.CorrelationID,
		Weights:       portfolio.Weights,
		Strategies:    portfolio.ContributingStrategies,
		AsOf:          portfolio.AsOf,
	})
	return nil
}

// failSession drives a session into FAILED and emits the failure event if
// this caller performed the transition.
func (c *Coordinator) failSession(session *Session, reason string) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		final, applied, err := c.store.MarkTerminal(session.ID, StatusFailed, session.Version)
		if errors.Is(err, ErrVersionConflict) {
			session, err = c.store.Get(session.ID)
			if err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if applied {
			c.shares.forget(final.ID)
			c.emitFailure(final, reason)
		}
		return nil
	}
	return fmt.Errorf("session %s: gave up after %d attempts: %w",
		session.ID, maxRetries, ErrVersionConflict)
}

// Cancel fails a session externally. Cancelling an already-terminal
// session is a no-op.
func (c *Coordinator) Cancel(sessionID, reason string) error {
	session, err := c.store.Get(sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "cancelled"
	}
	return c.failSession(session, reason)
}

// ScanForTimeouts fails every non-terminal session whose deadline has
// passed. Run periodically; racing the completion path is safe because
// MarkTerminal applies at most once.
func (c *Coordinator) ScanForTimeouts() error {
	now := c.now()
	stale, err := c.store.FindStale(now)
	if err != nil {
		return err
	}

	var firstErr error
	for _, session := range stale {
		final, applied, err := c.store.MarkTerminal(session.ID, StatusTimedOut, session.Version)
		if errors.Is(err, ErrVersionConflict) {
			// A result arrived between FindStale and here. The session will
			// either complete or be picked up by the next scan.
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !applied {
			continue
		}
		c.shares.forget(final.ID)

		c.log.Warn().
			Str("session_id", final.ID).
			Str("correlation_id", final.CorrelationID).
			Int("completed", final.Completed).
			Int("total_expected", final.TotalExpected).
			Time("deadline", final.Deadline).
			Msg("Session timed out")

		c.emitFailure(final, fmt.Sprintf("timeout: %d of %d strategies reported before deadline",
			final.Completed, final.TotalExpected))
	}
	return firstErr
}

// Get returns the current state of a session.
func (c *Coordinator) Get(sessionID string) (*Session, error) {
	return c.store.Get(sessionID)
}

func (c *Coordinator) emitFailure(session *Session, reason string) {
	c.publisher.Publish(&events.AggregationFailedData{
		SessionID:     session.ID,
		CorrelationID: session.CorrelationID,
		Reason:        reason,
		Completed:     session.Completed,
		TotalExpected: session.TotalExpected,
	})
}
