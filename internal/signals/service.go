// Package signals executes strategy evaluations for aggregation sessions:
// it parses strategy source, runs the evaluator against live indicator
// data, and posts the resulting partial allocation back to the
// coordinator. A worker pool fans the evaluations out.
package signals

import (
	"github.com/rs/zerolog"

	"github.com/jvallis/helmsman/internal/aggregation"
	"github.com/jvallis/helmsman/internal/evaluation"
	"github.com/jvallis/helmsman/internal/events"
	"github.com/jvallis/helmsman/internal/strategy"
)

// ResultSink receives finished partial results. Satisfied by the
// aggregation coordinator.
type ResultSink interface {
	OnPartialResult(sessionID string, result aggregation.PartialResult) error
}

// Service evaluates one strategy at a time. It is stateless and safe for
// concurrent use by the worker pool.
type Service struct {
	indicators evaluation.IndicatorProvider
	market     evaluation.MarketDataProvider
	sink       ResultSink
	publisher  events.Publisher
	log        zerolog.Logger
}

// NewService creates an evaluation service.
func NewService(indicators evaluation.IndicatorProvider, market evaluation.MarketDataProvider, sink ResultSink, publisher events.Publisher, log zerolog.Logger) *Service {
	return &Service{
		indicators: indicators,
		market:     market,
		sink:       sink,
		publisher:  publisher,
		log:        log.With().Str("component", "signals").Logger(),
	}
}

// EvaluateStrategy runs one strategy job end to end: parse, evaluate,
// report. Evaluation failures become failed partial results, not errors -
// the coordinator's failure policy decides what they mean for the session.
func (s *Service) EvaluateStrategy(job aggregation.StrategyJob) {
	result := s.evaluate(job)

	outcome := &events.StrategyEvaluatedData{
		SessionID:     job.SessionID,
		StrategyID:    job.StrategyID,
		CorrelationID: job.CorrelationID,
		Succeeded:     !result.Failed(),
	}
	if result.Failed() {
		outcome.Error = result.Err
		s.log.Warn().
			Str("session_id", job.SessionID).
			Str("strategy_id", job.StrategyID).
			Str("error", result.Err).
			Msg("Strategy evaluation failed")
	} else {
		outcome.Excluded = result.Allocation.Excluded
		s.log.Debug().
			Str("session_id", job.SessionID).
			Str("strategy_id", job.StrategyID).
			Int("symbols", len(result.Allocation.Weights)).
			Strs("excluded", result.Allocation.Excluded).
			Msg("Strategy evaluated")
	}
	s.publisher.Publish(outcome)

	if err := s.sink.OnPartialResult(job.SessionID, result); err != nil {
		s.log.Error().
			Str("session_id", job.SessionID).
			Str("strategy_id", job.StrategyID).
			Err(err).
			Msg("Failed to deliver partial result")
	}
}

func (s *Service) evaluate(job aggregation.StrategyJob) aggregation.PartialResult {
	root, err := strategy.Parse(job.Source)
	if err != nil {
		return aggregation.PartialResult{StrategyID: job.StrategyID, Err: err.Error()}
	}

	allocation, _, err := evaluation.Evaluate(root, evaluation.Context{
		AsOf:          job.AsOf,
		StrategyID:    job.StrategyID,
		CorrelationID: job.CorrelationID,
		Indicators:    s.indicators,
		Market:        s.market,
	})
	if err != nil {
		return aggregation.PartialResult{StrategyID: job.StrategyID, Err: err.Error()}
	}

	return aggregation.PartialResult{StrategyID: job.StrategyID, Allocation: &allocation}
}

// ValidationResult describes a successfully parsed strategy.
type ValidationResult struct {
	Canonical string   `json:"canonical"`
	Symbols   []string `json:"symbols"`
}

// Validate parses strategy source without evaluating it, returning the
// canonical form and the symbols it references.
func Validate(source string) (*ValidationResult, error) {
	root, err := strategy.Parse(source)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{
		Canonical: root.String(),
		Symbols:   strategy.Symbols(root),
	}, nil
}
