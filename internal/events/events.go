// Package events defines the typed events the aggregation pipeline emits
// and a small in-process bus for delivering them to downstream consumers
// (rebalancing, websocket streaming, notifications).
package events

import (
	"time"
)

// EventType identifies an event on the bus.
type EventType string

const (
	// PortfolioAggregated fires when a session completes and its partials
	// were merged into one consolidated portfolio.
	PortfolioAggregated EventType = "portfolio_aggregated"

	// AggregationFailed fires when a session reaches a failed terminal
	// state: deadline timeout, fail-fast strategy failure, or external
	// cancellation. Every terminal session yields exactly one event.
	AggregationFailed EventType = "aggregation_failed"

	// StrategyEvaluated fires for each strategy evaluation outcome,
	// successful or not, for observability.
	StrategyEvaluated EventType = "strategy_evaluated"
)

// EventData is implemented by all typed event payloads.
type EventData interface {
	EventType() EventType
}

// Event is a typed event instance on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// PortfolioAggregatedData carries the merge result of a completed session.
type PortfolioAggregatedData struct {
	SessionID     string             `json:"session_id"`
	CorrelationID string             `json:"correlation_id"`
	Weights       map[string]float64 `json:"weights"`
	Strategies    []string           `json:"strategies"`
	AsOf          time.Time          `json:"as_of"`
}

// EventType returns the event type for PortfolioAggregatedData.
func (d *PortfolioAggregatedData) EventType() EventType {
	return PortfolioAggregated
}

// AggregationFailedData explains why a session failed. Reason plus the
// completed/total counts let operators distinguish "not enough strategies
// reported in time" from a hard strategy failure.
type AggregationFailedData struct {
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
	Completed     int    `json:"completed"`
	TotalExpected int    `json:"total_expected"`
}

// EventType returns the event type for AggregationFailedData.
func (d *AggregationFailedData) EventType() EventType {
	return AggregationFailed
}

// StrategyEvaluatedData reports one strategy's evaluation outcome.
type StrategyEvaluatedData struct {
	SessionID     string   `json:"session_id"`
	StrategyID    string   `json:"strategy_id"`
	CorrelationID string   `json:"correlation_id"`
	Succeeded     bool     `json:"succeeded"`
	Error         string   `json:"error,omitempty"`
	Excluded      []string `json:"excluded_symbols,omitempty"`
}

// EventType returns the event type for StrategyEvaluatedData.
func (d *StrategyEvaluatedData) EventType() EventType {
	return StrategyEvaluated
}
