// Package evaluation implements the strategy DSL evaluator: a pure,
// single-threaded tree walk over a parsed strategy AST that turns live
// indicator data into a validated portfolio allocation with a full audit
// trace.
//
// The evaluator owns no I/O. Indicator and price lookups go through the
// capability interfaces below, which are injected per evaluation. Missing
// data is always represented explicitly (IndicatorValue.Absent) and handled
// by exclusion, never by substituting a neutral value.
package evaluation

import (
	"time"
)

// Indicator kinds understood by the evaluator and its providers.
const (
	IndicatorRSI           = "rsi"
	IndicatorMovingAverage = "moving-average"
	IndicatorVolatility    = "volatility"
	IndicatorCurrentPrice  = "current-price"
)

// IndicatorValue is the result of a single indicator lookup.
// Absent is explicit: a missing or low-confidence value is never encoded as
// zero or some neutral constant, so callers must branch on availability.
type IndicatorValue struct {
	Symbol   string
	Kind     string
	Window   int
	Value    float64
	Absent   bool // No data available for this symbol/kind/window
	Fallback bool // Value was derived from a degraded source
}

// IndicatorProvider supplies technical indicator values.
// Implementations must never return an error for "no data" - they return
// IndicatorValue{Absent: true} instead. Errors are reserved for genuine
// infrastructure failures.
type IndicatorProvider interface {
	Get(symbol, kind string, window int, asOf time.Time) (IndicatorValue, error)
}

// MarketDataProvider supplies price data.
// The boolean result reports availability; a missing price is not an error.
type MarketDataProvider interface {
	Price(symbol string, asOf time.Time) (float64, bool, error)
}

// Default tuning values. Each can be overridden per Context.
const (
	// DefaultSumTolerance is how far the final weight sum may deviate from 1.0.
	DefaultSumTolerance = 0.01
	// DefaultCompareEpsilon is the relative tolerance for numeric comparisons.
	// Indicator values carry representation noise, so equality within epsilon
	// means neither > nor < holds.
	DefaultCompareEpsilon = 1e-9
	// DefaultVolatilityFloor excludes symbols whose volatility is too small to
	// invert safely in inverse-volatility weighting.
	DefaultVolatilityFloor = 0.001
)

// Context bundles everything one evaluation needs: the as-of time, the
// correlation id for tracing, the injected data capabilities, and tuning
// knobs. A zero value for any tuning knob selects the package default.
type Context struct {
	AsOf          time.Time
	StrategyID    string
	CorrelationID string

	Indicators IndicatorProvider
	Market     MarketDataProvider

	SumTolerance    float64
	CompareEpsilon  float64
	VolatilityFloor float64
}

// withDefaults fills in zero-valued tuning knobs.
func (c Context) withDefaults() Context {
	if c.SumTolerance == 0 {
		c.SumTolerance = DefaultSumTolerance
	}
	if c.CompareEpsilon == 0 {
		c.CompareEpsilon = DefaultCompareEpsilon
	}
	if c.VolatilityFloor == 0 {
		c.VolatilityFloor = DefaultVolatilityFloor
	}
	return c
}

// Allocation is the outcome of a successful strategy evaluation:
// a target weight per symbol. It is a value object; callers must not
// mutate it after creation.
//
// Invariants: every weight is in [0, 1] and the weights sum to 1.0 within
// the context's tolerance, unless Weights is empty - the distinguished
// "no allocation" state, which is not an error by itself.
type Allocation struct {
	Weights       map[string]float64
	StrategyID    string
	CorrelationID string
	AsOf          time.Time

	// Excluded lists symbols that were dropped during evaluation because
	// their data was unavailable or unusable, for downstream visibility.
	Excluded []string
}

// IsEmpty reports whether this is the distinguished "no allocation" state.
func (a Allocation) IsEmpty() bool {
	return len(a.Weights) == 0
}
