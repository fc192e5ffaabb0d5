package indicators

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jvallis/helmsman/internal/evaluation"
	"github.com/jvallis/helmsman/pkg/formulas"
)

// DefaultLookbackDays bounds how many daily rows a single indicator
// computation may fetch.
const DefaultLookbackDays = 400

// Provider computes indicator values from stored price history. It
// implements both evaluation.IndicatorProvider and
// evaluation.MarketDataProvider.
//
// Missing history is reported as Absent, never as an error: the evaluator
// decides whether absence excludes a symbol or fails the strategy.
type Provider struct {
	history  *HistoryRepository
	lookback int
	log      zerolog.Logger
}

// NewProvider creates an indicator provider over the given history
// repository. lookbackDays <= 0 selects the default.
func NewProvider(history *HistoryRepository, lookbackDays int, log zerolog.Logger) *Provider {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	return &Provider{
		history:  history,
		lookback: lookbackDays,
		log:      log.With().Str("component", "indicators").Logger(),
	}
}

// Get computes one indicator value as of the given instant.
func (p *Provider) Get(symbol, kind string, window int, asOf time.Time) (evaluation.IndicatorValue, error) {
	value := evaluation.IndicatorValue{Symbol: symbol, Kind: kind, Window: window}

	switch kind {
	case evaluation.IndicatorRSI:
		// RSI needs window+1 closes for the first average gain/loss.
		closes, err := p.closes(symbol, asOf, window+1)
		if err != nil {
			return value, err
		}
		result := formulas.CalculateRSI(closes, window)
		if result == nil {
			value.Absent = true
			return value, nil
		}
		value.Value = *result

	case evaluation.IndicatorMovingAverage:
		closes, err := p.closes(symbol, asOf, window)
		if err != nil {
			return value, err
		}
		result := formulas.CalculateSMA(closes, window)
		if result == nil {
			value.Absent = true
			return value, nil
		}
		value.Value = *result

	case evaluation.IndicatorVolatility:
		// window daily returns need window+1 closes.
		closes, err := p.closes(symbol, asOf, window+1)
		if err != nil {
			return value, err
		}
		if len(closes) < window+1 {
			value.Absent = true
			return value, nil
		}
		returns := formulas.CalculateReturns(closes[len(closes)-(window + 1):])
		value.Value = formulas.AnnualizedVolatility(returns)

	case evaluation.IndicatorCurrentPrice:
		price, ok, err := p.history.LatestClose(symbol, asOf)
		if err != nil {
			return value, err
		}
		if !ok {
			value.Absent = true
			return value, nil
		}
		value.Value = price

	default:
		return value, fmt.Errorf("unknown indicator kind %q", kind)
	}

	return value, nil
}

// Price returns the most recent close at or before the given instant.
func (p *Provider) Price(symbol string, asOf time.Time) (float64, bool, error) {
	return p.history.LatestClose(symbol, asOf)
}

// closes fetches at least the minimum rows a computation needs, up to the
// lookback bound. Too little history is not an error here; the formula
// helpers signal it by returning nil.
func (p *Provider) closes(symbol string, asOf time.Time, minimum int) ([]float64, error) {
	limit := p.lookback
	if minimum > limit {
		limit = minimum
	}
	closes, err := p.history.ClosesUpTo(symbol, asOf, limit)
	if err != nil {
		return nil, err
	}
	if len(closes) < minimum {
		return nil, nil
	}
	return closes, nil
}
