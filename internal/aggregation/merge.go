package aggregation

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Merge combines a session's successful partial allocations into one
// consolidated portfolio: each strategy's weights are scaled by its share,
// summed per symbol, and the result re-normalized to sum to 1.0.
//
// Failed strategies contribute nothing; their share is redistributed by the
// re-normalization. At least one non-empty successful allocation is
// required.
func (c *Coordinator) Merge(session *Session) (*ConsolidatedPortfolio, error) {
	if len(session.Partials) == 0 {
		return nil, fmt.Errorf("no successful partial allocations (%d of %d strategies failed)",
			len(session.Failures), session.TotalExpected)
	}

	shares := c.shares.get(session.ID)

	combined := make(map[string]float64)
	contributing := make([]string, 0, len(session.Partials))
	portfolio := &ConsolidatedPortfolio{
		CorrelationID: session.CorrelationID,
	}

	for strategyID, allocation := range session.Partials {
		contributing = append(contributing, strategyID)
		if allocation.AsOf.After(portfolio.AsOf) {
			portfolio.AsOf = allocation.AsOf
		}

		share := shares[strategyID]
		if share <= 0 {
			share = 1.0
		}
		for symbol, weight := range allocation.Weights {
			combined[symbol] += share * weight
		}
	}
	sort.Strings(contributing)

	total := 0.0
	for _, weight := range combined {
		total += weight
	}
	if total <= 0 {
		return nil, fmt.Errorf("all partial allocations are empty, nothing to merge")
	}

	weights := make(map[string]float64, len(combined))
	for symbol, weight := range combined {
		normalized := weight / total
		if normalized < 0 || normalized > 1 {
			return nil, fmt.Errorf("merged weight for %s is %f, outside [0, 1]", symbol, normalized)
		}
		weights[symbol] = normalized
	}

	sum := 0.0
	for _, weight := range weights {
		sum += weight
	}
	if math.Abs(sum-1.0) > c.cfg.SumTolerance {
		return nil, fmt.Errorf("merged weights sum to %f, outside tolerance %f",
			sum, c.cfg.SumTolerance)
	}

	portfolio.Weights = weights
	portfolio.ContributingStrategies = contributing
	return portfolio, nil
}

// shareBook remembers the requested merge share per strategy for sessions
// started by this instance. Process-local by design: a session finished by
// another instance merges with equal shares.
type shareBook struct {
	mu     sync.Mutex
	shares map[string]map[string]float64
}

func newShareBook() *shareBook {
	return &shareBook{shares: make(map[string]map[string]float64)}
}

func (b *shareBook) record(sessionID string, strategies []StrategySpec) {
	entry := make(map[string]float64, len(strategies))
	explicit := false
	for _, s := range strategies {
		if s.Share > 0 {
			entry[s.ID] = s.Share
			explicit = true
		}
	}
	if !explicit {
		return
	}
	b.mu.Lock()
	b.shares[sessionID] = entry
	b.mu.Unlock()
}

func (b *shareBook) get(sessionID string) map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shares[sessionID]
}

func (b *shareBook) forget(sessionID string) {
	b.mu.Lock()
	delete(b.shares, sessionID)
	b.mu.Unlock()
}
