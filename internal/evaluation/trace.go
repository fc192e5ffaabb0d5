package evaluation

import (
	"time"
)

// TraceEntry records one node evaluation for the audit trail.
type TraceEntry struct {
	NodeID    int       `json:"node_id"`
	Operator  string    `json:"operator"`
	Inputs    string    `json:"inputs"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

// Trace is the ordered, append-only record of sub-evaluations produced
// during one evaluation. It is attached to both successful allocations and
// evaluation errors, so a failed run can still be audited.
type Trace struct {
	StrategyID    string       `json:"strategy_id"`
	CorrelationID string       `json:"correlation_id"`
	Entries       []TraceEntry `json:"entries"`
}

func newTrace(strategyID, correlationID string) *Trace {
	return &Trace{
		StrategyID:    strategyID,
		CorrelationID: correlationID,
		Entries:       []TraceEntry{},
	}
}

// append records one evaluation step and returns the assigned node id.
func (t *Trace) append(operator, inputs, output string) int {
	id := len(t.Entries)
	t.Entries = append(t.Entries, TraceEntry{
		NodeID:    id,
		Operator:  operator,
		Inputs:    inputs,
		Output:    output,
		Timestamp: time.Now().UTC(),
	})
	return id
}

// Len returns the number of recorded entries.
func (t *Trace) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entries)
}
