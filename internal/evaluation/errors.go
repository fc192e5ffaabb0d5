package evaluation

import (
	"fmt"
)

// All evaluator errors are typed, carry the correlation id of the run that
// produced them, and attach the partial trace accumulated up to the failure
// point. None of them are retryable: a failed evaluation either had a
// corrupt strategy (unknown operator, wrong arity) or no usable data.

// UnknownOperatorError reports an operator outside the closed supported set.
// It indicates a corrupt or incompatible strategy definition.
type UnknownOperatorError struct {
	Operator      string
	CorrelationID string
	Trace         *Trace
}

func (e *UnknownOperatorError) Error() string {
	return fmt.Sprintf("unknown operator %q", e.Operator)
}

// ArityError reports an operator applied to the wrong number or kind of
// arguments. Like UnknownOperatorError it is fatal for the strategy.
type ArityError struct {
	Operator      string
	Detail        string
	CorrelationID string
	Trace         *Trace
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("operator %q: %s", e.Operator, e.Detail)
}

// InsufficientDataError reports that every candidate symbol of a selection
// or weighting was excluded, leaving nothing to allocate. This is an
// explicit failure, never an empty-but-successful result.
type InsufficientDataError struct {
	Operator      string
	Excluded      []string
	CorrelationID string
	Trace         *Trace
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("operator %q: all %d candidate symbols excluded, no data to allocate",
		e.Operator, len(e.Excluded))
}

// InvalidAllocationError reports a final weight map that violates the
// allocation invariants: negative weights, a zero sum, or a sum outside the
// configured tolerance of 1.0.
type InvalidAllocationError struct {
	Reason        string
	Sum           float64
	CorrelationID string
	Trace         *Trace
}

func (e *InvalidAllocationError) Error() string {
	return fmt.Sprintf("invalid allocation (sum=%.6f): %s", e.Sum, e.Reason)
}

// indicatorAbsent is an internal control-flow error raised by indicator
// accessors when data is unavailable. Selection and weighting operators
// catch it and convert the symbol into a recorded exclusion; anywhere else
// it escalates to InsufficientDataError because there is no enclosing
// selection that could exclude the symbol.
type indicatorAbsent struct {
	symbol string
	kind   string
	window int
}

func (e *indicatorAbsent) Error() string {
	return fmt.Sprintf("indicator %s(%d) absent for %s", e.kind, e.window, e.symbol)
}
