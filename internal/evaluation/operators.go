package evaluation

// Operator is one of the closed set of DSL operators.
// Keeping the set closed (instead of an open string-keyed table) means the
// dispatch switch in the evaluator is exhaustively checkable.
type Operator string

const (
	OpGreater Operator = ">"
	OpLess    Operator = "<"
	OpAnd     Operator = "and"
	OpOr      Operator = "or"
	OpIf      Operator = "if"

	OpRSI           Operator = "rsi"
	OpMovingAverage Operator = "moving-average"
	OpCurrentPrice  Operator = "current-price"
	OpVolatility    Operator = "volatility"

	OpSelectTop    Operator = "select-top"
	OpSelectBottom Operator = "select-bottom"

	OpWeightEqual             Operator = "weight-equal"
	OpWeightInverseVolatility Operator = "weight-inverse-volatility"
)

// lookupOperator maps a parsed operator name onto the closed set.
// The second result is false for anything outside the set.
func lookupOperator(name string) (Operator, bool) {
	switch Operator(name) {
	case OpGreater, OpLess, OpAnd, OpOr, OpIf,
		OpRSI, OpMovingAverage, OpCurrentPrice, OpVolatility,
		OpSelectTop, OpSelectBottom,
		OpWeightEqual, OpWeightInverseVolatility:
		return Operator(name), true
	default:
		return "", false
	}
}

// indicatorKind maps accessor operators onto provider indicator kinds.
func indicatorKind(op Operator) string {
	switch op {
	case OpRSI:
		return IndicatorRSI
	case OpMovingAverage:
		return IndicatorMovingAverage
	case OpVolatility:
		return IndicatorVolatility
	default:
		return ""
	}
}
