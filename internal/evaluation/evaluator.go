package evaluation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jvallis/helmsman/internal/strategy"
)

// Evaluate walks a parsed strategy tree against the context's data
// capabilities and produces a validated allocation.
//
// The walk is synchronous and pure: it has no suspension points and shares
// no state between invocations, so unrelated evaluations can run
// concurrently without coordination.
//
// The returned trace is populated on both success and failure. On failure
// the typed error additionally carries the partial trace, and no default
// allocation is ever returned in its place.
func Evaluate(root *strategy.Node, ctx Context) (Allocation, *Trace, error) {
	ctx = ctx.withDefaults()

	e := &evaluator{
		ctx:      ctx,
		trace:    newTrace(ctx.StrategyID, ctx.CorrelationID),
		excluded: make(map[string]string),
	}

	result, err := e.eval(root)
	if err != nil {
		return Allocation{}, e.trace, e.escalate(err)
	}

	if result.kind != valWeights {
		return Allocation{}, e.trace, &InvalidAllocationError{
			Reason:        fmt.Sprintf("strategy root produced %s, not a weight map", result.kindName()),
			CorrelationID: ctx.CorrelationID,
			Trace:         e.trace,
		}
	}

	weights, err := e.normalize(result.weights)
	if err != nil {
		return Allocation{}, e.trace, err
	}

	excluded := make([]string, 0, len(e.excluded))
	for symbol := range e.excluded {
		excluded = append(excluded, symbol)
	}
	sort.Strings(excluded)

	return Allocation{
		Weights:       weights,
		StrategyID:    ctx.StrategyID,
		CorrelationID: ctx.CorrelationID,
		AsOf:          ctx.AsOf,
		Excluded:      excluded,
	}, e.trace, nil
}

// valueKind discriminates intermediate evaluation results.
type valueKind int

const (
	valNumber valueKind = iota
	valBool
	valSymbols
	valWeights
)

// value is the intermediate result of evaluating one node.
type value struct {
	kind    valueKind
	number  float64
	boolean bool
	symbols []string
	weights map[string]float64
}

func (v value) kindName() string {
	switch v.kind {
	case valNumber:
		return "a number"
	case valBool:
		return "a boolean"
	case valSymbols:
		return "a symbol list"
	case valWeights:
		return "a weight map"
	}
	return "an unknown value"
}

func (v value) summary() string {
	switch v.kind {
	case valNumber:
		return fmt.Sprintf("%.6g", v.number)
	case valBool:
		return fmt.Sprintf("%t", v.boolean)
	case valSymbols:
		return "[" + strings.Join(v.symbols, " ") + "]"
	case valWeights:
		parts := make([]string, 0, len(v.weights))
		for _, symbol := range sortedKeys(v.weights) {
			parts = append(parts, fmt.Sprintf("%s=%.4f", symbol, v.weights[symbol]))
		}
		return "{" + strings.Join(parts, " ") + "}"
	}
	return "?"
}

// evaluator holds the mutable state of one evaluation run.
type evaluator struct {
	ctx      Context
	trace    *Trace
	excluded map[string]string // symbol -> reason

	// rankingSymbol is the symbol bound by the enclosing select-* operator
	// while its ranking expression is evaluated. Empty outside selections.
	rankingSymbol string
}

// eval dispatches on node kind and records a trace entry for every node.
func (e *evaluator) eval(node *strategy.Node) (value, error) {
	switch node.Kind {
	case strategy.KindLiteral:
		v := value{kind: valNumber, number: node.Value}
		e.trace.append("literal", node.String(), v.summary())
		return v, nil

	case strategy.KindSymbol:
		v := value{kind: valSymbols, symbols: []string{node.Ticker}}
		e.trace.append("symbol", node.String(), v.summary())
		return v, nil

	case strategy.KindApply:
		return e.evalApply(node)

	default:
		return value{}, &ArityError{
			Operator:      "",
			Detail:        fmt.Sprintf("invalid node kind %d", node.Kind),
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}
}

func (e *evaluator) evalApply(node *strategy.Node) (value, error) {
	op, ok := lookupOperator(node.Operator)
	if !ok {
		return value{}, &UnknownOperatorError{
			Operator:      node.Operator,
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}

	var result value
	var err error

	switch op {
	case OpGreater, OpLess:
		result, err = e.evalComparison(op, node)
	case OpAnd, OpOr:
		result, err = e.evalBoolean(op, node)
	case OpIf:
		result, err = e.evalIf(node)
	case OpRSI, OpMovingAverage, OpVolatility:
		result, err = e.evalIndicator(op, node)
	case OpCurrentPrice:
		result, err = e.evalCurrentPrice(node)
	case OpSelectTop, OpSelectBottom:
		result, err = e.evalSelect(op, node)
	case OpWeightEqual:
		result, err = e.evalWeightEqual(node)
	case OpWeightInverseVolatility:
		result, err = e.evalInverseVolatility(node)
	}

	if err != nil {
		return value{}, err
	}

	e.trace.append(string(op), summarizeNode(node), result.summary())
	return result, nil
}

// evalComparison applies > or < with an explicit relative tolerance.
// Values within epsilon of each other compare as equal, so neither
// direction holds; indicator noise never flips a comparison.
func (e *evaluator) evalComparison(op Operator, node *strategy.Node) (value, error) {
	if len(node.Args) != 2 {
		return value{}, e.arity(op, "expects exactly 2 arguments", len(node.Args))
	}

	left, err := e.evalNumber(op, node.Args[0])
	if err != nil {
		return value{}, err
	}
	right, err := e.evalNumber(op, node.Args[1])
	if err != nil {
		return value{}, err
	}

	if withinEpsilon(left, right, e.ctx.CompareEpsilon) {
		return value{kind: valBool, boolean: false}, nil
	}

	var result bool
	if op == OpGreater {
		result = left > right
	} else {
		result = left < right
	}
	return value{kind: valBool, boolean: result}, nil
}

func (e *evaluator) evalBoolean(op Operator, node *strategy.Node) (value, error) {
	if len(node.Args) < 2 {
		return value{}, e.arity(op, "expects at least 2 arguments", len(node.Args))
	}

	for _, arg := range node.Args {
		v, err := e.eval(arg)
		if err != nil {
			return value{}, err
		}
		if v.kind != valBool {
			return value{}, e.arity(op, fmt.Sprintf("argument evaluated to %s, expected a boolean", v.kindName()), len(node.Args))
		}
		if op == OpAnd && !v.boolean {
			return value{kind: valBool, boolean: false}, nil
		}
		if op == OpOr && v.boolean {
			return value{kind: valBool, boolean: true}, nil
		}
	}

	// and: nothing was false / or: nothing was true
	return value{kind: valBool, boolean: op == OpAnd}, nil
}

// evalIf evaluates the condition and then only the taken branch.
func (e *evaluator) evalIf(node *strategy.Node) (value, error) {
	if len(node.Args) != 3 {
		return value{}, e.arity(OpIf, "expects condition, then-branch and else-branch", len(node.Args))
	}

	cond, err := e.eval(node.Args[0])
	if err != nil {
		return value{}, err
	}
	if cond.kind != valBool {
		return value{}, e.arity(OpIf, fmt.Sprintf("condition evaluated to %s, expected a boolean", cond.kindName()), len(node.Args))
	}

	if cond.boolean {
		return e.eval(node.Args[1])
	}
	return e.eval(node.Args[2])
}

// evalIndicator handles rsi, moving-average and volatility accessors.
// Forms: (op window "SYM") for an explicit symbol, or (op window) inside a
// select-* ranking expression where the symbol is bound by the selector.
func (e *evaluator) evalIndicator(op Operator, node *strategy.Node) (value, error) {
	if len(node.Args) != 1 && len(node.Args) != 2 {
		return value{}, e.arity(op, "expects a window and an optional symbol", len(node.Args))
	}

	window, err := e.staticWindow(op, node.Args[0])
	if err != nil {
		return value{}, err
	}

	symbol, err := e.accessorSymbol(op, node.Args[1:])
	if err != nil {
		return value{}, err
	}

	iv, err := e.ctx.Indicators.Get(symbol, indicatorKind(op), window, e.ctx.AsOf)
	if err != nil {
		return value{}, fmt.Errorf("indicator lookup %s(%d) for %s: %w", op, window, symbol, err)
	}
	if iv.Absent {
		return value{}, &indicatorAbsent{symbol: symbol, kind: indicatorKind(op), window: window}
	}

	return value{kind: valNumber, number: iv.Value}, nil
}

// evalCurrentPrice handles (current-price "SYM") and, in ranking context,
// (current-price).
func (e *evaluator) evalCurrentPrice(node *strategy.Node) (value, error) {
	if len(node.Args) > 1 {
		return value{}, e.arity(OpCurrentPrice, "expects at most one symbol argument", len(node.Args))
	}

	symbol, err := e.accessorSymbol(OpCurrentPrice, node.Args)
	if err != nil {
		return value{}, err
	}

	price, ok, err := e.ctx.Market.Price(symbol, e.ctx.AsOf)
	if err != nil {
		return value{}, fmt.Errorf("price lookup for %s: %w", symbol, err)
	}
	if !ok {
		return value{}, &indicatorAbsent{symbol: symbol, kind: IndicatorCurrentPrice}
	}

	return value{kind: valNumber, number: price}, nil
}

// evalSelect handles select-top and select-bottom:
//
//	(select-top n (rsi 14) "SYM1" "SYM2" ...)
//
// The ranking expression is evaluated once per candidate with the symbol
// bound. Candidates whose ranking data is absent are excluded and recorded;
// if every candidate is excluded the selection fails explicitly.
func (e *evaluator) evalSelect(op Operator, node *strategy.Node) (value, error) {
	if len(node.Args) < 3 {
		return value{}, e.arity(op, "expects a count, a ranking expression and at least one candidate", len(node.Args))
	}

	n, err := e.staticCount(op, node.Args[0])
	if err != nil {
		return value{}, err
	}
	rankExpr := node.Args[1]

	candidates, err := e.candidateSymbols(op, node.Args[2:])
	if err != nil {
		return value{}, err
	}

	type ranked struct {
		symbol string
		score  float64
	}
	var scored []ranked

	for _, symbol := range candidates {
		score, err := e.evalRanking(rankExpr, symbol)
		if err != nil {
			var absent *indicatorAbsent
			if errors.As(err, &absent) {
				e.exclude(symbol, absent.Error())
				continue
			}
			return value{}, err
		}
		scored = append(scored, ranked{symbol: symbol, score: score})
	}

	if len(scored) == 0 {
		return value{}, &InsufficientDataError{
			Operator:      string(op),
			Excluded:      candidates,
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}

	// Deterministic order: score direction first, symbol name breaks ties.
	sort.SliceStable(scored, func(i, j int) bool {
		if withinEpsilon(scored[i].score, scored[j].score, e.ctx.CompareEpsilon) {
			return scored[i].symbol < scored[j].symbol
		}
		if op == OpSelectTop {
			return scored[i].score > scored[j].score
		}
		return scored[i].score < scored[j].score
	})

	// Take the first n, or fewer if exclusions thinned the candidates.
	// Never pad with synthetic symbols.
	if n > len(scored) {
		n = len(scored)
	}
	selected := make([]string, 0, n)
	for _, r := range scored[:n] {
		selected = append(selected, r.symbol)
	}

	return value{kind: valSymbols, symbols: selected}, nil
}

// evalRanking evaluates a selector's ranking expression with the candidate
// symbol bound.
func (e *evaluator) evalRanking(expr *strategy.Node, symbol string) (float64, error) {
	prev := e.rankingSymbol
	e.rankingSymbol = symbol
	defer func() { e.rankingSymbol = prev }()

	v, err := e.eval(expr)
	if err != nil {
		return 0, err
	}
	if v.kind != valNumber {
		return 0, e.arity("ranking expression", fmt.Sprintf("evaluated to %s, expected a number", v.kindName()), 1)
	}
	return v.number, nil
}

// evalWeightEqual assigns 1/len to each distinct candidate symbol.
// Zero candidates is an explicit error, never a silent empty map.
func (e *evaluator) evalWeightEqual(node *strategy.Node) (value, error) {
	if len(node.Args) == 0 {
		return value{}, e.arity(OpWeightEqual, "expects at least one symbol or selection", 0)
	}

	symbols, err := e.candidateSymbols(OpWeightEqual, node.Args)
	if err != nil {
		return value{}, err
	}
	if len(symbols) == 0 {
		return value{}, &InsufficientDataError{
			Operator:      string(OpWeightEqual),
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}

	share := 1.0 / float64(len(symbols))
	weights := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		weights[symbol] = share
	}

	return value{kind: valWeights, weights: weights}, nil
}

// evalInverseVolatility weights candidates by 1/volatility, normalized.
//
//	(weight-inverse-volatility window "SYM1" "SYM2" ...)
//
// Symbols with absent volatility, or volatility at or below the configured
// floor, are excluded and recorded - a near-zero volatility must never
// produce an unbounded weight.
func (e *evaluator) evalInverseVolatility(node *strategy.Node) (value, error) {
	if len(node.Args) < 2 {
		return value{}, e.arity(OpWeightInverseVolatility, "expects a window and at least one symbol", len(node.Args))
	}

	window, err := e.staticWindow(OpWeightInverseVolatility, node.Args[0])
	if err != nil {
		return value{}, err
	}

	candidates, err := e.candidateSymbols(OpWeightInverseVolatility, node.Args[1:])
	if err != nil {
		return value{}, err
	}

	inverse := make(map[string]float64, len(candidates))
	var sum float64
	for _, symbol := range candidates {
		iv, err := e.ctx.Indicators.Get(symbol, IndicatorVolatility, window, e.ctx.AsOf)
		if err != nil {
			return value{}, fmt.Errorf("volatility lookup for %s: %w", symbol, err)
		}
		if iv.Absent {
			e.exclude(symbol, (&indicatorAbsent{symbol: symbol, kind: IndicatorVolatility, window: window}).Error())
			continue
		}
		if iv.Value <= e.ctx.VolatilityFloor {
			e.exclude(symbol, fmt.Sprintf("volatility %.6f at or below floor %.6f", iv.Value, e.ctx.VolatilityFloor))
			continue
		}
		inverse[symbol] = 1.0 / iv.Value
		sum += 1.0 / iv.Value
	}

	if len(inverse) == 0 {
		return value{}, &InsufficientDataError{
			Operator:      string(OpWeightInverseVolatility),
			Excluded:      candidates,
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}

	weights := make(map[string]float64, len(inverse))
	for symbol, inv := range inverse {
		weights[symbol] = inv / sum
	}

	return value{kind: valWeights, weights: weights}, nil
}

// candidateSymbols evaluates selector/weighting arguments into a flat,
// de-duplicated symbol list, preserving first-seen order. Arguments may be
// quoted symbols or nested selections.
func (e *evaluator) candidateSymbols(op Operator, args []*strategy.Node) ([]string, error) {
	var symbols []string
	seen := make(map[string]bool)

	for _, arg := range args {
		v, err := e.eval(arg)
		if err != nil {
			return nil, err
		}
		if v.kind != valSymbols {
			return nil, e.arity(op, fmt.Sprintf("candidate evaluated to %s, expected symbols", v.kindName()), len(args))
		}
		for _, symbol := range v.symbols {
			if !seen[symbol] {
				seen[symbol] = true
				symbols = append(symbols, symbol)
			}
		}
	}

	return symbols, nil
}

// accessorSymbol resolves the symbol an indicator accessor applies to:
// either an explicit quoted symbol argument or the symbol bound by the
// enclosing selector.
func (e *evaluator) accessorSymbol(op Operator, args []*strategy.Node) (string, error) {
	if len(args) == 1 {
		if args[0].Kind != strategy.KindSymbol {
			return "", e.arity(op, "symbol argument must be a quoted ticker", len(args))
		}
		return args[0].Ticker, nil
	}

	if e.rankingSymbol == "" {
		return "", e.arity(op, "requires an explicit symbol outside a selection context", len(args))
	}
	return e.rankingSymbol, nil
}

// staticWindow reads a window argument, which must be a positive integer
// literal known at parse time.
func (e *evaluator) staticWindow(op Operator, node *strategy.Node) (int, error) {
	if node.Kind != strategy.KindLiteral {
		return 0, e.arity(op, "window must be a numeric literal", 1)
	}
	window := int(node.Value)
	if float64(window) != node.Value || window <= 0 {
		return 0, e.arity(op, fmt.Sprintf("window must be a positive integer, got %v", node.Value), 1)
	}
	return window, nil
}

// staticCount reads a selection count, which must be a positive integer
// literal.
func (e *evaluator) staticCount(op Operator, node *strategy.Node) (int, error) {
	if node.Kind != strategy.KindLiteral {
		return 0, e.arity(op, "count must be a numeric literal", 1)
	}
	n := int(node.Value)
	if float64(n) != node.Value || n <= 0 {
		return 0, e.arity(op, fmt.Sprintf("count must be a positive integer, got %v", node.Value), 1)
	}
	return n, nil
}

// evalNumber evaluates an argument that must produce a number.
func (e *evaluator) evalNumber(op Operator, node *strategy.Node) (float64, error) {
	v, err := e.eval(node)
	if err != nil {
		return 0, err
	}
	if v.kind != valNumber {
		return 0, e.arity(op, fmt.Sprintf("argument evaluated to %s, expected a number", v.kindName()), 1)
	}
	return v.number, nil
}

// exclude records a symbol exclusion in both the exclusion set and the
// trace, so downstream consumers can see exactly what was dropped and why.
func (e *evaluator) exclude(symbol, reason string) {
	if _, already := e.excluded[symbol]; !already {
		e.excluded[symbol] = reason
	}
	e.trace.append("exclude", symbol, reason)
}

// normalize scales the final weight map to sum to 1.0 and validates the
// allocation invariants.
func (e *evaluator) normalize(weights map[string]float64) (map[string]float64, error) {
	if len(weights) == 0 {
		return nil, &InsufficientDataError{
			Operator:      "root",
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}

	var sum float64
	for symbol, weight := range weights {
		if weight < 0 {
			return nil, &InvalidAllocationError{
				Reason:        fmt.Sprintf("negative weight %.6f for %s", weight, symbol),
				Sum:           sum,
				CorrelationID: e.ctx.CorrelationID,
				Trace:         e.trace,
			}
		}
		sum += weight
	}

	if sum <= 0 {
		return nil, &InvalidAllocationError{
			Reason:        "weights sum to zero",
			Sum:           sum,
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}

	normalized := make(map[string]float64, len(weights))
	for symbol, weight := range weights {
		normalized[symbol] = weight / sum
	}

	var check float64
	for symbol, weight := range normalized {
		if weight < 0 || weight > 1 {
			return nil, &InvalidAllocationError{
				Reason:        fmt.Sprintf("weight %.6f for %s outside [0, 1]", weight, symbol),
				Sum:           sum,
				CorrelationID: e.ctx.CorrelationID,
				Trace:         e.trace,
			}
		}
		check += weight
	}
	if math.Abs(check-1.0) > e.ctx.SumTolerance {
		return nil, &InvalidAllocationError{
			Reason:        "normalized weights outside tolerance of 1.0",
			Sum:           check,
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}

	return normalized, nil
}

// escalate converts internal control-flow errors into the public taxonomy.
// An indicator-absent signal that reaches the top never had an enclosing
// selection to absorb it, which means the strategy had no way to proceed.
func (e *evaluator) escalate(err error) error {
	var absent *indicatorAbsent
	if errors.As(err, &absent) {
		e.exclude(absent.symbol, absent.Error())
		return &InsufficientDataError{
			Operator:      absent.kind,
			Excluded:      []string{absent.symbol},
			CorrelationID: e.ctx.CorrelationID,
			Trace:         e.trace,
		}
	}
	return err
}

// arity builds an ArityError bound to this run.
func (e *evaluator) arity(op Operator, detail string, _ int) error {
	return &ArityError{
		Operator:      string(op),
		Detail:        detail,
		CorrelationID: e.ctx.CorrelationID,
		Trace:         e.trace,
	}
}

// summarizeNode renders a node for trace input summaries, truncated so
// deeply nested strategies do not bloat the audit log.
func summarizeNode(node *strategy.Node) string {
	s := node.String()
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// withinEpsilon reports relative equality within eps, treating exact
// equality (including both zero) as equal.
func withinEpsilon(a, b, eps float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= eps*scale
}
