// Package strategy defines the strategy definition language: the AST model
// and the s-expression parser that produces it.
//
// A strategy is written as a small Lisp-like expression, for example:
//
//	(weight-equal (select-top 2 (rsi 14) "AAPL" "MSFT" "ASML.AS"))
//
// The parser turns the source text into an immutable tree of Nodes which the
// evaluation package walks against live indicator data.
package strategy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NodeKind discriminates the AST node variants.
type NodeKind int

const (
	// KindLiteral is a numeric literal (periods, thresholds, counts).
	KindLiteral NodeKind = iota
	// KindSymbol is a quoted ticker symbol.
	KindSymbol
	// KindApply is an operator application: (operator arg1 arg2 ...).
	KindApply
)

// Node is a single node of a parsed strategy tree.
// Nodes are created by the parser and never mutated afterwards.
type Node struct {
	Kind NodeKind

	// Value is set for KindLiteral nodes.
	Value float64

	// Ticker is set for KindSymbol nodes.
	Ticker string

	// Operator and Args are set for KindApply nodes.
	Operator string
	Args     []*Node
}

// NewLiteral creates a numeric literal node.
func NewLiteral(value float64) *Node {
	return &Node{Kind: KindLiteral, Value: value}
}

// NewSymbol creates a ticker symbol node.
func NewSymbol(ticker string) *Node {
	return &Node{Kind: KindSymbol, Ticker: ticker}
}

// NewApply creates an operator application node.
func NewApply(operator string, args ...*Node) *Node {
	return &Node{Kind: KindApply, Operator: operator, Args: args}
}

// String renders the node back into canonical s-expression form.
// Parsing the output of String yields a structurally identical tree,
// which the parser tests rely on.
func (n *Node) String() string {
	switch n.Kind {
	case KindLiteral:
		return strconv.FormatFloat(n.Value, 'f', -1, 64)
	case KindSymbol:
		return `"` + n.Ticker + `"`
	case KindApply:
		parts := make([]string, 0, len(n.Args)+1)
		parts = append(parts, n.Operator)
		for _, arg := range n.Args {
			parts = append(parts, arg.String())
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return fmt.Sprintf("<invalid node kind %d>", n.Kind)
	}
}

// Equal reports whether two trees are structurally identical.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Kind != other.Kind {
		return false
	}
	switch n.Kind {
	case KindLiteral:
		return n.Value == other.Value
	case KindSymbol:
		return n.Ticker == other.Ticker
	case KindApply:
		if n.Operator != other.Operator || len(n.Args) != len(other.Args) {
			return false
		}
		for i := range n.Args {
			if !n.Args[i].Equal(other.Args[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Symbols returns the unique ticker symbols referenced anywhere in the tree,
// sorted alphabetically. The signal generation service uses this to request
// market data for exactly the universe a strategy touches.
func Symbols(root *Node) []string {
	seen := make(map[string]bool)
	collectSymbols(root, seen)

	symbols := make([]string, 0, len(seen))
	for ticker := range seen {
		symbols = append(symbols, ticker)
	}
	sort.Strings(symbols)
	return symbols
}

func collectSymbols(node *Node, seen map[string]bool) {
	if node == nil {
		return
	}
	if node.Kind == KindSymbol {
		seen[node.Ticker] = true
		return
	}
	for _, arg := range node.Args {
		collectSymbols(arg, seen)
	}
}
