package strategy

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseError describes a malformed strategy definition.
// Parse errors are fatal: they indicate a corrupt strategy, not a transient
// condition, so callers must surface them to an operator and never retry.
type ParseError struct {
	Position int    // Byte offset into the source text
	Message  string // Human-readable description
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Position, e.Message)
}

// Parse converts strategy source text into an AST.
// It follows standard Lisp lexical rules: parenthesized lists,
// whitespace-delimited atoms, numeric literals, and double-quoted ticker
// symbols. On any malformed input it fails fast and returns no partial tree.
func Parse(text string) (*Node, error) {
	p := &parser{source: text}
	p.skipWhitespace()

	if p.atEnd() {
		return nil, &ParseError{Position: p.pos, Message: "empty strategy definition"}
	}

	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	p.skipWhitespace()
	if !p.atEnd() {
		return nil, &ParseError{Position: p.pos, Message: "unexpected trailing input after expression"}
	}

	return node, nil
}

// parser is a single-use recursive-descent parser over one source string.
type parser struct {
	source string
	pos    int
}

func (p *parser) atEnd() bool {
	return p.pos >= len(p.source)
}

func (p *parser) peek() byte {
	return p.source[p.pos]
}

func (p *parser) skipWhitespace() {
	for !p.atEnd() {
		c := p.source[p.pos]
		if c == ';' {
			// Comment runs to end of line
			for !p.atEnd() && p.source[p.pos] != '\n' {
				p.pos++
			}
			continue
		}
		if !unicode.IsSpace(rune(c)) {
			return
		}
		p.pos++
	}
}

func (p *parser) parseExpression() (*Node, error) {
	p.skipWhitespace()
	if p.atEnd() {
		return nil, &ParseError{Position: p.pos, Message: "unexpected end of input"}
	}

	switch p.peek() {
	case '(':
		return p.parseList()
	case ')':
		return nil, &ParseError{Position: p.pos, Message: "unbalanced closing parenthesis"}
	case '"':
		return p.parseSymbol()
	default:
		return p.parseAtom()
	}
}

// parseList parses a parenthesized operator application.
// The first element must be a bare operator name; the remaining elements are
// parsed recursively as arguments.
func (p *parser) parseList() (*Node, error) {
	start := p.pos
	p.pos++ // consume '('
	p.skipWhitespace()

	if p.atEnd() {
		return nil, &ParseError{Position: start, Message: "unterminated list"}
	}
	if p.peek() == ')' {
		return nil, &ParseError{Position: start, Message: "empty operator position"}
	}
	if p.peek() == '(' || p.peek() == '"' {
		return nil, &ParseError{Position: p.pos, Message: "operator position must be a bare name"}
	}

	operator := p.readToken()
	if operator == "" {
		return nil, &ParseError{Position: p.pos, Message: "empty operator position"}
	}

	var args []*Node
	for {
		p.skipWhitespace()
		if p.atEnd() {
			return nil, &ParseError{Position: start, Message: "unbalanced opening parenthesis"}
		}
		if p.peek() == ')' {
			p.pos++ // consume ')'
			return NewApply(operator, args...), nil
		}

		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
}

// parseSymbol parses a double-quoted ticker symbol.
func (p *parser) parseSymbol() (*Node, error) {
	start := p.pos
	p.pos++ // consume opening quote

	var sb strings.Builder
	for {
		if p.atEnd() {
			return nil, &ParseError{Position: start, Message: "unterminated ticker symbol"}
		}
		c := p.source[p.pos]
		if c == '"' {
			p.pos++
			ticker := sb.String()
			if ticker == "" {
				return nil, &ParseError{Position: start, Message: "empty ticker symbol"}
			}
			return NewSymbol(ticker), nil
		}
		if c == '\n' {
			return nil, &ParseError{Position: start, Message: "unterminated ticker symbol"}
		}
		sb.WriteByte(c)
		p.pos++
	}
}

// parseAtom parses a bare atom, which must be a numeric literal.
// Bare non-numeric atoms are only valid in operator position and are
// rejected here.
func (p *parser) parseAtom() (*Node, error) {
	start := p.pos
	token := p.readToken()
	if token == "" {
		return nil, &ParseError{Position: start, Message: "unexpected character"}
	}

	value, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return nil, &ParseError{
			Position: start,
			Message:  fmt.Sprintf("invalid numeric literal %q", token),
		}
	}

	return NewLiteral(value), nil
}

// readToken consumes characters up to the next whitespace or delimiter.
func (p *parser) readToken() string {
	start := p.pos
	for !p.atEnd() {
		c := p.source[p.pos]
		if c == '(' || c == ')' || c == '"' || c == ';' || unicode.IsSpace(rune(c)) {
			break
		}
		p.pos++
	}
	return p.source[start:p.pos]
}
