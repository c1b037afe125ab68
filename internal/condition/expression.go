package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// maxGroups bounds the size of the disjunctive normal form an expression
// may expand to.
const maxGroups = 64

// -----------------------------------------------------------------------
// Tokenizer
// -----------------------------------------------------------------------

type tokenKind int

const (
	tokWord   tokenKind = iota // identifier or keyword
	tokOp                      // ==, !=, >, <
	tokString                  // "…" or '…'
	tokNumber                  // 42 | 3.14 | -1
	tokBool                    // true | false
	tokNull                    // null
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		ch := expr[i]
		if unicode.IsSpace(rune(ch)) {
			i++
			continue
		}
		switch ch {
		case '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
			continue
		}
		if ch == '=' || ch == '!' || ch == '<' || ch == '>' {
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{tokOp, expr[i : i+2], i})
				i += 2
			} else {
				tokens = append(tokens, token{tokOp, string(ch), i})
				i++
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			quote := ch
			j := i + 1
			for j < len(expr) && expr[j] != quote {
				if expr[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(expr) {
				return nil, fmt.Errorf("unterminated string starting at position %d", i)
			}
			inner := expr[i+1 : j]
			inner = strings.ReplaceAll(inner, `\"`, `"`)
			inner = strings.ReplaceAll(inner, `\'`, `'`)
			inner = strings.ReplaceAll(inner, `\\`, `\`)
			tokens = append(tokens, token{tokString, inner, i})
			i = j + 1
			continue
		}
		if unicode.IsDigit(rune(ch)) || (ch == '-' && i+1 < len(expr) && unicode.IsDigit(rune(expr[i+1]))) {
			j := i + 1
			for j < len(expr) && (unicode.IsDigit(rune(expr[j])) || expr[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, expr[i:j], i})
			i = j
			continue
		}
		if unicode.IsLetter(rune(ch)) || ch == '_' {
			j := i
			for j < len(expr) && (unicode.IsLetter(rune(expr[j])) || unicode.IsDigit(rune(expr[j])) || expr[j] == '_' || expr[j] == '.') {
				j++
			}
			word := expr[i:j]
			switch strings.ToLower(word) {
			case "true", "false":
				tokens = append(tokens, token{tokBool, strings.ToLower(word), i})
			case "null":
				tokens = append(tokens, token{tokNull, "null", i})
			default:
				tokens = append(tokens, token{tokWord, word, i})
			}
			i = j
			continue
		}
		return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
	}
	tokens = append(tokens, token{tokEOF, "", len(expr)})
	return tokens, nil
}

// -----------------------------------------------------------------------
// Recursive-descent parser producing disjunctive normal form
// -----------------------------------------------------------------------

// dnf is an OR of AND-ed condition lists.
type dnf [][]rule.Condition

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) consume() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.val, kw)
}

// ParseGroups parses a textual condition such as
//
//	status equals "completed" AND score > 10 OR owner is_null
//
// into condition groups. AND binds tighter than OR; parentheses are
// distributed so the result is always a flat OR of AND groups. An empty or
// blank expression yields no groups (unconditional match).
func ParseGroups(expr string) ([]rule.ConditionGroup, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	d, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", t.val, t.pos)
	}
	groups := make([]rule.ConditionGroup, len(d))
	for i, conds := range d {
		groups[i] = rule.ConditionGroup{Conditions: conds}
	}
	return groups, nil
}

// or_expr = and_expr ( "OR" and_expr )*
func (p *parser) parseOr() (dnf, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.consume()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = append(left, right...)
		if len(left) > maxGroups {
			return nil, fmt.Errorf("expression expands to more than %d groups", maxGroups)
		}
	}
	return left, nil
}

// and_expr = term ( "AND" term )*
func (p *parser) parseAnd() (dnf, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.consume()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if len(left)*len(right) > maxGroups {
			return nil, fmt.Errorf("expression expands to more than %d groups", maxGroups)
		}
		product := make(dnf, 0, len(left)*len(right))
		for _, l := range left {
			for _, r := range right {
				g := make([]rule.Condition, 0, len(l)+len(r))
				g = append(g, l...)
				g = append(g, r...)
				product = append(product, g)
			}
		}
		left = product
	}
	return left, nil
}

// term = "(" or_expr ")" | comparison
func (p *parser) parseTerm() (dnf, error) {
	if p.peek().kind == tokLParen {
		p.consume()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.peek(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected \")\" but got %q at position %d", t.val, t.pos)
		}
		p.consume()
		return inner, nil
	}
	c, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	return dnf{{c}}, nil
}

var symbolOps = map[string]rule.Operator{
	"==": rule.OpEquals,
	"=":  rule.OpEquals,
	"!=": rule.OpNotEquals,
	">":  rule.OpGreaterThan,
	"<":  rule.OpLessThan,
}

// comparison = field operator [ literal ]
func (p *parser) parseComparison() (rule.Condition, error) {
	ft := p.peek()
	if ft.kind != tokWord || p.keyword("AND") || p.keyword("OR") {
		return rule.Condition{}, fmt.Errorf("expected field name, got %q at position %d", ft.val, ft.pos)
	}
	p.consume()

	t := p.peek()
	var op rule.Operator
	switch t.kind {
	case tokOp:
		var ok bool
		if op, ok = symbolOps[t.val]; !ok {
			return rule.Condition{}, fmt.Errorf("unsupported operator %q at position %d", t.val, t.pos)
		}
	case tokWord:
		op = rule.Operator(strings.ToLower(t.val))
		if !op.Valid() {
			return rule.Condition{}, fmt.Errorf("unknown operator %q at position %d", t.val, t.pos)
		}
	default:
		return rule.Condition{}, fmt.Errorf("expected comparison operator, got %q at position %d", t.val, t.pos)
	}
	p.consume()

	c := rule.Condition{Field: ft.val, Operator: op}
	if op.Unary() {
		return c, nil
	}
	v, err := p.parseLiteral()
	if err != nil {
		return rule.Condition{}, err
	}
	c.Value = v
	return c, nil
}

func (p *parser) parseLiteral() (any, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.consume()
		return t.val, nil
	case tokNumber:
		p.consume()
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.val, t.pos)
		}
		return f, nil
	case tokBool:
		p.consume()
		return t.val == "true", nil
	case tokNull:
		p.consume()
		return nil, nil
	default:
		return nil, fmt.Errorf("expected literal, got %q at position %d", t.val, t.pos)
	}
}
