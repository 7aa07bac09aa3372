// ABOUTME: Boolean expression evaluator for condition nodes.
// ABOUTME: Supports comparisons, and/or/not, literals, and dotted variable references; unknowns are falsy.
package runtime

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// EvalCondition evaluates a boolean expression against variables. The
// grammar, smallest first: primary (literal, variable, parenthesized), unary
// not, comparison, and, or. Comparing incompatible types evaluates to false,
// like an unknown variable; only malformed expressions return an error.
func EvalCondition(expr string, vars map[string]any) (bool, error) {
	p := &condParser{tokens: tokenizeCond(expr)}
	result, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	if !p.atEnd() {
		return false, fmt.Errorf("condition %q: unexpected %q", expr, p.peek())
	}
	return truthy(resolveDeep(resolveOperand(result, vars), vars)), nil
}

// condValue is an evaluated operand: either a literal or a variable name
// still to resolve.
type condValue struct {
	literal any
	varName string
	isVar   bool
}

func resolveOperand(v condValue, vars map[string]any) any {
	if !v.isVar {
		return v.literal
	}
	val, ok := lookupVar(vars, v.varName)
	if !ok {
		return nil
	}
	return val
}

// truthy maps a resolved value to a boolean: nil, false, zero, and empty
// string are false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}

type condParser struct {
	tokens []string
	pos    int
}

func (p *condParser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *condParser) peek() string {
	if p.atEnd() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *condParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) parseOr() (condValue, error) {
	left, err := p.parseAnd()
	if err != nil {
		return condValue{}, err
	}
	for p.peek() == "||" || p.peek() == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return condValue{}, err
		}
		left = condValue{literal: boolOp(left, right, "or")}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condValue, error) {
	left, err := p.parseComparison()
	if err != nil {
		return condValue{}, err
	}
	for p.peek() == "&&" || p.peek() == "and" {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return condValue{}, err
		}
		left = condValue{literal: boolOp(left, right, "and")}
	}
	return left, nil
}

// deferredBool wraps operands so boolean combination happens after variable
// resolution inside EvalCondition's final truthy call.
type deferredBool struct {
	op          string
	left, right condValue
}

func boolOp(left, right condValue, op string) deferredBool {
	return deferredBool{op: op, left: left, right: right}
}

func (p *condParser) parseComparison() (condValue, error) {
	left, err := p.parseUnary()
	if err != nil {
		return condValue{}, err
	}
	op := p.peek()
	switch op {
	case "==", "!=", ">", "<", ">=", "<=":
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return condValue{}, err
		}
		return condValue{literal: comparison{op: op, left: left, right: right}}, nil
	}
	return left, nil
}

type comparison struct {
	op          string
	left, right condValue
}

type negation struct {
	inner condValue
}

func (p *condParser) parseUnary() (condValue, error) {
	if p.peek() == "!" || p.peek() == "not" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return condValue{}, err
		}
		return condValue{literal: negation{inner: inner}}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (condValue, error) {
	t := p.peek()
	switch {
	case t == "":
		return condValue{}, fmt.Errorf("unexpected end of expression")
	case t == "(":
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return condValue{}, err
		}
		if p.next() != ")" {
			return condValue{}, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	case t == "true":
		p.next()
		return condValue{literal: true}, nil
	case t == "false":
		p.next()
		return condValue{literal: false}, nil
	case strings.HasPrefix(t, "'") || strings.HasPrefix(t, "\""):
		p.next()
		return condValue{literal: t[1 : len(t)-1]}, nil
	default:
		p.next()
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return condValue{literal: f}, nil
		}
		return condValue{varName: t, isVar: true}, nil
	}
}

// resolveDeep resolves nested deferred operations into a final value.
func resolveDeep(v any, vars map[string]any) any {
	switch node := v.(type) {
	case deferredBool:
		l := truthy(resolveDeep(resolveOperand(node.left, vars), vars))
		r := truthy(resolveDeep(resolveOperand(node.right, vars), vars))
		if node.op == "and" {
			return l && r
		}
		return l || r
	case comparison:
		l := resolveDeep(resolveOperand(node.left, vars), vars)
		r := resolveDeep(resolveOperand(node.right, vars), vars)
		return compare(node.op, l, r)
	case negation:
		return !truthy(resolveDeep(resolveOperand(node.inner, vars), vars))
	default:
		return v
	}
}

// compare applies a comparison operator over resolved values. Numbers
// compare numerically, strings lexically; mixed types are only equal-testable.
func compare(op string, l, r any) bool {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case "==":
			return ls == rs
		case "!=":
			return ls != rs
		case ">":
			return ls > rs
		case "<":
			return ls < rs
		case ">=":
			return ls >= rs
		case "<=":
			return ls <= rs
		}
	}

	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// tokenizeCond splits an expression into operator and operand tokens.
func tokenizeCond(expr string) []string {
	var tokens []string
	runes := []rune(expr)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j < len(runes) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case strings.ContainsRune("=!<>&|", c):
			j := i + 1
			for j < len(runes) && strings.ContainsRune("=!<>&|", runes[j]) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		default:
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) ||
				runes[j] == '_' || runes[j] == '.' || runes[j] == '-') {
				j++
			}
			if j == i {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		}
	}
	return tokens
}
