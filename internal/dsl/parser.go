package dsl

import (
	"strconv"
)

type tokenKind int

const (
	tokPath tokenKind = iota
	tokLiteral
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	text  string
	value any
}

// parser is a recursive-descent evaluator over a token slice:
//
//	or      := and ( "||" and )*
//	and     := unary ( "&&" unary )*
//	unary   := "!" unary | compare
//	compare := primary ( cmpop primary )?
//	primary := literal | path | "(" or ")"
//
// && and || return operand values like JavaScript does.
type parser struct {
	expr   string
	env    *Env
	tokens []token
	pos    int
}

func (p *parser) tokenize() error {
	s := p.expr
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			p.tokens = append(p.tokens, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			p.tokens = append(p.tokens, token{kind: tokRParen, text: ")"})
			i++
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(s) && s[j] != c {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(s) {
				return newEvalError(p.expr, "unterminated string literal")
			}
			str, _ := unquote(s[i : j+1])
			p.tokens = append(p.tokens, token{kind: tokLiteral, text: s[i : j+1], value: str})
			i = j + 1
		case (c >= '0' && c <= '9') || (c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9'):
			j := i + 1
			for j < len(s) && (isIdentPart(s[j]) || s[j] == '.' || ((s[j] == '-' || s[j] == '+') && (s[j-1] == 'e' || s[j-1] == 'E'))) {
				j++
			}
			f, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return newEvalError(p.expr, "invalid number %q", s[i:j])
			}
			p.tokens = append(p.tokens, token{kind: tokLiteral, text: s[i:j], value: f})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && (isIdentPart(s[j]) || s[j] == '.' || s[j] == '[' || s[j] == ']') {
				j++
			}
			word := s[i:j]
			if v, ok := parseLiteral(word); ok {
				p.tokens = append(p.tokens, token{kind: tokLiteral, text: word, value: v})
			} else {
				if !pathPattern.MatchString(word) {
					return newEvalError(p.expr, "invalid property path %q", word)
				}
				p.tokens = append(p.tokens, token{kind: tokPath, text: word})
			}
			i = j
		default:
			op := matchOperator(s[i:])
			if op == "" {
				return newEvalError(p.expr, "unexpected character %q", string(c))
			}
			p.tokens = append(p.tokens, token{kind: tokOp, text: op})
			i += len(op)
		}
	}
	return nil
}

var operators = []string{"===", "!==", "==", "!=", "<=", ">=", "&&", "||", "<", ">", "!"}

func matchOperator(s string) string {
	for _, op := range operators {
		if len(s) >= len(op) && s[:len(op)] == op {
			return op
		}
	}
	return ""
}

func (p *parser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.tokens[p.pos].text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			left = right
		}
	}
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			left = right
		}
	}
}

func (p *parser) parseUnary() (any, error) {
	if _, ok := p.peekOp("!"); ok {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	op, ok := p.peekOp("===", "!==", "==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}
	p.pos++
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right), nil
}

func (p *parser) parsePrimary() (any, error) {
	if p.pos >= len(p.tokens) {
		return nil, newEvalError(p.expr, "unexpected end of expression")
	}
	tok := p.tokens[p.pos]
	p.pos++
	switch tok.kind {
	case tokLiteral:
		return tok.value, nil
	case tokPath:
		return resolvePath(tok.text, p.env)
	case tokLParen:
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokRParen {
			return nil, newEvalError(p.expr, "missing closing parenthesis")
		}
		p.pos++
		return v, nil
	default:
		return nil, newEvalError(p.expr, "unexpected token %q", tok.text)
	}
}

// compare applies a comparison operator. Equality compares same-typed
// values, with null == undefined under the loose operators. Ordering is
// defined only for number/number and string/string; anything else is false.
func compare(op string, a, b any) bool {
	switch op {
	case "==":
		return looseEqual(a, b)
	case "!=":
		return !looseEqual(a, b)
	case "===":
		return strictEqual(a, b)
	case "!==":
		return !strictEqual(a, b)
	}

	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			switch op {
			case "<":
				return x < y
			case "<=":
				return x <= y
			case ">":
				return x > y
			case ">=":
				return x >= y
			}
		}
		return false
	}
	x, okA := a.(string)
	y, okB := b.(string)
	if !okA || !okB {
		return false
	}
	switch op {
	case "<":
		return x < y
	case "<=":
		return x <= y
	case ">":
		return x > y
	case ">=":
		return x >= y
	}
	return false
}

func isNullish(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(undefinedValue)
	return ok
}

func looseEqual(a, b any) bool {
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b)
	}
	return strictEqual(a, b)
}

func strictEqual(a, b any) bool {
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case undefinedValue:
		_, ok := b.(undefinedValue)
		return ok
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
