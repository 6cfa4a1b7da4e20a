package dsl

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Roots are the only identifiers an expression can dereference.
var Roots = []string{"entity", "context", "actor", "tokens"}

type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

// Undefined is the value of a property path that does not resolve.
var Undefined any = undefinedValue{}

// Env is the evaluation context. Values are converted to a JSON document
// once and queried with gjson.
type Env struct {
	Entity  map[string]any
	Context map[string]any
	Actor   map[string]any
	Tokens  map[string]any

	once sync.Once
	doc  []byte
	err  error
}

func (e *Env) document() ([]byte, error) {
	e.once.Do(func() {
		e.doc, e.err = json.Marshal(map[string]any{
			"entity":  e.Entity,
			"context": e.Context,
			"actor":   e.Actor,
			"tokens":  e.Tokens,
		})
	})
	return e.doc, e.err
}

var (
	pathPattern     = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*|\[\d+\])*$`)
	numberPattern   = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][-+]?\d+)?$`)
	templatePattern = regexp.MustCompile(`\$\{([^}]*)\}`)
)

// Evaluate evaluates expr against env.
//
// Resolution order: literal, property path, ${...} template, then the
// comparison/logical parser. Unresolvable paths yield Undefined.
func Evaluate(expr string, env *Env) (any, error) {
	if env == nil {
		env = &Env{}
	}
	trimmed := strings.TrimSpace(expr)
	if len(expr) > MaxExpressionLength {
		return nil, ValidateSafety(expr)
	}
	if trimmed == "" {
		return nil, newEvalError(expr, "empty expression")
	}

	if v, ok := parseLiteral(trimmed); ok {
		return v, nil
	}
	if pathPattern.MatchString(trimmed) {
		if err := checkAll(trimmed); err != nil {
			return nil, err
		}
		return resolvePath(trimmed, env)
	}
	if strings.Contains(trimmed, "${") {
		return Interpolate(expr, env)
	}

	if err := checkAll(expr); err != nil {
		return nil, err
	}
	p := &parser{expr: expr, env: env}
	if err := p.tokenize(); err != nil {
		return nil, err
	}
	v, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, newEvalError(expr, "unexpected token %q", p.tokens[p.pos].text)
	}
	return v, nil
}

// EvaluateBool evaluates expr and applies truthiness.
func EvaluateBool(expr string, env *Env) (bool, error) {
	v, err := Evaluate(expr, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Interpolate replaces every ${expr} in template with the string form of
// the evaluated expression. Each embedded expression passes the full
// safety check on its own; literal text around them is not checked.
func Interpolate(template string, env *Env) (string, error) {
	if env == nil {
		env = &Env{}
	}
	if len(template) > MaxExpressionLength {
		return "", ValidateSafety(template)
	}
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(template, func(m string) string {
		if firstErr != nil {
			return ""
		}
		inner := strings.TrimSpace(m[2 : len(m)-1])
		if strings.Contains(inner, "${") {
			firstErr = newEvalError(template, "nested template")
			return ""
		}
		v, err := Evaluate(inner, env)
		if err != nil {
			firstErr = err
			return ""
		}
		return Stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func checkAll(expr string) error {
	if err := ValidateSafety(expr); err != nil {
		return err
	}
	return CheckRuntime(expr)
}

func parseLiteral(s string) (any, bool) {
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	case "undefined":
		return Undefined, true
	}
	if numberPattern.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f, true
		}
	}
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		if str, ok := unquote(s); ok {
			return str, true
		}
	}
	return nil, false
}

// unquote decodes a whole quoted literal, failing if the closing quote is
// not the final byte.
func unquote(s string) (string, bool) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		case c == quote:
			return b.String(), i == len(s)-1
		default:
			b.WriteByte(c)
		}
	}
	return "", false
}

// resolvePath looks a dotted path up in the environment document. Paths
// whose first segment is not a root resolve to Undefined.
func resolvePath(path string, env *Env) (any, error) {
	root, _, _ := strings.Cut(path, ".")
	root, _, _ = strings.Cut(root, "[")
	known := false
	for _, r := range Roots {
		if r == root {
			known = true
			break
		}
	}
	if !known {
		return Undefined, nil
	}
	doc, err := env.document()
	if err != nil {
		return nil, newEvalError(path, "encode environment: %v", err)
	}
	res := gjson.GetBytes(doc, toGJSONPath(path))
	if !res.Exists() {
		if parent, ok := strings.CutSuffix(path, ".length"); ok {
			return lengthOf(gjson.GetBytes(doc, toGJSONPath(parent))), nil
		}
		return Undefined, nil
	}
	return res.Value(), nil
}

// lengthOf gives arrays and strings a length property. An object key named
// length wins because it resolves before this is consulted.
func lengthOf(res gjson.Result) any {
	switch {
	case res.IsArray():
		return float64(len(res.Array()))
	case res.Type == gjson.String:
		return float64(utf8.RuneCountInString(res.Str))
	default:
		return Undefined
	}
}

// toGJSONPath rewrites a[0].b into a.0.b.
func toGJSONPath(path string) string {
	r := strings.NewReplacer("[", ".", "]", "")
	return r.Replace(path)
}

// Truthy applies JavaScript truthiness.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil, undefinedValue:
		return false
	case bool:
		return val
	case float64:
		return val != 0 && !math.IsNaN(val)
	case int:
		return val != 0
	case int64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}

// Stringify renders a value for template output. Null and undefined render
// as the empty string; integral numbers render without a fraction.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil, undefinedValue:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e21 {
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}
