package dsl

import (
	"strings"
)

// Static limits.
const (
	MaxExpressionLength = 500
	MaxDereferences     = 20
	MaxNestingDepth     = 10
)

// forbiddenMethods are rejected wherever they appear outside string literals.
var forbiddenMethods = []string{".replace(", ".match(", ".split(", ".concat(", ".join("}

// forbiddenKeywords are rejected as whole words outside string literals.
var forbiddenKeywords = map[string]bool{
	"constructor": true, "__proto__": true, "prototype": true, "eval": true,
	"Function": true, "function": true, "new": true, "this": true,
	"return": true, "if": true, "else": true, "for": true, "while": true,
	"do": true, "switch": true, "case": true, "break": true, "continue": true,
	"throw": true, "try": true, "catch": true, "finally": true, "var": true,
	"let": true, "const": true, "class": true, "import": true, "export": true,
	"delete": true, "typeof": true, "instanceof": true, "void": true,
	"yield": true, "await": true, "async": true, "with": true,
	"globalThis": true, "window": true, "process": true, "require": true,
}

// ValidateSafety applies the static checks: length, dereference count,
// nesting depth and the forbidden-operation list.
func ValidateSafety(expr string) error {
	if len(expr) > MaxExpressionLength {
		return &EvalError{
			Expression: expr,
			Reason:     "expression exceeds max length of 500 characters",
			Limit:      LimitLength,
		}
	}

	code, err := maskStrings(expr)
	if err != nil {
		return err
	}

	if n := countDereferences(code); n > MaxDereferences {
		return &EvalError{
			Expression: expr,
			Reason:     "expression exceeds max dereferences of 20 property accesses",
			Limit:      LimitDereference,
		}
	}
	if d := estimateDepth(code); d > MaxNestingDepth {
		return &EvalError{
			Expression: expr,
			Reason:     "expression exceeds max depth of 10 nesting levels",
			Limit:      LimitDepth,
		}
	}

	if strings.Contains(code, "/") {
		return newEvalError(expr, "forbidden operation: regex literal")
	}
	if strings.Contains(code, "+") {
		return newEvalError(expr, "forbidden operation: string concatenation")
	}
	for _, m := range forbiddenMethods {
		if strings.Contains(code, m) {
			return newEvalError(expr, "forbidden operation: %s", strings.TrimSuffix(m, "("))
		}
	}
	return nil
}

// CheckRuntime applies the runtime guard: the keyword blacklist and the
// ban on bare assignment.
func CheckRuntime(expr string) error {
	code, err := maskStrings(expr)
	if err != nil {
		return err
	}
	for _, word := range words(code) {
		if forbiddenKeywords[word] {
			return newEvalError(expr, "forbidden keyword: %s", word)
		}
	}
	if hasAssignment(code) {
		return newEvalError(expr, "assignment is not allowed")
	}
	return nil
}

// maskStrings blanks the contents of quoted literals so structural checks
// never look inside them. Quotes are kept.
func maskStrings(expr string) (string, error) {
	b := []byte(expr)
	var quote byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		if quote == 0 {
			if c == '"' || c == '\'' {
				quote = c
			}
			continue
		}
		switch c {
		case '\\':
			b[i] = ' '
			if i+1 < len(b) {
				i++
				b[i] = ' '
			}
		case quote:
			quote = 0
		default:
			b[i] = ' '
		}
	}
	if quote != 0 {
		return "", newEvalError(expr, "unterminated string literal")
	}
	return string(b), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// countDereferences counts property accesses: dots and index brackets that
// follow an identifier run. A single linear scan, no backtracking.
func countDereferences(code string) int {
	count := 0
	inRun := false
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case isIdentStart(c) && !inRun:
			inRun = true
		case inRun && (isIdentPart(c) || c == ']' || (c >= '0' && c <= '9')):
		case inRun && (c == '.' || c == '['):
			count++
		default:
			inRun = false
		}
	}
	return count
}

// estimateDepth is the maximum parenthesis depth plus half the number of
// logical operators, so long flat chains count as nesting.
func estimateDepth(code string) int {
	depth, maxDepth, logical := 0, 0, 0
	for i := 0; i < len(code); i++ {
		switch code[i] {
		case '(':
			depth++
			maxDepth = max(maxDepth, depth)
		case ')':
			depth--
		case '&', '|':
			if i+1 < len(code) && code[i+1] == code[i] {
				logical++
				i++
			}
		}
	}
	return maxDepth + logical/2
}

func words(code string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(code); i++ {
		if i < len(code) && isIdentPart(code[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if isIdentStart(code[start]) {
				out = append(out, code[start:i])
			}
			start = -1
		}
	}
	return out
}

// hasAssignment finds an '=' that is not part of ==, !=, <=, >=, === or !==.
func hasAssignment(code string) bool {
	for i := 0; i < len(code); i++ {
		if code[i] != '=' {
			continue
		}
		prev := byte(0)
		if i > 0 {
			prev = code[i-1]
		}
		next := byte(0)
		if i+1 < len(code) {
			next = code[i+1]
		}
		switch {
		case next == '=':
			// ==, ===, !==: skip the whole run
			for i+1 < len(code) && code[i+1] == '=' {
				i++
			}
		case prev == '!' || prev == '<' || prev == '>':
		default:
			return true
		}
	}
	return false
}
