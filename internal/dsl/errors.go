package dsl

import (
	"errors"
	"fmt"
)

// Limit names reported by EvalError.
const (
	LimitLength      = "max length"
	LimitDereference = "max dereferences"
	LimitDepth       = "max depth"
)

// EvalError is returned for any rejected or unevaluable expression.
// Limit is set when a static limit was exceeded.
type EvalError struct {
	Expression string
	Reason     string
	Limit      string
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	return fmt.Sprintf("dsl: %s: %q", e.Reason, e.Expression)
}

func newEvalError(expr, format string, args ...any) *EvalError {
	return &EvalError{Expression: expr, Reason: fmt.Sprintf(format, args...)}
}

// IsEvalError reports whether err is (or wraps) an EvalError.
func IsEvalError(err error) bool {
	var ee *EvalError
	return errors.As(err, &ee)
}
