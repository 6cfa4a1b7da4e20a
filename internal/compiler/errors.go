package compiler

import (
	"fmt"
	"strings"
)

// Validation error codes (E200-E299)
const (
	// DAG structure errors (E200-E209)
	ErrDuplicateNode     = "E200" // two nodes share an id
	ErrDuplicateEdge     = "E201" // two edges share an id
	ErrStartNodeCount    = "E202" // not exactly one start node
	ErrMissingEndNode    = "E203" // no end node
	ErrDanglingEdge      = "E204" // edge endpoint does not exist
	ErrCycle             = "E205" // graph is not acyclic
	ErrUnreachableNode   = "E206" // node not reachable from start
	ErrMissingSystemGate = "E207" // required sys: node absent
	ErrOrphanSystemNode  = "E208" // sys: node without incoming edge
	ErrUnknownNodeType   = "E209" // node type outside the closed set

	// Patch errors (E210-E219)
	ErrUnknownSlot = "E210" // patch targets a slot the envelope does not declare
	ErrSlotScope   = "E211" // WF-06 namespace/scope violation

	// Expression errors (E220-E229)
	ErrUnsafeExpression = "E220" // condition fails the DSL safety check
)

// ValidationError is one structural problem found while compiling.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// CompileErrors aggregates every error found by a compilation.
// Compilation fails closed: a non-empty CompileErrors means no workflow.
type CompileErrors []ValidationError

// Error implements the error interface.
func (e CompileErrors) Error() string {
	if len(e) == 1 {
		return "compile failed: " + e[0].Error()
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return fmt.Sprintf("compile failed with %d errors: %s", len(e), strings.Join(parts, "; "))
}

// Messages returns the bare messages, in order.
func (e CompileErrors) Messages() []string {
	out := make([]string, len(e))
	for i, ve := range e {
		out[i] = ve.Message
	}
	return out
}

// HasCode reports whether any error carries code.
func (e CompileErrors) HasCode(code string) bool {
	for _, ve := range e {
		if ve.Code == code {
			return true
		}
	}
	return false
}
