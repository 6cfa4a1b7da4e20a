package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/lifeflow/internal/ir"
)

// ErrNotFound is wrapped by storage implementations when a row is missing.
var ErrNotFound = errors.New("not found")

// EngineError represents an error raised synchronously to the caller of an
// engine operation.
//
// Handler failures are never EngineErrors: they become failed steps.
type EngineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// InstanceID identifies the affected instance, when there is one.
	InstanceID string

	// NodeID identifies the node being advanced, when there is one.
	NodeID string

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a missing instance, definition, node, token or handler.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeTerminalInstance indicates the instance is completed, failed or cancelled.
	ErrCodeTerminalInstance ErrorCode = "TERMINAL_INSTANCE"

	// ErrCodeStaleCompile indicates the compiled definition was produced by a
	// different compiler version than the engine expects.
	ErrCodeStaleCompile ErrorCode = "STALE_COMPILE"

	// ErrCodeStableRegionDrift indicates the entity changed version while a
	// token sat in a stable region.
	ErrCodeStableRegionDrift ErrorCode = "STABLE_REGION_DRIFT"

	// ErrCodeEditWindow indicates the current node forbids the requested verb.
	ErrCodeEditWindow ErrorCode = "EDIT_WINDOW"

	// ErrCodeInvalidRequest indicates a malformed or inconsistent request.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.InstanceID != "" && e.NodeID != "" {
		return fmt.Sprintf("%s: %s (instance=%s, node=%s)", e.Code, e.Message, e.InstanceID, e.NodeID)
	}
	if e.InstanceID != "" {
		return fmt.Sprintf("%s: %s (instance=%s)", e.Code, e.Message, e.InstanceID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code ErrorCode) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found error, from the engine or
// from storage.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound) || errors.Is(err, ErrNotFound)
}

// IsTerminal reports whether err rejects work on a terminal instance.
func IsTerminal(err error) bool { return hasCode(err, ErrCodeTerminalInstance) }

// IsStaleCompile reports whether err is a compiler-version mismatch.
func IsStaleCompile(err error) bool { return hasCode(err, ErrCodeStaleCompile) }

// IsStableRegionDrift reports whether err is a stable-region version mismatch.
func IsStableRegionDrift(err error) bool { return hasCode(err, ErrCodeStableRegionDrift) }

// IsEditWindow reports whether err is an edit-window refusal.
func IsEditWindow(err error) bool { return hasCode(err, ErrCodeEditWindow) }

// IsInvalidRequest reports whether err rejects a malformed request.
func IsInvalidRequest(err error) bool { return hasCode(err, ErrCodeInvalidRequest) }

func notFound(instanceID, format string, args ...any) *EngineError {
	return &EngineError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...), InstanceID: instanceID}
}

func invalidRequest(instanceID, format string, args ...any) *EngineError {
	return &EngineError{Code: ErrCodeInvalidRequest, Message: fmt.Sprintf(format, args...), InstanceID: instanceID}
}

// NewTerminalError creates an error for work attempted on a finished instance.
func NewTerminalError(instanceID string, status ir.InstanceStatus) *EngineError {
	return &EngineError{
		Code:       ErrCodeTerminalInstance,
		Message:    fmt.Sprintf("instance is %s", status),
		InstanceID: instanceID,
	}
}

// NewStaleCompileError creates an error for a compiled definition whose
// compiler version differs from the engine's.
func NewStaleCompileError(instanceID, got, want string) *EngineError {
	return &EngineError{
		Code:       ErrCodeStaleCompile,
		Message:    fmt.Sprintf("definition compiled by %q, engine expects %q; recompile and republish", got, want),
		InstanceID: instanceID,
		Details:    map[string]string{"compiler_version": got, "expected": want},
	}
}

// NewStableRegionDriftError creates an error for an entity version that
// moved while a token sat in a stable region.
func NewStableRegionDriftError(instanceID, nodeID string, pinned, incoming int64) *EngineError {
	return &EngineError{
		Code:       ErrCodeStableRegionDrift,
		Message:    fmt.Sprintf("entity version %d differs from pinned version %d inside a stable region; amend the instance first", incoming, pinned),
		InstanceID: instanceID,
		NodeID:     nodeID,
		Details: map[string]string{
			"pinned":   fmt.Sprintf("%d", pinned),
			"incoming": fmt.Sprintf("%d", incoming),
		},
	}
}

// NewEditWindowError creates an error for a verb the current window forbids.
func NewEditWindowError(instanceID, verb, window string) *EngineError {
	return &EngineError{
		Code:       ErrCodeEditWindow,
		Message:    fmt.Sprintf("%s is not permitted while the instance is in a %s window", verb, window),
		InstanceID: instanceID,
		Details:    map[string]string{"verb": verb, "window": window},
	}
}
