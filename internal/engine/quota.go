package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxSteps is the default maximum number of steps per instance.
// This prevents a looping handler or a runaway wake-up chain from growing
// the step log without bound.
const DefaultMaxSteps = 1000

// QuotaEnforcer checks an instance's step count against a limit.
//
// The count comes from storage, so the quota holds across engine
// processes and restarts. A zero or negative limit disables the check.
type QuotaEnforcer struct {
	maxSteps int
}

// NewQuotaEnforcer creates a quota enforcer with the given limit.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check validates that taking step number steps (1-based) stays within
// the limit.
func (q *QuotaEnforcer) Check(instanceID string, steps int) error {
	if q.maxSteps <= 0 || steps <= q.maxSteps {
		return nil
	}
	return &StepsExceededError{
		InstanceID: instanceID,
		Steps:      steps,
		Limit:      q.maxSteps,
	}
}

// MaxSteps returns the limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}

// StepsExceededError is recorded on the step that crossed the quota.
//
// The step fails, and with it the instance; the error is not returned to
// the caller of AdvanceWorkflow.
type StepsExceededError struct {
	InstanceID string
	Steps      int
	Limit      int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("instance %s exceeded max steps quota: %d steps > %d limit",
		e.InstanceID, e.Steps, e.Limit)
}

// IsStepsExceededError returns true if the error is a StepsExceededError.
// Uses errors.As to handle wrapped errors.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
