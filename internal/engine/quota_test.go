package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestQuotaEnforcer_WithinLimit tests normal operation within quota.
func TestQuotaEnforcer_WithinLimit(t *testing.T) {
	q := NewQuotaEnforcer(10)

	for i := 1; i <= 10; i++ {
		assert.NoError(t, q.Check("inst-1", i), "step %d should be allowed", i)
	}
	assert.Equal(t, 10, q.MaxSteps())
}

// TestQuotaEnforcer_ExceedsLimit tests quota exceeded error.
func TestQuotaEnforcer_ExceedsLimit(t *testing.T) {
	q := NewQuotaEnforcer(5)

	err := q.Check("inst-1", 6)
	require.Error(t, err)

	var stepsErr *StepsExceededError
	require.ErrorAs(t, err, &stepsErr)
	assert.Equal(t, "inst-1", stepsErr.InstanceID)
	assert.Equal(t, 6, stepsErr.Steps)
	assert.Equal(t, 5, stepsErr.Limit)
	assert.Contains(t, err.Error(), "exceeded max steps quota")
}

func TestQuotaEnforcer_Disabled(t *testing.T) {
	for _, limit := range []int{0, -1} {
		q := NewQuotaEnforcer(limit)
		assert.NoError(t, q.Check("inst-1", 1_000_000))
	}
}

func TestIsStepsExceededError(t *testing.T) {
	err := &StepsExceededError{InstanceID: "inst-1", Steps: 3, Limit: 2}

	assert.True(t, IsStepsExceededError(err))
	assert.True(t, IsStepsExceededError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsStepsExceededError(fmt.Errorf("other")))
	assert.False(t, IsStepsExceededError(nil))
}
