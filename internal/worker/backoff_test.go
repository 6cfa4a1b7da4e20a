package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Zero(t, Backoff{}.Delay(3))
	assert.Equal(t, 8*time.Second, Backoff{Base: time.Second}.Delay(4), "no cap")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{BatchSize: 3}.withDefaults()
	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, DefaultConfig().MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultConfig().Lease, cfg.Lease)
	assert.Equal(t, DefaultConfig().Backoff, cfg.Backoff)
}
