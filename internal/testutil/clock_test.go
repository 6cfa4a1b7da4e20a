package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock()

	got := clock.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), got)
	assert.Equal(t, got, clock.Now())
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock()
	at := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(at)
	assert.Equal(t, at, clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(n*time.Millisecond), clock.Now())
}
