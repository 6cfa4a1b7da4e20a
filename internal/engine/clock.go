package engine

import "time"

// Clock supplies wall-clock time for step timing, wait deadlines and
// retry schedules. Ordering never depends on it: steps are ordered by the
// storage-assigned seq.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
