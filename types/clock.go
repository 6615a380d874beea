package types

import "time"

// Clock supplies timestamps. time.Now carries a monotonic reading, so
// durations between two Now values are immune to wall clock steps.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
