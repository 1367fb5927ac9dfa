// Package clock issues the logical timestamps stamped on every local
// mutation. A timestamp is wall-clock milliseconds shifted left 16 bits with
// a tie-break counter in the low bits, so timestamps issued by one device are
// strictly increasing even within a single millisecond, and remain roughly
// comparable across devices.
package clock

import (
	"sync"
	"time"
)

const counterBits = 16

// LogicalClock produces strictly-increasing timestamps and never falls behind
// the highest remote timestamp it has observed.
type LogicalClock struct {
	mu   sync.Mutex
	last int64
}

func New() *LogicalClock {
	return &LogicalClock{}
}

// Next returns a timestamp strictly greater than any previously returned or
// observed value.
func (c *LogicalClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().UnixMilli() << counterBits
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe raises the clock floor to a timestamp seen on a remote change, so
// local edits made after applying it always order later.
func (c *LogicalClock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}

// WallTime extracts the wall-clock portion of a logical timestamp.
func WallTime(ts int64) time.Time {
	return time.UnixMilli(ts >> counterBits)
}
