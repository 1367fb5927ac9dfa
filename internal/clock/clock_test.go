package clock

import (
	"sync"
	"testing"
	"time"
)

func TestNextStrictlyIncreasing(t *testing.T) {
	c := New()
	prev := c.Next()
	for i := 0; i < 10000; i++ {
		ts := c.Next()
		if ts <= prev {
			t.Fatalf("timestamp went backwards: %d after %d", ts, prev)
		}
		prev = ts
	}
}

func TestObserveRaisesFloor(t *testing.T) {
	c := New()
	future := time.Now().Add(time.Hour).UnixMilli() << counterBits
	c.Observe(future)
	if ts := c.Next(); ts <= future {
		t.Fatalf("expected timestamp after observed %d, got %d", future, ts)
	}
}

func TestObserveOlderIsIgnored(t *testing.T) {
	c := New()
	ts := c.Next()
	c.Observe(ts - 100)
	if next := c.Next(); next <= ts {
		t.Fatalf("older observation lowered the clock: %d <= %d", next, ts)
	}
}

func TestNextConcurrent(t *testing.T) {
	c := New()
	const goroutines = 8
	const perGoroutine = 2000

	var mu sync.Mutex
	seen := make(map[int64]bool, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				local = append(local, c.Next())
			}
			mu.Lock()
			for _, ts := range local {
				if seen[ts] {
					t.Errorf("duplicate timestamp %d", ts)
				}
				seen[ts] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestWallTimeRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	ts := now.UnixMilli() << counterBits
	if got := WallTime(ts); !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
}
