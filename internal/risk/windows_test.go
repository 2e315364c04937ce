package risk

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWindowCountAndSumDropExpired(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	now := base
	w := newSlidingWindow(time.Hour, func() time.Time { return now })

	w.add("ip", 100)
	w.add("ip", 250)
	now = base.Add(30 * time.Minute)
	w.add("ip", 50)

	if got := w.count("ip"); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
	if got := w.sum("ip"); got != 400 {
		t.Errorf("sum = %d, want 400", got)
	}

	// 65 minutes past the first two entries only the last survives.
	now = base.Add(65 * time.Minute)
	if got := w.count("ip"); got != 1 {
		t.Errorf("count = %d after expiry, want 1", got)
	}
	if got := w.sum("ip"); got != 50 {
		t.Errorf("sum = %d after expiry, want 50", got)
	}

	// And once everything ages out the key is gone entirely.
	now = base.Add(3 * time.Hour)
	if got := w.count("ip"); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
	w.mu.Lock()
	_, present := w.entries["ip"]
	w.mu.Unlock()
	if present {
		t.Error("fully expired key still held in the map")
	}
}

// Concurrent adds, reads and sweeps on one key, with the clock moving so
// entries expire mid-flight. Run under the race detector this pins down
// that count and sum never walk the backing array outside the lock.
func TestWindowConcurrentAccess(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	w := newSlidingWindow(time.Minute, func() time.Time {
		return base.Add(time.Duration(offset.Load()))
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				w.add("shared", int64(i))
				offset.Add(int64(200 * time.Millisecond))
				if w.sum("shared") < 0 {
					t.Error("negative sum")
				}
				if w.count("shared") < 0 {
					t.Error("negative count")
				}
				w.sweep()
			}
		}()
	}
	wg.Wait()
}
