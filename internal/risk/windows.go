package risk

import (
	"sync"
	"time"
)

type entry struct {
	at     time.Time
	amount int64 // cents, zero for pure velocity entries
}

// slidingWindow keeps per-key timestamped entries and answers count and sum
// questions over a lookback horizon. Entries older than the horizon are
// dropped by a background sweeper and lazily on read.
type slidingWindow struct {
	mu      sync.Mutex
	entries map[string][]entry
	horizon time.Duration
	clock   func() time.Time
}

func newSlidingWindow(horizon time.Duration, clock func() time.Time) *slidingWindow {
	return &slidingWindow{
		entries: make(map[string][]entry),
		horizon: horizon,
		clock:   clock,
	}
}

func (w *slidingWindow) add(key string, amount int64) {
	now := w.clock()
	w.mu.Lock()
	w.entries[key] = append(w.entries[key], entry{at: now, amount: amount})
	w.mu.Unlock()
}

func (w *slidingWindow) count(key string) int {
	n, _ := w.prune(key)
	return n
}

func (w *slidingWindow) sum(key string) int64 {
	_, total := w.prune(key)
	return total
}

// prune drops expired entries for one key and reports the survivors' count
// and amount sum. Both are computed under the lock; the surviving slice
// aliases the map's backing array and must never escape it.
func (w *slidingWindow) prune(key string) (int, int64) {
	cutoff := w.clock().Add(-w.horizon)
	w.mu.Lock()
	defer w.mu.Unlock()

	old := w.entries[key]
	live := old[:0]
	var total int64
	for _, e := range old {
		if e.at.After(cutoff) {
			live = append(live, e)
			total += e.amount
		}
	}
	if len(live) == 0 {
		delete(w.entries, key)
		return 0, 0
	}
	w.entries[key] = live
	return len(live), total
}

// sweep prunes every key once; called periodically by the engine.
func (w *slidingWindow) sweep() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.entries))
	for k := range w.entries {
		keys = append(keys, k)
	}
	w.mu.Unlock()
	for _, k := range keys {
		w.prune(k)
	}
}
