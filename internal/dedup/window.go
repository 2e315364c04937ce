// Package dedup implements the sliding window that drops duplicate webhook
// deliveries. Tokens are H(endpoint, conversation_id, result_code); a token
// seen within the window acknowledges but does not dispatch.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow matches Daraja's longest observed redelivery horizon.
const DefaultWindow = 24 * time.Hour

// Window records webhook tokens and reports duplicates.
type Window interface {
	// Seen marks the token and reports whether it was already present.
	Seen(ctx context.Context, token string) (bool, error)
	// Forget releases a token so the sender's redelivery is not treated
	// as a duplicate. Used when a marked delivery could not be enqueued.
	Forget(ctx context.Context, token string) error
	Close() error
}

// Token derives the dedup token for a callback.
func Token(endpoint, conversationID, resultCode string) string {
	h := sha256.Sum256([]byte(endpoint + "\x00" + conversationID + "\x00" + resultCode))
	return hex.EncodeToString(h[:])
}

// MemoryWindow is the in-process Window with a background sweeper.
type MemoryWindow struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	stop    chan struct{}
	stopped chan struct{}
	clock   func() time.Time
}

// NewMemoryWindow creates a window with the given TTL and starts its sweeper.
func NewMemoryWindow(ttl time.Duration) *MemoryWindow {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	w := &MemoryWindow{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		clock:   time.Now,
	}
	go w.sweep()
	return w
}

// WithClock injects a deterministic clock for tests.
func (w *MemoryWindow) WithClock(clock func() time.Time) *MemoryWindow {
	w.clock = clock
	return w
}

func (w *MemoryWindow) Seen(ctx context.Context, token string) (bool, error) {
	now := w.clock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if at, ok := w.seen[token]; ok && now.Sub(at) < w.ttl {
		return true, nil
	}
	w.seen[token] = now
	return false, nil
}

func (w *MemoryWindow) Forget(ctx context.Context, token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, token)
	return nil
}

func (w *MemoryWindow) sweep() {
	defer close(w.stopped)
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			cutoff := w.clock().Add(-w.ttl)
			w.mu.Lock()
			for token, at := range w.seen {
				if at.Before(cutoff) {
					delete(w.seen, token)
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *MemoryWindow) Close() error {
	close(w.stop)
	<-w.stopped
	return nil
}

// keyPrefix namespaces window tokens in shared redis databases.
const keyPrefix = "dedup:"

func redisKey(token string) string {
	return fmt.Sprintf("%s%s", keyPrefix, token)
}
