package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/sokopesa/bridge/internal/money"
)

// MemoryIndex is an in-memory Index with a background expiry sweeper.
type MemoryIndex struct {
	mu          sync.Mutex
	entries     map[string]memoryEntry
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	clock       func() time.Time
}

type memoryEntry struct {
	txID      string
	expiresAt time.Time
}

// NewMemoryIndex creates an in-memory index and starts its sweeper.
func NewMemoryIndex() *MemoryIndex {
	idx := &MemoryIndex{
		entries:     make(map[string]memoryEntry),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		clock:       time.Now,
	}
	go idx.cleanup()
	return idx
}

// WithClock injects a deterministic clock for tests.
func (i *MemoryIndex) WithClock(clock func() time.Time) *MemoryIndex {
	i.clock = clock
	return i
}

func (i *MemoryIndex) Reserve(ctx context.Context, flow money.Flow, key, txID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := i.clock()

	i.mu.Lock()
	defer i.mu.Unlock()

	k := indexKey(flow, key)
	if entry, exists := i.entries[k]; exists && now.Before(entry.expiresAt) {
		return entry.txID, false, nil
	}
	i.entries[k] = memoryEntry{txID: txID, expiresAt: now.Add(ttl)}
	return txID, true, nil
}

func (i *MemoryIndex) Release(ctx context.Context, flow money.Flow, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, indexKey(flow, key))
	return nil
}

func (i *MemoryIndex) cleanup() {
	defer close(i.cleanupDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-i.stopCleanup:
			return
		case <-ticker.C:
			now := i.clock()
			i.mu.Lock()
			for k, entry := range i.entries {
				if now.After(entry.expiresAt) {
					delete(i.entries, k)
				}
			}
			i.mu.Unlock()
		}
	}
}

func (i *MemoryIndex) Close() error {
	close(i.stopCleanup)
	<-i.cleanupDone
	return nil
}
