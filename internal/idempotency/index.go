// Package idempotency maps (flow, client_key) pairs to transaction ids so
// retried create-requests collapse onto the first transaction. The index is
// the front line; the store's unique (flow, idempotency_key) constraint is
// the backstop when two creates race past it.
package idempotency

import (
	"context"
	"time"

	"github.com/sokopesa/bridge/internal/money"
)

// DefaultTTL is how long a reservation outlives the transaction's terminal
// state. Matching the webhook dedup window keeps retries harmless for a day.
const DefaultTTL = 24 * time.Hour

// Index reserves idempotency keys scoped by flow.
type Index interface {
	// Reserve claims (flow, key) for txID. If the pair is already claimed the
	// existing transaction id is returned with ok=false.
	Reserve(ctx context.Context, flow money.Flow, key, txID string, ttl time.Duration) (existing string, ok bool, err error)

	// Release drops a reservation (used when a create fails after reserving).
	Release(ctx context.Context, flow money.Flow, key string) error

	Close() error
}

func indexKey(flow money.Flow, key string) string {
	return "idem:" + string(flow) + ":" + key
}
