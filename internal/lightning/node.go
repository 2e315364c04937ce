// Package lightning abstracts the Lightning node behind the Node interface
// so the orchestrator depends on capabilities, not on LND internals.
package lightning

import (
	"context"
	"time"
)

// InvoiceRequest describes the invoice to mint for an inbound payment.
type InvoiceRequest struct {
	AmountSats int64
	Memo       string
	ExpiresIn  time.Duration
}

// Invoice is a minted BOLT11 invoice.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string // 32-byte hex
}

// Settlement is one settled inbound payment. SettleIndex orders the stream;
// the orchestrator persists the last acknowledged index and resumes from it
// after a restart, so delivery is at-least-once.
type Settlement struct {
	PaymentHash  string
	AmountSats   int64
	SettledAt    time.Time
	SettleIndex  uint64
	SourcePubkey string // payer node when known, empty otherwise
}

// RefundRequest sends sats back toward the original payer.
type RefundRequest struct {
	DestPubkey string // payer node, hex
	AmountSats int64
	Memo       string
}

// RefundResult reports a completed keysend refund.
type RefundResult struct {
	PaymentHash string
	FeeSats     int64
}

// Node is the capability set the bridge needs from a Lightning backend.
type Node interface {
	// CreateInvoice mints an invoice. Implementations retry transient
	// failures internally; a returned error is final.
	CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)

	// CancelInvoice releases an open invoice identified by payment hash.
	// Cancelling an already-settled or unknown invoice is an error.
	CancelInvoice(ctx context.Context, paymentHash string) error

	// SubscribeSettlements streams settlements with SettleIndex greater
	// than afterIndex. The channel closes when ctx is cancelled or the
	// upstream stream breaks; callers resubscribe with their last
	// acknowledged index.
	SubscribeSettlements(ctx context.Context, afterIndex uint64) (<-chan Settlement, error)

	// Refund pushes sats back to the payer via keysend.
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)

	// Healthy reports whether the node is reachable and synced.
	Healthy(ctx context.Context) error

	Close() error
}
