// Package store persists the transaction aggregate, its append-only event
// ledger, and receipts. All state changes go through Transition, which
// couples an optimistic version check with an atomic event append: the store
// never observes a state change without a corresponding ledger entry.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sokopesa/bridge/internal/money"
)

// Sentinel errors surfaced by Store implementations.
var (
	ErrNotFound                = errors.New("store: not found")
	ErrDuplicatePaymentHash    = errors.New("store: duplicate payment hash")
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
	ErrStaleVersion            = errors.New("store: stale version")
	ErrIllegalTransition       = errors.New("store: illegal transition")
	ErrReceiptExists           = errors.New("store: receipt already exists")
)

// State is the transaction lifecycle state.
type State string

const (
	StatePending          State = "PENDING"
	StateLightningPending State = "LIGHTNING_PENDING"
	StateLightningPaid    State = "LIGHTNING_PAID"
	StateConverting       State = "CONVERTING"
	StateMpesaPending     State = "MPESA_PENDING"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateRefunding        State = "REFUNDING"
	StateRefunded         State = "REFUNDED"
	StateExpired          State = "EXPIRED"
	StateCancelled        State = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRefunded, StateExpired, StateCancelled:
		return true
	}
	return false
}

// allowedTransitions is the canonical state graph. Exhaustive; anything not
// listed here is an invariant violation.
var allowedTransitions = map[State][]State{
	StatePending:          {StateLightningPending, StateCancelled},
	StateLightningPending: {StateLightningPaid, StateExpired, StateCancelled},
	StateLightningPaid:    {StateConverting, StateRefunding},
	StateConverting:       {StateMpesaPending, StateFailed},
	StateMpesaPending:     {StateCompleted, StateFailed},
	StateFailed:           {StateRefunding},
	StateRefunding:        {StateRefunded},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureReason is the stable enum carried by failed transactions.
type FailureReason string

const (
	ReasonInvoiceCreationFailed FailureReason = "INVOICE_CREATION_FAILED"
	ReasonDarajaRejected        FailureReason = "DARAJA_REJECTED"
	ReasonInvalidRecipient      FailureReason = "INVALID_RECIPIENT"
	ReasonInsufficientFloat     FailureReason = "INSUFFICIENT_FLOAT"
	ReasonUpstreamTimeout       FailureReason = "UPSTREAM_TIMEOUT"
	ReasonRiskBlocked           FailureReason = "RISK_BLOCKED"
	ReasonQuoteExpired          FailureReason = "QUOTE_EXPIRED"
	ReasonClientCancelled       FailureReason = "CLIENT_CANCELLED"
)

// Transaction is the single aggregate root. Snapshots handed out by the
// store are copies; callers mutate only inside a Transition mutator.
type Transaction struct {
	ID             string         `json:"id"`
	Flow           money.Flow     `json:"flow"`
	PaymentHash    string         `json:"payment_hash"`
	RecipientPhone string         `json:"recipient_phone"`
	MerchantCode   string         `json:"merchant_code,omitempty"`
	AccountNumber  string         `json:"account_number,omitempty"`
	KESAmount      money.KES      `json:"kes_amount"`
	BTCAmount      money.Sats     `json:"btc_amount_sats"`
	Rate           float64        `json:"rate"`
	FeeKES         money.KES      `json:"fee_kes"`
	State          State          `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	QuoteExpiresAt time.Time      `json:"quote_expires_at"`
	Invoice        string         `json:"lightning_invoice,omitempty"`
	MpesaReceipt   string         `json:"mpesa_receipt,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SourcePubkey   string         `json:"source_pubkey,omitempty"`
	FailureReason  FailureReason  `json:"failure_reason,omitempty"`
	FailureDetail  string         `json:"failure_detail,omitempty"`
	RiskScore      float64        `json:"risk_score"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	SourceIP       string         `json:"source_ip,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	SettledAt      *time.Time     `json:"settled_at,omitempty"`
	Version        int64          `json:"version"`
}

// EventKind tags entries in the transaction event ledger.
type EventKind string

const (
	EventCreated          EventKind = "created"
	EventStateChanged     EventKind = "state_changed"
	EventRiskScored       EventKind = "risk_scored"
	EventDispatchAccepted EventKind = "dispatch_accepted"
	EventCallbackReceived EventKind = "callback_received"
	EventDuplicateDropped EventKind = "duplicate_dropped"
	EventStaleSettlement  EventKind = "stale_settlement"
	EventRequiresReview   EventKind = "requires_review"
	EventRefundAttempt    EventKind = "refund_attempt"
	EventReceiptIssued    EventKind = "receipt_issued"
)

// Event is one immutable entry in the per-transaction ledger. Seq is
// assigned by the store, gap-free and monotonic per transaction.
type Event struct {
	TxID    string          `json:"tx_id"`
	Seq     int64           `json:"seq"`
	Kind    EventKind       `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StateChangePayload is the payload recorded for state_changed events.
type StateChangePayload struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// MarshalStateChange builds the canonical state_changed payload.
func MarshalStateChange(from, to State, reason string) json.RawMessage {
	raw, _ := json.Marshal(StateChangePayload{From: from, To: to, Reason: reason})
	return raw
}

// Receipt is the immutable record created on entry to COMPLETED. Rendering
// is deferred; Payload is everything a render needs, so re-renders are
// byte-identical.
type Receipt struct {
	ID        string          `json:"id"`
	TxID      string          `json:"tx_id"`
	Payload   json.RawMessage `json:"payload"`
	QRPayload string          `json:"qr_payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Mutator adjusts a transaction inside a Transition. It runs after the
// version and state checks pass and before the row is written back.
type Mutator func(tx *Transaction) error

// Store captures the persistence contract for the transaction aggregate.
//
// Transition and its event append are atomic: if two callers race on the
// same transaction, exactly one succeeds and the other sees ErrStaleVersion.
type Store interface {
	// Create persists a new transaction in its initial state and appends the
	// created event. Fails on duplicate payment_hash or (flow, idempotency_key).
	Create(ctx context.Context, tx Transaction) (Transaction, error)

	Get(ctx context.Context, id string) (Transaction, error)
	GetByPaymentHash(ctx context.Context, hash string) (Transaction, error)
	// GetByPaymentHashPrefix resolves the 12-hex account reference Daraja
	// callbacks echo back. Prefixes must be at least 12 chars.
	GetByPaymentHashPrefix(ctx context.Context, prefix string) (Transaction, error)
	// GetByConversationID resolves a Daraja conversation id (STK
	// CheckoutRequestID or B2C ConversationID) to its transaction.
	GetByConversationID(ctx context.Context, conversationID string) (Transaction, error)
	// GetByIdempotencyKey resolves a (flow, key) pair to its transaction.
	GetByIdempotencyKey(ctx context.Context, flow money.Flow, key string) (Transaction, error)

	// Transition moves a transaction from -> to, applying mutate and
	// appending a state_changed event in the same atomic unit. The version
	// check (expectedVersion) makes concurrent transitions lose cleanly.
	Transition(ctx context.Context, id string, from, to State, expectedVersion int64, mutate Mutator, reason string) (Transaction, error)

	// AppendEvent records a non-transition ledger entry (risk score, dedup
	// drop, refund attempt). Seq is assigned by the store.
	AppendEvent(ctx context.Context, txID string, kind EventKind, payload json.RawMessage) error

	// Events returns the full ledger for a transaction in seq order.
	Events(ctx context.Context, txID string) ([]Event, error)

	// ListExpiring returns LIGHTNING_PENDING transactions whose quote expired
	// before the given time. Used by the expiry sweeper.
	ListExpiring(ctx context.Context, before time.Time) ([]Transaction, error)

	// ListInStateOlderThan returns transactions sitting in the given state
	// since before the cutoff. Used by the reconciler for MPESA_PENDING.
	ListInStateOlderThan(ctx context.Context, state State, cutoff time.Time) ([]Transaction, error)

	// SaveReceipt persists the receipt for a completed transaction; at most
	// one receipt per transaction.
	SaveReceipt(ctx context.Context, r Receipt) error
	GetReceiptByTxID(ctx context.Context, txID string) (Receipt, error)

	// GetCursor and SetCursor persist named stream positions, such as the
	// last acknowledged Lightning settle index. A missing cursor reads as 0.
	GetCursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, value uint64) error

	Close() error
}

// Replay folds a ledger into the state sequence it encodes. Used by tests
// and the audit surface to check that the materialised row matches the
// ledger (replaying from empty must land on the current state).
func Replay(events []Event) (State, error) {
	var current State
	for _, ev := range events {
		switch ev.Kind {
		case EventCreated:
			current = StatePending
		case EventStateChanged:
			var p StateChangePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return current, err
			}
			if current != p.From || !CanTransition(p.From, p.To) {
				return current, ErrIllegalTransition
			}
			current = p.To
		}
	}
	return current, nil
}
