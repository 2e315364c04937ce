package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sokopesa/bridge/internal/money"
)

// MemoryStore is the in-memory Store used for tests and single-node
// development. All payout dispatch protection is lost on restart, so it is
// never a production backend.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Transaction
	byHash   map[string]string            // payment_hash -> id
	byIdem   map[string]string            // flow|key -> id
	events   map[string][]Event           // tx_id -> ledger
	receipts map[string]Receipt           // tx_id -> receipt
	cursors  map[string]uint64
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Transaction),
		byHash:   make(map[string]string),
		byIdem:   make(map[string]string),
		events:   make(map[string][]Event),
		receipts: make(map[string]Receipt),
		cursors:  make(map[string]uint64),
		clock:    time.Now,
	}
}

// WithClock injects a deterministic clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func idemKey(flow money.Flow, key string) string {
	return string(flow) + "|" + key
}

func (s *MemoryStore) Create(ctx context.Context, tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.PaymentHash != "" {
		if _, exists := s.byHash[tx.PaymentHash]; exists {
			return Transaction{}, ErrDuplicatePaymentHash
		}
	}
	if tx.IdempotencyKey != "" {
		if _, exists := s.byIdem[idemKey(tx.Flow, tx.IdempotencyKey)]; exists {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}

	now := s.clock().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Version = 1
	if tx.State == "" {
		tx.State = StatePending
	}

	cp := tx
	s.byID[tx.ID] = &cp
	if tx.PaymentHash != "" {
		s.byHash[tx.PaymentHash] = tx.ID
	}
	if tx.IdempotencyKey != "" {
		s.byIdem[idemKey(tx.Flow, tx.IdempotencyKey)] = tx.ID
	}

	raw, _ := json.Marshal(map[string]any{"flow": tx.Flow, "kes_amount": tx.KESAmount})
	s.appendLocked(tx.ID, EventCreated, raw)

	return tx, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *tx, nil
}

func (s *MemoryStore) GetByPaymentHash(ctx context.Context, hash string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) GetByPaymentHashPrefix(ctx context.Context, prefix string) (Transaction, error) {
	if len(prefix) < 12 {
		return Transaction{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for hash, id := range s.byHash {
		if strings.HasPrefix(hash, prefix) {
			return *s.byID[id], nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (s *MemoryStore) GetByConversationID(ctx context.Context, conversationID string) (Transaction, error) {
	if conversationID == "" {
		return Transaction{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.byID {
		if tx.ConversationID == conversationID {
			return *tx, nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, flow money.Flow, key string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdem[idemKey(flow, key)]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to State, expectedVersion int64, mutate Mutator, reason string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if tx.State != from || tx.Version != expectedVersion {
		return Transaction{}, ErrStaleVersion
	}
	if !CanTransition(from, to) {
		return Transaction{}, ErrIllegalTransition
	}

	next := *tx
	next.State = to
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return Transaction{}, err
		}
	}
	if err := checkInvariants(&next); err != nil {
		return Transaction{}, err
	}

	// Hash is set once at invoice creation and immutable thereafter.
	if tx.PaymentHash != "" && next.PaymentHash != tx.PaymentHash {
		return Transaction{}, fmt.Errorf("store: payment_hash is immutable")
	}

	next.Version = tx.Version + 1
	next.UpdatedAt = s.clock().UTC()

	*tx = next
	if next.PaymentHash != "" {
		s.byHash[next.PaymentHash] = id
	}
	s.appendLocked(id, EventStateChanged, MarshalStateChange(from, to, reason))

	return next, nil
}

// checkInvariants enforces the receipt/state coupling on every write.
func checkInvariants(tx *Transaction) error {
	if tx.State == StateCompleted && tx.MpesaReceipt == "" {
		return ErrIllegalTransition
	}
	if tx.MpesaReceipt != "" && tx.State != StateCompleted {
		return ErrIllegalTransition
	}
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, txID string, kind EventKind, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[txID]; !ok {
		return ErrNotFound
	}
	s.appendLocked(txID, kind, payload)
	return nil
}

func (s *MemoryStore) appendLocked(txID string, kind EventKind, payload json.RawMessage) {
	seq := int64(len(s.events[txID]) + 1)
	s.events[txID] = append(s.events[txID], Event{
		TxID:    txID,
		Seq:     seq,
		Kind:    kind,
		At:      s.clock().UTC(),
		Payload: payload,
	})
}

func (s *MemoryStore) Events(ctx context.Context, txID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[txID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Event, len(s.events[txID]))
	copy(out, s.events[txID])
	return out, nil
}

func (s *MemoryStore) ListExpiring(ctx context.Context, before time.Time) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, tx := range s.byID {
		if tx.State == StateLightningPending && tx.QuoteExpiresAt.Before(before) {
			out = append(out, *tx)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) ListInStateOlderThan(ctx context.Context, state State, cutoff time.Time) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, tx := range s.byID {
		if tx.State == state && tx.UpdatedAt.Before(cutoff) {
			out = append(out, *tx)
		}
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(txs []Transaction) {
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
}

func (s *MemoryStore) SaveReceipt(ctx context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[r.TxID]
	if !ok {
		return ErrNotFound
	}
	if tx.State != StateCompleted {
		return ErrIllegalTransition
	}
	if _, exists := s.receipts[r.TxID]; exists {
		return ErrReceiptExists
	}
	s.receipts[r.TxID] = r
	return nil
}

func (s *MemoryStore) GetReceiptByTxID(ctx context.Context, txID string) (Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[txID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) GetCursor(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SetCursor(ctx context.Context, name string, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = value
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
