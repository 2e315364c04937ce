// Package orchestrator drives each transaction through its lifecycle:
// quote, invoice, settlement, risk, payout, receipt, refund. It is the only
// component that performs state transitions; adapters and webhooks feed it
// events. Per-transaction work is serialised by a striped lock, so at most
// one transition per transaction is in flight.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sokopesa/bridge/internal/backoff"
	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/idempotency"
	"github.com/sokopesa/bridge/internal/lightning"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/metrics"
	"github.com/sokopesa/bridge/internal/money"
	"github.com/sokopesa/bridge/internal/mpesa"
	"github.com/sokopesa/bridge/internal/quote"
	"github.com/sokopesa/bridge/internal/receipt"
	"github.com/sokopesa/bridge/internal/risk"
	"github.com/sokopesa/bridge/internal/store"
)

// lockStripes bounds memory while still keeping unrelated transactions off
// each other's locks.
const lockStripes = 64

// settleCursor names the persisted Lightning settle-index position.
const settleCursor = "lightning_settle_index"

// Orchestrator wires the components around the transaction store.
type Orchestrator struct {
	store    store.Store
	idem     idempotency.Index
	quotes   *quote.Engine
	node     lightning.Node
	dispatch mpesa.Dispatcher
	risk     *risk.Engine
	receipts *receipt.Issuer
	metrics  *metrics.Metrics
	cfg      config.WorkerConfig

	retry backoff.Policy
	locks [lockStripes]sync.Mutex
	clock func() time.Time

	events chan Event
	wg     sync.WaitGroup
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Store     store.Store
	Idem      idempotency.Index
	Quotes    *quote.Engine
	Node      lightning.Node
	Dispatch  mpesa.Dispatcher
	Risk      *risk.Engine
	Receipts  *receipt.Issuer
	Metrics   *metrics.Metrics
	Worker    config.WorkerConfig
	QueueSize int
}

// New builds an orchestrator. Run starts the background loops.
func New(d Deps) *Orchestrator {
	retry := backoff.Default()
	if d.Worker.RetryBase.Duration > 0 {
		retry.Base = d.Worker.RetryBase.Duration
	}
	if d.Worker.RetryCap.Duration > 0 {
		retry.Cap = d.Worker.RetryCap.Duration
	}
	if d.Worker.RetryMaxAttempts > 0 {
		retry.MaxAttempts = d.Worker.RetryMaxAttempts
	}
	queueSize := d.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Orchestrator{
		store:    d.Store,
		idem:     d.Idem,
		quotes:   d.Quotes,
		node:     d.Node,
		dispatch: d.Dispatch,
		risk:     d.Risk,
		receipts: d.Receipts,
		metrics:  d.Metrics,
		cfg:      d.Worker,
		retry:    retry,
		clock:    time.Now,
		events:   make(chan Event, queueSize),
	}
}

// WithClock injects a deterministic clock for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// lock serialises all work for one transaction id.
func (o *Orchestrator) lock(txID string) func() {
	h := fnv.New32a()
	h.Write([]byte(txID))
	mu := &o.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// CreateRequest is a flow-create call from the client API.
type CreateRequest struct {
	Flow           money.Flow
	RecipientPhone string
	KESAmount      money.KES
	MerchantCode   string
	AccountNumber  string
	IdempotencyKey string
	SourceIP       string
	UserAgent      string
}

// CreateResult carries the transaction plus whether this call created it.
type CreateResult struct {
	Tx      store.Transaction
	Created bool
}

// Create validates, quotes, persists, and mints the invoice for a new
// transaction. A repeated idempotency key returns the original transaction.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	msisdn, err := money.NormalizeMSISDN(req.RecipientPhone)
	if err != nil {
		return CreateResult{}, errors.Wrap(errors.ErrCodeInvalidMSISDN, "recipient phone", err)
	}
	if err := validateMerchantFields(req.Flow, req.MerchantCode, req.AccountNumber); err != nil {
		return CreateResult{}, err
	}

	txID := uuid.NewString()
	if req.IdempotencyKey != "" {
		existing, ok, err := o.idem.Reserve(ctx, req.Flow, req.IdempotencyKey, txID, idempotency.DefaultTTL)
		if err != nil {
			return CreateResult{}, err
		}
		if !ok {
			tx, err := o.store.Get(ctx, existing)
			if err != nil {
				return CreateResult{}, err
			}
			return CreateResult{Tx: tx}, nil
		}
	}

	q, err := o.quotes.Quote(ctx, req.Flow, req.KESAmount)
	if err != nil {
		o.releaseReservation(ctx, req)
		return CreateResult{}, err
	}

	now := o.clock().UTC()
	tx, err := o.store.Create(ctx, store.Transaction{
		ID:             txID,
		Flow:           req.Flow,
		RecipientPhone: msisdn,
		MerchantCode:   req.MerchantCode,
		AccountNumber:  req.AccountNumber,
		KESAmount:      q.AmountKES,
		BTCAmount:      q.Sats,
		Rate:           q.Rate,
		FeeKES:         q.FeeKES,
		State:          store.StatePending,
		QuoteExpiresAt: now.Add(o.quotes.LockWindow()),
		IdempotencyKey: req.IdempotencyKey,
		SourceIP:       req.SourceIP,
		UserAgent:      req.UserAgent,
	})
	if err != nil {
		o.releaseReservation(ctx, req)
		if err == store.ErrDuplicateIdempotencyKey {
			// Race backstop: another create won between Reserve and here.
			tx, gerr := o.store.GetByIdempotencyKey(ctx, req.Flow, req.IdempotencyKey)
			if gerr == nil {
				return CreateResult{Tx: tx}, nil
			}
		}
		return CreateResult{}, err
	}
	if o.metrics != nil {
		o.metrics.TransactionsCreated.WithLabelValues(string(tx.Flow)).Inc()
	}
	if o.risk != nil {
		o.risk.Record(risk.Input{
			TxID:      tx.ID,
			Flow:      tx.Flow,
			AmountKES: tx.KESAmount,
			MSISDN:    tx.RecipientPhone,
			SourceIP:  tx.SourceIP,
			UserAgent: tx.UserAgent,
		})
	}

	inv, err := o.node.CreateInvoice(ctx, lightning.InvoiceRequest{
		AmountSats: int64(tx.BTCAmount),
		Memo:       fmt.Sprintf("%s %s", tx.Flow, tx.KESAmount),
		ExpiresIn:  o.quotes.LockWindow(),
	})
	if err != nil {
		// Invoice exhaustion is fatal for the request; the row is closed out
		// so the idempotency key does not pin a dead transaction forever.
		_, terr := o.transition(ctx, tx.ID, store.StatePending, store.StateCancelled,
			func(x *store.Transaction) error {
				x.FailureReason = store.ReasonInvoiceCreationFailed
				x.FailureDetail = err.Error()
				return nil
			}, "invoice_creation_failed")
		if terr != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(terr).Str("tx_id", tx.ID).Msg("orchestrator.close_failed_create")
		}
		o.releaseReservation(ctx, req)
		return CreateResult{}, err
	}

	tx, err = o.transition(ctx, tx.ID, store.StatePending, store.StateLightningPending,
		func(x *store.Transaction) error {
			x.PaymentHash = inv.PaymentHash
			x.Invoice = inv.PaymentRequest
			return nil
		}, "invoice_minted")
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Tx: tx, Created: true}, nil
}

func (o *Orchestrator) releaseReservation(ctx context.Context, req CreateRequest) {
	if req.IdempotencyKey == "" {
		return
	}
	if err := o.idem.Release(ctx, req.Flow, req.IdempotencyKey); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("orchestrator.release_reservation_failed")
	}
}

func validateMerchantFields(flow money.Flow, merchantCode, accountNumber string) error {
	if !flow.Valid() {
		return errors.New(errors.ErrCodeInvalidFlow, fmt.Sprintf("unknown flow %q", flow))
	}
	if flow.RequiresMerchantCode() {
		if !money.ValidMerchantCode(merchantCode) {
			return errors.New(errors.ErrCodeMerchantCodeRequired,
				fmt.Sprintf("%s requires a 5-7 digit merchant code", flow))
		}
	} else if merchantCode != "" {
		return errors.New(errors.ErrCodeMerchantCodeForbidden,
			fmt.Sprintf("%s does not take a merchant code", flow))
	}
	if flow.RequiresAccountNumber() && accountNumber == "" {
		return errors.New(errors.ErrCodeAccountNumberRequired,
			fmt.Sprintf("%s requires an account number", flow))
	}
	return nil
}

// Cancel stops a transaction before settlement. Client cancels are allowed
// from PENDING and LIGHTNING_PENDING only; anything later is refused.
func (o *Orchestrator) Cancel(ctx context.Context, txID, reason string) (store.Transaction, error) {
	unlock := o.lock(txID)
	defer unlock()

	tx, err := o.store.Get(ctx, txID)
	if err != nil {
		return store.Transaction{}, err
	}
	switch tx.State {
	case store.StatePending, store.StateLightningPending:
	default:
		return store.Transaction{}, errors.New(errors.ErrCodeCancelNotAllowed,
			fmt.Sprintf("cannot cancel in state %s", tx.State))
	}

	if tx.State == store.StateLightningPending && tx.PaymentHash != "" {
		if err := o.node.CancelInvoice(ctx, tx.PaymentHash); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).
				Str("tx_id", txID).Msg("orchestrator.cancel_invoice_failed")
		}
	}

	return o.transition(ctx, txID, tx.State, store.StateCancelled,
		func(x *store.Transaction) error {
			x.FailureReason = store.ReasonClientCancelled
			x.FailureDetail = reason
			return nil
		}, "cancelled")
}

// transition wraps store.Transition with a single retry on version races.
// A stale read means someone else moved the row; the retry re-reads and
// fails cleanly if the state no longer matches.
func (o *Orchestrator) transition(ctx context.Context, txID string, from, to store.State, mutate store.Mutator, reason string) (store.Transaction, error) {
	cur, err := o.store.Get(ctx, txID)
	if err != nil {
		return store.Transaction{}, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		if cur.State != from {
			o.countRejected(from, to)
			return store.Transaction{}, store.ErrStaleVersion
		}
		next, err := o.store.Transition(ctx, txID, from, to, cur.Version, mutate, reason)
		if err == store.ErrStaleVersion && attempt == 0 {
			cur, err = o.store.Get(ctx, txID)
			if err != nil {
				return store.Transaction{}, err
			}
			continue
		}
		if err != nil {
			o.countRejected(from, to)
			return store.Transaction{}, err
		}
		if o.metrics != nil {
			o.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
			if to.Terminal() {
				o.metrics.TransactionsTerminal.WithLabelValues(string(next.Flow), string(to)).Inc()
			}
		}
		return next, nil
	}
	return store.Transaction{}, store.ErrStaleVersion
}

func (o *Orchestrator) countRejected(from, to store.State) {
	if o.metrics != nil {
		o.metrics.TransitionRejected.WithLabelValues(string(from), string(to)).Inc()
	}
}

// appendEvent records a non-transition ledger entry, logging on failure
// rather than aborting the caller's flow.
func (o *Orchestrator) appendEvent(ctx context.Context, txID string, kind store.EventKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	if err := o.store.AppendEvent(ctx, txID, kind, raw); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).
			Str("tx_id", txID).Str("kind", string(kind)).Msg("orchestrator.append_event_failed")
	}
}
