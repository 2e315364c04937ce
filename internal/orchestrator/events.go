package orchestrator

import (
	"context"
	"fmt"

	"github.com/sokopesa/bridge/internal/backoff"
	"github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/lightning"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/mpesa"
	"github.com/sokopesa/bridge/internal/risk"
	"github.com/sokopesa/bridge/internal/store"
	"github.com/sokopesa/bridge/pkg/daraja"
)

// Event is a unit of work for the orchestrator, produced by the webhook
// ingress or the Lightning subscription. The closed set of variants keeps
// event handling exhaustive.
type Event interface{ isEvent() }

// SettlementEvent reports a settled inbound Lightning payment.
type SettlementEvent struct {
	lightning.Settlement
}

func (SettlementEvent) isEvent() {}

// MpesaCallbackEvent is a normalised Daraja callback.
type MpesaCallbackEvent struct {
	Endpoint       string // "stk" or "b2c"
	Reference      string // leading 12 hex of payment_hash
	ConversationID string
	ResultCode     int
	ResultDesc     string
	Receipt        string
}

func (MpesaCallbackEvent) isEvent() {}

// Enqueue hands an event to the processing loop. Returns false when the
// queue is full; callers should surface backpressure rather than block.
func (o *Orchestrator) Enqueue(ev Event) bool {
	select {
	case o.events <- ev:
		return true
	default:
		return false
	}
}

// HandleSettlement applies one Lightning settlement. Idempotent: stale or
// repeated settlements log and return nil.
func (o *Orchestrator) HandleSettlement(ctx context.Context, s lightning.Settlement) error {
	log := logger.FromContext(ctx).With().
		Str("payment_hash", logger.TruncateHash(s.PaymentHash)).Logger()

	tx, err := o.store.GetByPaymentHash(ctx, s.PaymentHash)
	if err == store.ErrNotFound {
		log.Warn().Msg("orchestrator.settlement_unknown_hash")
		return nil
	}
	if err != nil {
		return err
	}

	unlock := o.lock(tx.ID)
	defer unlock()

	// Re-read under the lock; the state may have moved.
	tx, err = o.store.Get(ctx, tx.ID)
	if err != nil {
		return err
	}

	switch tx.State {
	case store.StateLightningPending:
		if !o.clock().Before(tx.QuoteExpiresAt) {
			// Settled in the gap between quote expiry and the sweeper's
			// next pass. The locked rate is gone; expire the row now so
			// the payout never runs at a dead price.
			log.Warn().Str("tx_id", tx.ID).Msg("orchestrator.settlement_after_expiry")
			if _, err := o.transition(ctx, tx.ID, store.StateLightningPending, store.StateExpired,
				func(x *store.Transaction) error {
					x.FailureReason = store.ReasonQuoteExpired
					return nil
				}, "quote_expired"); err != nil {
				return err
			}
			o.appendEvent(ctx, tx.ID, store.EventStaleSettlement, map[string]any{
				"payment_hash": s.PaymentHash,
				"amount_sats":  s.AmountSats,
				"settled_at":   s.SettledAt,
			})
			return nil
		}
	case store.StateExpired:
		// Settled after the quote lock ran out. The sats are on our node but
		// the rate is gone; operators resolve via the ledger entry.
		log.Warn().Str("tx_id", tx.ID).Msg("orchestrator.settlement_stale")
		o.appendEvent(ctx, tx.ID, store.EventStaleSettlement, map[string]any{
			"payment_hash": s.PaymentHash,
			"amount_sats":  s.AmountSats,
			"settled_at":   s.SettledAt,
		})
		return nil
	default:
		log.Info().Str("tx_id", tx.ID).Str("state", string(tx.State)).
			Msg("orchestrator.settlement_duplicate")
		return nil
	}

	settledAt := s.SettledAt
	tx, err = o.transition(ctx, tx.ID, store.StateLightningPending, store.StateLightningPaid,
		func(x *store.Transaction) error {
			x.SettledAt = &settledAt
			x.SourcePubkey = s.SourcePubkey
			return nil
		}, "invoice_settled")
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SettlementLatency.WithLabelValues(string(tx.Flow)).
			Observe(settledAt.Sub(tx.CreatedAt).Seconds())
	}

	return o.runPayout(ctx, tx)
}

// runPayout scores risk and drives LIGHTNING_PAID through to MPESA_PENDING,
// FAILED, or REFUNDING.
func (o *Orchestrator) runPayout(ctx context.Context, tx store.Transaction) error {
	assessment := o.risk.Score(risk.Input{
		TxID:      tx.ID,
		Flow:      tx.Flow,
		AmountKES: tx.KESAmount,
		MSISDN:    tx.RecipientPhone,
		SourceIP:  tx.SourceIP,
		UserAgent: tx.UserAgent,
	})
	o.appendEvent(ctx, tx.ID, store.EventRiskScored, map[string]any{
		"score":    assessment.Score,
		"decision": assessment.Decision,
		"factors":  assessment.Factors,
	})

	if assessment.Decision == risk.DecisionBlock {
		_, err := o.transition(ctx, tx.ID, store.StateLightningPaid, store.StateRefunding,
			func(x *store.Transaction) error {
				x.RiskScore = assessment.Score
				x.FailureReason = store.ReasonRiskBlocked
				x.FailureDetail = assessment.String()
				return nil
			}, "risk_blocked")
		return err
	}
	if assessment.Decision == risk.DecisionFlag {
		o.appendEvent(ctx, tx.ID, store.EventRequiresReview, map[string]any{
			"score":   assessment.Score,
			"factors": assessment.Factors,
		})
	}

	tx, err := o.transition(ctx, tx.ID, store.StateLightningPaid, store.StateConverting,
		func(x *store.Transaction) error {
			x.RiskScore = assessment.Score
			return nil
		}, "risk_cleared")
	if err != nil {
		return err
	}

	res, err := backoff.Retry(ctx, o.retry, "mpesa.dispatch",
		func(ctx context.Context) (mpesa.DispatchResult, error) {
			if o.metrics != nil {
				o.metrics.RetriesTotal.WithLabelValues("mpesa_dispatch").Inc()
			}
			return o.dispatch.Dispatch(ctx, mpesa.DispatchRequest{
				TxID:          tx.ID,
				Flow:          tx.Flow,
				MSISDN:        tx.RecipientPhone,
				Amount:        tx.KESAmount,
				MerchantCode:  tx.MerchantCode,
				AccountNumber: tx.AccountNumber,
				Reference:     tx.PaymentHash[:12],
			})
		})
	if err != nil {
		return o.failAfterSettlement(ctx, tx, store.StateConverting, dispatchFailureReason(err), err.Error())
	}

	tx, err = o.transition(ctx, tx.ID, store.StateConverting, store.StateMpesaPending,
		func(x *store.Transaction) error {
			x.ConversationID = res.ConversationID
			return nil
		}, "dispatch_accepted")
	if err != nil {
		return err
	}
	o.appendEvent(ctx, tx.ID, store.EventDispatchAccepted, map[string]any{
		"conversation_id": res.ConversationID,
	})
	return nil
}

// failAfterSettlement moves a settled transaction to FAILED and immediately
// on to REFUNDING: once sats arrived, every failure ends in a refund.
func (o *Orchestrator) failAfterSettlement(ctx context.Context, tx store.Transaction, from store.State, reason store.FailureReason, detail string) error {
	tx, err := o.transition(ctx, tx.ID, from, store.StateFailed,
		func(x *store.Transaction) error {
			x.FailureReason = reason
			x.FailureDetail = detail
			return nil
		}, string(reason))
	if err != nil {
		return err
	}
	_, err = o.transition(ctx, tx.ID, store.StateFailed, store.StateRefunding, nil, "refund_required")
	return err
}

func dispatchFailureReason(err error) store.FailureReason {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInsufficientFloat:
		return store.ReasonInsufficientFloat
	case errors.ErrCodeInvalidRecipient:
		return store.ReasonInvalidRecipient
	case errors.ErrCodeUpstreamTimeout, errors.ErrCodeDarajaUnavailable:
		return store.ReasonUpstreamTimeout
	default:
		return store.ReasonDarajaRejected
	}
}

// HandleMpesaCallback applies one Daraja callback. Idempotent on repeats.
func (o *Orchestrator) HandleMpesaCallback(ctx context.Context, ev MpesaCallbackEvent) error {
	log := logger.FromContext(ctx).With().
		Str("endpoint", ev.Endpoint).Str("reference", ev.Reference).Logger()

	tx, err := o.resolveCallback(ctx, ev)
	if err == store.ErrNotFound {
		log.Warn().Msg("orchestrator.callback_unknown_reference")
		return nil
	}
	if err != nil {
		return err
	}

	unlock := o.lock(tx.ID)
	defer unlock()

	tx, err = o.store.Get(ctx, tx.ID)
	if err != nil {
		return err
	}

	switch tx.State {
	case store.StateMpesaPending:
	case store.StateConverting:
		// Crash window: Daraja accepted the dispatch but the local commit
		// never landed. The callback itself proves acceptance, so catch the
		// row up before applying the result.
		tx, err = o.transition(ctx, tx.ID, store.StateConverting, store.StateMpesaPending,
			func(x *store.Transaction) error {
				x.ConversationID = ev.ConversationID
				return nil
			}, "dispatch_recovered")
		if err != nil {
			return err
		}
	default:
		log.Info().Str("tx_id", tx.ID).Str("state", string(tx.State)).
			Msg("orchestrator.callback_out_of_order")
		return nil
	}

	o.appendEvent(ctx, tx.ID, store.EventCallbackReceived, map[string]any{
		"endpoint":        ev.Endpoint,
		"conversation_id": ev.ConversationID,
		"result_code":     ev.ResultCode,
		"result_desc":     ev.ResultDesc,
	})

	if ev.ResultCode == 0 {
		if ev.Receipt == "" {
			return fmt.Errorf("orchestrator: success callback without receipt for %s", tx.ID)
		}
		tx, err = o.transition(ctx, tx.ID, store.StateMpesaPending, store.StateCompleted,
			func(x *store.Transaction) error {
				x.MpesaReceipt = ev.Receipt
				return nil
			}, "payout_confirmed")
		if err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.KESPaidOut.WithLabelValues(string(tx.Flow)).Add(float64(tx.KESAmount))
			if tx.SettledAt != nil {
				o.metrics.PayoutLatency.WithLabelValues(string(tx.Flow)).
					Observe(o.clock().Sub(*tx.SettledAt).Seconds())
			}
		}
		o.issueReceipt(ctx, tx)
		return nil
	}

	if !daraja.Terminal(ev.ResultCode) {
		// Timeouts and lock contention on Daraja's side resolve on their
		// own; stay MPESA_PENDING and let the reconciler re-query.
		log.Info().Str("tx_id", tx.ID).Int("result_code", ev.ResultCode).
			Msg("orchestrator.callback_transient_result")
		return nil
	}

	return o.failAfterSettlement(ctx, tx, store.StateMpesaPending,
		store.ReasonDarajaRejected,
		fmt.Sprintf("result %d: %s", ev.ResultCode, ev.ResultDesc))
}

// resolveCallback correlates a callback to its transaction. B2C results
// echo the payment-hash reference in Occasion; STK callbacks carry only
// the CheckoutRequestID recorded at dispatch.
func (o *Orchestrator) resolveCallback(ctx context.Context, ev MpesaCallbackEvent) (store.Transaction, error) {
	if ev.Reference != "" {
		tx, err := o.store.GetByPaymentHashPrefix(ctx, ev.Reference)
		if err != store.ErrNotFound {
			return tx, err
		}
	}
	return o.store.GetByConversationID(ctx, ev.ConversationID)
}

// issueReceipt is best-effort at callback time; the receipt endpoint
// re-issues lazily if this fails.
func (o *Orchestrator) issueReceipt(ctx context.Context, tx store.Transaction) {
	if o.receipts == nil {
		return
	}
	r, err := o.receipts.Issue(ctx, tx)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("tx_id", tx.ID).Msg("orchestrator.receipt_issue_failed")
		return
	}
	o.appendEvent(ctx, tx.ID, store.EventReceiptIssued, map[string]any{"receipt_id": r.ID})
}

// Refund drives one REFUNDING transaction toward REFUNDED. Transactions
// without a known payer pubkey stay put for manual operator action.
func (o *Orchestrator) Refund(ctx context.Context, txID string) error {
	unlock := o.lock(txID)
	defer unlock()

	tx, err := o.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.State != store.StateRefunding {
		return nil
	}
	if tx.SourcePubkey == "" {
		log := logger.FromContext(ctx)
		log.Info().Str("tx_id", txID).Msg("orchestrator.refund_manual")
		return nil
	}

	res, err := backoff.Retry(ctx, o.retry, "lightning.refund",
		func(ctx context.Context) (lightning.RefundResult, error) {
			if o.metrics != nil {
				o.metrics.RetriesTotal.WithLabelValues("refund").Inc()
			}
			return o.node.Refund(ctx, lightning.RefundRequest{
				DestPubkey: tx.SourcePubkey,
				AmountSats: int64(tx.BTCAmount),
				Memo:       "refund " + tx.PaymentHash[:12],
			})
		})
	o.appendEvent(ctx, txID, store.EventRefundAttempt, map[string]any{
		"ok":  err == nil,
		"err": errString(err),
	})
	if err != nil {
		return err
	}

	_, err = o.transition(ctx, txID, store.StateRefunding, store.StateRefunded, nil,
		"refund_paid "+logger.TruncateHash(res.PaymentHash))
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Expire moves one overdue LIGHTNING_PENDING transaction to EXPIRED and
// releases its invoice.
func (o *Orchestrator) Expire(ctx context.Context, txID string) error {
	unlock := o.lock(txID)
	defer unlock()

	tx, err := o.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.State != store.StateLightningPending || o.clock().Before(tx.QuoteExpiresAt) {
		return nil
	}

	if tx.PaymentHash != "" {
		if err := o.node.CancelInvoice(ctx, tx.PaymentHash); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).
				Str("tx_id", txID).Msg("orchestrator.expire_cancel_invoice_failed")
		}
	}

	_, err = o.transition(ctx, txID, store.StateLightningPending, store.StateExpired,
		func(x *store.Transaction) error {
			x.FailureReason = store.ReasonQuoteExpired
			return nil
		}, "quote_expired")
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SweeperExpired.Inc()
	}
	return nil
}

// Replay folds a transaction's ledger back into a state, for audits.
func (o *Orchestrator) Replay(ctx context.Context, txID string) (store.State, error) {
	events, err := o.store.Events(ctx, txID)
	if err != nil {
		return "", err
	}
	return store.Replay(events)
}
