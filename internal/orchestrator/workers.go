package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"github.com/sokopesa/bridge/internal/lightning"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/store"
)

// Run starts the background loops and blocks until ctx is cancelled:
// the event queue consumer, the Lightning settlement subscription, the
// expiry sweeper, the reconciler, and the refund driver.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(5)
	go o.consumeEvents(ctx)
	go o.consumeSettlements(ctx)
	go o.loop(ctx, "expiry_sweeper", o.cfg.ExpirySweepInterval.Duration, o.sweepExpired)
	go o.loop(ctx, "reconciler", o.cfg.ReconcileInterval.Duration, o.reconcile)
	go o.loop(ctx, "refund_driver", o.cfg.ReconcileInterval.Duration, o.driveRefunds)
	<-ctx.Done()
	o.wg.Wait()
}

// consumeEvents drains the webhook queue. Events for different transactions
// run through the same goroutine; the striped locks keep per-transaction
// ordering even if this is ever parallelised.
func (o *Orchestrator) consumeEvents(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.events:
			o.process(ctx, ev)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.FromContext(ctx)
			log.Error().Interface("panic", r).Msg("orchestrator.event_panic")
		}
	}()

	var err error
	switch e := ev.(type) {
	case SettlementEvent:
		err = o.HandleSettlement(ctx, e.Settlement)
	case MpesaCallbackEvent:
		err = o.HandleMpesaCallback(ctx, e)
	}
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("orchestrator.event_failed")
	}
}

// consumeSettlements keeps a settlement subscription alive, resuming from
// the persisted settle index so restarts never drop a payment.
func (o *Orchestrator) consumeSettlements(ctx context.Context) {
	defer o.wg.Done()
	log := logger.FromContext(ctx)

	for ctx.Err() == nil {
		lastAck, err := o.store.GetCursor(ctx, settleCursor)
		if err != nil {
			log.Error().Err(err).Msg("orchestrator.settle_cursor_read_failed")
		}

		ch, err := o.node.SubscribeSettlements(ctx, lastAck)
		if err != nil {
			log.Warn().Err(err).Msg("orchestrator.subscribe_failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		o.drainSettlements(ctx, ch)
	}
}

func (o *Orchestrator) drainSettlements(ctx context.Context, ch <-chan lightning.Settlement) {
	log := logger.FromContext(ctx)
	for s := range ch {
		if err := o.HandleSettlement(ctx, s); err != nil {
			// Delivery is at-least-once: leave the cursor behind this
			// settlement so the resubscribe replays it.
			log.Error().Err(err).
				Str("payment_hash", logger.TruncateHash(s.PaymentHash)).
				Msg("orchestrator.settlement_failed")
			return
		}
		if s.SettleIndex > 0 {
			if err := o.store.SetCursor(ctx, settleCursor, s.SettleIndex); err != nil {
				log.Error().Err(err).Msg("orchestrator.settle_cursor_write_failed")
			}
		}
	}
}

// loop runs fn on a jittered period with a per-iteration deadline and a
// panic-safe body.
func (o *Orchestrator) loop(ctx context.Context, name string, period time.Duration, fn func(ctx context.Context)) {
	defer o.wg.Done()
	if period <= 0 {
		period = time.Minute
	}

	for {
		jitter := time.Duration(rand.Int63n(int64(period) / 5))
		select {
		case <-ctx.Done():
			return
		case <-time.After(period + jitter):
		}

		if o.metrics != nil {
			o.metrics.SweeperRuns.WithLabelValues(name).Inc()
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log := logger.FromContext(ctx)
					log.Error().Interface("panic", r).
						Str("loop", name).Msg("orchestrator.loop_panic")
				}
			}()
			iterCtx, cancel := context.WithTimeout(ctx, period)
			defer cancel()
			fn(iterCtx)
		}()
	}
}

// sweepExpired advances overdue LIGHTNING_PENDING rows to EXPIRED.
func (o *Orchestrator) sweepExpired(ctx context.Context) {
	txs, err := o.store.ListExpiring(ctx, o.clock().UTC())
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("orchestrator.sweep_list_failed")
		return
	}
	for _, tx := range txs {
		if err := o.Expire(ctx, tx.ID); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("tx_id", tx.ID).Msg("orchestrator.expire_failed")
		}
	}
}

// reconcile re-queries Daraja for dispatches whose callback is overdue; the
// answer arrives through the normal callback path. CONVERTING rows are the
// crash window between a Daraja accept and the local commit, so they carry
// no conversation id and are queried by payment-hash reference instead.
func (o *Orchestrator) reconcile(ctx context.Context) {
	cutoff := o.clock().UTC().Add(-o.cfg.ReconcileAfter.Duration)
	for _, state := range []store.State{store.StateConverting, store.StateMpesaPending} {
		txs, err := o.store.ListInStateOlderThan(ctx, state, cutoff)
		if err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("state", string(state)).
				Msg("orchestrator.reconcile_list_failed")
			continue
		}
		for _, tx := range txs {
			var reference string
			if len(tx.PaymentHash) >= 12 {
				reference = tx.PaymentHash[:12]
			}
			if tx.ConversationID == "" && reference == "" {
				continue
			}
			if err := o.dispatch.QueryStatus(ctx, tx.ConversationID, reference); err != nil {
				log := logger.FromContext(ctx)
				log.Warn().Err(err).Str("tx_id", tx.ID).Msg("orchestrator.reconcile_query_failed")
				continue
			}
			if o.metrics != nil {
				o.metrics.ReconcilerQueries.Inc()
			}
		}
	}
}

// driveRefunds pushes REFUNDING transactions with a known payer toward
// REFUNDED.
func (o *Orchestrator) driveRefunds(ctx context.Context) {
	txs, err := o.store.ListInStateOlderThan(ctx, store.StateRefunding, o.clock().UTC())
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("orchestrator.refund_list_failed")
		return
	}
	for _, tx := range txs {
		if err := o.Refund(ctx, tx.ID); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("tx_id", tx.ID).Msg("orchestrator.refund_failed")
		}
	}
}
