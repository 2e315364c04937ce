// Package quote prices a payout: per-flow fee plus the satoshi amount the
// sender must pay at the current BTC/KES rate.
package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/money"
	"github.com/sokopesa/bridge/internal/rates"
)

// Quote is the frozen pricing tuple stamped onto a transaction at creation.
type Quote struct {
	Flow       money.Flow `json:"flow"`
	AmountKES  money.KES  `json:"amount_kes"`
	FeeKES     money.KES  `json:"fee_kes"`
	TotalKES   money.KES  `json:"total_kes"`
	Rate       float64    `json:"rate"`
	RateSource string     `json:"rate_source"`
	Sats       money.Sats `json:"btc_sats"`
	ValidUntil time.Time  `json:"valid_until"`
}

// Engine computes quotes from the live rate and the fee table. Stateless
// apart from the rate source.
type Engine struct {
	rates rates.Source
	cfg   config.QuoteConfig
}

func NewEngine(src rates.Source, cfg config.QuoteConfig) *Engine {
	return &Engine{rates: src, cfg: cfg}
}

// Quote prices kesAmount (cents) for the given flow. The fee comes off the
// table, the sats cover amount plus fee at the spread-adjusted rate, and the
// Lightning reserve pads for routing fees.
func (e *Engine) Quote(ctx context.Context, flow money.Flow, kesAmount money.KES) (Quote, error) {
	if !flow.Valid() {
		return Quote{}, errors.New(errors.ErrCodeInvalidFlow, fmt.Sprintf("unknown flow %q", flow))
	}
	schedule, ok := money.ScheduleFor(flow)
	if !ok {
		return Quote{}, errors.New(errors.ErrCodeInvalidFlow, fmt.Sprintf("no fee schedule for flow %q", flow))
	}
	if !schedule.InRange(kesAmount) {
		return Quote{}, errors.New(errors.ErrCodeAmountOutOfRange,
			fmt.Sprintf("amount %s outside [%s, %s] for %s", kesAmount, schedule.MinAmount, schedule.MaxAmount, flow))
	}

	rq, err := e.rates.Current(ctx, "BTC/KES")
	if err != nil {
		return Quote{}, errors.Wrap(errors.ErrCodeRateUnavailable, "rate provider", err)
	}

	fee := schedule.Fee(kesAmount)
	total := kesAmount + fee

	sats, err := money.SatsForKES(total, rq.Rate)
	if err != nil {
		return Quote{}, errors.Wrap(errors.ErrCodeRateUnavailable, "convert to sats", err)
	}
	sats = sats.AddReserve(e.cfg.LightningReserve)

	return Quote{
		Flow:       flow,
		AmountKES:  kesAmount,
		FeeKES:     fee,
		TotalKES:   total,
		Rate:       rq.Rate,
		RateSource: rq.Source,
		Sats:       sats,
		ValidUntil: rq.ValidUntil,
	}, nil
}

// LockWindow is how long the quote and its invoice stay valid once a
// transaction is created around it.
func (e *Engine) LockWindow() time.Duration {
	return e.cfg.LockWindow.Duration
}
