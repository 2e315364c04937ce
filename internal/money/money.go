// Package money holds the bridge's monetary vocabulary: KES amounts in
// integer cents, Bitcoin amounts in satoshis, the product flows, and the
// authoritative fee and limit table. Everything downstream (quote engine,
// risk engine, Daraja adapter) imports these types instead of passing raw
// integers around.
package money

import (
	"fmt"
	"math"
)

// KES is a Kenyan shilling amount in integer cents.
type KES int64

// Sats is a Bitcoin amount in satoshis.
type Sats int64

// FromShillings converts whole shillings to cents.
func FromShillings(sh int64) KES {
	return KES(sh * 100)
}

// Shillings returns the amount in whole shillings, truncating cents.
// Daraja only accepts whole-shilling amounts.
func (k KES) Shillings() int64 {
	return int64(k) / 100
}

// String renders the amount as "KES 1,234.56" without the thousands separator;
// used in logs and receipts.
func (k KES) String() string {
	return fmt.Sprintf("KES %d.%02d", int64(k)/100, int64(k)%100)
}

// SatsForKES converts a KES amount (cents) to satoshis at the given BTC/KES
// rate, rounding up so the inbound leg always covers the payout.
func SatsForKES(amount KES, rate float64) (Sats, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("non-positive rate %v", rate)
	}
	shillings := float64(amount) / 100
	sats := math.Ceil(shillings / rate * 1e8)
	if sats < 0 || sats > math.MaxInt64 {
		return 0, fmt.Errorf("sats overflow for amount %v at rate %v", amount, rate)
	}
	return Sats(sats), nil
}

// AddReserve returns the amount grown by the Lightning routing fee reserve
// fraction, rounded up.
func (s Sats) AddReserve(fraction float64) Sats {
	if fraction <= 0 {
		return s
	}
	return Sats(math.Ceil(float64(s) * (1 + fraction)))
}
