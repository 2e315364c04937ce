package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/sokopesa/bridge/internal/money"
)

func TestReserveCollapsesRetries(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	got, ok, err := idx.Reserve(ctx, money.FlowSendMoney, "k1", "tx-1", time.Hour)
	if err != nil || !ok || got != "tx-1" {
		t.Fatalf("first reserve = (%q, %v, %v)", got, ok, err)
	}

	got, ok, err = idx.Reserve(ctx, money.FlowSendMoney, "k1", "tx-2", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if ok || got != "tx-1" {
		t.Errorf("retry reserve = (%q, %v), want existing tx-1", got, ok)
	}
}

func TestReserveScopedByFlow(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	idx.Reserve(ctx, money.FlowSendMoney, "k1", "tx-1", time.Hour)
	got, ok, err := idx.Reserve(ctx, money.FlowPaybill, "k1", "tx-2", time.Hour)
	if err != nil || !ok || got != "tx-2" {
		t.Errorf("cross-flow reserve = (%q, %v, %v), want fresh claim", got, ok, err)
	}
}

func TestReserveExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	idx := NewMemoryIndex().WithClock(func() time.Time { return now })
	defer idx.Close()

	idx.Reserve(ctx, money.FlowSendMoney, "k1", "tx-1", time.Hour)

	now = now.Add(2 * time.Hour)
	got, ok, _ := idx.Reserve(ctx, money.FlowSendMoney, "k1", "tx-2", time.Hour)
	if !ok || got != "tx-2" {
		t.Errorf("expired key not reclaimable: (%q, %v)", got, ok)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	idx.Reserve(ctx, money.FlowSendMoney, "k1", "tx-1", time.Hour)
	if err := idx.Release(ctx, money.FlowSendMoney, "k1"); err != nil {
		t.Fatal(err)
	}
	got, ok, _ := idx.Reserve(ctx, money.FlowSendMoney, "k1", "tx-2", time.Hour)
	if !ok || got != "tx-2" {
		t.Errorf("released key not reclaimable: (%q, %v)", got, ok)
	}
}
