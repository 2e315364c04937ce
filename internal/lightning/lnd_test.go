package lightning

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
)

func TestSettlementFromInvoice(t *testing.T) {
	hash := make([]byte, 32)
	hash[0] = 0xab
	settled := &lnrpc.Invoice{
		RHash:       hash,
		State:       lnrpc.Invoice_SETTLED,
		AmtPaidSat:  20500,
		SettleDate:  1700000000,
		SettleIndex: 42,
	}

	s, ok := settlementFromInvoice(settled)
	if !ok {
		t.Fatal("settled invoice dropped")
	}
	if s.PaymentHash != hex.EncodeToString(hash) {
		t.Errorf("payment hash = %s", s.PaymentHash)
	}
	if s.AmountSats != 20500 || s.SettleIndex != 42 {
		t.Errorf("settlement = %+v", s)
	}
	if !s.SettledAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("settled at = %v", s.SettledAt)
	}
}

func TestSettlementFromInvoiceDropsNonSettled(t *testing.T) {
	for _, state := range []lnrpc.Invoice_InvoiceState{
		lnrpc.Invoice_OPEN,
		lnrpc.Invoice_ACCEPTED,
		lnrpc.Invoice_CANCELED,
	} {
		if _, ok := settlementFromInvoice(&lnrpc.Invoice{State: state}); ok {
			t.Errorf("state %s not dropped", state)
		}
	}
}

func TestMacaroonCredential(t *testing.T) {
	cred := macaroonCredential{macaroon: "deadbeef"}
	md, err := cred.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if md["macaroon"] != "deadbeef" {
		t.Errorf("metadata = %v", md)
	}
	if !cred.RequireTransportSecurity() {
		t.Error("macaroon must require TLS")
	}
}
