// Package receipt issues the immutable record created when a transaction
// completes, and renders it on demand. The stored payload carries everything
// a render needs, so re-renders are byte-identical.
package receipt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sokopesa/bridge/internal/money"
	"github.com/sokopesa/bridge/internal/store"
)

// ErrBadSignature is returned by Verify for forged or corrupted QR payloads.
var ErrBadSignature = errors.New("receipt: bad signature")

// Payload is the stored receipt body, the single source for all renders.
type Payload struct {
	ReceiptID    string     `json:"receipt_id"`
	TxID         string     `json:"tx_id"`
	Flow         money.Flow `json:"flow"`
	Recipient    string     `json:"recipient"`
	MerchantCode string     `json:"merchant_code,omitempty"`
	KESAmount    money.KES  `json:"kes_amount"`
	FeeKES       money.KES  `json:"fee_kes"`
	TotalKES     money.KES  `json:"total_kes"`
	BTCAmount    money.Sats `json:"btc_amount_sats"`
	Rate         float64    `json:"rate"`
	PaymentHash  string     `json:"payment_hash"`
	MpesaReceipt string     `json:"mpesa_receipt"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// qrClaims is the compact signed payload embedded in the QR code. Verifiers
// check authenticity offline with the shared secret.
type qrClaims struct {
	ReceiptID   string    `json:"receipt_id"`
	PaymentHash string    `json:"payment_hash"`
	TotalKES    int64     `json:"total_kes"`
	TS          time.Time `json:"ts"`
}

// Issuer creates and signs receipts.
type Issuer struct {
	store  store.Store
	secret []byte
	clock  func() time.Time
}

func NewIssuer(s store.Store, hmacSecret string) *Issuer {
	return &Issuer{store: s, secret: []byte(hmacSecret), clock: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue creates the receipt for a completed transaction. Issuing twice is a
// no-op returning the stored receipt, so the orchestrator can retry freely.
func (i *Issuer) Issue(ctx context.Context, tx store.Transaction) (store.Receipt, error) {
	if tx.State != store.StateCompleted {
		return store.Receipt{}, fmt.Errorf("receipt: transaction %s not completed", tx.ID)
	}
	if existing, err := i.store.GetReceiptByTxID(ctx, tx.ID); err == nil {
		return existing, nil
	}

	now := i.clock().UTC()
	id := uuid.NewString()
	payload := Payload{
		ReceiptID:    id,
		TxID:         tx.ID,
		Flow:         tx.Flow,
		Recipient:    tx.RecipientPhone,
		MerchantCode: tx.MerchantCode,
		KESAmount:    tx.KESAmount,
		FeeKES:       tx.FeeKES,
		TotalKES:     tx.KESAmount + tx.FeeKES,
		BTCAmount:    tx.BTCAmount,
		Rate:         tx.Rate,
		PaymentHash:  tx.PaymentHash,
		MpesaReceipt: tx.MpesaReceipt,
		CompletedAt:  now,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return store.Receipt{}, fmt.Errorf("receipt: marshal payload: %w", err)
	}

	qr, err := i.Sign(qrClaims{
		ReceiptID:   id,
		PaymentHash: tx.PaymentHash,
		TotalKES:    int64(payload.TotalKES),
		TS:          now,
	})
	if err != nil {
		return store.Receipt{}, err
	}

	r := store.Receipt{
		ID:        id,
		TxID:      tx.ID,
		Payload:   raw,
		QRPayload: qr,
		CreatedAt: now,
	}
	if err := i.store.SaveReceipt(ctx, r); err != nil {
		if errors.Is(err, store.ErrReceiptExists) {
			return i.store.GetReceiptByTxID(ctx, tx.ID)
		}
		return store.Receipt{}, err
	}
	return r, nil
}

// Sign produces the base64url token "claims.signature".
func (i *Issuer) Sign(claims qrClaims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("receipt: marshal claims: %w", err)
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(body) + "." + enc.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a QR token offline and returns its claims.
func (i *Issuer) Verify(token string) (receiptID, paymentHash string, totalKES money.KES, err error) {
	body, sig, found := strings.Cut(token, ".")
	if !found {
		return "", "", 0, ErrBadSignature
	}
	enc := base64.RawURLEncoding
	rawBody, err := enc.DecodeString(body)
	if err != nil {
		return "", "", 0, ErrBadSignature
	}
	rawSig, err := enc.DecodeString(sig)
	if err != nil {
		return "", "", 0, ErrBadSignature
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), rawSig) {
		return "", "", 0, ErrBadSignature
	}
	var claims qrClaims
	if err := json.Unmarshal(rawBody, &claims); err != nil {
		return "", "", 0, ErrBadSignature
	}
	return claims.ReceiptID, claims.PaymentHash, money.KES(claims.TotalKES), nil
}
