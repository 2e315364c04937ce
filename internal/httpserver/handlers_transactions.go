package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/money"
	"github.com/sokopesa/bridge/internal/orchestrator"
	"github.com/sokopesa/bridge/internal/store"
	"github.com/sokopesa/bridge/pkg/responders"
)

const maxRequestBytes = 64 << 10

// createRequest is the flow-create body. kes_amount is whole shillings.
type createRequest struct {
	RecipientPhone string `json:"recipient_phone"`
	KESAmount      int64  `json:"kes_amount"`
	MerchantCode   string `json:"merchant_code,omitempty"`
	AccountNumber  string `json:"account_number,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type createResponse struct {
	TxID             string    `json:"tx_id"`
	PaymentHash      string    `json:"payment_hash"`
	LightningInvoice string    `json:"lightning_invoice"`
	BTCAmountSats    int64     `json:"btc_amount_sats"`
	KESAmount        int64     `json:"kes_amount"`
	Rate             float64   `json:"rate"`
	FeeKES           int64     `json:"fee_kes"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func (s *Server) createFlow(flow money.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			errors.WriteSimpleError(w, errors.ErrCodeInvalidInput, "unreadable request body")
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			errors.WriteSimpleError(w, errors.ErrCodeInvalidInput, "invalid JSON body")
			return
		}
		if req.KESAmount <= 0 {
			errors.WriteSimpleError(w, errors.ErrCodeInvalidInput, "kes_amount must be positive")
			return
		}

		res, err := s.orch.Create(r.Context(), orchestrator.CreateRequest{
			Flow:           flow,
			RecipientPhone: req.RecipientPhone,
			KESAmount:      money.FromShillings(req.KESAmount),
			MerchantCode:   req.MerchantCode,
			AccountNumber:  req.AccountNumber,
			IdempotencyKey: req.IdempotencyKey,
			SourceIP:       r.RemoteAddr,
			UserAgent:      r.UserAgent(),
		})
		if err != nil {
			writeCodedError(w, r, err)
			return
		}
		if !res.Created {
			errors.WriteError(w, errors.ErrCodeDuplicateIdempotencyKey,
				"idempotency key already used for this flow",
				map[string]interface{}{"tx_id": res.Tx.ID})
			return
		}

		tx := res.Tx
		responders.JSON(w, http.StatusCreated, createResponse{
			TxID:             tx.ID,
			PaymentHash:      tx.PaymentHash,
			LightningInvoice: tx.Invoice,
			BTCAmountSats:    int64(tx.BTCAmount),
			KESAmount:        tx.KESAmount.Shillings(),
			Rate:             tx.Rate,
			FeeKES:           tx.FeeKES.Shillings(),
			ExpiresAt:        tx.QuoteExpiresAt,
		})
	}
}

type statusResponse struct {
	TxID          string    `json:"tx_id"`
	State         string    `json:"state"`
	KESAmount     int64     `json:"kes_amount"`
	BTCAmountSats int64     `json:"btc_amount_sats"`
	MpesaReceipt  string    `json:"mpesa_receipt,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Server) transactionStatus(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "paymentHash")
	tx, err := s.store.GetByPaymentHash(r.Context(), hash)
	if err == store.ErrNotFound {
		errors.WriteSimpleError(w, errors.ErrCodeTransactionNotFound, "no transaction for that payment hash")
		return
	}
	if err != nil {
		writeCodedError(w, r, err)
		return
	}

	responders.JSON(w, http.StatusOK, statusResponse{
		TxID:          tx.ID,
		State:         string(tx.State),
		KESAmount:     tx.KESAmount.Shillings(),
		BTCAmountSats: int64(tx.BTCAmount),
		MpesaReceipt:  tx.MpesaReceipt,
		FailureReason: string(tx.FailureReason),
		UpdatedAt:     tx.UpdatedAt,
	})
}

func (s *Server) adminCancel(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	tx, err := s.orch.Cancel(r.Context(), txID, "admin cancel")
	if err == store.ErrNotFound {
		errors.WriteSimpleError(w, errors.ErrCodeTransactionNotFound, "unknown transaction id")
		return
	}
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{
		"tx_id": tx.ID,
		"state": string(tx.State),
	})
}

// writeCodedError renders a code-carrying error through the standard
// envelope; everything else degrades to internal_error without leaking
// upstream detail.
func writeCodedError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	msg := "internal error"
	var coded *errors.E
	if errors.As(err, &coded) {
		msg = coded.Message
	} else {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("http.unclassified_error")
	}
	errors.WriteSimpleError(w, code, msg)
}
