package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/receipt"
	"github.com/sokopesa/bridge/internal/store"
	"github.com/sokopesa/bridge/pkg/responders"
)

// loadReceipt resolves the payment hash to its receipt, issuing lazily when
// the transaction completed but the callback-time issue failed.
func (s *Server) loadReceipt(w http.ResponseWriter, r *http.Request) (store.Receipt, bool) {
	hash := chi.URLParam(r, "paymentHash")
	tx, err := s.store.GetByPaymentHash(r.Context(), hash)
	if err == store.ErrNotFound {
		errors.WriteSimpleError(w, errors.ErrCodeTransactionNotFound, "no transaction for that payment hash")
		return store.Receipt{}, false
	}
	if err != nil {
		writeCodedError(w, r, err)
		return store.Receipt{}, false
	}
	if tx.State != store.StateCompleted {
		errors.WriteSimpleError(w, errors.ErrCodeReceiptNotFound, "transaction has not completed")
		return store.Receipt{}, false
	}

	rec, err := s.receipts.Issue(r.Context(), tx)
	if err != nil {
		writeCodedError(w, r, err)
		return store.Receipt{}, false
	}
	return rec, true
}

func (s *Server) receiptJSON(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}
	responders.JSON(w, http.StatusOK, struct {
		ReceiptID string          `json:"receipt_id"`
		Payload   json.RawMessage `json:"payload"`
		QRPayload string          `json:"qr_payload"`
	}{
		ReceiptID: rec.ID,
		Payload:   rec.Payload,
		QRPayload: rec.QRPayload,
	})
}

func (s *Server) receiptHTML(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}
	html, err := receipt.RenderHTML(rec)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(html)
}

func (s *Server) receiptQR(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}
	png, err := receipt.RenderQR(rec)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
