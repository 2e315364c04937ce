package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sokopesa/bridge/internal/dedup"
	"github.com/sokopesa/bridge/internal/orchestrator"
	"github.com/sokopesa/bridge/pkg/daraja"
)

const testSecret = "webhook-test-secret"

type captureQueue struct {
	events []orchestrator.Event
	full   bool
}

func (q *captureQueue) Enqueue(ev orchestrator.Event) bool {
	if q.full {
		return false
	}
	q.events = append(q.events, ev)
	return true
}

func newTestIngress(t *testing.T, q *captureQueue, cidrs []string) *chi.Mux {
	t.Helper()
	window := dedup.NewMemoryWindow(time.Hour)
	t.Cleanup(func() { window.Close() })
	in, err := NewIngress(q, window, nil, testSecret, cidrs)
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	in.Routes(r)
	return r
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

const settlementBody = `{
	"payment_hash": "aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee",
	"amount_sats": 20521,
	"settled_at": "2026-03-10T12:05:00Z",
	"settle_index": 9,
	"source_pubkey": "02abcdef"
}`

func TestLightningWebhook(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/lightning", strings.NewReader(settlementBody))
	req.Header.Set("X-Signature", sign(settlementBody))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ack := decodeAck(t, rec); ack.ResultCode != 0 {
		t.Fatalf("ack = %+v", ack)
	}
	if len(q.events) != 1 {
		t.Fatalf("events = %d", len(q.events))
	}
	ev, ok := q.events[0].(orchestrator.SettlementEvent)
	if !ok {
		t.Fatalf("event type %T", q.events[0])
	}
	if ev.AmountSats != 20521 || ev.SettleIndex != 9 || ev.SourcePubkey != "02abcdef" {
		t.Errorf("settlement = %+v", ev.Settlement)
	}
}

func TestLightningWebhookRejectsBadSignature(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, nil)

	cases := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"wrong", sign(settlementBody + "tampered")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/lightning", strings.NewReader(settlementBody))
			if tc.sig != "" {
				req.Header.Set("X-Signature", tc.sig)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
	if len(q.events) != 0 {
		t.Errorf("unsigned delivery enqueued: %d events", len(q.events))
	}
}

func TestLightningWebhookRejectsBadHash(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, nil)

	body := `{"payment_hash": "tooshort", "amount_sats": 1}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/lightning", strings.NewReader(body))
	req.Header.Set("X-Signature", sign(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ack := decodeAck(t, rec); ack.ResultCode != 1 {
		t.Errorf("malformed body ack = %+v", ack)
	}
	if len(q.events) != 0 {
		t.Errorf("malformed delivery enqueued: %d events", len(q.events))
	}
}

// The notifier redelivers until acknowledged; a replayed settlement post
// must acknowledge without re-entering the queue.
func TestLightningWebhookDuplicateDropped(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, nil)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/lightning", strings.NewReader(settlementBody))
		req.Header.Set("X-Signature", sign(settlementBody))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i, rec.Code)
		}
		if ack := decodeAck(t, rec); ack.ResultCode != 0 {
			t.Fatalf("delivery %d ack = %+v", i, ack)
		}
	}
	if len(q.events) != 1 {
		t.Errorf("duplicate dispatched: %d events", len(q.events))
	}
}

const stkSuccessBody = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "Amount", "Value": 1025.00},
					{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
					{"Name": "PhoneNumber", "Value": 254712345678}
				]
			}
		}
	}
}`

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) daraja.CallbackAck {
	t.Helper()
	var ack daraja.CallbackAck
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func TestSTKCallbackAccepted(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, nil)

	rec := postJSON(r, "/webhooks/mpesa/stk", stkSuccessBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ack := decodeAck(t, rec); ack.ResultCode != 0 {
		t.Fatalf("ack = %+v", ack)
	}

	if len(q.events) != 1 {
		t.Fatalf("events = %d", len(q.events))
	}
	ev := q.events[0].(orchestrator.MpesaCallbackEvent)
	if ev.Endpoint != "stk" || ev.ConversationID != "ws_CO_191220191020363925" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ResultCode != 0 || ev.Receipt != "NLJ7RT61SV" {
		t.Errorf("event = %+v", ev)
	}
}

func TestSTKCallbackDuplicateDropped(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, nil)

	first := postJSON(r, "/webhooks/mpesa/stk", stkSuccessBody)
	second := postJSON(r, "/webhooks/mpesa/stk", stkSuccessBody)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	if ack := decodeAck(t, second); ack.ResultCode != 0 {
		t.Errorf("duplicate not acknowledged: %+v", ack)
	}
	if len(q.events) != 1 {
		t.Errorf("duplicate dispatched: %d events", len(q.events))
	}
}

func TestMpesaCallbackMalformed(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, nil)

	for _, path := range []string{"/webhooks/mpesa/stk", "/webhooks/mpesa/b2c"} {
		rec := postJSON(r, path, `{"Body": "nonsense"}`)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
			continue
		}
		if ack := decodeAck(t, rec); ack.ResultCode != 1 {
			t.Errorf("%s ack = %+v", path, ack)
		}
	}
	if len(q.events) != 0 {
		t.Errorf("malformed delivery enqueued: %d events", len(q.events))
	}
}

const b2cResultBody = `{
	"Result": {
		"ResultType": 0,
		"ResultCode": 0,
		"ResultDesc": "The service request is processed successfully.",
		"OriginatorConversationID": "10571-7910404-1",
		"ConversationID": "AG_20260310_0000777ab7d848b9e721",
		"TransactionID": "NLJ41HAY6Q",
		"ResultParameters": {
			"ResultParameter": [
				{"Key": "TransactionAmount", "Value": 1000},
				{"Key": "TransactionReceipt", "Value": "NLJ41HAY6Q"}
			]
		},
		"ReferenceData": {
			"ReferenceItem": {"Key": "Occasion", "Value": "aa1122334455"}
		}
	}
}`

func TestB2CResultAccepted(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, nil)

	rec := postJSON(r, "/webhooks/mpesa/b2c", b2cResultBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if len(q.events) != 1 {
		t.Fatalf("events = %d", len(q.events))
	}
	ev := q.events[0].(orchestrator.MpesaCallbackEvent)
	if ev.Endpoint != "b2c" || ev.Reference != "aa1122334455" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ConversationID != "AG_20260310_0000777ab7d848b9e721" || ev.Receipt != "NLJ41HAY6Q" {
		t.Errorf("event = %+v", ev)
	}
}

func TestMpesaIPAllowlist(t *testing.T) {
	q := &captureQueue{}
	r := newTestIngress(t, q, []string{"196.201.214.0/24"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa/b2c", strings.NewReader(b2cResultBody))
	req.RemoteAddr = "203.0.113.9:44321"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("blocked peer status = %d", rec.Code)
	}
	if len(q.events) != 0 {
		t.Error("blocked peer enqueued an event")
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/mpesa/b2c", strings.NewReader(b2cResultBody))
	req.RemoteAddr = "196.201.214.100:44321"
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed peer status = %d", rec.Code)
	}
	if len(q.events) != 1 {
		t.Error("allowed peer not enqueued")
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	q := &captureQueue{full: true}
	r := newTestIngress(t, q, nil)

	rec := postJSON(r, "/webhooks/mpesa/b2c", b2cResultBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 so Daraja redelivers", rec.Code)
	}

	// The redelivery after backpressure must dispatch, not hit the window.
	q.full = false
	rec = postJSON(r, "/webhooks/mpesa/b2c", b2cResultBody)
	if rec.Code != http.StatusOK {
		t.Errorf("redelivery status = %d", rec.Code)
	}
	if len(q.events) != 1 {
		t.Errorf("redelivery events = %d", len(q.events))
	}
	q.full = true

	body := settlementBody
	req := httptest.NewRequest(http.MethodPost, "/webhooks/lightning", strings.NewReader(body))
	req.Header.Set("X-Signature", sign(body))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("lightning status = %d", rec.Code)
	}
}

func TestNewIngressRejectsBadCIDR(t *testing.T) {
	if _, err := NewIngress(&captureQueue{}, dedup.NewMemoryWindow(time.Hour), nil, "s", []string{"not-a-cidr"}); err == nil {
		t.Error("bad cidr accepted")
	}
}
