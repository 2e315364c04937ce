package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sokopesa/bridge/internal/config"
	bridgeerrors "github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/money"
	"github.com/sokopesa/bridge/pkg/daraja"
)

type fakeDaraja struct {
	mu         sync.Mutex
	tokenCalls int32
	stkCalls   int32
	b2cCalls   int32
	stkBodies  []daraja.STKPushRequest
	b2cBodies  []daraja.B2CRequest
	rejectSTK  bool
	srv        *httptest.Server
}

func newFakeDaraja(t *testing.T) *fakeDaraja {
	f := &fakeDaraja{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&f.tokenCalls, 1)
		json.NewEncoder(w).Encode(daraja.TokenResponse{AccessToken: "tok-1", ExpiresIn: "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.stkCalls, 1)
		var body daraja.STKPushRequest
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.stkBodies = append(f.stkBodies, body)
		reject := f.rejectSTK
		f.mu.Unlock()
		if reject {
			json.NewEncoder(w).Encode(daraja.STKPushResponse{ResponseCode: "1", ResponseDescription: "insufficient float"})
			return
		}
		json.NewEncoder(w).Encode(daraja.STKPushResponse{
			CheckoutRequestID: "ws_CO_1",
			ResponseCode:      "0",
		})
	})
	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.b2cCalls, 1)
		var body daraja.B2CRequest
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.b2cBodies = append(f.b2cBodies, body)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(daraja.B2CResponse{
			ConversationID: "AG_1",
			ResponseCode:   "0",
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testClient(f *fakeDaraja) *Client {
	return NewClient(config.DarajaConfig{
		BaseURL:         f.srv.URL,
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		Shortcode:       "174379",
		Passkey:         "passkey",
		InitiatorName:   "bridge",
		CallbackBaseURL: "https://bridge.example.com",
		Timeout:         config.Duration{Duration: 10 * time.Second},
	}, config.BreakerConfig{}, nil)
}

func TestDispatchB2C(t *testing.T) {
	f := newFakeDaraja(t)
	c := testClient(f)

	res, err := c.Dispatch(context.Background(), DispatchRequest{
		TxID:      "tx-1",
		Flow:      money.FlowSendMoney,
		MSISDN:    "254712345678",
		Amount:    money.FromShillings(1000),
		Reference: "abcdef012345",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Accepted || res.ConversationID != "AG_1" {
		t.Errorf("result = %+v", res)
	}
	body := f.b2cBodies[0]
	if body.Amount != "1000" {
		t.Errorf("amount = %s, want whole shillings", body.Amount)
	}
	if body.PartyB != "254712345678" {
		t.Errorf("partyB = %s", body.PartyB)
	}
	if body.Occasion != "abcdef012345" {
		t.Errorf("occasion = %s, want payment hash reference", body.Occasion)
	}
}

func TestDispatchSTKPaybill(t *testing.T) {
	f := newFakeDaraja(t)
	c := testClient(f)

	res, err := c.Dispatch(context.Background(), DispatchRequest{
		TxID:          "tx-2",
		Flow:          money.FlowPaybill,
		MSISDN:        "254712345678",
		Amount:        money.FromShillings(500),
		MerchantCode:  "654321",
		AccountNumber: "INV-9",
		Reference:     "abcdef012345",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Accepted {
		t.Error("not accepted")
	}
	body := f.stkBodies[0]
	if body.TransactionType != daraja.TypePayBillOnline {
		t.Errorf("type = %s", body.TransactionType)
	}
	if body.PartyB != "654321" {
		t.Errorf("partyB = %s, want merchant code", body.PartyB)
	}
	if body.AccountReference != "abcdef012345" {
		t.Errorf("account reference = %s", body.AccountReference)
	}
	if body.Password == "" || body.Timestamp == "" {
		t.Error("missing stk password")
	}
}

func TestDispatchRefusesSecondCall(t *testing.T) {
	f := newFakeDaraja(t)
	c := testClient(f)

	req := DispatchRequest{
		TxID:      "tx-3",
		Flow:      money.FlowSendMoney,
		MSISDN:    "254712345678",
		Amount:    money.FromShillings(100),
		Reference: "abcdef012345",
	}
	first, err := c.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("collapsed dispatch returned different result: %+v vs %+v", first, second)
	}
	if got := atomic.LoadInt32(&f.b2cCalls); got != 1 {
		t.Errorf("b2c calls = %d, want exactly one", got)
	}
}

func TestDispatchRejectionAllowsRetry(t *testing.T) {
	f := newFakeDaraja(t)
	f.rejectSTK = true
	c := testClient(f)

	req := DispatchRequest{
		TxID:         "tx-4",
		Flow:         money.FlowBuyGoods,
		MSISDN:       "254712345678",
		Amount:       money.FromShillings(100),
		MerchantCode: "55555",
		Reference:    "abcdef012345",
	}
	_, err := c.Dispatch(context.Background(), req)
	if bridgeerrors.CodeOf(err) != bridgeerrors.ErrCodeDarajaRejected {
		t.Fatalf("err = %v, want daraja_rejected", err)
	}

	f.mu.Lock()
	f.rejectSTK = false
	f.mu.Unlock()
	res, err := c.Dispatch(context.Background(), req)
	if err != nil || !res.Accepted {
		t.Errorf("retry after rejection = (%+v, %v)", res, err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			json.NewEncoder(w).Encode(daraja.TokenResponse{AccessToken: "tok", ExpiresIn: "3599"})
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.DarajaConfig{
		BaseURL:         srv.URL,
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		Shortcode:       "174379",
		Passkey:         "passkey",
		CallbackBaseURL: "https://bridge.example.com",
		Timeout:         config.Duration{Duration: 10 * time.Second},
	}, config.BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 2,
		Timeout:             config.Duration{Duration: time.Minute},
	}, nil)

	req := DispatchRequest{
		Flow:      money.FlowSendMoney,
		MSISDN:    "254712345678",
		Amount:    money.FromShillings(100),
		Reference: "abcdef012345",
	}
	for i := 0; i < 2; i++ {
		req.TxID = "tx-fail-" + string(rune('a'+i))
		if _, err := c.Dispatch(context.Background(), req); bridgeerrors.CodeOf(err) != bridgeerrors.ErrCodeDarajaUnavailable {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}

	// Third dispatch is short-circuited without touching the network.
	req.TxID = "tx-fail-z"
	_, err := c.Dispatch(context.Background(), req)
	if bridgeerrors.CodeOf(err) != bridgeerrors.ErrCodeDarajaUnavailable {
		t.Fatalf("err = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("upstream calls = %d, want breaker to stop the third", got)
	}
}

func TestOAuthTokenCached(t *testing.T) {
	f := newFakeDaraja(t)
	now := time.Now()
	c := testClient(f).WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		req := DispatchRequest{
			TxID:      "tx-" + string(rune('a'+i)),
			Flow:      money.FlowSendMoney,
			MSISDN:    "254712345678",
			Amount:    money.FromShillings(100),
			Reference: "abcdef012345",
		}
		if _, err := c.Dispatch(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(&f.tokenCalls); got != 1 {
		t.Errorf("token calls = %d, want one cached fetch", got)
	}

	// Within a minute of expiry the token must refresh.
	now = now.Add(3590 * time.Second)
	req := DispatchRequest{
		TxID:      "tx-z",
		Flow:      money.FlowSendMoney,
		MSISDN:    "254712345678",
		Amount:    money.FromShillings(100),
		Reference: "abcdef012345",
	}
	if _, err := c.Dispatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&f.tokenCalls); got != 2 {
		t.Errorf("token calls = %d, want refresh near expiry", got)
	}
}
