// Package mpesa is the Daraja adapter: OAuth token management, STK-Push and
// B2C dispatch, and status queries for lost callbacks. The adapter refuses
// to dispatch twice for the same transaction id.
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/httputil"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/metrics"
	"github.com/sokopesa/bridge/internal/money"
	"github.com/sokopesa/bridge/pkg/daraja"
)

// tokenSlack is how long before expiry a cached OAuth token is refreshed.
const tokenSlack = 60 * time.Second

// DispatchRequest carries everything one Daraja dispatch needs. Reference is
// the leading 12 hex of the payment hash; callbacks echo it back for
// correlation.
type DispatchRequest struct {
	TxID          string
	Flow          money.Flow
	MSISDN        string
	Amount        money.KES
	MerchantCode  string
	AccountNumber string
	Reference     string
}

// DispatchResult is the synchronous outcome of a dispatch.
type DispatchResult struct {
	ConversationID string
	Accepted       bool
}

// Dispatcher is what the orchestrator needs from this adapter.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
	QueryStatus(ctx context.Context, conversationID, reference string) error
}

// Client talks to Daraja over HTTP with a cached OAuth token.
type Client struct {
	httpClient *http.Client
	cfg        config.DarajaConfig
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	clock      func() time.Time

	tokenMu      sync.RWMutex
	token        string
	tokenExpires time.Time
	refresh      singleflight.Group

	// dispatched is the innermost exactly-once guard: one successful
	// Daraja call per tx id, ever. inflight collapses concurrent retries.
	dispatchedMu sync.Mutex
	dispatched   map[string]DispatchResult
	inflight     singleflight.Group
}

// NewClient builds a Daraja client. Nil metrics disables instrumentation.
func NewClient(cfg config.DarajaConfig, br config.BreakerConfig, m *metrics.Metrics) *Client {
	return &Client{
		httpClient: httputil.NewClient(cfg.Timeout.Duration),
		cfg:        cfg,
		metrics:    m,
		clock:      time.Now,
		dispatched: make(map[string]DispatchResult),
		breaker:    newBreaker(br),
	}
}

func newBreaker(br config.BreakerConfig) *gobreaker.CircuitBreaker {
	if !br.Enabled {
		return nil
	}
	return gobreaker.NewCircuitBreaker(breakerSettings(br))
}

func breakerSettings(br config.BreakerConfig) gobreaker.Settings {
	trip := br.ConsecutiveFailures
	if trip == 0 {
		trip = 5
	}
	ratio := br.FailureRatio
	if ratio == 0 {
		ratio = 0.5
	}
	minReq := br.MinRequests
	if minReq == 0 {
		minReq = 10
	}
	interval := br.Interval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := br.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.Settings{
		Name:        "daraja",
		Interval:    interval,
		Timeout:     timeout,
		MaxRequests: br.MaxRequests,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= trip {
				return true
			}
			if counts.Requests < minReq {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
	}
}

// WithClock injects a deterministic clock for tests.
func (c *Client) WithClock(clock func() time.Time) *Client {
	c.clock = clock
	return c
}

// Dispatch performs the flow-appropriate Daraja call exactly once per tx id.
// A repeat dispatch for a known tx id returns the original result without
// touching the network, which collapses orchestrator retries.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	v, err, _ := c.inflight.Do(req.TxID, func() (interface{}, error) {
		c.dispatchedMu.Lock()
		prev, ok := c.dispatched[req.TxID]
		c.dispatchedMu.Unlock()
		if ok {
			log := logger.FromContext(ctx)
			log.Info().Str("tx_id", req.TxID).Msg("mpesa.dispatch_collapsed")
			return prev, nil
		}

		var res DispatchResult
		var err error
		if req.Flow.UsesSTK() {
			res, err = c.dispatchSTK(ctx, req)
		} else {
			res, err = c.dispatchB2C(ctx, req)
		}
		if err != nil {
			return DispatchResult{}, err
		}

		c.dispatchedMu.Lock()
		c.dispatched[req.TxID] = res
		c.dispatchedMu.Unlock()
		return res, nil
	})
	if err != nil {
		return DispatchResult{}, err
	}
	return v.(DispatchResult), nil
}

func (c *Client) dispatchSTK(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	password, timestamp := daraja.STKPassword(c.cfg.Shortcode, c.cfg.Passkey, c.clock())

	txType := daraja.TypeBuyGoodsOnline
	partyB := req.MerchantCode
	if req.Flow == money.FlowPaybill {
		txType = daraja.TypePayBillOnline
	}
	if req.Flow == money.FlowScanPay {
		partyB = c.cfg.Shortcode
	}

	body := daraja.STKPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   txType,
		Amount:            strconv.FormatInt(req.Amount.Shillings(), 10),
		PartyA:            req.MSISDN,
		PartyB:            partyB,
		PhoneNumber:       req.MSISDN,
		CallBackURL:       c.cfg.CallbackBaseURL + "/webhooks/mpesa/stk",
		AccountReference:  req.Reference,
		TransactionDesc:   string(req.Flow),
	}

	var resp daraja.STKPushResponse
	if err := c.call(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", body, &resp); err != nil {
		return DispatchResult{}, err
	}
	if resp.ResponseCode != "0" {
		return DispatchResult{ConversationID: resp.CheckoutRequestID},
			errors.New(errors.ErrCodeDarajaRejected,
				fmt.Sprintf("stk push rejected: %s %s", resp.ResponseCode, resp.ResponseDescription))
	}
	return DispatchResult{ConversationID: resp.CheckoutRequestID, Accepted: true}, nil
}

func (c *Client) dispatchB2C(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	body := daraja.B2CRequest{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: c.cfg.Passkey,
		CommandID:          daraja.CommandBusinessPayment,
		Amount:             strconv.FormatInt(req.Amount.Shillings(), 10),
		PartyA:             c.cfg.Shortcode,
		PartyB:             req.MSISDN,
		Remarks:            string(req.Flow),
		QueueTimeOutURL:    c.cfg.CallbackBaseURL + "/webhooks/mpesa/b2c",
		ResultURL:          c.cfg.CallbackBaseURL + "/webhooks/mpesa/b2c",
		Occasion:           req.Reference,
	}

	var resp daraja.B2CResponse
	if err := c.call(ctx, "b2c", "/mpesa/b2c/v1/paymentrequest", body, &resp); err != nil {
		return DispatchResult{}, err
	}
	if resp.ResponseCode != "0" {
		return DispatchResult{ConversationID: resp.ConversationID},
			errors.New(errors.ErrCodeDarajaRejected,
				fmt.Sprintf("b2c rejected: %s %s", resp.ResponseCode, resp.ResponseDescription))
	}
	return DispatchResult{ConversationID: resp.ConversationID, Accepted: true}, nil
}

// QueryStatus fires a transaction status query for a dispatch whose callback
// never arrived. The answer comes back asynchronously on the b2c result URL.
// reference goes out in Occasion so the result correlates by payment-hash
// prefix even when the conversation id was never recorded locally.
func (c *Client) QueryStatus(ctx context.Context, conversationID, reference string) error {
	body := daraja.StatusRequest{
		Initiator:                c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.Passkey,
		CommandID:                "TransactionStatusQuery",
		OriginatorConversationID: conversationID,
		PartyA:                   c.cfg.Shortcode,
		IdentifierType:           "4",
		ResultURL:                c.cfg.CallbackBaseURL + "/webhooks/mpesa/b2c",
		QueueTimeOutURL:          c.cfg.CallbackBaseURL + "/webhooks/mpesa/b2c",
		Remarks:                  "reconcile",
		Occasion:                 reference,
	}
	var out json.RawMessage
	return c.call(ctx, "status_query", "/mpesa/transactionstatus/v1/query", body, &out)
}

// call performs an authenticated POST through the circuit breaker.
func (c *Client) call(ctx context.Context, operation, path string, body, out interface{}) error {
	start := c.clock()
	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doCall(ctx, path, body, out)
		})
	} else {
		err = c.doCall(ctx, path, body, out)
	}
	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.DarajaCalls.WithLabelValues(operation, outcome).Inc()
		c.metrics.DarajaLatency.WithLabelValues(operation).Observe(c.clock().Sub(start).Seconds())
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.Wrap(errors.ErrCodeDarajaUnavailable, "circuit open", err)
	}
	return err
}

func (c *Client) doCall(ctx context.Context, path string, body, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mpesa: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mpesa: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDarajaUnavailable, "daraja request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(errors.ErrCodeDarajaUnavailable, "read daraja response", err)
	}
	if resp.StatusCode >= 500 {
		return errors.New(errors.ErrCodeDarajaUnavailable,
			fmt.Sprintf("daraja status %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrCodeDarajaRejected,
			fmt.Sprintf("daraja status %d: %s", resp.StatusCode, raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mpesa: decode response: %w", err)
	}
	return nil
}

// accessToken returns the cached token, refreshing it through a single
// flight when it is within tokenSlack of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	token, expires := c.token, c.tokenExpires
	c.tokenMu.RUnlock()
	if token != "" && c.clock().Before(expires.Add(-tokenSlack)) {
		return token, nil
	}

	v, err, _ := c.refresh.Do("oauth", func() (interface{}, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("mpesa: build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeDarajaUnavailable, "oauth request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New(errors.ErrCodeDarajaUnavailable,
			fmt.Sprintf("oauth status %d", resp.StatusCode))
	}
	var tr daraja.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("mpesa: decode token: %w", err)
	}
	ttl, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}

	c.tokenMu.Lock()
	c.token = tr.AccessToken
	c.tokenExpires = c.clock().Add(time.Duration(ttl) * time.Second)
	c.tokenMu.Unlock()
	return tr.AccessToken, nil
}
