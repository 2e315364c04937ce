// Package webhook is the ingress for asynchronous callbacks: Lightning
// settlement notifications and Daraja STK/B2C results. It authenticates,
// deduplicates, and translates deliveries into orchestrator events; it
// never touches transaction state itself.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sokopesa/bridge/internal/dedup"
	"github.com/sokopesa/bridge/internal/lightning"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/metrics"
	"github.com/sokopesa/bridge/internal/orchestrator"
	"github.com/sokopesa/bridge/pkg/daraja"
	"github.com/sokopesa/bridge/pkg/responders"
)

// maxBodyBytes caps callback bodies; Daraja payloads are a few KB.
const maxBodyBytes = 1 << 20

// Queue is where accepted callbacks go. A false return means the queue is
// full and the sender should retry.
type Queue interface {
	Enqueue(ev orchestrator.Event) bool
}

// Ingress holds the webhook handlers.
type Ingress struct {
	queue   Queue
	window  dedup.Window
	metrics *metrics.Metrics
	secret  []byte
	allowed []*net.IPNet
}

// NewIngress builds the ingress. lightningSecret signs settlement posts;
// allowedCIDRs restricts the Daraja endpoints (empty allows all, for
// sandbox use).
func NewIngress(queue Queue, window dedup.Window, m *metrics.Metrics, lightningSecret string, allowedCIDRs []string) (*Ingress, error) {
	in := &Ingress{
		queue:   queue,
		window:  window,
		metrics: m,
		secret:  []byte(lightningSecret),
	}
	for _, cidr := range allowedCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("webhook: bad allowed cidr %q: %w", cidr, err)
		}
		in.allowed = append(in.allowed, ipnet)
	}
	return in, nil
}

// Routes mounts the webhook endpoints.
func (in *Ingress) Routes(r chi.Router) {
	r.Post("/webhooks/lightning", in.handleLightning)
	r.Post("/webhooks/mpesa/stk", in.handleSTK)
	r.Post("/webhooks/mpesa/b2c", in.handleB2C)
}

// settlementPost is the body the node-side notifier sends alongside the
// gRPC subscription, as a belt-and-braces delivery path.
type settlementPost struct {
	PaymentHash  string    `json:"payment_hash"`
	AmountSats   int64     `json:"amount_sats"`
	SettledAt    time.Time `json:"settled_at"`
	SettleIndex  uint64    `json:"settle_index"`
	SourcePubkey string    `json:"source_pubkey,omitempty"`
}

func (in *Ingress) handleLightning(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		in.reject(w, r, "lightning", "read_failed", http.StatusBadRequest)
		return
	}

	if !in.validSignature(body, r.Header.Get("X-Signature")) {
		in.reject(w, r, "lightning", "bad_signature", http.StatusUnauthorized)
		return
	}

	var post settlementPost
	if err := json.Unmarshal(body, &post); err != nil || !validPaymentHash(post.PaymentHash) {
		in.countRejected("lightning", "malformed")
		responders.JSON(w, http.StatusOK, daraja.CallbackAck{ResultCode: 1, ResultDesc: "Rejected"})
		return
	}

	// Same dedup window as the Daraja endpoints: the notifier redelivers
	// until acknowledged, and a replayed settlement must not re-enter the
	// queue.
	token := dedup.Token("lightning", post.PaymentHash, strconv.FormatUint(post.SettleIndex, 10))
	seen, err := in.window.Seen(r.Context(), token)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("webhook.dedup_unavailable")
	}
	if seen {
		if in.metrics != nil {
			in.metrics.WebhooksDuplicate.WithLabelValues("lightning").Inc()
		}
		responders.JSON(w, http.StatusOK, daraja.CallbackAck{ResultCode: 0, ResultDesc: "Duplicate"})
		return
	}

	ok := in.queue.Enqueue(orchestrator.SettlementEvent{Settlement: lightning.Settlement{
		PaymentHash:  post.PaymentHash,
		AmountSats:   post.AmountSats,
		SettledAt:    post.SettledAt.UTC(),
		SettleIndex:  post.SettleIndex,
		SourcePubkey: post.SourcePubkey,
	}})
	if !ok {
		if ferr := in.window.Forget(r.Context(), token); ferr != nil {
			log := logger.FromContext(r.Context())
			log.Warn().Err(ferr).Msg("webhook.dedup_forget_failed")
		}
		in.reject(w, r, "lightning", "queue_full", http.StatusServiceUnavailable)
		return
	}

	in.accepted("lightning")
	responders.JSON(w, http.StatusOK, daraja.CallbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

func (in *Ingress) handleSTK(w http.ResponseWriter, r *http.Request) {
	if !in.allowIP(r) {
		in.reject(w, r, "stk", "ip_blocked", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		in.reject(w, r, "stk", "read_failed", http.StatusBadRequest)
		return
	}

	cb, err := daraja.ParseSTKCallback(body)
	if err != nil {
		in.countRejected("stk", "malformed")
		responders.JSON(w, http.StatusOK, daraja.CallbackAck{ResultCode: 1, ResultDesc: "Rejected"})
		return
	}

	sc := cb.Body.StkCallback
	in.deliver(w, r, orchestrator.MpesaCallbackEvent{
		Endpoint:       "stk",
		ConversationID: sc.CheckoutRequestID,
		ResultCode:     sc.ResultCode,
		ResultDesc:     sc.ResultDesc,
		Receipt:        cb.Receipt(),
	})
}

func (in *Ingress) handleB2C(w http.ResponseWriter, r *http.Request) {
	if !in.allowIP(r) {
		in.reject(w, r, "b2c", "ip_blocked", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		in.reject(w, r, "b2c", "read_failed", http.StatusBadRequest)
		return
	}

	res, err := daraja.ParseB2CResult(body)
	if err != nil {
		in.countRejected("b2c", "malformed")
		responders.JSON(w, http.StatusOK, daraja.CallbackAck{ResultCode: 1, ResultDesc: "Rejected"})
		return
	}

	conversationID := res.Result.ConversationID
	if conversationID == "" {
		conversationID = res.Result.OriginatorConversationID
	}
	in.deliver(w, r, orchestrator.MpesaCallbackEvent{
		Endpoint:       "b2c",
		Reference:      res.Occasion(),
		ConversationID: conversationID,
		ResultCode:     res.Result.ResultCode,
		ResultDesc:     res.Result.ResultDesc,
		Receipt:        res.Receipt(),
	})
}

// deliver runs the dedup window and enqueues. Duplicates acknowledge
// without dispatching, so Daraja's redeliveries are harmless.
func (in *Ingress) deliver(w http.ResponseWriter, r *http.Request, ev orchestrator.MpesaCallbackEvent) {
	token := dedup.Token(ev.Endpoint, ev.ConversationID, strconv.Itoa(ev.ResultCode))
	seen, err := in.window.Seen(r.Context(), token)
	if err != nil {
		// A broken window degrades to at-least-once; the orchestrator's
		// state checks absorb the repeats.
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("webhook.dedup_unavailable")
	}
	if seen {
		if in.metrics != nil {
			in.metrics.WebhooksDuplicate.WithLabelValues(ev.Endpoint).Inc()
		}
		responders.JSON(w, http.StatusOK, daraja.CallbackAck{ResultCode: 0, ResultDesc: "Duplicate"})
		return
	}

	if !in.queue.Enqueue(ev) {
		// Release the token so the 503-triggered redelivery dispatches.
		if ferr := in.window.Forget(r.Context(), token); ferr != nil {
			log := logger.FromContext(r.Context())
			log.Warn().Err(ferr).Msg("webhook.dedup_forget_failed")
		}
		in.reject(w, r, ev.Endpoint, "queue_full", http.StatusServiceUnavailable)
		return
	}
	in.accepted(ev.Endpoint)
	responders.JSON(w, http.StatusOK, daraja.CallbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// allowIP checks the peer against the CIDR allowlist. An empty allowlist
// admits everything.
func (in *Ingress) allowIP(r *http.Request) bool {
	if len(in.allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipnet := range in.allowed {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func (in *Ingress) validSignature(body []byte, header string) bool {
	if len(in.secret) == 0 || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, in.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

func validPaymentHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func (in *Ingress) accepted(endpoint string) {
	if in.metrics != nil {
		in.metrics.WebhooksAccepted.WithLabelValues(endpoint).Inc()
	}
}

func (in *Ingress) countRejected(endpoint, reason string) {
	if in.metrics != nil {
		in.metrics.WebhooksRejected.WithLabelValues(endpoint, reason).Inc()
	}
}

func (in *Ingress) reject(w http.ResponseWriter, r *http.Request, endpoint, reason string, status int) {
	in.countRejected(endpoint, reason)
	log := logger.FromContext(r.Context())
	log.Warn().
		Str("endpoint", endpoint).Str("reason", reason).Msg("webhook.rejected")
	responders.JSON(w, status, map[string]string{"error": reason})
}
