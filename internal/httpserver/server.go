// Package httpserver is the client-facing HTTP surface: flow creation,
// transaction status, receipts, webhooks, health, and metrics.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/lightning"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/money"
	"github.com/sokopesa/bridge/internal/orchestrator"
	"github.com/sokopesa/bridge/internal/rates"
	"github.com/sokopesa/bridge/internal/receipt"
	"github.com/sokopesa/bridge/internal/store"
	"github.com/sokopesa/bridge/internal/webhook"
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	store    store.Store
	receipts *receipt.Issuer
	rates    rates.Source
	node     lightning.Node
	logger   zerolog.Logger
	started  time.Time
}

// Deps collects the server's collaborators.
type Deps struct {
	Config   *config.Config
	Orch     *orchestrator.Orchestrator
	Store    store.Store
	Receipts *receipt.Issuer
	Rates    rates.Source
	Node     lightning.Node
	Ingress  *webhook.Ingress
	Logger   zerolog.Logger
}

// New builds the HTTP server with its configured router.
func New(d Deps) *Server {
	router := chi.NewRouter()
	s := &Server{
		handlers: handlers{
			cfg:      d.Config,
			orch:     d.Orch,
			store:    d.Store,
			receipts: d.Receipts,
			rates:    d.Rates,
			node:     d.Node,
			logger:   d.Logger,
			started:  time.Now(),
		},
		httpServer: &http.Server{
			Addr:         d.Config.Server.Address,
			ReadTimeout:  d.Config.Server.ReadTimeout.Duration,
			WriteTimeout: d.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  d.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
	s.routes(router, d.Ingress)
	return s
}

func (s *Server) routes(router chi.Router, ingress *webhook.Ingress) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.Recoverer)

	// Health, readiness, and metrics skip the rate limiter: probes and
	// scrapers must not compete with clients for budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Handle("/metrics", promhttp.Handler())
	})

	// Webhooks skip it too: Daraja and the settlement notifier have their
	// own authentication, and a redelivery throttled by client traffic
	// would stall payouts.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		ingress.Routes(r)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		if cfg.RateLimit.Enabled {
			window := cfg.RateLimit.Window.Duration
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.Limit(cfg.RateLimit.GlobalLimit, window,
				httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
				httprate.WithLimitHandler(rateLimited)))
			r.Use(httprate.LimitByIP(cfg.RateLimit.PerIPLimit, window))
		}

		// One create endpoint per flow.
		r.Post("/v1/send-money", s.createFlow(money.FlowSendMoney))
		r.Post("/v1/buy-airtime", s.createFlow(money.FlowBuyAirtime))
		r.Post("/v1/paybill", s.createFlow(money.FlowPaybill))
		r.Post("/v1/buy-goods", s.createFlow(money.FlowBuyGoods))
		r.Post("/v1/scan-pay", s.createFlow(money.FlowScanPay))

		// The payment hash is the capability; no further auth.
		r.Get("/transactions/{paymentHash}", s.transactionStatus)
		r.Get("/receipts/{paymentHash}", s.receiptJSON)
		r.Get("/receipts/{paymentHash}/html", s.receiptHTML)
		r.Get("/receipts/{paymentHash}/qr.png", s.receiptQR)

		r.With(adminAuth(cfg.Server.AdminAPIKey)).
			Post("/admin/transactions/{txID}/cancel", s.adminCancel)
	})
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	errors.WriteSimpleError(w, errors.ErrCodeRateLimited, "rate limit exceeded, retry later")
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
