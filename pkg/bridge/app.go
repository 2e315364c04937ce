// Package bridge assembles the payment bridge from configuration: store,
// Lightning node, Daraja client, rate provider, orchestrator, and the HTTP
// surface. cmd/bridge uses it for standalone serving; tests and embedders
// can swap any upstream through the options.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/dedup"
	"github.com/sokopesa/bridge/internal/httpserver"
	"github.com/sokopesa/bridge/internal/httputil"
	"github.com/sokopesa/bridge/internal/idempotency"
	"github.com/sokopesa/bridge/internal/lifecycle"
	"github.com/sokopesa/bridge/internal/lightning"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/metrics"
	"github.com/sokopesa/bridge/internal/mpesa"
	"github.com/sokopesa/bridge/internal/orchestrator"
	"github.com/sokopesa/bridge/internal/quote"
	"github.com/sokopesa/bridge/internal/rates"
	"github.com/sokopesa/bridge/internal/receipt"
	"github.com/sokopesa/bridge/internal/risk"
	"github.com/sokopesa/bridge/internal/store"
	"github.com/sokopesa/bridge/internal/webhook"
)

// App holds the wired bridge components.
type App struct {
	Config       *config.Config
	Store        store.Store
	Node         lightning.Node
	Dispatch     mpesa.Dispatcher
	Rates        rates.Source
	Orchestrator *orchestrator.Orchestrator
	Logger       zerolog.Logger

	server    *httpserver.Server
	provider  *rates.Provider // nil when a custom rate source is injected
	resources *lifecycle.Manager
	metrics   *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    store.Store
	node     lightning.Node
	dispatch mpesa.Dispatcher
	rates    rates.Source
	registry prometheus.Registerer
}

// WithStore sets a custom transaction store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithNode injects a Lightning node, bypassing the LND connection.
func WithNode(n lightning.Node) Option {
	return func(o *options) { o.node = n }
}

// WithDispatcher injects an M-Pesa dispatcher, bypassing Daraja.
func WithDispatcher(d mpesa.Dispatcher) Option {
	return func(o *options) { o.dispatch = d }
}

// WithRatesSource injects a rate source, disabling the polling provider.
func WithRatesSource(src rates.Source) Option {
	return func(o *options) { o.rates = src }
}

// WithRegistry sets the Prometheus registerer. Defaults to the global one.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// NewApp assembles the bridge. The context bounds upstream connection
// attempts (LND dial); it does not bound the app's lifetime.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bridge: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "sokopesa-bridge",
		Environment: cfg.Logging.Environment,
	})

	registry := optState.registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	m := metrics.New(registry)

	app := &App{
		Config:    cfg,
		Logger:    appLogger,
		resources: lifecycle.NewManager(),
		metrics:   m,
	}

	// Build in dependency order; the lifecycle manager closes in reverse,
	// so the store outlives everything that writes to it.
	if optState.store != nil {
		app.Store = optState.store
	} else {
		st, err := store.New(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		app.Store = st
		app.resources.Register("store", st)
		if cfg.Storage.Backend != "postgres" {
			appLogger.Warn().Msg("app.memory_store_in_use")
		}
	}

	if optState.node != nil {
		app.Node = optState.node
	} else {
		node, err := lightning.NewLNDNode(ctx, cfg.Lightning)
		if err != nil {
			app.resources.Close()
			return nil, fmt.Errorf("connect lnd: %w", err)
		}
		app.Node = node
		app.resources.Register("lnd", node)
	}

	if optState.rates != nil {
		app.Rates = optState.rates
	} else {
		feeds := rates.NewDefaultFeeds(httputil.NewClient(cfg.Rates.FeedTimeout.Duration))
		provider := rates.NewProvider(feeds, cfg.Rates, m)
		app.provider = provider
		app.Rates = provider
		app.resources.Register("rate-provider", provider)
	}

	if optState.dispatch != nil {
		app.Dispatch = optState.dispatch
	} else {
		app.Dispatch = mpesa.NewClient(cfg.Daraja, cfg.Breaker, m)
	}

	var idem idempotency.Index
	var window dedup.Window
	if cfg.Redis.URL != "" {
		redisIdem, err := idempotency.NewRedisIndex(cfg.Redis.URL)
		if err != nil {
			app.resources.Close()
			return nil, fmt.Errorf("init redis idempotency index: %w", err)
		}
		redisWindow, err := dedup.NewRedisWindow(cfg.Redis.URL, cfg.Webhook.DedupWindow.Duration)
		if err != nil {
			redisIdem.Close()
			app.resources.Close()
			return nil, fmt.Errorf("init redis dedup window: %w", err)
		}
		idem, window = redisIdem, redisWindow
	} else {
		idem = idempotency.NewMemoryIndex()
		window = dedup.NewMemoryWindow(cfg.Webhook.DedupWindow.Duration)
		appLogger.Warn().Msg("app.memory_dedup_in_use")
	}
	app.resources.Register("idempotency-index", idem)
	app.resources.Register("dedup-window", window)

	riskEngine := risk.NewEngine(cfg.Risk, m)
	app.resources.Register("risk-engine", riskEngine)

	issuer := receipt.NewIssuer(app.Store, cfg.Receipt.HMACSecret)
	quotes := quote.NewEngine(app.Rates, cfg.Quote)

	app.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:     app.Store,
		Idem:      idem,
		Quotes:    quotes,
		Node:      app.Node,
		Dispatch:  app.Dispatch,
		Risk:      riskEngine,
		Receipts:  issuer,
		Metrics:   m,
		Worker:    cfg.Worker,
		QueueSize: cfg.Webhook.QueueSize,
	})

	ingress, err := webhook.NewIngress(app.Orchestrator, window, m,
		cfg.Lightning.WebhookSecret, cfg.Daraja.AllowedCIDRs)
	if err != nil {
		app.resources.Close()
		return nil, fmt.Errorf("init webhook ingress: %w", err)
	}

	app.server = httpserver.New(httpserver.Deps{
		Config:   cfg,
		Orch:     app.Orchestrator,
		Store:    app.Store,
		Receipts: issuer,
		Rates:    app.Rates,
		Node:     app.Node,
		Ingress:  ingress,
		Logger:   appLogger,
	})

	return app, nil
}

// Run serves until ctx is cancelled or the listener fails. On cancellation
// the HTTP server drains within the configured shutdown grace before the
// background loops are torn down.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.provider != nil {
		go a.provider.Run(runCtx)
	}
	go a.Orchestrator.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	a.Logger.Info().
		Str("address", a.Config.Server.Address).
		Str("storage", a.Config.Storage.Backend).
		Msg("app.started")

	select {
	case <-ctx.Done():
		shutCtx, shutCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownGrace.Duration)
		defer shutCancel()
		if err := a.server.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// Close releases every resource the app owns, in reverse build order.
func (a *App) Close() error {
	return a.resources.Close()
}

// LoadConfig wraps the internal loader for embedders.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
