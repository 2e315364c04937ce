package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Lightning LightningConfig `yaml:"lightning"`
	Daraja    DarajaConfig    `yaml:"daraja"`
	Rates     RatesConfig     `yaml:"rates"`
	Quote     QuoteConfig     `yaml:"quote"`
	Risk      RiskConfig      `yaml:"risk"`
	Receipt   ReceiptConfig   `yaml:"receipt"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ShutdownGrace      Duration `yaml:"shutdown_grace"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminAPIKey        string   `yaml:"admin_api_key"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Environment string `yaml:"environment"`
}

// StorageConfig selects and tunes the transaction store backend.
type StorageConfig struct {
	Backend         string   `yaml:"backend"` // "memory" or "postgres"
	PostgresURL     string   `yaml:"postgres_url"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the optional redis backend used by the idempotency
// index and the webhook dedup window. When URL is empty both fall back
// to in-memory implementations.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LightningConfig holds LND connection settings.
type LightningConfig struct {
	RPCEndpoint   string   `yaml:"rpc_endpoint"`
	TLSCertPath   string   `yaml:"tls_cert_path"`
	MacaroonPath  string   `yaml:"macaroon_path"`
	RPCTimeout    Duration `yaml:"rpc_timeout"`
	WebhookSecret string   `yaml:"webhook_secret"`
	RefundFeeSats int64    `yaml:"refund_fee_sats"`
	KeepalivePing Duration `yaml:"keepalive_ping"`
}

// DarajaConfig holds M-Pesa Daraja API credentials and endpoints.
type DarajaConfig struct {
	BaseURL         string   `yaml:"base_url"`
	ConsumerKey     string   `yaml:"consumer_key"`
	ConsumerSecret  string   `yaml:"consumer_secret"`
	Shortcode       string   `yaml:"shortcode"`
	Passkey         string   `yaml:"passkey"`
	InitiatorName   string   `yaml:"initiator_name"`
	CallbackBaseURL string   `yaml:"callback_base_url"`
	Timeout         Duration `yaml:"timeout"`
	AllowedCIDRs    []string `yaml:"allowed_cidrs"`
}

// RatesConfig tunes the BTC/KES rate provider.
type RatesConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	FeedTimeout  Duration `yaml:"feed_timeout"`
	MaxStaleness Duration `yaml:"max_staleness"`
	QuoteTTL     Duration `yaml:"quote_ttl"`
	Spread       float64  `yaml:"spread"`
}

// QuoteConfig tunes the quote engine.
type QuoteConfig struct {
	LockWindow       Duration `yaml:"lock_window"`       // invoice/rate lock, default 15m
	LightningReserve float64  `yaml:"lightning_reserve"` // fraction of sats added for routing fees
}

// RiskConfig tunes the AML risk engine.
type RiskConfig struct {
	DailyLimitKES     int64    `yaml:"daily_limit_kes"` // cents
	HighRiskCountries []string `yaml:"high_risk_countries"`
	WindowSweepPeriod Duration `yaml:"window_sweep_period"`
}

// ReceiptConfig holds receipt signing configuration.
type ReceiptConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
}

// WebhookConfig tunes the webhook ingress.
type WebhookConfig struct {
	DedupWindow Duration `yaml:"dedup_window"`
	QueueSize   int      `yaml:"queue_size"`
}

// WorkerConfig tunes the background loops driven by the orchestrator.
type WorkerConfig struct {
	ExpirySweepInterval Duration `yaml:"expiry_sweep_interval"`
	ReconcileInterval   Duration `yaml:"reconcile_interval"`
	ReconcileAfter      Duration `yaml:"reconcile_after"` // min age of MPESA_PENDING before re-query
	RetryBase           Duration `yaml:"retry_base"`
	RetryCap            Duration `yaml:"retry_cap"`
	RetryMaxAttempts    int      `yaml:"retry_max_attempts"`
}

// RateLimitConfig controls the HTTP rate limiting middleware.
type RateLimitConfig struct {
	Enabled     bool     `yaml:"enabled"`
	GlobalLimit int      `yaml:"global_limit"`
	PerIPLimit  int      `yaml:"per_ip_limit"`
	Window      Duration `yaml:"window"`
}

// BreakerConfig configures the circuit breakers guarding upstream calls.
type BreakerConfig struct {
	Enabled             bool     `yaml:"enabled"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	MaxRequests         uint32   `yaml:"max_requests"`
}
