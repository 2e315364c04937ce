package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
// An empty path skips the file and builds configuration from defaults + env.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       ":8080",
			ReadTimeout:   Duration{Duration: 15 * time.Second},
			WriteTimeout:  Duration{Duration: 15 * time.Second},
			IdleTimeout:   Duration{Duration: 60 * time.Second},
			ShutdownGrace: Duration{Duration: 30 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "development",
		},
		Storage: StorageConfig{
			Backend:         "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration{Duration: 30 * time.Minute},
		},
		Lightning: LightningConfig{
			RPCTimeout:    Duration{Duration: 30 * time.Second},
			RefundFeeSats: 100,
			KeepalivePing: Duration{Duration: 30 * time.Second},
		},
		Daraja: DarajaConfig{
			BaseURL: "https://sandbox.safaricom.co.ke",
			Timeout: Duration{Duration: 10 * time.Second},
		},
		Rates: RatesConfig{
			PollInterval: Duration{Duration: 10 * time.Second},
			FeedTimeout:  Duration{Duration: 5 * time.Second},
			MaxStaleness: Duration{Duration: 60 * time.Second},
			QuoteTTL:     Duration{Duration: 60 * time.Second},
			Spread:       0.005,
		},
		Quote: QuoteConfig{
			LockWindow:       Duration{Duration: 15 * time.Minute},
			LightningReserve: 0.001,
		},
		Risk: RiskConfig{
			DailyLimitKES:     100_000_000, // 1,000,000 KES in cents
			HighRiskCountries: []string{"AF", "IR", "KP", "SY"},
			WindowSweepPeriod: Duration{Duration: 5 * time.Minute},
		},
		Webhook: WebhookConfig{
			DedupWindow: Duration{Duration: 24 * time.Hour},
			QueueSize:   1024,
		},
		Worker: WorkerConfig{
			ExpirySweepInterval: Duration{Duration: 5 * time.Second},
			ReconcileInterval:   Duration{Duration: 60 * time.Second},
			ReconcileAfter:      Duration{Duration: 2 * time.Minute},
			RetryBase:           Duration{Duration: 200 * time.Millisecond},
			RetryCap:            Duration{Duration: 30 * time.Second},
			RetryMaxAttempts:    5,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalLimit: 1000,
			PerIPLimit:  120,
			Window:      Duration{Duration: 1 * time.Minute},
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
			Interval:            Duration{Duration: 60 * time.Second},
			Timeout:             Duration{Duration: 30 * time.Second},
			MaxRequests:         1,
		},
	}
}

func (c *Config) parseFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// finalize validates cross-field constraints after file and env merging.
func (c *Config) finalize() error {
	if c.Rates.Spread < 0 || c.Rates.Spread > 0.1 {
		return fmt.Errorf("rates.spread %.4f out of range [0, 0.1]", c.Rates.Spread)
	}
	if c.Quote.LockWindow.Duration <= 0 {
		return fmt.Errorf("quote.lock_window must be positive")
	}
	if c.Storage.Backend != "memory" && c.Storage.Backend != "postgres" {
		return fmt.Errorf("storage.backend %q not supported (memory, postgres)", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage.backend postgres requires DATABASE_URL")
	}
	if c.Receipt.HMACSecret == "" {
		return fmt.Errorf("receipt.hmac_secret is required (RECEIPT_HMAC_SECRET)")
	}
	if c.Lightning.WebhookSecret == "" {
		return fmt.Errorf("lightning.webhook_secret is required (LIGHTNING_WEBHOOK_SECRET)")
	}
	if c.Worker.RetryMaxAttempts < 1 {
		return fmt.Errorf("worker.retry_max_attempts must be >= 1")
	}
	return nil
}
