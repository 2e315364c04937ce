package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides layers environment variables over file-provided values.
// Environment always wins so deployments can override a checked-in config.
func (c *Config) applyEnvOverrides() {
	setString(&c.Server.Address, "SERVER_ADDRESS")
	setString(&c.Server.AdminAPIKey, "ADMIN_API_KEY")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Logging.Environment, "ENVIRONMENT")

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.PostgresURL = v
		c.Storage.Backend = "postgres"
	}
	setString(&c.Redis.URL, "REDIS_URL")

	setString(&c.Lightning.RPCEndpoint, "LIGHTNING_RPC_ENDPOINT")
	// LIGHTNING_CREDENTIALS is "tls_cert_path:macaroon_path"; either half may
	// be set individually via the dedicated variables below.
	if v := os.Getenv("LIGHTNING_CREDENTIALS"); v != "" {
		if cert, mac, ok := strings.Cut(v, ":"); ok {
			c.Lightning.TLSCertPath = cert
			c.Lightning.MacaroonPath = mac
		}
	}
	setString(&c.Lightning.TLSCertPath, "LIGHTNING_TLS_CERT_PATH")
	setString(&c.Lightning.MacaroonPath, "LIGHTNING_MACAROON_PATH")
	setString(&c.Lightning.WebhookSecret, "LIGHTNING_WEBHOOK_SECRET")

	setString(&c.Daraja.BaseURL, "DARAJA_BASE_URL")
	setString(&c.Daraja.ConsumerKey, "DARAJA_CONSUMER_KEY")
	setString(&c.Daraja.ConsumerSecret, "DARAJA_CONSUMER_SECRET")
	setString(&c.Daraja.Shortcode, "DARAJA_SHORTCODE")
	setString(&c.Daraja.Passkey, "DARAJA_PASSKEY")
	setString(&c.Daraja.InitiatorName, "DARAJA_INITIATOR_NAME")
	setString(&c.Daraja.CallbackBaseURL, "DARAJA_CALLBACK_BASE_URL")
	setStringSlice(&c.Daraja.AllowedCIDRs, "MPESA_ALLOWED_CIDRS")

	setFloat(&c.Rates.Spread, "RATE_SPREAD")

	setString(&c.Receipt.HMACSecret, "RECEIPT_HMAC_SECRET")

	setInt64(&c.Risk.DailyLimitKES, "RISK_DAILY_LIMIT_KES")
	setStringSlice(&c.Risk.HighRiskCountries, "RISK_HIGH_RISK_COUNTRIES")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*dst = out
	}
}
