// Package rates aggregates BTC/KES from multiple upstream price feeds into
// short-lived quotes with a configured spread.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Feed fetches a spot BTC price in the given fiat currency.
type Feed interface {
	Name() string
	Price(ctx context.Context, fiat string) (float64, error)
}

const (
	coinbaseBaseURL  = "https://api.coinbase.com"
	coingeckoBaseURL = "https://api.coingecko.com"
	bitstampBaseURL  = "https://www.bitstamp.net"
)

// NewDefaultFeeds returns the three production feeds sharing one HTTP client.
func NewDefaultFeeds(client *http.Client) []Feed {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return []Feed{
		&coinbase{httpClient: client, baseURL: coinbaseBaseURL},
		&coingecko{httpClient: client, baseURL: coingeckoBaseURL},
		&bitstamp{httpClient: client, baseURL: bitstampBaseURL},
	}
}

// NewFeed creates a single feed by name with a custom base URL (for tests).
func NewFeed(name, baseURL string, client *http.Client) (Feed, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	switch strings.ToLower(name) {
	case "coinbase":
		if baseURL == "" {
			baseURL = coinbaseBaseURL
		}
		return &coinbase{httpClient: client, baseURL: baseURL}, nil
	case "coingecko":
		if baseURL == "" {
			baseURL = coingeckoBaseURL
		}
		return &coingecko{httpClient: client, baseURL: baseURL}, nil
	case "bitstamp":
		if baseURL == "" {
			baseURL = bitstampBaseURL
		}
		return &bitstamp{httpClient: client, baseURL: baseURL}, nil
	default:
		return nil, fmt.Errorf("rates: unknown feed %q (coinbase, coingecko, bitstamp)", name)
	}
}

type coinbase struct {
	httpClient *http.Client
	baseURL    string
}

type coinbasePriceResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

func (c *coinbase) Name() string { return "coinbase" }

func (c *coinbase) Price(ctx context.Context, fiat string) (float64, error) {
	url := fmt.Sprintf("%s/v2/prices/BTC-%s/spot", c.baseURL, strings.ToUpper(fiat))
	var resp coinbasePriceResponse
	if err := fetchJSON(ctx, c.httpClient, url, &resp); err != nil {
		return 0, fmt.Errorf("coinbase: %w", err)
	}
	amount, err := strconv.ParseFloat(resp.Data.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("coinbase: invalid price %q: %w", resp.Data.Amount, err)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("coinbase: non-positive price %v", amount)
	}
	return amount, nil
}

type coingecko struct {
	httpClient *http.Client
	baseURL    string
}

type coingeckoPriceResponse map[string]map[string]float64

func (c *coingecko) Name() string { return "coingecko" }

func (c *coingecko) Price(ctx context.Context, fiat string) (float64, error) {
	cur := strings.ToLower(fiat)
	url := fmt.Sprintf("%s/api/v3/simple/price?ids=bitcoin&vs_currencies=%s", c.baseURL, cur)
	var resp coingeckoPriceResponse
	if err := fetchJSON(ctx, c.httpClient, url, &resp); err != nil {
		return 0, fmt.Errorf("coingecko: %w", err)
	}
	price, ok := resp["bitcoin"][cur]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("coingecko: missing or non-positive price for %s", fiat)
	}
	return price, nil
}

type bitstamp struct {
	httpClient *http.Client
	baseURL    string
}

type bitstampPriceResponse struct {
	Last string `json:"last"`
	Ask  string `json:"ask"`
	Bid  string `json:"bid"`
}

func (b *bitstamp) Name() string { return "bitstamp" }

func (b *bitstamp) Price(ctx context.Context, fiat string) (float64, error) {
	pair := "btc" + strings.ToLower(fiat)
	url := fmt.Sprintf("%s/api/v2/ticker/%s/", b.baseURL, pair)
	var resp bitstampPriceResponse
	if err := fetchJSON(ctx, b.httpClient, url, &resp); err != nil {
		return 0, fmt.Errorf("bitstamp: %w", err)
	}
	last, err := strconv.ParseFloat(resp.Last, 64)
	if err != nil {
		return 0, fmt.Errorf("bitstamp: invalid price %q: %w", resp.Last, err)
	}
	if last <= 0 {
		return 0, fmt.Errorf("bitstamp: non-positive price %v", last)
	}
	return last, nil
}

// fetchJSON makes an HTTP GET request and decodes the JSON response into target.
func fetchJSON(ctx context.Context, client *http.Client, url string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
