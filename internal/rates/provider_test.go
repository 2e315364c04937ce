package rates

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sokopesa/bridge/internal/config"
)

type stubFeed struct {
	mu    sync.Mutex
	name  string
	price float64
	err   error
}

func (s *stubFeed) Name() string { return s.name }

func (s *stubFeed) Price(ctx context.Context, fiat string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, s.err
}

func (s *stubFeed) set(price float64, err error) {
	s.mu.Lock()
	s.price = price
	s.err = err
	s.mu.Unlock()
}

func testRatesConfig() config.RatesConfig {
	return config.RatesConfig{
		PollInterval: config.Duration{Duration: 10 * time.Second},
		FeedTimeout:  config.Duration{Duration: 5 * time.Second},
		MaxStaleness: config.Duration{Duration: 60 * time.Second},
		QuoteTTL:     config.Duration{Duration: 60 * time.Second},
		Spread:       0.005,
	}
}

func TestTrimmedMeanDropsExtremes(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
	}{
		{"three values drops extremes", []float64{4_900_000, 5_000_000, 5_300_000}, 5_000_000},
		{"two values plain mean", []float64{5_000_000, 5_100_000}, 5_050_000},
		{"four values drops one each side", []float64{1, 10, 20, 1000}, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trimmedMean(tt.prices); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("trimmedMean(%v) = %v, want %v", tt.prices, got, tt.want)
			}
		})
	}
}

func TestCurrentAppliesSpread(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	feeds := []Feed{
		&stubFeed{name: "coinbase", price: 5_000_000},
		&stubFeed{name: "coingecko", price: 5_000_000},
		&stubFeed{name: "bitstamp", price: 5_000_000},
	}
	p := NewProvider(feeds, testRatesConfig(), nil).WithClock(func() time.Time { return now })
	p.poll(ctx)

	q, err := p.Current(ctx, "BTC/KES")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	want := 5_000_000 * 1.005
	if math.Abs(q.Rate-want) > 1e-6 {
		t.Errorf("rate = %v, want %v", q.Rate, want)
	}
	if q.Mid != 5_000_000 {
		t.Errorf("mid = %v, want 5000000", q.Mid)
	}
	if q.Source != "bitstamp,coinbase,coingecko" {
		t.Errorf("source = %q", q.Source)
	}
	if got := q.ValidUntil.Sub(q.ValidFrom); got != 60*time.Second {
		t.Errorf("validity window = %v, want 60s", got)
	}
}

func TestPollIgnoresFailedFeed(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	bad := &stubFeed{name: "bitstamp", err: errors.New("status 502")}
	feeds := []Feed{
		&stubFeed{name: "coinbase", price: 5_000_000},
		&stubFeed{name: "coingecko", price: 5_100_000},
		bad,
	}
	p := NewProvider(feeds, testRatesConfig(), nil).WithClock(func() time.Time { return now })
	p.poll(ctx)

	q, err := p.Current(ctx, "BTC/KES")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if q.Mid != 5_050_000 {
		t.Errorf("mid = %v, want plain mean of two survivors", q.Mid)
	}
}

func TestSingleSuccessKeepsLastQuote(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	a := &stubFeed{name: "coinbase", price: 5_000_000}
	b := &stubFeed{name: "coingecko", price: 5_000_000}
	p := NewProvider([]Feed{a, b}, testRatesConfig(), nil).WithClock(func() time.Time { return now })
	p.poll(ctx)

	// One feed dies. The next poll must not clobber the cached quote.
	b.set(0, errors.New("timeout"))
	now = now.Add(10 * time.Second)
	p.poll(ctx)

	q, err := p.Current(ctx, "BTC/KES")
	if err != nil {
		t.Fatalf("Current after degraded poll: %v", err)
	}
	if q.Mid != 5_000_000 {
		t.Errorf("mid = %v, want the previously cached value", q.Mid)
	}
}

func TestCurrentGoesStale(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	feeds := []Feed{
		&stubFeed{name: "coinbase", price: 5_000_000},
		&stubFeed{name: "coingecko", price: 5_000_000},
	}
	p := NewProvider(feeds, testRatesConfig(), nil).WithClock(func() time.Time { return now })
	p.poll(ctx)

	now = now.Add(45 * time.Second)
	if _, err := p.Current(ctx, "BTC/KES"); err != nil {
		t.Fatalf("quote should still serve within staleness budget: %v", err)
	}

	now = now.Add(30 * time.Second)
	if _, err := p.Current(ctx, "BTC/KES"); !errors.Is(err, ErrStaleRate) {
		t.Errorf("err = %v, want ErrStaleRate past 60s", err)
	}
}

func TestCurrentBeforeFirstPoll(t *testing.T) {
	p := NewProvider(nil, testRatesConfig(), nil)
	if _, err := p.Current(context.Background(), "BTC/KES"); !errors.Is(err, ErrStaleRate) {
		t.Errorf("err = %v, want ErrStaleRate with no data", err)
	}
}

func TestCurrentRejectsUnknownPair(t *testing.T) {
	p := NewProvider(nil, testRatesConfig(), nil)
	if _, err := p.Current(context.Background(), "ETH/KES"); err == nil {
		t.Error("expected error for unsupported pair")
	}
}
