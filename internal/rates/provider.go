package rates

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/logger"
	"github.com/sokopesa/bridge/internal/metrics"
)

// ErrStaleRate is returned when no feed has produced a usable price within
// the staleness budget. All new quote requests fail while this holds.
var ErrStaleRate = errors.New("rates: stale rate")

// Quote is an ephemeral rate snapshot. Never mutated; copied onto the
// transaction at lock time.
type Quote struct {
	Pair       string    `json:"pair"`
	Rate       float64   `json:"rate"` // after spread
	Mid        float64   `json:"mid"`  // trimmed mean before spread
	Spread     float64   `json:"spread"`
	Source     string    `json:"source"` // comma-joined contributing feeds
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

// Source provides the current BTC/KES quote. The orchestrator depends on
// this interface so tests can pin rates.
type Source interface {
	Current(ctx context.Context, pair string) (Quote, error)
}

// Provider polls the feeds, aggregates with a trimmed mean, and serves
// cached quotes until they go stale.
type Provider struct {
	feeds    []Feed
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      config.RatesConfig
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	lastQuote Quote
	lastAt    time.Time

	stop    chan struct{}
	stopped chan struct{}
	clock   func() time.Time
}

// NewProvider builds a provider over the given feeds. Call Run to start polling.
func NewProvider(feeds []Feed, cfg config.RatesConfig, m *metrics.Metrics) *Provider {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(feeds))
	for _, f := range feeds {
		breakers[f.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "rate_feed_" + f.Name(),
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return &Provider{
		feeds:    feeds,
		breakers: breakers,
		cfg:      cfg,
		metrics:  m,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		clock:    time.Now,
	}
}

// WithClock injects a deterministic clock for tests.
func (p *Provider) WithClock(clock func() time.Time) *Provider {
	p.clock = clock
	return p
}

// Run polls until ctx is cancelled or Close is called. Panic-safe outer loop.
func (p *Provider) Run(ctx context.Context) {
	defer close(p.stopped)

	// Prime immediately so the first quote request after boot can succeed.
	p.poll(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log := logger.FromContext(ctx)
						log.Error().Interface("panic", r).Msg("rates.poll_panic")
					}
				}()
				p.poll(ctx)
			}()
		}
	}
}

// Close stops the polling loop.
func (p *Provider) Close() error {
	close(p.stop)
	<-p.stopped
	return nil
}

type feedResult struct {
	name  string
	price float64
	err   error
}

// poll queries all feeds in parallel under the feed deadline and folds the
// successes into a fresh cached quote. Fewer than two successes leaves the
// previous value in place; staleness is judged at read time.
func (p *Provider) poll(ctx context.Context) {
	deadline, cancel := context.WithTimeout(ctx, p.cfg.FeedTimeout.Duration)
	defer cancel()

	results := make(chan feedResult, len(p.feeds))
	for _, f := range p.feeds {
		go func(f Feed) {
			price, err := p.breakers[f.Name()].Execute(func() (interface{}, error) {
				return f.Price(deadline, "KES")
			})
			if err != nil {
				results <- feedResult{name: f.Name(), err: err}
				return
			}
			results <- feedResult{name: f.Name(), price: price.(float64)}
		}(f)
	}

	var prices []float64
	var sources []string
	log := logger.FromContext(ctx)
	for range p.feeds {
		res := <-results
		if res.err != nil {
			log.Warn().Err(res.err).Str("feed", res.name).Msg("rates.feed_failed")
			if p.metrics != nil {
				p.metrics.RateFeedHealthy.WithLabelValues(res.name).Set(0)
			}
			continue
		}
		if p.metrics != nil {
			p.metrics.RateFeedHealthy.WithLabelValues(res.name).Set(1)
		}
		prices = append(prices, res.price)
		sources = append(sources, res.name)
	}

	if len(prices) < 2 {
		log.Warn().Int("successes", len(prices)).Msg("rates.feed_unhealthy")
		return
	}

	mid := trimmedMean(prices)
	rate := mid * (1 + p.cfg.Spread)
	now := p.clock().UTC()

	sort.Strings(sources)
	quote := Quote{
		Pair:       "BTC/KES",
		Rate:       rate,
		Mid:        mid,
		Spread:     p.cfg.Spread,
		Source:     joinSources(sources),
		ValidFrom:  now,
		ValidUntil: now.Add(p.cfg.QuoteTTL.Duration),
	}

	p.mu.Lock()
	p.lastQuote = quote
	p.lastAt = now
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RateCurrent.Set(rate)
	}
}

// Current returns the cached quote with a fresh validity window, or
// ErrStaleRate once the last successful poll is older than the budget.
func (p *Provider) Current(ctx context.Context, pair string) (Quote, error) {
	if pair != "BTC/KES" {
		return Quote{}, errors.New("rates: unsupported pair " + pair)
	}

	p.mu.RLock()
	quote := p.lastQuote
	lastAt := p.lastAt
	p.mu.RUnlock()

	now := p.clock().UTC()
	if lastAt.IsZero() || now.Sub(lastAt) > p.cfg.MaxStaleness.Duration {
		return Quote{}, ErrStaleRate
	}

	// Re-stamp validity relative to the read, never beyond staleness.
	quote.ValidFrom = now
	quote.ValidUntil = now.Add(p.cfg.QuoteTTL.Duration)
	return quote, nil
}

// trimmedMean drops the extremes when three or more prices agree to vote,
// and averages otherwise.
func trimmedMean(prices []float64) float64 {
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	if len(sorted) >= 3 {
		sorted = sorted[1 : len(sorted)-1]
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

func joinSources(sources []string) string {
	out := ""
	for i, s := range sources {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
