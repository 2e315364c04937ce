// Package risk scores transactions against velocity, amount, geography and
// device signals before any M-Pesa money moves. Scoring happens after
// Lightning settlement so probing the function costs the attacker sats.
package risk

import (
	"fmt"
	"regexp"
	"time"

	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/metrics"
	"github.com/sokopesa/bridge/internal/money"
)

// Decision is the outcome of scoring.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionFlag  Decision = "FLAG"
	DecisionBlock Decision = "BLOCK"
)

// Decision thresholds. Between monitor and flag the transaction proceeds
// but is marked for monitoring in the assessment.
const (
	monitorThreshold = 0.2
	flagThreshold    = 0.7
	blockThreshold   = 0.8
)

var botPattern = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|curl|wget`)

// Input is the risk-relevant slice of a transaction.
type Input struct {
	TxID      string
	Flow      money.Flow
	AmountKES money.KES
	MSISDN    string
	SourceIP  string
	UserAgent string
}

// Assessment is the scoring result. Factors name every signal that fired.
type Assessment struct {
	Score    float64
	Factors  []string
	Decision Decision
	Monitor  bool
}

// Engine holds the sliding windows behind the velocity signals.
type Engine struct {
	cfg       config.RiskConfig
	metrics   *metrics.Metrics
	highRisk  map[string]struct{}
	ipHourly  *slidingWindow // tx count per source IP, 1 h
	msisdnDay *slidingWindow // tx count per recipient, 24 h
	ipDaily   *slidingWindow // KES sum per source IP, 24 h

	stop    chan struct{}
	stopped chan struct{}
	clock   func() time.Time
}

// NewEngine builds the engine and starts its window sweeper.
func NewEngine(cfg config.RiskConfig, m *metrics.Metrics) *Engine {
	clock := time.Now
	e := &Engine{
		cfg:      cfg,
		metrics:  m,
		highRisk: make(map[string]struct{}, len(cfg.HighRiskCountries)),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		clock:    clock,
	}
	for _, c := range cfg.HighRiskCountries {
		e.highRisk[c] = struct{}{}
	}
	e.ipHourly = newSlidingWindow(time.Hour, e.now)
	e.msisdnDay = newSlidingWindow(24*time.Hour, e.now)
	e.ipDaily = newSlidingWindow(24*time.Hour, e.now)
	go e.sweep()
	return e
}

// WithClock injects a deterministic clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) now() time.Time { return e.clock() }

// Record adds a transaction to the velocity windows. Called once at
// creation; scoring later reads the accumulated history.
func (e *Engine) Record(in Input) {
	if in.SourceIP != "" {
		e.ipHourly.add(in.SourceIP, 0)
		e.ipDaily.add(in.SourceIP, int64(in.AmountKES))
	}
	if in.MSISDN != "" {
		e.msisdnDay.add(in.MSISDN, 0)
	}
}

// Score evaluates all signals for a recorded transaction. Signals are
// additive and the total is clamped to 1.0.
func (e *Engine) Score(in Input) Assessment {
	var score float64
	var factors []string
	add := func(weight float64, factor string) {
		score += weight
		factors = append(factors, factor)
	}

	if schedule, ok := money.ScheduleFor(in.Flow); ok {
		switch {
		case in.AmountKES > schedule.MaxAmount:
			add(0.40, "amount_over_cap")
		case float64(in.AmountKES) > 0.9*float64(schedule.MaxAmount):
			add(0.10, "amount_near_cap")
		}
	}

	if roundNumber(in.AmountKES) {
		add(0.20, "round_number")
	}

	if in.SourceIP != "" {
		if e.ipHourly.count(in.SourceIP) >= 5 {
			add(0.30, "ip_velocity")
		}
		if e.ipDaily.sum(in.SourceIP) > e.cfg.DailyLimitKES {
			add(0.40, "ip_daily_limit")
		}
	}

	if in.MSISDN != "" {
		if e.msisdnDay.count(in.MSISDN) >= 3 {
			add(0.20, "msisdn_velocity")
		}
		if _, ok := e.highRisk[money.MSISDNCountry(in.MSISDN)]; ok {
			add(0.30, "high_risk_country")
		}
	}

	if in.UserAgent != "" && botPattern.MatchString(in.UserAgent) {
		add(0.20, "bot_user_agent")
	}

	if score > 1.0 {
		score = 1.0
	}

	decision := DecisionAllow
	monitor := false
	switch {
	case score >= blockThreshold:
		decision = DecisionBlock
	case score >= flagThreshold:
		decision = DecisionFlag
	case score >= monitorThreshold:
		monitor = true
	}

	if e.metrics != nil {
		e.metrics.RiskDecisions.WithLabelValues(string(decision)).Inc()
		e.metrics.RiskScore.Observe(score)
	}
	return Assessment{Score: score, Factors: factors, Decision: decision, Monitor: monitor}
}

// roundNumber flags large structuring-suspect amounts: at least 100,000 KES
// and a whole multiple of 1,000 shillings.
func roundNumber(amount money.KES) bool {
	sh := amount.Shillings()
	return sh >= 100_000 && int64(amount)%100 == 0 && sh%1_000 == 0
}

func (e *Engine) sweep() {
	defer close(e.stopped)
	period := e.cfg.WindowSweepPeriod.Duration
	if period <= 0 {
		period = 10 * time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.ipHourly.sweep()
			e.msisdnDay.sweep()
			e.ipDaily.sweep()
		}
	}
}

func (e *Engine) Close() error {
	close(e.stop)
	<-e.stopped
	return nil
}

// String renders an assessment for event payloads and logs.
func (a Assessment) String() string {
	return fmt.Sprintf("score=%.2f decision=%s factors=%v", a.Score, a.Decision, a.Factors)
}
