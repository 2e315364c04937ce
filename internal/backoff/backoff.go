package backoff

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	bridgeerrors "github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/logger"
)

// Policy defines retry behavior for outbound side effects.
type Policy struct {
	Base        time.Duration // first delay
	Factor      float64       // multiplier per attempt
	Jitter      float64       // fraction of delay randomised both ways
	Cap         time.Duration // max delay
	MaxAttempts int           // total attempts including the first
}

// Default matches the orchestrator's side-effect policy: 200ms base, x2,
// +/-20% jitter, 30s cap, 5 attempts.
func Default() Policy {
	return Policy{
		Base:        200 * time.Millisecond,
		Factor:      2,
		Jitter:      0.2,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Invoice matches the Lightning invoice creation policy: 100ms base, x2,
// 5s cap, 5 attempts, no jitter.
func Invoice() Policy {
	return Policy{
		Base:        100 * time.Millisecond,
		Factor:      2,
		Cap:         5 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the sleep before attempt n (0-based; attempt 0 has no delay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			break
		}
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		// Spread in [d*(1-j), d*(1+j)].
		d = d * (1 - p.Jitter + 2*p.Jitter*rand.Float64())
	}
	return time.Duration(d)
}

// Retry runs op with the policy, stopping early on context cancellation or a
// non-retryable error. Deadline expiry of an individual attempt counts
// against the budget like any other transient failure.
func Retry[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
		}

		result, err = op(ctx)
		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return result, err
		}
		if !IsTransient(err) {
			return result, err
		}

		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("effect", name).
			Int("attempt", attempt+1).
			Int("max_attempts", p.MaxAttempts).
			Msg("backoff.retry")
	}

	return result, err
}

// IsTransient reports whether an error is worth retrying. Code-carrying
// errors route on their class; everything else falls back to message
// heuristics for raw transport failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var coded *bridgeerrors.E
	if errors.As(err, &coded) {
		return coded.Code.Classify() == bridgeerrors.ClassUpstreamTransient
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "network") {
		return true
	}

	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "throttle") {
		return true
	}

	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}

	return false
}
