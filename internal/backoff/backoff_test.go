package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	bridgeerrors "github.com/sokopesa/bridge/internal/errors"
)

func TestDelayGrowthAndCap(t *testing.T) {
	p := Policy{Base: 200 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, MaxAttempts: 5}

	if d := p.Delay(0); d != 0 {
		t.Errorf("Delay(0) = %v, want 0", d)
	}
	if d := p.Delay(1); d != 200*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 200ms", d)
	}
	if d := p.Delay(2); d != 400*time.Millisecond {
		t.Errorf("Delay(2) = %v, want 400ms", d)
	}
	// Far beyond the cap.
	if d := p.Delay(20); d != 30*time.Second {
		t.Errorf("Delay(20) = %v, want cap 30s", d)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Default()
	for i := 0; i < 100; i++ {
		d := p.Delay(3) // nominal 800ms
		lo, hi := 640*time.Millisecond, 960*time.Millisecond
		if d < lo || d > hi {
			t.Fatalf("Delay(3) = %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), Policy{Base: time.Millisecond, Factor: 2, Cap: time.Millisecond, MaxAttempts: 5}, "test",
		func(ctx context.Context) (int, error) {
			calls++
			return 0, bridgeerrors.New(bridgeerrors.ErrCodeDarajaRejected, "terminal result code")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", calls)
	}
}

func TestRetryExhaustsBudgetOnTransient(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), Policy{Base: time.Millisecond, Factor: 2, Cap: time.Millisecond, MaxAttempts: 4}, "test",
		func(ctx context.Context) (int, error) {
			calls++
			return 0, bridgeerrors.New(bridgeerrors.ErrCodeUpstreamTimeout, "timeout")
		})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), Policy{Base: time.Millisecond, Factor: 2, Cap: time.Millisecond, MaxAttempts: 5}, "test",
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("connection refused")
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, Default(), "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if calls > 1 {
		t.Errorf("calls = %d, want at most 1", calls)
	}
}

func TestIsTransientHeuristics(t *testing.T) {
	if !IsTransient(errors.New("dial tcp: connection refused")) {
		t.Error("connection refused should be transient")
	}
	if !IsTransient(errors.New("HTTP 503 service unavailable")) {
		t.Error("503 should be transient")
	}
	if IsTransient(errors.New("invalid msisdn")) {
		t.Error("validation error should not be transient")
	}
}
