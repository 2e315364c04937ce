package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want Class
	}{
		{ErrCodeInvalidMSISDN, ClassClient},
		{ErrCodeAmountOutOfRange, ClassClient},
		{ErrCodeStaleVersion, ClassConflict},
		{ErrCodeDuplicatePaymentHash, ClassConflict},
		{ErrCodeRateUnavailable, ClassUpstreamTransient},
		{ErrCodeDarajaUnavailable, ClassUpstreamTransient},
		{ErrCodeDarajaRejected, ClassUpstreamPermanent},
		{ErrCodeInsufficientFloat, ClassUpstreamPermanent},
		{ErrCodeIllegalTransition, ClassInvariant},
		{ErrCodeRiskBlocked, ClassRiskBlocked},
	}
	for _, tc := range cases {
		if got := tc.code.Classify(); got != tc.want {
			t.Errorf("Classify(%s) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !ErrCodeUpstreamTimeout.IsRetryable() {
		t.Error("upstream timeout should be retryable")
	}
	if !ErrCodeStaleVersion.IsRetryable() {
		t.Error("stale version should be retryable (once)")
	}
	if ErrCodeDarajaRejected.IsRetryable() {
		t.Error("permanent Daraja rejection must not be retryable")
	}
	if ErrCodeRiskBlocked.IsRetryable() {
		t.Error("risk block must not be retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeInvalidInput:            http.StatusBadRequest,
		ErrCodeDuplicateIdempotencyKey: http.StatusConflict,
		ErrCodeRateUnavailable:         http.StatusUnprocessableEntity,
		ErrCodeRateLimited:             http.StatusTooManyRequests,
		ErrCodeDarajaUnavailable:       http.StatusServiceUnavailable,
		ErrCodeTransactionNotFound:     http.StatusNotFound,
	}
	for code, want := range cases {
		if got := code.HTTPStatus(); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestCodeOfUnwrapsChain(t *testing.T) {
	base := New(ErrCodeInsufficientFloat, "merchant float exhausted")
	wrapped := fmt.Errorf("dispatch b2c: %w", base)

	if got := CodeOf(wrapped); got != ErrCodeInsufficientFloat {
		t.Errorf("CodeOf = %s, want insufficient_float", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeInternalError {
		t.Errorf("CodeOf(plain) = %s, want internal_error", got)
	}
}
