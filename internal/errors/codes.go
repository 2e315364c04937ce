package errors

import "net/http"

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Class buckets every error code into exactly one handling class. Routing
// decisions (retry, fail the transaction, refund) key off the class, never
// off individual codes.
type Class string

const (
	ClassClient            Class = "client"
	ClassConflict          Class = "conflict"
	ClassUpstreamTransient Class = "upstream_transient"
	ClassUpstreamPermanent Class = "upstream_permanent"
	ClassInvariant         Class = "invariant_violation"
	ClassRiskBlocked       Class = "risk_blocked"
)

// Client errors: bad input, limit violations. Surfaced immediately, no state change.
const (
	ErrCodeInvalidInput          ErrorCode = "invalid_input"
	ErrCodeInvalidMSISDN         ErrorCode = "invalid_msisdn"
	ErrCodeInvalidFlow           ErrorCode = "invalid_flow"
	ErrCodeAmountOutOfRange      ErrorCode = "amount_out_of_range"
	ErrCodeMerchantCodeRequired  ErrorCode = "merchant_code_required"
	ErrCodeMerchantCodeForbidden ErrorCode = "merchant_code_forbidden"
	ErrCodeAccountNumberRequired ErrorCode = "account_number_required"
	ErrCodeCancelNotAllowed      ErrorCode = "cancel_not_allowed"
	ErrCodeRateLimited           ErrorCode = "rate_limited"
	ErrCodeUnauthorized          ErrorCode = "unauthorized"
)

// Conflict errors, recovered locally where possible.
const (
	ErrCodeDuplicateIdempotencyKey ErrorCode = "duplicate_idempotency_key"
	ErrCodeDuplicatePaymentHash    ErrorCode = "duplicate_payment_hash"
	ErrCodeStaleVersion            ErrorCode = "stale_version"
)

// Not-found errors.
const (
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"
	ErrCodeReceiptNotFound     ErrorCode = "receipt_not_found"
)

// Upstream transient errors, retried with backoff.
const (
	ErrCodeRateUnavailable      ErrorCode = "rate_unavailable"
	ErrCodeDarajaUnavailable    ErrorCode = "daraja_unavailable"
	ErrCodeLightningUnavailable ErrorCode = "lightning_unavailable"
	ErrCodeUpstreamTimeout      ErrorCode = "upstream_timeout"
)

// Upstream permanent errors: the transaction fails or refunds; never retried.
const (
	ErrCodeDarajaRejected          ErrorCode = "daraja_rejected"
	ErrCodeInvalidRecipient        ErrorCode = "invalid_recipient"
	ErrCodeInsufficientFloat       ErrorCode = "insufficient_float"
	ErrCodeInvoiceCreationFailed   ErrorCode = "invoice_creation_failed"
)

// Invariant violations, logged as critical and fatal to the request only.
const (
	ErrCodeIllegalTransition   ErrorCode = "illegal_transition"
	ErrCodeInvariantViolation  ErrorCode = "invariant_violation"
)

// Risk.
const (
	ErrCodeRiskBlocked ErrorCode = "risk_blocked"
)

// Internal.
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
)

// Classify returns the handling class for a code.
func (e ErrorCode) Classify() Class {
	switch e {
	case ErrCodeDuplicateIdempotencyKey, ErrCodeDuplicatePaymentHash, ErrCodeStaleVersion:
		return ClassConflict
	case ErrCodeRateUnavailable, ErrCodeDarajaUnavailable, ErrCodeLightningUnavailable, ErrCodeUpstreamTimeout:
		return ClassUpstreamTransient
	case ErrCodeDarajaRejected, ErrCodeInvalidRecipient, ErrCodeInsufficientFloat, ErrCodeInvoiceCreationFailed:
		return ClassUpstreamPermanent
	case ErrCodeIllegalTransition, ErrCodeInvariantViolation:
		return ClassInvariant
	case ErrCodeRiskBlocked:
		return ClassRiskBlocked
	default:
		return ClassClient
	}
}

// IsRetryable returns whether the client (or an internal retry loop) should retry.
func (e ErrorCode) IsRetryable() bool {
	switch e.Classify() {
	case ClassUpstreamTransient:
		return true
	case ClassConflict:
		// Stale version is retried exactly once by the orchestrator.
		return e == ErrCodeStaleVersion
	default:
		return false
	}
}

// HTTPStatus maps an error code to the HTTP status returned to clients.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeDuplicateIdempotencyKey, ErrCodeDuplicatePaymentHash, ErrCodeStaleVersion:
		return http.StatusConflict
	case ErrCodeTransactionNotFound, ErrCodeReceiptNotFound:
		return http.StatusNotFound
	case ErrCodeRateUnavailable:
		return http.StatusUnprocessableEntity
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeDarajaUnavailable, ErrCodeLightningUnavailable, ErrCodeUpstreamTimeout:
		return http.StatusServiceUnavailable
	case ErrCodeInternalError, ErrCodeDatabaseError, ErrCodeInvariantViolation, ErrCodeIllegalTransition:
		return http.StatusInternalServerError
	default:
		if e.Classify() == ClassClient {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}
