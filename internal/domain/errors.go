package domain

import (
	"errors"
	"fmt"
)

// Error codes are part of the external contract. Callers match on the code,
// never on the message text.
const (
	// Precondition / validation.
	ErrMissingIdempotencyKey    = "MISSING_IDEMPOTENCY_KEY"
	ErrMissingRequiredArtifact  = "MISSING_REQUIRED_ARTIFACTS"
	ErrInvalidDateFormat        = "INVALID_DATE_FORMAT"
	ErrUUIDTimeOrderedRequired  = "UUID_TIME_ORDERED_REQUIRED"
	ErrEventDataBigintForbidden = "EVENT_DATA_BIGINT_FORBIDDEN"
	ErrEventTypeInvalid         = "EVENT_TYPE_INVALID"
	ErrEventEnvelopeInvalid     = "EVENT_ENVELOPE_INVALID"
	ErrClaimIDInvalid           = "CLAIM_ID_INVALID"

	// Business rules.
	ErrInsufficientFunds         = "INSUFFICIENT_FUNDS"
	ErrLIRPCopayForbidden        = "LIRP_COPAY_FORBIDDEN"
	ErrVoucherNotFound           = "VOUCHER_NOT_FOUND"
	ErrVoucherNotValid           = "VOUCHER_NOT_VALID"
	ErrVoucherNotVoidable        = "VOUCHER_NOT_VOIDABLE"
	ErrVoucherAlreadyRedeemed    = "VOUCHER_ALREADY_REDEEMED"
	ErrClinicNotFound            = "CLINIC_NOT_FOUND"
	ErrClinicNotActive           = "CLINIC_NOT_ACTIVE"
	ErrClinicLicenseInvalid      = "CLINIC_LICENSE_INVALID_FOR_SERVICE_DATE"
	ErrGrantPeriodEnded          = "GRANT_PERIOD_ENDED"
	ErrGrantClaimsDeadlinePassed = "GRANT_CLAIMS_DEADLINE_PASSED"
	ErrGrantCycleClosed          = "GRANT_CYCLE_CLOSED"
	ErrPreflightNotPassed        = "PREFLIGHT_NOT_PASSED"
	ErrAuditHoldActive           = "AUDIT_HOLD_ACTIVE"
	ErrBatchNotRendered          = "BATCH_NOT_RENDERED"
	ErrBatchNotSubmitted         = "BATCH_NOT_SUBMITTED"
	ErrBatchAlreadySubmitted     = "BATCH_ALREADY_SUBMITTED"
	ErrBatchAlreadyVoided        = "BATCH_ALREADY_VOIDED"
	ErrNoInvoicesEligible        = "NO_INVOICES_ELIGIBLE_FOR_EXPORT"
	ErrGrantNotFound             = "GRANT_NOT_FOUND"
	ErrClaimNotFound             = "CLAIM_NOT_FOUND"
	ErrInvoiceNotFound           = "INVOICE_NOT_FOUND"
	ErrBatchNotFound             = "BATCH_NOT_FOUND"
	ErrFilingNotFound            = "FILING_NOT_FOUND"
	ErrInvoiceNotSubmittable     = "INVOICE_NOT_SUBMITTABLE"
	ErrClaimNotAdjustable        = "CLAIM_NOT_ADJUSTABLE"
	ErrNoClaimsEligible          = "NO_CLAIMS_ELIGIBLE_FOR_INVOICE"

	// Concurrency.
	ErrOperationInProgress  = "OPERATION_IN_PROGRESS"
	ErrIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"

	// Invariant violations. These indicate a bug or corruption.
	ErrBatchInvariant        = "BATCH_INVARIANT"
	ErrCloseoutInvariant     = "CLOSEOUT_INVARIANT"
	ErrGrantInvariant        = "GRANT_INVARIANT"
	ErrImmutabilityViolation = "IMMUTABILITY_VIOLATION"

	// Transient storage errors. Retried internally before surfacing.
	ErrStorageSerialization = "STORAGE_SERIALIZATION_FAILURE"
	ErrStorageTimeout       = "STORAGE_TIMEOUT"
)

// CodedError tags an error with a stable string code from the taxonomy
// above. Detail is free text for operators and is not part of the contract.
type CodedError struct {
	Code   string
	Detail string
	cause  error
}

func (e *CodedError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func (e *CodedError) Unwrap() error { return e.cause }

// Err builds a CodedError with no detail.
func Err(code string) *CodedError {
	return &CodedError{Code: code}
}

// Errf builds a CodedError with formatted detail.
func Errf(code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a code to an underlying error while preserving the chain.
func WrapErr(code string, cause error) *CodedError {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &CodedError{Code: code, Detail: detail, cause: cause}
}

// CodeOf extracts the taxonomy code from an error chain, or "" when the
// error carries none.
func CodeOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether the error should be retried by the command
// executor. Business and invariant errors are never transient.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrStorageSerialization, ErrStorageTimeout:
		return true
	}
	return false
}

// IsInvariant reports whether the error indicates corruption rather than a
// rejected command. Invariant errors fail fast and must not be retried.
func IsInvariant(err error) bool {
	switch CodeOf(err) {
	case ErrBatchInvariant, ErrCloseoutInvariant, ErrGrantInvariant, ErrImmutabilityViolation:
		return true
	}
	return false
}
