// internal/apperrors/errors.go
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindState      Kind = "state"
	KindGateway    Kind = "gateway"
	KindInternal   Kind = "internal"
)

// Machine readable error codes returned to API callers.
const (
	CodeValidation             = "validation_error"
	CodePricingNotFound        = "pricing_not_found"
	CodePricingNotEffective    = "pricing_not_effective"
	CodeDiscountInvalid        = "discount_invalid"
	CodeAmountNotChargeable    = "amount_not_chargeable"
	CodeIssuerInactive         = "issuer_inactive"
	CodeCourseNotFound         = "course_not_found"
	CodeNotAuthorized          = "not_authorized"
	CodeTransactionNotFound    = "transaction_not_found"
	CodeTransferNotFound       = "transfer_not_found"
	CodePaymentMethodRequired  = "payment_method_required"
	CodePaymentRequiresAction  = "payment_requires_action"
	CodePaymentProcessing      = "payment_processing"
	CodePaymentCanceled        = "payment_canceled"
	CodePaymentNotConfirmed    = "payment_not_confirmed"
	CodeAmountMismatch         = "amount_mismatch"
	CodeMetadataMismatch       = "metadata_mismatch"
	CodeChargeMismatch         = "charge_mismatch"
	CodePurchaseRefunded       = "purchase_refunded"
	CodeProofRequired          = "proof_required"
	CodeInvalidTransition      = "invalid_state_transition"
	CodeTransactionNotComplete = "transaction_not_completed"
	CodeTransferNotRequired    = "transfer_not_required"
	CodeTransferCompleted      = "transfer_already_completed"
	CodeInvalidTransferAmount  = "invalid_transfer_amount"
	CodeTransferNotRetryable   = "transfer_not_retryable"
	CodeTransferExhausted      = "transfer_retry_exhausted"
	CodeInvalidSignature       = "invalid_signature"
	CodeEventInFlight          = "event_in_flight"
	CodeGatewayDeclined        = "gateway_declined"
	CodeGatewayUnavailable     = "gateway_unavailable"
	CodeGatewayUnknownOutcome  = "gateway_unknown_outcome"
	CodeGatewayRejected        = "gateway_rejected"
	CodeInternal               = "internal_error"
)

// Error is the single error type crossing the service boundary.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Details   map[string]interface{}
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code so callers can write errors.Is(err, &Error{Code: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns the error with one more detail key.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// LogFields exposes the error as structured log fields.
func (e *Error) LogFields() map[string]interface{} {
	fields := map[string]interface{}{
		"error_kind": string(e.Kind),
		"error_code": e.Code,
		"retryable":  e.Retryable,
	}
	for k, v := range e.Details {
		fields["detail_"+k] = v
	}
	if e.Err != nil {
		fields["cause"] = e.Err.Error()
	}
	return fields
}

func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func State(code, message string) *Error {
	return &Error{Kind: KindState, Code: code, Message: message}
}

func RetryableState(code, message string) *Error {
	return &Error{Kind: KindState, Code: code, Message: message, Retryable: true}
}

func Gateway(code, message string, retryable bool, err error) *Error {
	return &Error{Kind: KindGateway, Code: code, Message: message, Retryable: retryable, Err: err}
}

// Internal wraps an unexpected failure. The message shown to callers is
// always generic; the cause stays in Err for logging.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal server error", Err: err}
}

// As returns the *Error in err's chain, or an internal error wrapping err.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return As(err).Code
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return As(err).Kind
}
