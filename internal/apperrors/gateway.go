// internal/apperrors/gateway.go
package apperrors

import (
	"errors"

	"github.com/javajoker/accredit-backend/internal/gateway"
)

// FromGateway translates a classified gateway failure into the service
// taxonomy so provider codes never reach API callers.
func FromGateway(err error) *Error {
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		return Internal(err)
	}

	switch gwErr.Reason {
	case gateway.ReasonStatusMismatch:
		return &Error{Kind: KindGateway, Code: CodePaymentNotConfirmed, Message: "payment has not been confirmed by the gateway", Err: err}
	case gateway.ReasonAmountMismatch:
		return &Error{Kind: KindValidation, Code: CodeAmountMismatch, Message: "charged amount does not match the purchase amount", Err: err}
	case gateway.ReasonMetadataMismatch:
		return &Error{Kind: KindValidation, Code: CodeMetadataMismatch, Message: "charge does not belong to this purchase", Err: err}
	case gateway.ReasonInvalidSignature:
		return &Error{Kind: KindValidation, Code: CodeInvalidSignature, Message: "webhook signature verification failed", Err: err}
	case gateway.ReasonCardDeclined:
		return Gateway(CodeGatewayDeclined, "payment was declined", false, err)
	case gateway.ReasonUnavailable:
		return Gateway(CodeGatewayUnavailable, "payment gateway is temporarily unavailable", true, err)
	case gateway.ReasonUnknownOutcome:
		return Gateway(CodeGatewayUnknownOutcome, "payment gateway did not answer in time, retry to re-verify", true, err)
	default:
		return Gateway(CodeGatewayRejected, "payment gateway rejected the request", false, err)
	}
}
