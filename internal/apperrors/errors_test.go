package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/javajoker/accredit-backend/internal/gateway"
)

func TestAsWrapsUnknownErrorsAsInternal(t *testing.T) {
	err := As(errors.New("connection reset"))
	assert.Equal(t, KindInternal, err.Kind)
	assert.Equal(t, CodeInternal, err.Code)
	assert.Equal(t, "internal server error", err.Message)
}

func TestCodeOfFindsWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("purchase: %w", State(CodePricingNotFound, "no price"))
	assert.Equal(t, CodePricingNotFound, CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Code: CodePricingNotFound}))
	assert.False(t, errors.Is(wrapped, &Error{Code: CodeDiscountInvalid}))
}

func TestFromGateway(t *testing.T) {
	tests := []struct {
		reason    gateway.Reason
		retryable bool
		code      string
		kind      Kind
	}{
		{gateway.ReasonStatusMismatch, false, CodePaymentNotConfirmed, KindGateway},
		{gateway.ReasonAmountMismatch, false, CodeAmountMismatch, KindValidation},
		{gateway.ReasonMetadataMismatch, false, CodeMetadataMismatch, KindValidation},
		{gateway.ReasonUnavailable, true, CodeGatewayUnavailable, KindGateway},
		{gateway.ReasonUnknownOutcome, true, CodeGatewayUnknownOutcome, KindGateway},
		{gateway.ReasonCardDeclined, false, CodeGatewayDeclined, KindGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			err := FromGateway(&gateway.Error{Reason: tt.reason, Retryable: tt.retryable})
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}
