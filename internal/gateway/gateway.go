// internal/gateway/gateway.go
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ChargeStatus is the provider independent lifecycle state of a charge.
type ChargeStatus string

const (
	ChargeStatusRequiresPaymentMethod ChargeStatus = "requires_payment_method"
	ChargeStatusRequiresConfirmation  ChargeStatus = "requires_confirmation"
	ChargeStatusRequiresAction        ChargeStatus = "requires_action"
	ChargeStatusProcessing            ChargeStatus = "processing"
	ChargeStatusRequiresCapture       ChargeStatus = "requires_capture"
	ChargeStatusCanceled              ChargeStatus = "canceled"
	ChargeStatusSucceeded             ChargeStatus = "succeeded"
)

type Charge struct {
	ID              string
	ClientSecret    string
	Status          ChargeStatus
	Amount          int64
	Currency        string
	Metadata        map[string]string
	PaymentMethodID string
	Destination     string
	ApplicationFee  int64
}

type ChargeRequest struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

type SplitChargeRequest struct {
	Amount      int64
	Destination string
	Commission  int64
	Currency    string
	Metadata    map[string]string
}

type TransferRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	IdempotencyKey string
	Metadata       map[string]string
}

type TransferResult struct {
	ID string
}

type EventType string

const (
	EventSucceeded      EventType = "succeeded"
	EventPaymentFailed  EventType = "payment_failed"
	EventCanceled       EventType = "canceled"
	EventRefunded       EventType = "refunded"
	EventDisputeCreated EventType = "dispute_created"
	EventIgnored        EventType = "ignored"
)

// Event is a verified webhook delivery reduced to what settlement needs.
type Event struct {
	ID        string
	Type      EventType
	RawType   string
	ChargeRef string
	Payload   map[string]interface{}
}

// Gateway is the payment processor as seen by the settlement core.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	CreateSplitCharge(ctx context.Context, req SplitChargeRequest) (*Charge, error)
	RetrieveCharge(ctx context.Context, ref string) (*Charge, error)
	AttachPaymentMethod(ctx context.Context, ref, paymentMethodID string) (*Charge, error)
	ConfirmCharge(ctx context.Context, ref string) (*Charge, error)
	VerifyCharge(ctx context.Context, ref string, expectedAmount int64, expectedMetadata map[string]string) (*Charge, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	// Refund returns an empty id when the charge was already refunded.
	Refund(ctx context.Context, ref string, amount int64, reason string) (string, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

type Reason string

const (
	ReasonStatusMismatch    Reason = "status_mismatch"
	ReasonAmountMismatch    Reason = "amount_mismatch"
	ReasonMetadataMismatch  Reason = "metadata_mismatch"
	ReasonInvalidCommission Reason = "invalid_commission"
	ReasonNoDestination     Reason = "no_destination"
	ReasonInvalidRequest    Reason = "invalid_request"
	ReasonCardDeclined      Reason = "card_declined"
	ReasonUnavailable       Reason = "unavailable"
	ReasonUnknownOutcome    Reason = "unknown_outcome"
	ReasonInvalidSignature  Reason = "invalid_signature"
)

// Error classifies a gateway failure. Provider specific codes stay in Err.
type Error struct {
	Reason    Reason
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message}
}

// ReasonOf returns the classification of err or "" when err did not come
// from the gateway.
func ReasonOf(err error) Reason {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Reason
	}
	return ""
}

// CheckCharge runs the three verification checks in order: terminal
// success, exact amount in minor units, exact metadata values.
func CheckCharge(charge *Charge, expectedAmount int64, expectedMetadata map[string]string) error {
	if charge.Status != ChargeStatusSucceeded {
		return &Error{
			Reason:  ReasonStatusMismatch,
			Message: fmt.Sprintf("charge %s is %s, expected %s", charge.ID, charge.Status, ChargeStatusSucceeded),
		}
	}

	if charge.Amount != expectedAmount {
		return &Error{
			Reason:  ReasonAmountMismatch,
			Message: fmt.Sprintf("charge %s amount %d does not match expected %d", charge.ID, charge.Amount, expectedAmount),
		}
	}

	for key, want := range expectedMetadata {
		got, ok := charge.Metadata[key]
		if !ok || got != want {
			return &Error{
				Reason:  ReasonMetadataMismatch,
				Message: fmt.Sprintf("charge %s metadata %q does not match", charge.ID, key),
			}
		}
	}

	return nil
}

// ValidateSplit rejects split charges the processor must never see.
func ValidateSplit(req SplitChargeRequest) error {
	if req.Destination == "" {
		return NewError(ReasonNoDestination, "split charge requires a destination account")
	}
	if req.Amount <= 0 {
		return NewError(ReasonInvalidRequest, "amount must be positive")
	}
	if req.Commission < 0 || req.Commission >= req.Amount {
		return NewError(ReasonInvalidCommission,
			fmt.Sprintf("commission %d must be non-negative and less than amount %d", req.Commission, req.Amount))
	}
	return nil
}
