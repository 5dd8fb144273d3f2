// internal/gateway/stripe.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/javajoker/accredit-backend/internal/metrics"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
	logger        logrus.FieldLogger
}

// NewStripeGateway builds the adapter around an explicit client so tests
// can point it at a fake backend.
func NewStripeGateway(api *client.API, cfg StripeConfig, logger logrus.FieldLogger) *StripeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
		logger:        logger,
	}
}

// NewStripeClient returns a client bound to the live Stripe API.
func NewStripeClient(secretKey string) *client.API {
	return client.New(secretKey, nil)
}

func (g *StripeGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.Amount <= 0 {
		return nil, NewError(ReasonInvalidRequest, "amount must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	timer := prometheus.NewTimer(metrics.GatewayRequestDuration.WithLabelValues("create_charge"))
	pi, err := g.api.PaymentIntents.New(params)
	timer.ObserveDuration()
	if err != nil {
		return nil, g.classify(ctx, "create_charge", err)
	}

	return toCharge(pi), nil
}

func (g *StripeGateway) CreateSplitCharge(ctx context.Context, req SplitChargeRequest) (*Charge, error) {
	if err := ValidateSplit(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(req.Amount),
		Currency:             stripe.String(req.Currency),
		ApplicationFeeAmount: stripe.Int64(req.Commission),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.Destination),
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	timer := prometheus.NewTimer(metrics.GatewayRequestDuration.WithLabelValues("create_split_charge"))
	pi, err := g.api.PaymentIntents.New(params)
	timer.ObserveDuration()
	if err != nil {
		return nil, g.classify(ctx, "create_split_charge", err)
	}

	return toCharge(pi), nil
}

func (g *StripeGateway) RetrieveCharge(ctx context.Context, ref string) (*Charge, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	timer := prometheus.NewTimer(metrics.GatewayRequestDuration.WithLabelValues("retrieve_charge"))
	pi, err := g.api.PaymentIntents.Get(ref, params)
	timer.ObserveDuration()
	if err != nil {
		return nil, g.classify(ctx, "retrieve_charge", err)
	}

	return toCharge(pi), nil
}

func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, ref, paymentMethodID string) (*Charge, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		PaymentMethod: stripe.String(paymentMethodID),
	}
	params.Context = ctx

	timer := prometheus.NewTimer(metrics.GatewayRequestDuration.WithLabelValues("attach_payment_method"))
	pi, err := g.api.PaymentIntents.Update(ref, params)
	timer.ObserveDuration()
	if err != nil {
		return nil, g.classify(ctx, "attach_payment_method", err)
	}

	return toCharge(pi), nil
}

func (g *StripeGateway) ConfirmCharge(ctx context.Context, ref string) (*Charge, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx

	timer := prometheus.NewTimer(metrics.GatewayRequestDuration.WithLabelValues("confirm_charge"))
	pi, err := g.api.PaymentIntents.Confirm(ref, params)
	timer.ObserveDuration()
	if err != nil {
		return nil, g.classify(ctx, "confirm_charge", err)
	}

	return toCharge(pi), nil
}

func (g *StripeGateway) VerifyCharge(ctx context.Context, ref string, expectedAmount int64, expectedMetadata map[string]string) (*Charge, error) {
	charge, err := g.RetrieveCharge(ctx, ref)
	if err != nil {
		return nil, err
	}

	if err := CheckCharge(charge, expectedAmount, expectedMetadata); err != nil {
		metrics.GatewayErrorsTotal.WithLabelValues("verify_charge", string(ReasonOf(err))).Inc()
		return charge, err
	}

	return charge, nil
}

func (g *StripeGateway) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Amount <= 0 {
		return nil, NewError(ReasonInvalidRequest, "transfer amount must be positive")
	}
	if req.Destination == "" {
		return nil, NewError(ReasonNoDestination, "transfer requires a destination account")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	timer := prometheus.NewTimer(metrics.GatewayRequestDuration.WithLabelValues("create_transfer"))
	tr, err := g.api.Transfers.New(params)
	timer.ObserveDuration()
	if err != nil {
		return nil, g.classify(ctx, "create_transfer", err)
	}

	return &TransferResult{ID: tr.ID}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, ref string, amount int64, reason string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
		Reason:        stripe.String("requested_by_customer"),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	params.Context = ctx
	params.AddMetadata("reason", reason)

	timer := prometheus.NewTimer(metrics.GatewayRequestDuration.WithLabelValues("refund"))
	r, err := g.api.Refunds.New(params)
	timer.ObserveDuration()
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
		g.logger.WithField("charge_ref", ref).Info("Charge was already refunded")
		return "", nil
	}
	if err != nil {
		return "", g.classify(ctx, "refund", err)
	}

	return r.ID, nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, &Error{Reason: ReasonInvalidSignature, Message: "webhook signature verification failed", Err: err}
	}

	out := &Event{
		ID:      event.ID,
		RawType: string(event.Type),
		Type:    EventIgnored,
	}
	if event.Data != nil {
		out.Payload = event.Data.Object
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to parse payment intent: %w", err)
		}
		out.ChargeRef = pi.ID
		switch string(event.Type) {
		case "payment_intent.succeeded":
			out.Type = EventSucceeded
		case "payment_intent.payment_failed":
			out.Type = EventPaymentFailed
		default:
			out.Type = EventCanceled
		}

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("failed to parse charge: %w", err)
		}
		if ch.PaymentIntent != nil {
			out.ChargeRef = ch.PaymentIntent.ID
		}
		out.Type = EventRefunded

	case "charge.dispute.created":
		var d stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
			return nil, fmt.Errorf("failed to parse dispute: %w", err)
		}
		if d.PaymentIntent != nil {
			out.ChargeRef = d.PaymentIntent.ID
		}
		out.Type = EventDisputeCreated
	}

	return out, nil
}

// classify turns a stripe failure into an Error. A deadline or network
// timeout means the request may have been applied: the outcome is unknown.
func (g *StripeGateway) classify(ctx context.Context, op string, err error) *Error {
	out := &Error{Reason: ReasonInvalidRequest, Message: op + " failed", Err: err}

	var stripeErr *stripe.Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		out.Reason, out.Retryable = ReasonUnknownOutcome, true
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Reason, out.Retryable = ReasonUnknownOutcome, true
	case errors.As(err, &stripeErr):
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			out.Reason = ReasonCardDeclined
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
			stripeErr.Type == stripe.ErrorTypeAPI:
			out.Reason, out.Retryable = ReasonUnavailable, true
		default:
			out.Reason = ReasonInvalidRequest
		}
		out.Message = stripeErr.Msg
	default:
		// Connection errors never reached the processor.
		out.Reason, out.Retryable = ReasonUnavailable, true
	}

	metrics.GatewayErrorsTotal.WithLabelValues(op, string(out.Reason)).Inc()
	g.logger.WithFields(logrus.Fields{
		"operation": op,
		"reason":    out.Reason,
		"retryable": out.Retryable,
	}).WithError(err).Warn("Payment gateway call failed")

	return out
}

func toCharge(pi *stripe.PaymentIntent) *Charge {
	charge := &Charge{
		ID:             pi.ID,
		ClientSecret:   pi.ClientSecret,
		Status:         ChargeStatus(pi.Status),
		Amount:         pi.Amount,
		Currency:       string(pi.Currency),
		Metadata:       pi.Metadata,
		ApplicationFee: pi.ApplicationFeeAmount,
	}
	if charge.Metadata == nil {
		charge.Metadata = map[string]string{}
	}
	if pi.PaymentMethod != nil {
		charge.PaymentMethodID = pi.PaymentMethod.ID
	}
	if pi.TransferData != nil && pi.TransferData.Destination != nil {
		charge.Destination = pi.TransferData.Destination.ID
	}
	return charge
}
