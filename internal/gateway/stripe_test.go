package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

func newTestStripeGateway(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	api := client.New("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	logger, _ := test.NewNullLogger()
	return NewStripeGateway(api, StripeConfig{WebhookSecret: "whsec_test", Timeout: 2 * time.Second}, logger)
}

func paymentIntentJSON(amount int64, status string) string {
	return fmt.Sprintf(`{"id":"pi_123","object":"payment_intent","amount":%d,"currency":"usd","status":%q,"client_secret":"pi_123_secret","metadata":{"course_id":"c-1"}}`, amount, status)
}

func TestStripeGateway_VerifyCharge(t *testing.T) {
	gw := newTestStripeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, paymentIntentJSON(23999, "succeeded"))
	})

	charge, err := gw.VerifyCharge(context.Background(), "pi_123", 23999, map[string]string{"course_id": "c-1"})
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusSucceeded, charge.Status)

	_, err = gw.VerifyCharge(context.Background(), "pi_123", 24000, nil)
	assert.Equal(t, ReasonAmountMismatch, ReasonOf(err))
}

func TestStripeGateway_SplitChargeRejectedLocally(t *testing.T) {
	gw := newTestStripeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call to %s", r.URL.Path)
	})

	_, err := gw.CreateSplitCharge(context.Background(), SplitChargeRequest{
		Amount: 5000, Commission: 5000, Destination: "acct_1", Currency: "usd",
	})
	assert.Equal(t, ReasonInvalidCommission, ReasonOf(err))
}

func TestStripeGateway_CreateTransferSendsIdempotencyKey(t *testing.T) {
	gw := newTestStripeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "xfer_abc", r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"tr_1","object":"transfer","amount":8500,"currency":"usd"}`)
	})

	res, err := gw.CreateTransfer(context.Background(), TransferRequest{
		Amount: 8500, Currency: "usd", Destination: "acct_1", IdempotencyKey: "xfer_abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", res.ID)
}

func TestStripeGateway_ServerErrorIsRetryable(t *testing.T) {
	gw := newTestStripeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"boom"}}`)
	})

	_, err := gw.RetrieveCharge(context.Background(), "pi_123")
	require.Error(t, err)

	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ReasonUnavailable, gwErr.Reason)
	assert.True(t, gwErr.Retryable)
}

func TestStripeGateway_CardErrorIsTerminal(t *testing.T) {
	gw := newTestStripeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`)
	})

	_, err := gw.ConfirmCharge(context.Background(), "pi_123")
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ReasonCardDeclined, gwErr.Reason)
	assert.False(t, gwErr.Retryable)
}

func TestStripeGateway_ParseWebhookRejectsBadSignature(t *testing.T) {
	gw := newTestStripeGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := gw.ParseWebhook([]byte(`{"id":"evt_1"}`), "t=1,v1=deadbeef")
	assert.Equal(t, ReasonInvalidSignature, ReasonOf(err))
}

func TestStripeGateway_RefundIsIdempotent(t *testing.T) {
	gw := newTestStripeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"Charge pi_123 has already been refunded."}}`)
	})

	refundID, err := gw.Refund(context.Background(), "pi_123", 23999, "discount exhausted")
	require.NoError(t, err)
	assert.Empty(t, refundID)
}
