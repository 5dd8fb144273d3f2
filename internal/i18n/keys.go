// internal/i18n/keys.go
package i18n

// Translation keys constants
const (
	// Common
	KeySuccess = "success"
	KeyError   = "error"

	// Authentication
	KeyAuthRequired      = "auth.required"
	KeyAuthInvalidToken  = "auth.invalid_token"
	KeyAuthTokenExpired  = "auth.token_expired"
	KeyAdminAccessDenied = "admin.access_denied"

	// Payments
	KeyPaymentSuccess         = "payment.success"
	KeyPaymentPending         = "payment.pending"
	KeyPaymentManualSubmitted = "payment.manual_submitted"
	KeyPaymentApproved        = "payment.approved"
	KeyPaymentRejected        = "payment.rejected"
	KeyPaymentRefunded        = "payment.refunded"

	// Settlement
	KeyTransferCompleted = "transfer.completed"
	KeyTransferPending   = "transfer.pending"

	// Webhooks
	KeyWebhookReceived = "webhook.received"

	// Validation
	KeyValidationRequired = "validation.required"
	KeyValidationInvalid  = "validation.invalid"

	// File Upload
	KeyFileRequired = "file.required"

	// Rate limiting
	KeyRateLimited = "rate.limited"
)

// ErrorKey is the translation key for an application error code.
func ErrorKey(code string) string {
	return "error." + code
}
