// internal/services/ports.go
package services

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/accredit-backend/internal/models"
)

// Catalog is the read side of courses, prices, parties and authorizations.
type Catalog interface {
	GetParty(ctx context.Context, id uuid.UUID) (*models.Party, error)
	GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error)
	GetEffectivePrice(ctx context.Context, courseID, issuerID uuid.UUID, asOf time.Time) (*models.CoursePrice, error)
	GetAuthorization(ctx context.Context, partyID, counterpartyID uuid.UUID) (*models.PartyAuthorization, error)
}

// FileStorage keeps uploaded payment proofs.
type FileStorage interface {
	Store(ctx context.Context, name, contentType string, size int64, r io.Reader) (string, error)
	Delete(ctx context.Context, path string) error
}

type Notifier interface {
	Notify(ctx context.Context, recipientID uuid.UUID, notificationType string, payload map[string]interface{}) error
}

// TransferHandler starts settlement of a completed transaction.
type TransferHandler interface {
	HandleTransfer(ctx context.Context, transactionID uuid.UUID) (*models.Transfer, error)
}

// Notification types
const (
	NotifyPurchaseCompleted      = "purchase_completed"
	NotifySaleCompleted          = "sale_completed"
	NotifyManualPaymentSubmitted = "manual_payment_submitted"
	NotifyManualPaymentRejected  = "manual_payment_rejected"
	NotifyTransactionRefunded    = "transaction_refunded"
	NotifyPurchaseUnfulfilled    = "purchase_unfulfilled"
	NotifyTransferNeedsAccount   = "transfer_needs_payout_account"
	NotifyTransferCompleted      = "transfer_completed"
	NotifyTransferFailed         = "transfer_failed"
)

// notifyBestEffort sends a notification and only logs a failure. Money has
// already moved by the time anyone is notified.
func notifyBestEffort(ctx context.Context, n Notifier, logger logrus.FieldLogger, recipientID uuid.UUID, notificationType string, payload map[string]interface{}) {
	if n == nil || recipientID == uuid.Nil {
		return
	}
	if err := n.Notify(ctx, recipientID, notificationType, payload); err != nil {
		logger.WithFields(logrus.Fields{
			"recipient_id":      recipientID,
			"notification_type": notificationType,
		}).WithError(err).Warn("Failed to send notification")
	}
}
