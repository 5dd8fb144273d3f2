// internal/services/webhook_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/accredit-backend/internal/apperrors"
	"github.com/javajoker/accredit-backend/internal/gateway"
	"github.com/javajoker/accredit-backend/internal/metrics"
	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/repository"
)

const webhookProvider = "stripe"

// Webhook processing results
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookUnmatched = "unmatched"
	WebhookFailed    = "failed"
)

// WebhookService applies gateway events to transactions. Deliveries are at
// least once and may arrive out of order; every transition is a compare and
// set on status so repeats are no-ops.
type WebhookService struct {
	store     repository.Store
	gateway   gateway.Gateway
	purchases *PurchaseService
	guard     EventGuard
	logger    logrus.FieldLogger
}

func NewWebhookService(store repository.Store, gw gateway.Gateway, purchases *PurchaseService, guard EventGuard, logger logrus.FieldLogger) *WebhookService {
	return &WebhookService{
		store:     store,
		gateway:   gw,
		purchases: purchases,
		guard:     guard,
		logger:    logger,
	}
}

// HandleRequest verifies the signature before anything in the payload is
// trusted.
func (s *WebhookService) HandleRequest(ctx context.Context, payload []byte, signature string) (string, error) {
	event, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		if gateway.ReasonOf(err) == gateway.ReasonInvalidSignature {
			s.logger.WithError(err).Warn("Rejected webhook with invalid signature")
			return "", apperrors.FromGateway(err)
		}
		s.logger.WithError(err).Error("Failed to parse webhook payload")
		return "", apperrors.Validation(apperrors.CodeValidation, "malformed webhook payload")
	}
	return s.Handle(ctx, event)
}

func (s *WebhookService) Handle(ctx context.Context, event *gateway.Event) (string, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.RawType,
		"charge_ref": event.ChargeRef,
	})

	if s.guard != nil {
		acquired, err := s.guard.Acquire(ctx, event.ID)
		switch {
		case err != nil:
			// The database still deduplicates; carry on without the lock.
			logger.WithError(err).Warn("Event guard unavailable")
		case !acquired:
			metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "in_flight").Inc()
			return "", apperrors.RetryableState(apperrors.CodeEventInFlight, "event is being processed by another delivery")
		default:
			defer func() {
				if err := s.guard.Release(context.Background(), event.ID); err != nil {
					logger.WithError(err).Warn("Failed to release event guard")
				}
			}()
		}
	}

	var (
		result    string
		completed *models.Transaction
		batch     *models.CodeBatch
	)
	err := s.store.Do(ctx, func(tx repository.Tx) error {
		result, completed, batch = "", nil, nil

		record := eventRecord(event)
		inserted, err := tx.WebhookEvents().Record(ctx, record)
		if err != nil {
			return fmt.Errorf("failed to record webhook event: %w", err)
		}
		if !inserted {
			result = WebhookDuplicate
			return nil
		}

		var outcome string
		result, outcome, completed, batch, err = s.apply(ctx, tx, event, logger)
		if err != nil {
			return err
		}
		return tx.WebhookEvents().MarkProcessed(ctx, record.ID, outcome)
	})
	if err != nil && event.Type == gateway.EventSucceeded && unfulfillable(err) {
		result, err = s.compensate(ctx, event, err, logger)
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), WebhookFailed).Inc()
		appErr := apperrors.As(err)
		logger.WithFields(logrus.Fields(appErr.LogFields())).WithError(err).Error("Failed to process webhook event")
		return "", appErr
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), result).Inc()
	logger.WithField("result", result).Info("Webhook event handled")

	if completed != nil {
		s.purchases.AfterFulfill(ctx, completed, batch)
	}
	return result, nil
}

// compensate refunds a charge whose success event could not be applied
// because the purchase can no longer be fulfilled, then records the event
// so redeliveries are duplicates. A failed refund is returned so the
// gateway redelivers and the refund is tried again.
func (s *WebhookService) compensate(ctx context.Context, event *gateway.Event, cause error, logger logrus.FieldLogger) (string, error) {
	txn, err := s.store.Transactions().GetByChargeRef(ctx, event.ChargeRef)
	if err != nil {
		return "", fmt.Errorf("failed to load transaction: %w", err)
	}
	if _, err := s.purchases.compensate(ctx, txn, true, cause); err != nil {
		return "", err
	}

	err = s.store.Do(ctx, func(tx repository.Tx) error {
		record := eventRecord(event)
		inserted, err := tx.WebhookEvents().Record(ctx, record)
		if err != nil || !inserted {
			return err
		}
		return tx.WebhookEvents().MarkProcessed(ctx, record.ID, "refunded: "+apperrors.CodeOf(cause))
	})
	if err != nil {
		return "", fmt.Errorf("failed to record webhook event: %w", err)
	}

	logger.WithField("transaction_id", txn.ID).Warn("Charge refunded, purchase could not be fulfilled")
	return WebhookProcessed, nil
}

func eventRecord(event *gateway.Event) *models.WebhookEvent {
	return &models.WebhookEvent{
		Provider:  webhookProvider,
		EventID:   event.ID,
		EventType: event.RawType,
		ChargeRef: event.ChargeRef,
		Payload:   models.JSONB(event.Payload),
	}
}

// apply runs inside the event's unit of work. The returned outcome is
// stored on the event record; an empty outcome means applied cleanly.
func (s *WebhookService) apply(ctx context.Context, tx repository.Tx, event *gateway.Event, logger logrus.FieldLogger) (string, string, *models.Transaction, *models.CodeBatch, error) {
	if event.Type == gateway.EventIgnored || event.ChargeRef == "" {
		return WebhookIgnored, "", nil, nil, nil
	}

	txn, err := tx.Transactions().GetByChargeRef(ctx, event.ChargeRef)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("Webhook event for unknown charge discarded")
		return WebhookUnmatched, "no transaction for charge", nil, nil, nil
	}
	if err != nil {
		return "", "", nil, nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	switch event.Type {
	case gateway.EventSucceeded:
		if txn.Status != models.TransactionStatusPending && txn.Status != models.TransactionStatusFailed {
			return WebhookProcessed, "", nil, nil, nil
		}
		completed, batch, newly, err := s.purchases.FulfillInTx(ctx, tx, txn, nil)
		if err != nil {
			return "", "", nil, nil, err
		}
		if !newly {
			return WebhookProcessed, "", nil, nil, nil
		}
		return WebhookProcessed, "", completed, batch, nil

	case gateway.EventPaymentFailed, gateway.EventCanceled:
		_, err := tx.Transactions().Transition(ctx, txn.ID,
			[]models.TransactionStatus{models.TransactionStatusPending},
			repository.TransactionChange{To: models.TransactionStatusFailed, At: time.Now(), Reason: string(event.Type)})
		if err != nil {
			return "", "", nil, nil, fmt.Errorf("failed to fail transaction: %w", err)
		}
		return WebhookProcessed, "", nil, nil, nil

	case gateway.EventRefunded:
		// A refund can overtake the success event. Refunding a pending
		// purchase closes it so the late success cannot fulfill it.
		refunded, err := tx.Transactions().Transition(ctx, txn.ID,
			[]models.TransactionStatus{
				models.TransactionStatusPending,
				models.TransactionStatusFailed,
				models.TransactionStatusCompleted,
			},
			repository.TransactionChange{To: models.TransactionStatusRefunded, At: time.Now(), Reason: "refunded at gateway"})
		if err != nil {
			return "", "", nil, nil, fmt.Errorf("failed to refund transaction: %w", err)
		}
		if refunded && txn.Status != models.TransactionStatusCompleted {
			logger.WithFields(logrus.Fields{
				"transaction_id": txn.ID,
				"previous":       txn.Status,
			}).Warn("Refund arrived before the purchase was fulfilled")
			return WebhookProcessed, "refunded before fulfillment", nil, nil, nil
		}
		return WebhookProcessed, "", nil, nil, nil

	case gateway.EventDisputeCreated:
		logger.WithField("transaction_id", txn.ID).Warn("Dispute opened on transaction")
		return WebhookProcessed, "", nil, nil, nil
	}

	return WebhookIgnored, "", nil, nil, nil
}
