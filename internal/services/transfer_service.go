// internal/services/transfer_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/accredit-backend/internal/apperrors"
	"github.com/javajoker/accredit-backend/internal/config"
	"github.com/javajoker/accredit-backend/internal/gateway"
	"github.com/javajoker/accredit-backend/internal/metrics"
	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/repository"
	"github.com/javajoker/accredit-backend/internal/utils"
)

const noPayoutAccountMessage = "payee has no payout account configured"

// TransferService pays the provider share of non-split transactions out to
// the payee's connected account.
type TransferService struct {
	store    repository.Store
	catalog  Catalog
	gateway  gateway.Gateway
	notifier Notifier
	config   *config.Config
	logger   logrus.FieldLogger
}

type RetrySummary struct {
	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func NewTransferService(store repository.Store, catalog Catalog, gw gateway.Gateway, notifier Notifier, cfg *config.Config, logger logrus.FieldLogger) *TransferService {
	return &TransferService{
		store:    store,
		catalog:  catalog,
		gateway:  gw,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
	}
}

// HandleTransfer settles a completed non-split transaction. A payee without
// a payout account gets a pending transfer carrying an error message and
// the operator is told; that is not a failure.
func (s *TransferService) HandleTransfer(ctx context.Context, transactionID uuid.UUID) (*models.Transfer, error) {
	txn, err := s.store.Transactions().GetByID(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.State(apperrors.CodeTransactionNotFound, "transaction not found")
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to load transaction: %w", err))
	}

	if txn.Status != models.TransactionStatusCompleted {
		return nil, apperrors.State(apperrors.CodeTransactionNotComplete, "transaction is not completed")
	}
	if txn.SplitMode {
		return nil, apperrors.State(apperrors.CodeTransferNotRequired, "split charges are settled by the gateway")
	}

	done, err := s.store.Transfers().HasCompleted(ctx, txn.ID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to check transfers: %w", err))
	}
	if done {
		return nil, apperrors.State(apperrors.CodeTransferCompleted, "transaction has already been settled")
	}

	payee, err := s.catalog.GetParty(ctx, txn.PayeeID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to load payee: %w", err))
	}

	existing, err := s.store.Transfers().ListByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to list transfers: %w", err))
	}
	for i := range existing {
		transfer := &existing[i]
		if transfer.IsTerminal() {
			continue
		}
		if transfer.Status == models.TransferStatusPending && transfer.DestinationAccount == "" {
			if payee.PayoutAccountID == "" {
				return transfer, nil
			}
			return s.execute(ctx, transfer, []models.TransferStatus{models.TransferStatusPending}, payee.PayoutAccountID)
		}
		if s.stale(transfer) {
			return s.RetryFailedTransfer(ctx, transfer.ID)
		}
		return transfer, nil
	}

	commission, net, err := s.split(txn, payee)
	if err != nil {
		return nil, err
	}

	transfer := &models.Transfer{
		TransactionID:    txn.ID,
		PayeeID:          txn.PayeeID,
		GrossAmount:      txn.GrossAmount,
		CommissionAmount: commission,
		NetAmount:        net,
		Currency:         txn.Currency,
		Status:           models.TransferStatusPending,
	}
	transfer.ID = uuid.New()
	transfer.IdempotencyKey = utils.IdempotencyKey("xfer", transfer.ID.String(), txn.ID.String())

	if payee.PayoutAccountID == "" {
		msg := noPayoutAccountMessage
		transfer.ErrorMessage = &msg
		if err := s.store.Transfers().Create(ctx, transfer); err != nil {
			return nil, apperrors.Internal(fmt.Errorf("failed to create transfer: %w", err))
		}

		metrics.TransfersTotal.WithLabelValues(string(models.TransferStatusPending)).Inc()
		s.logger.WithFields(logrus.Fields{
			"transfer_id":    transfer.ID,
			"transaction_id": txn.ID,
			"payee_id":       txn.PayeeID,
		}).Warn("Transfer parked until the payee configures a payout account")

		payload := map[string]interface{}{
			"transfer_id":    transfer.ID.String(),
			"transaction_id": txn.ID.String(),
			"payee_id":       txn.PayeeID.String(),
			"amount":         net.String(),
			"currency":       txn.Currency,
		}
		notifyBestEffort(ctx, s.notifier, s.logger, s.operatorID(), NotifyTransferNeedsAccount, payload)
		notifyBestEffort(ctx, s.notifier, s.logger, txn.PayeeID, NotifyTransferNeedsAccount, payload)
		return transfer, nil
	}

	if err := s.store.Transfers().Create(ctx, transfer); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to create transfer: %w", err))
	}
	metrics.TransfersTotal.WithLabelValues(string(models.TransferStatusPending)).Inc()

	return s.execute(ctx, transfer, []models.TransferStatus{models.TransferStatusPending}, payee.PayoutAccountID)
}

// split uses the commission recorded on the transaction and falls back to
// the payee's current percentage for transactions that predate it.
func (s *TransferService) split(txn *models.Transaction, payee *models.Party) (commission, net decimal.Decimal, err error) {
	if txn.CommissionAmount != nil {
		commission = *txn.CommissionAmount
	} else {
		pct := s.config.Payment.CommissionPercent()
		if payee.CommissionPercentage != nil {
			pct = *payee.CommissionPercentage
		}
		commission = utils.RoundToCurrency(utils.Percentage(txn.GrossAmount, pct), txn.Currency)
	}

	net = txn.GrossAmount.Sub(commission)
	if net.IsNegative() || utils.ToMinorUnits(net, txn.Currency) <= 0 {
		return commission, net, apperrors.State(apperrors.CodeInvalidTransferAmount, "nothing to transfer after commission").
			WithDetail("net_amount", net.String())
	}
	return commission, net, nil
}

// RetryFailedTransfer re-executes a failed transfer with its original
// idempotency key, so a transfer the gateway did apply is not paid twice.
// A transfer left in processing longer than the processing timeout is
// treated as failed; its worker is assumed dead.
func (s *TransferService) RetryFailedTransfer(ctx context.Context, transferID uuid.UUID) (*models.Transfer, error) {
	transfer, err := s.store.Transfers().GetByID(ctx, transferID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.State(apperrors.CodeTransferNotFound, "transfer not found")
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to load transfer: %w", err))
	}

	from := []models.TransferStatus{models.TransferStatusFailed, models.TransferStatusRetrying}
	change := repository.TransferChange{To: models.TransferStatusRetrying, At: time.Now()}
	switch {
	case transfer.Status == models.TransferStatusFailed, transfer.Status == models.TransferStatusRetrying:
	case s.stale(transfer):
		from = []models.TransferStatus{models.TransferStatusProcessing}
		change.StaleBefore = s.staleBefore()
		change.IncrementRetry = true
		s.logger.WithFields(logrus.Fields{
			"transfer_id":   transfer.ID,
			"processing_at": transfer.UpdatedAt,
		}).Warn("Reclaiming transfer stuck in processing")
	default:
		return nil, apperrors.State(apperrors.CodeTransferNotRetryable, fmt.Sprintf("transfer is %s", transfer.Status))
	}
	if transfer.RetryCount >= s.config.Settlement.MaxTransferRetries {
		return nil, apperrors.State(apperrors.CodeTransferExhausted, "transfer has used all retries").
			WithDetail("retry_count", transfer.RetryCount)
	}

	done, err := s.store.Transfers().HasCompleted(ctx, transfer.TransactionID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to check transfers: %w", err))
	}
	if done {
		return nil, apperrors.State(apperrors.CodeTransferCompleted, "transaction has already been settled")
	}

	destination := transfer.DestinationAccount
	if destination == "" {
		payee, err := s.catalog.GetParty(ctx, transfer.PayeeID)
		if err != nil {
			return nil, apperrors.Internal(fmt.Errorf("failed to load payee: %w", err))
		}
		destination = payee.PayoutAccountID
	}
	if destination == "" {
		return nil, apperrors.State(apperrors.CodeTransferNotRetryable, noPayoutAccountMessage)
	}

	ok, err := s.store.Transfers().Transition(ctx, transfer.ID, from, change)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to mark transfer retrying: %w", err))
	}
	if !ok {
		return nil, apperrors.State(apperrors.CodeTransferNotRetryable, "transfer changed state concurrently")
	}
	metrics.TransfersTotal.WithLabelValues(string(models.TransferStatusRetrying)).Inc()

	return s.execute(ctx, transfer, []models.TransferStatus{models.TransferStatusRetrying}, destination)
}

// RetryFailedTransfers retries a batch of failed and stale transfers. It is
// driven by the scheduler.
func (s *TransferService) RetryFailedTransfers(ctx context.Context, limit int) (*RetrySummary, error) {
	transfers, err := s.store.Transfers().ListRetryable(ctx, s.config.Settlement.MaxTransferRetries, s.staleBefore(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable transfers: %w", err)
	}

	summary := &RetrySummary{}
	for _, transfer := range transfers {
		if ctx.Err() != nil {
			break
		}
		summary.Attempted++
		result, err := s.RetryFailedTransfer(ctx, transfer.ID)
		if err != nil || result.Status != models.TransferStatusCompleted {
			summary.Failed++
			s.logger.WithField("transfer_id", transfer.ID).WithError(err).Warn("Transfer retry did not complete")
			continue
		}
		summary.Completed++
	}

	if summary.Attempted > 0 {
		s.logger.WithFields(logrus.Fields{
			"attempted": summary.Attempted,
			"completed": summary.Completed,
			"failed":    summary.Failed,
		}).Info("Transfer retry batch finished")
	}
	return summary, nil
}

// execute claims the transfer by moving it to processing and calls the
// gateway. Losing the claim means another worker owns the transfer.
func (s *TransferService) execute(ctx context.Context, transfer *models.Transfer, from []models.TransferStatus, destination string) (*models.Transfer, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"transfer_id":    transfer.ID,
		"transaction_id": transfer.TransactionID,
		"destination":    destination,
	})

	if destination == "" {
		return transfer, apperrors.State(apperrors.CodeTransferNotRetryable, noPayoutAccountMessage)
	}

	ok, err := s.store.Transfers().Transition(ctx, transfer.ID, from, repository.TransferChange{
		To:          models.TransferStatusProcessing,
		At:          time.Now(),
		Destination: destination,
		ClearError:  true,
	})
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to claim transfer: %w", err))
	}
	if !ok {
		logger.Info("Transfer claimed by another worker")
		return s.reload(ctx, transfer.ID)
	}
	metrics.TransfersTotal.WithLabelValues(string(models.TransferStatusProcessing)).Inc()

	result, gwErr := s.gateway.CreateTransfer(ctx, gateway.TransferRequest{
		Amount:         utils.ToMinorUnits(transfer.NetAmount, transfer.Currency),
		Currency:       strings.ToLower(transfer.Currency),
		Destination:    destination,
		IdempotencyKey: transfer.IdempotencyKey,
		Metadata: map[string]string{
			"transfer_id":    transfer.ID.String(),
			"transaction_id": transfer.TransactionID.String(),
		},
	})
	if gwErr != nil {
		msg := gwErr.Error()
		if _, err := s.store.Transfers().Transition(ctx, transfer.ID,
			[]models.TransferStatus{models.TransferStatusProcessing},
			repository.TransferChange{
				To:             models.TransferStatusFailed,
				At:             time.Now(),
				ErrorMessage:   &msg,
				IncrementRetry: true,
			}); err != nil {
			logger.WithError(err).Error("Failed to record transfer failure")
		}
		metrics.TransfersTotal.WithLabelValues(string(models.TransferStatusFailed)).Inc()
		logger.WithField("reason", gateway.ReasonOf(gwErr)).WithError(gwErr).Warn("Transfer failed")

		notifyBestEffort(ctx, s.notifier, s.logger, s.operatorID(), NotifyTransferFailed, map[string]interface{}{
			"transfer_id":    transfer.ID.String(),
			"transaction_id": transfer.TransactionID.String(),
			"error":          msg,
		})

		failed, err := s.reload(ctx, transfer.ID)
		if err != nil {
			return nil, err
		}
		return failed, apperrors.FromGateway(gwErr)
	}

	ok, err = s.store.Transfers().Transition(ctx, transfer.ID,
		[]models.TransferStatus{models.TransferStatusProcessing},
		repository.TransferChange{
			To:         models.TransferStatusCompleted,
			At:         time.Now(),
			GatewayRef: result.ID,
		})
	if err != nil {
		// The gateway moved the money; only the bookkeeping is missing.
		logger.WithField("gateway_transfer_ref", result.ID).WithError(err).Error("Failed to record completed transfer")
		return nil, apperrors.Internal(fmt.Errorf("failed to complete transfer: %w", err))
	}
	if !ok {
		logger.WithField("gateway_transfer_ref", result.ID).Error("Transfer left processing before completion was recorded")
		return s.reload(ctx, transfer.ID)
	}

	metrics.TransfersTotal.WithLabelValues(string(models.TransferStatusCompleted)).Inc()
	logger.WithField("gateway_transfer_ref", result.ID).Info("Transfer completed")

	notifyBestEffort(ctx, s.notifier, s.logger, transfer.PayeeID, NotifyTransferCompleted, map[string]interface{}{
		"transfer_id": transfer.ID.String(),
		"amount":      transfer.NetAmount.String(),
		"currency":    transfer.Currency,
	})

	return s.reload(ctx, transfer.ID)
}

func (s *TransferService) staleBefore() time.Time {
	return time.Now().Add(-s.config.Settlement.StaleAfter())
}

func (s *TransferService) stale(transfer *models.Transfer) bool {
	return transfer.Status == models.TransferStatusProcessing && transfer.UpdatedAt.Before(s.staleBefore())
}

func (s *TransferService) reload(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	transfer, err := s.store.Transfers().GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to reload transfer: %w", err))
	}
	return transfer, nil
}

func (s *TransferService) operatorID() uuid.UUID {
	id, err := uuid.Parse(s.config.Payment.OperatorPartyID)
	if err != nil {
		return uuid.Nil
	}
	return id
}
