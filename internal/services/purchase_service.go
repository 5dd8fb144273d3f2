// internal/services/purchase_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
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

const (
	PaymentStatusSucceeded     = "succeeded"
	PaymentStatusPendingReview = "pending_review"
	PaymentStatusRejected      = "rejected"
	PaymentStatusRefunded      = "refunded"
)

type PurchaseService struct {
	store     repository.Store
	catalog   Catalog
	pricing   *PricingService
	gateway   gateway.Gateway
	storage   FileStorage
	notifier  Notifier
	transfers TransferHandler
	config    *config.Config
	logger    logrus.FieldLogger
}

type PurchaseServiceDeps struct {
	Store     repository.Store
	Catalog   Catalog
	Pricing   *PricingService
	Gateway   gateway.Gateway
	Storage   FileStorage
	Notifier  Notifier
	Transfers TransferHandler
	Config    *config.Config
	Logger    logrus.FieldLogger
}

type InitiateRequest struct {
	CourseID     uuid.UUID `json:"course_id" validate:"required"`
	IssuerID     uuid.UUID `json:"issuer_id" validate:"required"`
	Quantity     int       `json:"quantity" validate:"required,min=1,max=10000"`
	DiscountCode string    `json:"discount_code,omitempty" validate:"discount_code"`
	Currency     string    `json:"currency,omitempty" validate:"omitempty,currency_code"`
}

type InitiateResult struct {
	Transaction  *models.Transaction `json:"transaction"`
	ChargeRef    string              `json:"charge_ref"`
	ClientSecret string              `json:"client_secret"`
	SplitMode    bool                `json:"split_mode"`
	Quote        QuoteView           `json:"quote"`
}

type PurchaseRequest struct {
	CourseID        uuid.UUID `json:"course_id" validate:"required"`
	IssuerID        uuid.UUID `json:"issuer_id" validate:"required"`
	Quantity        int       `json:"quantity" validate:"required,min=1,max=10000"`
	DiscountCode    string    `json:"discount_code,omitempty" validate:"discount_code"`
	ChargeRef       string    `json:"charge_ref" validate:"required"`
	PaymentMethodID string    `json:"payment_method_id,omitempty"`
}

type ManualPurchaseRequest struct {
	CourseID      uuid.UUID       `json:"course_id" validate:"required"`
	IssuerID      uuid.UUID       `json:"issuer_id" validate:"required"`
	Quantity      int             `json:"quantity" validate:"required,min=1,max=10000"`
	DiscountCode  string          `json:"discount_code,omitempty" validate:"discount_code"`
	ClaimedAmount decimal.Decimal `json:"claimed_amount"`
}

// Proof is an uploaded proof of an offline payment.
type Proof struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

type RefundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type PurchaseResult struct {
	Transaction     *models.Transaction `json:"transaction"`
	IssuedResources []models.IssuedCode `json:"issued_resources"`
	PaymentStatus   string              `json:"payment_status"`
}

func NewPurchaseService(deps PurchaseServiceDeps) *PurchaseService {
	return &PurchaseService{
		store:     deps.Store,
		catalog:   deps.Catalog,
		pricing:   deps.Pricing,
		gateway:   deps.Gateway,
		storage:   deps.Storage,
		notifier:  deps.Notifier,
		transfers: deps.Transfers,
		config:    deps.Config,
		logger:    deps.Logger,
	}
}

// InitiatePurchase prices the purchase and opens a charge the client can
// confirm. A split charge routes the provider share at capture time; when
// the processor refuses it a standard charge is used and settlement goes
// through a transfer later.
func (s *PurchaseService) InitiatePurchase(ctx context.Context, payerID uuid.UUID, req InitiateRequest) (*InitiateResult, error) {
	issuer, err := s.checkPreconditions(ctx, payerID, req.IssuerID, req.CourseID)
	if err != nil {
		return nil, s.failed(models.PaymentMethodGateway, err, payerID)
	}

	quote, err := s.pricing.Quote(ctx, QuoteRequest{
		CourseID:     req.CourseID,
		IssuerID:     req.IssuerID,
		Quantity:     req.Quantity,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		return nil, s.failed(models.PaymentMethodGateway, err, payerID)
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, quote.Currency) {
		err := apperrors.Validation(apperrors.CodeValidation, "currency does not match the course price").
			WithDetail("currency", quote.Currency)
		return nil, s.failed(models.PaymentMethodGateway, err, payerID)
	}

	txn := s.newTransaction(payerID, issuer, req.CourseID, req.Quantity, quote, models.PaymentMethodGateway)
	metadata := chargeMetadata(payerID, req.IssuerID, req.CourseID, req.Quantity)

	charge, split, err := s.createCharge(ctx, txn, issuer, metadata)
	if err != nil {
		return nil, s.failed(models.PaymentMethodGateway, err, payerID)
	}

	ref := charge.ID
	txn.GatewayChargeRef = &ref
	txn.SplitMode = split
	if err := s.store.Transactions().Create(ctx, txn); err != nil {
		return nil, s.failed(models.PaymentMethodGateway, fmt.Errorf("failed to create transaction: %w", err), payerID)
	}

	metrics.PurchasesTotal.WithLabelValues(string(models.PaymentMethodGateway), "initiated").Inc()
	s.logger.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"charge_ref":     ref,
		"split_mode":     split,
		"gross_amount":   txn.GrossAmount.String(),
	}).Info("Purchase initiated")

	return &InitiateResult{
		Transaction:  txn,
		ChargeRef:    ref,
		ClientSecret: charge.ClientSecret,
		SplitMode:    split,
		Quote:        quote.View(req.Quantity),
	}, nil
}

func (s *PurchaseService) createCharge(ctx context.Context, txn *models.Transaction, issuer *models.Party, metadata map[string]string) (*gateway.Charge, bool, error) {
	amount := utils.ToMinorUnits(txn.GrossAmount, txn.Currency)
	currency := strings.ToLower(txn.Currency)

	charge, err := s.gateway.CreateSplitCharge(ctx, gateway.SplitChargeRequest{
		Amount:      amount,
		Destination: issuer.PayoutAccountID,
		Commission:  utils.ToMinorUnits(*txn.CommissionAmount, txn.Currency),
		Currency:    currency,
		Metadata:    metadata,
	})
	if err == nil {
		return charge, true, nil
	}

	s.logger.WithFields(logrus.Fields{
		"issuer_id": issuer.ID,
		"reason":    gateway.ReasonOf(err),
	}).WithError(err).Warn("Split charge unavailable, falling back to standard charge")

	charge, err = s.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		Amount:   amount,
		Currency: currency,
		Metadata: metadata,
	})
	if err != nil {
		return nil, false, apperrors.FromGateway(err)
	}
	return charge, false, nil
}

// Purchase completes a gateway paid purchase. Calling it again for the same
// charge returns the original result.
func (s *PurchaseService) Purchase(ctx context.Context, payerID uuid.UUID, req PurchaseRequest) (*PurchaseResult, error) {
	result, err := s.purchase(ctx, payerID, req)
	if err != nil {
		return nil, s.failed(models.PaymentMethodGateway, err, payerID, logrus.Fields{"charge_ref": req.ChargeRef})
	}
	return result, nil
}

func (s *PurchaseService) purchase(ctx context.Context, payerID uuid.UUID, req PurchaseRequest) (*PurchaseResult, error) {
	existing, err := s.store.Transactions().GetByChargeRef(ctx, req.ChargeRef)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up charge: %w", err)
	}

	if existing != nil {
		if err := matchesRequest(existing, payerID, req); err != nil {
			return nil, err
		}
		switch existing.Status {
		case models.TransactionStatusCompleted:
			return s.existingResult(ctx, existing)
		case models.TransactionStatusRefunded:
			return nil, apperrors.State(apperrors.CodeInvalidTransition, "transaction has been refunded")
		}
	}

	issuer, err := s.checkPreconditions(ctx, payerID, req.IssuerID, req.CourseID)
	if err != nil {
		return nil, err
	}

	txn := existing
	if txn == nil {
		quote, err := s.pricing.Quote(ctx, QuoteRequest{
			CourseID:     req.CourseID,
			IssuerID:     req.IssuerID,
			Quantity:     req.Quantity,
			DiscountCode: req.DiscountCode,
		})
		if unfulfillable(err) {
			return nil, s.refundUnquoted(ctx, payerID, issuer, req, err)
		}
		if err != nil {
			return nil, err
		}
		txn = s.newTransaction(payerID, issuer, req.CourseID, req.Quantity, quote, models.PaymentMethodGateway)
		ref := req.ChargeRef
		txn.GatewayChargeRef = &ref
	}

	charge, err := s.driveCharge(ctx, req.ChargeRef, req.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		txn.SplitMode = charge.Destination != ""
	}

	expected := utils.ToMinorUnits(txn.GrossAmount, txn.Currency)
	metadata := chargeMetadata(payerID, req.IssuerID, req.CourseID, req.Quantity)
	if _, err := s.gateway.VerifyCharge(ctx, req.ChargeRef, expected, metadata); err != nil {
		return nil, apperrors.FromGateway(err)
	}

	var (
		completed *models.Transaction
		batch     *models.CodeBatch
		newly     bool
	)
	err = s.store.Do(ctx, func(tx repository.Tx) error {
		var err error
		if existing != nil {
			completed, batch, newly, err = s.FulfillInTx(ctx, tx, existing, nil)
			return err
		}
		completed, batch, err = s.createCompleted(ctx, tx, txn)
		newly = err == nil
		return err
	})
	if errors.Is(err, repository.ErrDuplicate) && existing == nil {
		// Another request recorded this charge first.
		current, getErr := s.store.Transactions().GetByChargeRef(ctx, req.ChargeRef)
		if getErr != nil {
			return nil, fmt.Errorf("failed to reload transaction: %w", getErr)
		}
		if current.Status == models.TransactionStatusCompleted {
			return s.existingResult(ctx, current)
		}
		result, err := s.Fulfill(ctx, current.ID, nil)
		if unfulfillable(err) {
			return nil, s.refunded(ctx, current, true, err)
		}
		return result, err
	}
	if unfulfillable(err) {
		return nil, s.refunded(ctx, txn, existing != nil, err)
	}
	if err != nil {
		return nil, err
	}

	if newly {
		s.AfterFulfill(ctx, completed, batch)
	}

	return &PurchaseResult{
		Transaction:     completed,
		IssuedResources: batch.Codes,
		PaymentStatus:   PaymentStatusSucceeded,
	}, nil
}

// driveCharge moves the charge as far towards success as the caller's input
// allows and maps every state short of success to an error.
func (s *PurchaseService) driveCharge(ctx context.Context, ref, paymentMethodID string) (*gateway.Charge, error) {
	charge, err := s.gateway.RetrieveCharge(ctx, ref)
	if err != nil {
		return nil, apperrors.FromGateway(err)
	}

	if charge.Status == gateway.ChargeStatusRequiresPaymentMethod {
		if paymentMethodID == "" {
			return nil, apperrors.Validation(apperrors.CodePaymentMethodRequired, "a payment method is required to complete this payment")
		}
		if charge, err = s.gateway.AttachPaymentMethod(ctx, ref, paymentMethodID); err != nil {
			return nil, apperrors.FromGateway(err)
		}
	}

	if charge.Status == gateway.ChargeStatusRequiresConfirmation && charge.PaymentMethodID != "" {
		if charge, err = s.gateway.ConfirmCharge(ctx, ref); err != nil {
			return nil, apperrors.FromGateway(err)
		}
	}

	switch charge.Status {
	case gateway.ChargeStatusSucceeded:
		return charge, nil
	case gateway.ChargeStatusRequiresAction:
		return nil, apperrors.RetryableState(apperrors.CodePaymentRequiresAction, "payment requires additional customer action").
			WithDetail("charge_ref", ref)
	case gateway.ChargeStatusProcessing:
		return nil, apperrors.RetryableState(apperrors.CodePaymentProcessing, "payment is still processing").
			WithDetail("charge_ref", ref)
	case gateway.ChargeStatusCanceled:
		return nil, apperrors.State(apperrors.CodePaymentCanceled, "payment was canceled")
	default:
		return nil, apperrors.Gateway(apperrors.CodePaymentNotConfirmed, "payment has not been confirmed by the gateway", false, nil).
			WithDetail("status", string(charge.Status))
	}
}

// PurchaseManual records an offline payment for review. No codes are issued
// until an operator approves it.
func (s *PurchaseService) PurchaseManual(ctx context.Context, payerID uuid.UUID, req ManualPurchaseRequest, proof *Proof) (*PurchaseResult, error) {
	result, err := s.purchaseManual(ctx, payerID, req, proof)
	if err != nil {
		return nil, s.failed(models.PaymentMethodManual, err, payerID)
	}
	return result, nil
}

func (s *PurchaseService) purchaseManual(ctx context.Context, payerID uuid.UUID, req ManualPurchaseRequest, proof *Proof) (*PurchaseResult, error) {
	if proof == nil || proof.Reader == nil || proof.Size <= 0 {
		return nil, apperrors.Validation(apperrors.CodeProofRequired, "proof of payment is required")
	}

	issuer, err := s.checkPreconditions(ctx, payerID, req.IssuerID, req.CourseID)
	if err != nil {
		return nil, err
	}

	quote, err := s.pricing.Quote(ctx, QuoteRequest{
		CourseID:     req.CourseID,
		IssuerID:     req.IssuerID,
		Quantity:     req.Quantity,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		return nil, err
	}

	expected := quote.Charged()
	if req.ClaimedAmount.Sub(expected).Abs().GreaterThan(s.config.Payment.Tolerance()) {
		return nil, apperrors.Validation(apperrors.CodeAmountMismatch, "claimed amount does not match the purchase amount").
			WithDetail("claimed_amount", req.ClaimedAmount.String()).
			WithDetail("expected_amount", expected.String())
	}

	txn := s.newTransaction(payerID, issuer, req.CourseID, req.Quantity, quote, models.PaymentMethodManual)
	txn.ID = uuid.New()

	err = s.store.Do(ctx, func(tx repository.Tx) error {
		path, err := s.storage.Store(ctx, proofName(txn.ID, proof.Name), proof.ContentType, proof.Size, proof.Reader)
		if err != nil {
			return fmt.Errorf("failed to store payment proof: %w", err)
		}
		tx.OnRollback(func() { s.deleteProof(path) })

		txn.ProofPath = path
		if err := tx.Transactions().Create(ctx, txn); err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PurchasesTotal.WithLabelValues(string(models.PaymentMethodManual), PaymentStatusPendingReview).Inc()
	s.logger.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"payer_id":       payerID,
		"gross_amount":   txn.GrossAmount.String(),
	}).Info("Manual payment submitted for review")

	notifyBestEffort(ctx, s.notifier, s.logger, s.operatorID(), NotifyManualPaymentSubmitted, map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"payer_id":       payerID.String(),
		"amount":         txn.GrossAmount.String(),
		"currency":       txn.Currency,
	})

	return &PurchaseResult{
		Transaction:     txn,
		IssuedResources: []models.IssuedCode{},
		PaymentStatus:   PaymentStatusPendingReview,
	}, nil
}

// ApproveManualPayment completes a manual purchase after review and issues
// its codes. Approving twice returns the first result.
func (s *PurchaseService) ApproveManualPayment(ctx context.Context, txnID, reviewerID uuid.UUID) (*PurchaseResult, error) {
	txn, err := s.loadTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.PaymentMethod != models.PaymentMethodManual {
		return nil, apperrors.State(apperrors.CodeInvalidTransition, "only manual payments are reviewed")
	}
	if txn.Status != models.TransactionStatusPending && txn.Status != models.TransactionStatusCompleted {
		return nil, apperrors.State(apperrors.CodeInvalidTransition, fmt.Sprintf("transaction is %s", txn.Status))
	}

	result, err := s.Fulfill(ctx, txnID, &reviewerID)
	if err != nil {
		return nil, s.failed(models.PaymentMethodManual, err, txn.PayerID, logrus.Fields{"transaction_id": txnID})
	}
	return result, nil
}

func (s *PurchaseService) RejectManualPayment(ctx context.Context, txnID, reviewerID uuid.UUID, reason string) (*PurchaseResult, error) {
	txn, err := s.loadTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.PaymentMethod != models.PaymentMethodManual {
		return nil, apperrors.State(apperrors.CodeInvalidTransition, "only manual payments are reviewed")
	}

	ok, err := s.store.Transactions().Transition(ctx, txnID,
		[]models.TransactionStatus{models.TransactionStatusPending},
		repository.TransactionChange{
			To:         models.TransactionStatusFailed,
			At:         time.Now(),
			Reason:     reason,
			ReviewedBy: &reviewerID,
		})
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to reject transaction: %w", err))
	}
	if !ok {
		return nil, apperrors.State(apperrors.CodeInvalidTransition, "transaction is not pending review")
	}

	if txn.ProofPath != "" {
		s.deleteProof(txn.ProofPath)
	}

	metrics.PurchasesTotal.WithLabelValues(string(models.PaymentMethodManual), PaymentStatusRejected).Inc()
	notifyBestEffort(ctx, s.notifier, s.logger, txn.PayerID, NotifyManualPaymentRejected, map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"reason":         reason,
	})

	txn, err = s.loadTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{Transaction: txn, IssuedResources: []models.IssuedCode{}, PaymentStatus: PaymentStatusRejected}, nil
}

// RefundTransaction refunds a completed purchase through the gateway and
// marks it refunded. Manual payments are refunded offline and only marked.
func (s *PurchaseService) RefundTransaction(ctx context.Context, txnID, actorID uuid.UUID, req RefundRequest) (*PurchaseResult, error) {
	txn, err := s.loadTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status == models.TransactionStatusRefunded {
		return &PurchaseResult{Transaction: txn, IssuedResources: []models.IssuedCode{}, PaymentStatus: PaymentStatusRefunded}, nil
	}
	if txn.Status != models.TransactionStatusCompleted {
		return nil, apperrors.State(apperrors.CodeInvalidTransition, "only completed transactions can be refunded")
	}

	if txn.PaymentMethod == models.PaymentMethodGateway && txn.ChargeRef() != "" {
		refundID, err := s.gateway.Refund(ctx, txn.ChargeRef(), utils.ToMinorUnits(txn.GrossAmount, txn.Currency), req.Reason)
		if err != nil {
			return nil, apperrors.FromGateway(err)
		}
		s.logger.WithFields(logrus.Fields{
			"transaction_id": txn.ID,
			"refund_id":      refundID,
		}).Info("Gateway refund created")
	}

	ok, err := s.store.Transactions().Transition(ctx, txnID,
		[]models.TransactionStatus{models.TransactionStatusCompleted},
		repository.TransactionChange{
			To:         models.TransactionStatusRefunded,
			At:         time.Now(),
			Reason:     req.Reason,
			ReviewedBy: &actorID,
		})
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to mark transaction refunded: %w", err))
	}

	txn, err = s.loadTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !ok && txn.Status != models.TransactionStatusRefunded {
		return nil, apperrors.State(apperrors.CodeInvalidTransition, fmt.Sprintf("transaction is %s", txn.Status))
	}

	metrics.PurchasesTotal.WithLabelValues(string(txn.PaymentMethod), PaymentStatusRefunded).Inc()
	notifyBestEffort(ctx, s.notifier, s.logger, txn.PayerID, NotifyTransactionRefunded, map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"amount":         txn.GrossAmount.String(),
		"currency":       txn.Currency,
		"reason":         req.Reason,
	})

	return &PurchaseResult{Transaction: txn, IssuedResources: []models.IssuedCode{}, PaymentStatus: PaymentStatusRefunded}, nil
}

func (s *PurchaseService) GetHistory(ctx context.Context, partyID uuid.UUID, params utils.PaginationParams) ([]models.Transaction, int64, error) {
	transactions, total, err := s.store.Transactions().ListByParty(ctx, partyID, params)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	return transactions, total, nil
}

// Fulfill completes a pending transaction in its own unit of work.
func (s *PurchaseService) Fulfill(ctx context.Context, txnID uuid.UUID, reviewedBy *uuid.UUID) (*PurchaseResult, error) {
	var (
		completed *models.Transaction
		batch     *models.CodeBatch
		newly     bool
	)
	err := s.store.Do(ctx, func(tx repository.Tx) error {
		txn, err := tx.Transactions().GetByID(ctx, txnID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.State(apperrors.CodeTransactionNotFound, "transaction not found")
		}
		if err != nil {
			return fmt.Errorf("failed to load transaction: %w", err)
		}
		completed, batch, newly, err = s.FulfillInTx(ctx, tx, txn, reviewedBy)
		return err
	})
	if err != nil {
		return nil, err
	}

	if newly {
		s.AfterFulfill(ctx, completed, batch)
	}

	return &PurchaseResult{
		Transaction:     completed,
		IssuedResources: batch.Codes,
		PaymentStatus:   PaymentStatusSucceeded,
	}, nil
}

// FulfillInTx moves txn to completed and writes everything a completed
// purchase owns. It reports false when txn was already completed, in which
// case the stored batch is returned and nothing is written.
func (s *PurchaseService) FulfillInTx(ctx context.Context, tx repository.Tx, txn *models.Transaction, reviewedBy *uuid.UUID) (*models.Transaction, *models.CodeBatch, bool, error) {
	now := time.Now()
	ok, err := tx.Transactions().Transition(ctx, txn.ID,
		[]models.TransactionStatus{models.TransactionStatusPending, models.TransactionStatusFailed},
		repository.TransactionChange{To: models.TransactionStatusCompleted, At: now, ReviewedBy: reviewedBy})
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to complete transaction: %w", err)
	}

	if !ok {
		current, err := tx.Transactions().GetByID(ctx, txn.ID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to reload transaction: %w", err)
		}
		if current.Status != models.TransactionStatusCompleted {
			return nil, nil, false, apperrors.State(apperrors.CodeInvalidTransition,
				fmt.Sprintf("transaction is %s", current.Status))
		}
		batch, err := tx.Batches().GetByTransactionID(ctx, current.ID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to load issued codes: %w", err)
		}
		return current, batch, false, nil
	}

	completed := *txn
	completed.Status = models.TransactionStatusCompleted
	completed.CompletedAt = &now
	completed.FailedAt = nil
	completed.FailureReason = ""
	if reviewedBy != nil {
		completed.ReviewedBy = reviewedBy
	}

	batch, err := s.issue(ctx, tx, &completed)
	if err != nil {
		return nil, nil, false, err
	}
	return &completed, batch, true, nil
}

func (s *PurchaseService) createCompleted(ctx context.Context, tx repository.Tx, txn *models.Transaction) (*models.Transaction, *models.CodeBatch, error) {
	now := time.Now()
	txn.Status = models.TransactionStatusCompleted
	txn.CompletedAt = &now
	if err := txn.Validate(); err != nil {
		return nil, nil, err
	}
	if err := tx.Transactions().Create(ctx, txn); err != nil {
		return nil, nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	batch, err := s.issue(ctx, tx, txn)
	if err != nil {
		return nil, nil, err
	}
	return txn, batch, nil
}

// issue consumes the discount, generates the code batch and records the
// commission split for a transaction that just completed.
func (s *PurchaseService) issue(ctx context.Context, tx repository.Tx, txn *models.Transaction) (*models.CodeBatch, error) {
	if txn.CourseID == nil {
		return nil, fmt.Errorf("transaction %s has no course", txn.ID)
	}

	if txn.DiscountCodeID != nil {
		if err := consumeDiscount(ctx, tx, *txn.DiscountCodeID, txn.Quantity); err != nil {
			return nil, err
		}
	}

	batch := &models.CodeBatch{
		TransactionID:  txn.ID,
		CourseID:       *txn.CourseID,
		PayerID:        txn.PayerID,
		IssuerID:       txn.PayeeID,
		Quantity:       txn.Quantity,
		DiscountCodeID: txn.DiscountCodeID,
		Codes:          make([]models.IssuedCode, 0, txn.Quantity),
	}
	for i := 0; i < txn.Quantity; i++ {
		code, err := utils.GenerateCertificateCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate code: %w", err)
		}
		batch.Codes = append(batch.Codes, models.IssuedCode{
			Code:           code,
			DiscountCodeID: txn.DiscountCodeID,
			Status:         models.CodeStatusAvailable,
		})
	}
	if err := tx.Batches().Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create code batch: %w", err)
	}

	entry, err := s.ledgerEntry(ctx, txn)
	if err != nil {
		return nil, err
	}
	if err := tx.Ledger().Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create ledger entry: %w", err)
	}

	return batch, nil
}

// consumeDiscount re-checks the remaining quantity under a row lock so
// concurrent purchases can never redeem more than the code allows.
func consumeDiscount(ctx context.Context, tx repository.Tx, discountID uuid.UUID, quantity int) error {
	discount, err := tx.Discounts().LockByID(ctx, discountID)
	if err != nil {
		return fmt.Errorf("failed to lock discount code: %w", err)
	}

	if discount.DiscountType == models.DiscountTypeQuantityLimited && discount.Remaining() < quantity {
		return discountError(DiscountInsufficientQuantity, "discount code does not cover the requested quantity").
			WithDetail("remaining", discount.Remaining())
	}

	if err := tx.Discounts().IncrementUsed(ctx, discountID, quantity); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return discountError(DiscountInsufficientQuantity, "discount code does not cover the requested quantity")
		}
		return fmt.Errorf("failed to update discount usage: %w", err)
	}
	return nil
}

// unfulfillable reports whether a captured charge can never turn into
// codes, e.g. because a concurrent purchase used up its discount code.
func unfulfillable(err error) bool {
	return err != nil && apperrors.CodeOf(err) == apperrors.CodeDiscountInvalid
}

// refunded compensates an unfulfillable purchase and returns the error the
// payer sees.
func (s *PurchaseService) refunded(ctx context.Context, txn *models.Transaction, persisted bool, cause error) error {
	compensated, err := s.compensate(ctx, txn, persisted, cause)
	if err != nil {
		return err
	}
	return apperrors.State(apperrors.CodePurchaseRefunded, "payment was refunded because the purchase could not be completed").
		WithDetail("transaction_id", compensated.ID.String()).
		WithDetail("cause", apperrors.CodeOf(cause))
}

// compensate refunds the charge of a purchase that was paid but cannot be
// fulfilled. The transaction ends refunded; when the refund itself fails it
// ends failed, the operator is told, and a later attempt (a client retry or
// a webhook redelivery) tries the refund again. persisted is false when
// the transaction was never stored.
func (s *PurchaseService) compensate(ctx context.Context, txn *models.Transaction, persisted bool, cause error) (*models.Transaction, error) {
	reason := "purchase could not be fulfilled: " + apperrors.As(cause).Message
	logger := s.logger.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"charge_ref":     txn.ChargeRef(),
		"cause":          apperrors.CodeOf(cause),
	})

	refundID, refundErr := s.gateway.Refund(ctx, txn.ChargeRef(), utils.ToMinorUnits(txn.GrossAmount, txn.Currency), reason)
	change := repository.TransactionChange{To: models.TransactionStatusRefunded, At: time.Now(), Reason: reason}
	if refundErr != nil {
		change.To = models.TransactionStatusFailed
		change.Reason = reason + "; refund failed: " + refundErr.Error()
	}

	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if persisted {
		if _, err := s.store.Transactions().Transition(ctx, txn.ID,
			[]models.TransactionStatus{models.TransactionStatusPending, models.TransactionStatusFailed}, change); err != nil {
			logger.WithError(err).Error("Failed to record unfulfilled purchase")
			return nil, apperrors.Internal(fmt.Errorf("failed to record unfulfilled purchase: %w", err))
		}
	} else {
		record := *txn
		record.Status = change.To
		record.CompletedAt = nil
		if change.To == models.TransactionStatusRefunded {
			record.RefundedAt = &change.At
			record.RefundReason = change.Reason
		} else {
			record.FailedAt = &change.At
			record.FailureReason = change.Reason
		}
		if err := s.store.Transactions().Create(ctx, &record); err != nil && !errors.Is(err, repository.ErrDuplicate) {
			logger.WithError(err).Error("Failed to record unfulfilled purchase")
			return nil, apperrors.Internal(fmt.Errorf("failed to record unfulfilled purchase: %w", err))
		}
	}

	payload := map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"charge_ref":     txn.ChargeRef(),
		"amount":         txn.GrossAmount.String(),
		"currency":       txn.Currency,
		"reason":         reason,
	}

	if refundErr != nil {
		logger.WithError(refundErr).Error("Refund of unfulfilled purchase failed")
		payload["refund"] = "failed: " + refundErr.Error()
		notifyBestEffort(ctx, s.notifier, s.logger, s.operatorID(), NotifyPurchaseUnfulfilled, payload)
		return nil, apperrors.FromGateway(refundErr)
	}

	metrics.PurchasesTotal.WithLabelValues(string(txn.PaymentMethod), PaymentStatusRefunded).Inc()
	logger.WithField("refund_id", refundID).Warn("Refunded purchase that could not be fulfilled")
	payload["refund"] = "completed"
	notifyBestEffort(ctx, s.notifier, s.logger, s.operatorID(), NotifyPurchaseUnfulfilled, payload)
	notifyBestEffort(ctx, s.notifier, s.logger, txn.PayerID, NotifyTransactionRefunded, payload)

	// A concurrent request may have recorded the charge first.
	current, err := s.store.Transactions().GetByChargeRef(ctx, txn.ChargeRef())
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to reload transaction: %w", err))
	}
	return current, nil
}

// refundUnquoted covers a charge the client captured for a purchase whose
// discount ran out before the purchase was recorded. A charge that has not
// succeeded cost the payer nothing and the discount error is returned as is.
func (s *PurchaseService) refundUnquoted(ctx context.Context, payerID uuid.UUID, issuer *models.Party, req PurchaseRequest, cause error) error {
	charge, err := s.gateway.RetrieveCharge(ctx, req.ChargeRef)
	if err != nil {
		return apperrors.FromGateway(err)
	}
	if charge.Status != gateway.ChargeStatusSucceeded {
		return cause
	}
	metadata := chargeMetadata(payerID, req.IssuerID, req.CourseID, req.Quantity)
	if _, err := s.gateway.VerifyCharge(ctx, req.ChargeRef, charge.Amount, metadata); err != nil {
		return apperrors.FromGateway(err)
	}

	currency := strings.ToUpper(charge.Currency)
	gross := utils.FromMinorUnits(charge.Amount, currency)
	pct := s.commissionPercent(issuer)
	commission, provider := SplitAmounts(gross, pct, currency)
	courseID := req.CourseID
	ref := req.ChargeRef

	txn := &models.Transaction{
		TransactionType:      models.TransactionTypePurchase,
		PayerType:            models.PartyTypeTrainingCenter,
		PayerID:              payerID,
		PayeeType:            models.PartyTypeAccreditationBody,
		PayeeID:              issuer.ID,
		CourseID:             &courseID,
		Quantity:             req.Quantity,
		UnitPrice:            utils.RoundToCurrency(gross.Div(decimal.NewFromInt(int64(req.Quantity))), currency),
		GrossAmount:          gross,
		Currency:             currency,
		CommissionPercentage: pct,
		CommissionAmount:     &commission,
		ProviderAmount:       &provider,
		PaymentMethod:        models.PaymentMethodGateway,
		GatewayChargeRef:     &ref,
		SplitMode:            charge.Destination != "",
		Status:               models.TransactionStatusPending,
	}
	return s.refunded(ctx, txn, false, cause)
}

func (s *PurchaseService) ledgerEntry(ctx context.Context, txn *models.Transaction) (*models.CommissionLedgerEntry, error) {
	issuer, err := s.catalog.GetParty(ctx, txn.PayeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load issuer: %w", err)
	}

	commission, provider := txn.CommissionAmount, txn.ProviderAmount
	if commission == nil || provider == nil {
		c, p := SplitAmounts(txn.GrossAmount, txn.CommissionPercentage, txn.Currency)
		commission, provider = &c, &p
	}

	entry := &models.CommissionLedgerEntry{
		TransactionID:      txn.ID,
		Currency:           txn.Currency,
		GrossAmount:        txn.GrossAmount,
		PlatformPercentage: txn.CommissionPercentage,
		PlatformAmount:     *commission,
		ProviderID:         txn.PayeeID,
		ProviderPercentage: decimal.NewFromInt(100).Sub(txn.CommissionPercentage),
		ProviderAmount:     *provider,
		TertiaryPercentage: decimal.Zero,
		TertiaryAmount:     decimal.Zero,
		SettlementStatus:   models.SettlementStatusPending,
	}

	// The referrer share comes out of the platform commission.
	if issuer.ReferrerID != nil && issuer.ReferrerPercentage.IsPositive() {
		tertiary := utils.RoundToCurrency(utils.Percentage(txn.GrossAmount, issuer.ReferrerPercentage), txn.Currency)
		if tertiary.GreaterThan(*commission) {
			tertiary = *commission
		}
		platformPct := txn.CommissionPercentage.Sub(issuer.ReferrerPercentage)
		if platformPct.IsNegative() {
			platformPct = decimal.Zero
		}
		entry.TertiaryPartyID = issuer.ReferrerID
		entry.TertiaryPercentage = issuer.ReferrerPercentage
		entry.TertiaryAmount = tertiary
		entry.PlatformPercentage = platformPct
		entry.PlatformAmount = commission.Sub(tertiary)
	}

	return entry, nil
}

// AfterFulfill runs the side effects of a newly completed purchase. None of
// them can undo it.
func (s *PurchaseService) AfterFulfill(ctx context.Context, txn *models.Transaction, batch *models.CodeBatch) {
	metrics.PurchasesTotal.WithLabelValues(string(txn.PaymentMethod), "completed").Inc()

	logger := s.logger.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"payer_id":       txn.PayerID,
		"payee_id":       txn.PayeeID,
		"gross_amount":   txn.GrossAmount.String(),
		"split_mode":     txn.SplitMode,
	})
	logger.Info("Purchase completed")

	payload := map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"quantity":       txn.Quantity,
		"amount":         txn.GrossAmount.String(),
		"currency":       txn.Currency,
	}
	if batch != nil {
		payload["batch_id"] = batch.ID.String()
	}
	notifyBestEffort(ctx, s.notifier, s.logger, txn.PayerID, NotifyPurchaseCompleted, payload)
	notifyBestEffort(ctx, s.notifier, s.logger, txn.PayeeID, NotifySaleCompleted, payload)

	if txn.SplitMode || s.transfers == nil {
		return
	}
	if _, err := s.transfers.HandleTransfer(ctx, txn.ID); err != nil {
		logger.WithError(err).Warn("Settlement transfer not completed, left for retry")
	}
}

func (s *PurchaseService) existingResult(ctx context.Context, txn *models.Transaction) (*PurchaseResult, error) {
	batch, err := s.store.Batches().GetByTransactionID(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load issued codes: %w", err)
	}
	return &PurchaseResult{
		Transaction:     txn,
		IssuedResources: batch.Codes,
		PaymentStatus:   PaymentStatusSucceeded,
	}, nil
}

func (s *PurchaseService) checkPreconditions(ctx context.Context, payerID, issuerID, courseID uuid.UUID) (*models.Party, error) {
	issuer, err := s.catalog.GetParty(ctx, issuerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.State(apperrors.CodeIssuerInactive, "issuing party not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issuer: %w", err)
	}
	if !issuer.IsActive() || issuer.PartyType != models.PartyTypeAccreditationBody {
		return nil, apperrors.State(apperrors.CodeIssuerInactive, "issuing party is not active")
	}

	course, err := s.catalog.GetCourse(ctx, courseID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.State(apperrors.CodeCourseNotFound, "course not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load course: %w", err)
	}
	if course.IssuerID != issuerID || !course.IsActive {
		return nil, apperrors.State(apperrors.CodeCourseNotFound, "course is not offered by this issuer")
	}

	auth, err := s.catalog.GetAuthorization(ctx, payerID, issuerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.State(apperrors.CodeNotAuthorized, "payer is not authorized by this issuer")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization: %w", err)
	}
	if !auth.ActiveAt(time.Now()) {
		return nil, apperrors.State(apperrors.CodeNotAuthorized, "authorization is not active")
	}

	return issuer, nil
}

func (s *PurchaseService) newTransaction(payerID uuid.UUID, issuer *models.Party, courseID uuid.UUID, quantity int, quote *Quote, method models.PaymentMethod) *models.Transaction {
	pct := s.commissionPercent(issuer)
	gross := quote.Charged()
	commission, provider := SplitAmounts(gross, pct, quote.Currency)

	txn := &models.Transaction{
		TransactionType:      models.TransactionTypePurchase,
		PayerType:            models.PartyTypeTrainingCenter,
		PayerID:              payerID,
		PayeeType:            models.PartyTypeAccreditationBody,
		PayeeID:              issuer.ID,
		CourseID:             &courseID,
		Quantity:             quantity,
		UnitPrice:            utils.RoundToCurrency(quote.UnitPrice, quote.Currency),
		DiscountAmount:       quote.RoundedDiscount(),
		GrossAmount:          gross,
		Currency:             quote.Currency,
		CommissionPercentage: pct,
		CommissionAmount:     &commission,
		ProviderAmount:       &provider,
		PaymentMethod:        method,
		Status:               models.TransactionStatusPending,
	}
	if quote.Discount != nil {
		id := quote.Discount.ID
		txn.DiscountCodeID = &id
	}
	return txn
}

func (s *PurchaseService) commissionPercent(issuer *models.Party) decimal.Decimal {
	if issuer.CommissionPercentage != nil {
		return *issuer.CommissionPercentage
	}
	return s.config.Payment.CommissionPercent()
}

// SplitAmounts divides gross into the platform commission and the provider
// share. The commission is rounded and the provider takes the remainder so
// the two always add up to gross.
func SplitAmounts(gross, pct decimal.Decimal, currency string) (decimal.Decimal, decimal.Decimal) {
	commission := utils.RoundToCurrency(utils.Percentage(gross, pct), currency)
	return commission, gross.Sub(commission)
}

func (s *PurchaseService) loadTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	txn, err := s.store.Transactions().GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.State(apperrors.CodeTransactionNotFound, "transaction not found")
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to load transaction: %w", err))
	}
	return txn, nil
}

func (s *PurchaseService) operatorID() uuid.UUID {
	id, err := uuid.Parse(s.config.Payment.OperatorPartyID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func (s *PurchaseService) deleteProof(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.storage.Delete(ctx, path); err != nil {
		s.logger.WithField("path", path).WithError(err).Error("Failed to delete payment proof")
	}
}

// failed logs and counts a purchase failure and returns it as an
// *apperrors.Error. Unexpected errors are logged in full and replaced by a
// generic internal error.
func (s *PurchaseService) failed(method models.PaymentMethod, err error, payerID uuid.UUID, extra ...logrus.Fields) error {
	appErr := apperrors.As(err)
	metrics.PurchasesTotal.WithLabelValues(string(method), "failed").Inc()

	fields := logrus.Fields{
		"payment_method": method,
		"payer_id":       payerID,
	}
	for _, f := range extra {
		for k, v := range f {
			fields[k] = v
		}
	}
	for k, v := range appErr.LogFields() {
		fields[k] = v
	}

	if appErr.Kind == apperrors.KindInternal {
		s.logger.WithFields(fields).WithError(err).Error("Purchase failed")
	} else {
		s.logger.WithFields(fields).Info("Purchase rejected")
	}
	return appErr
}

func matchesRequest(txn *models.Transaction, payerID uuid.UUID, req PurchaseRequest) error {
	if txn.PayerID != payerID || txn.PayeeID != req.IssuerID ||
		txn.CourseID == nil || *txn.CourseID != req.CourseID || txn.Quantity != req.Quantity {
		return apperrors.Validation(apperrors.CodeChargeMismatch, "charge belongs to a different purchase")
	}
	return nil
}

func chargeMetadata(payerID, issuerID, courseID uuid.UUID, quantity int) map[string]string {
	return map[string]string{
		"course_id": courseID.String(),
		"payer_id":  payerID.String(),
		"issuer_id": issuerID.String(),
		"quantity":  strconv.Itoa(quantity),
	}
}

func proofName(txnID uuid.UUID, original string) string {
	return txnID.String() + strings.ToLower(filepath.Ext(original))
}
