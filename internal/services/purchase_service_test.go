package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/accredit-backend/internal/apperrors"
	"github.com/javajoker/accredit-backend/internal/gateway"
	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/utils"
)

func TestSplitAmounts(t *testing.T) {
	tests := []struct {
		gross, pct, commission, provider string
	}{
		{"300.00", "20", "60.00", "240.00"},
		{"99.99", "15", "15.00", "84.99"},
		{"0.05", "50", "0.03", "0.02"},
		{"100.00", "0", "0.00", "100.00"},
	}

	for _, tt := range tests {
		t.Run(tt.gross+"@"+tt.pct, func(t *testing.T) {
			commission, provider := SplitAmounts(dec(t, tt.gross), dec(t, tt.pct), "USD")
			assert.True(t, dec(t, tt.commission).Equal(commission), "commission %s", commission)
			assert.True(t, dec(t, tt.provider).Equal(provider), "provider %s", provider)
			assert.True(t, dec(t, tt.gross).Equal(commission.Add(provider)))
		})
	}
}

func TestInitiateAndPurchaseWithSplitCharge(t *testing.T) {
	f := newFixture(t)

	initiated, err := f.purchases.InitiatePurchase(testCtx, f.payer.ID, InitiateRequest{
		CourseID: f.course.ID,
		IssuerID: f.issuer.ID,
		Quantity: 3,
	})
	require.NoError(t, err)
	assert.True(t, initiated.SplitMode)
	assert.NotEmpty(t, initiated.ClientSecret)
	require.Len(t, f.gw.SplitCalls, 1)
	assert.Equal(t, int64(30000), f.gw.SplitCalls[0].Amount)
	assert.Equal(t, int64(6000), f.gw.SplitCalls[0].Commission)
	assert.Equal(t, "acct_issuer", f.gw.SplitCalls[0].Destination)
	assert.Equal(t, models.TransactionStatusPending, initiated.Transaction.Status)

	req := f.purchaseRequest(initiated.ChargeRef, 3)
	req.PaymentMethodID = "pm_card_visa"
	result, err := f.purchases.Purchase(testCtx, f.payer.ID, req)
	require.NoError(t, err)

	txn := result.Transaction
	assert.Equal(t, PaymentStatusSucceeded, result.PaymentStatus)
	assert.Equal(t, models.TransactionStatusCompleted, txn.Status)
	assert.True(t, decimal.NewFromInt(300).Equal(txn.GrossAmount))
	assert.True(t, decimal.NewFromInt(60).Equal(*txn.CommissionAmount))
	assert.True(t, decimal.NewFromInt(240).Equal(*txn.ProviderAmount))
	assert.Len(t, result.IssuedResources, 3)
	assert.Equal(t, 1, f.store.LedgerCount())

	// The gateway routed the provider share already.
	assert.Empty(t, f.store.AllTransfers())
	assert.Equal(t, []string{NotifyPurchaseCompleted}, f.notifier.Types(f.payer.ID))
	assert.Equal(t, []string{NotifySaleCompleted}, f.notifier.Types(f.issuer.ID))
}

func TestInitiateFallsBackToStandardCharge(t *testing.T) {
	f := newFixture(t)
	f.setPayoutAccount("")

	initiated, err := f.purchases.InitiatePurchase(testCtx, f.payer.ID, InitiateRequest{
		CourseID: f.course.ID,
		IssuerID: f.issuer.ID,
		Quantity: 3,
	})
	require.NoError(t, err)
	assert.False(t, initiated.SplitMode)
	assert.Len(t, f.gw.SplitCalls, 1)
	assert.Len(t, f.gw.ChargeCalls, 1)
	assert.Equal(t, int64(30000), f.gw.ChargeCalls[0].Amount)

	req := f.purchaseRequest(initiated.ChargeRef, 3)
	req.PaymentMethodID = "pm_card_visa"
	result, err := f.purchases.Purchase(testCtx, f.payer.ID, req)
	require.NoError(t, err)
	assert.False(t, result.Transaction.SplitMode)

	transfers := f.store.AllTransfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, models.TransferStatusPending, transfers[0].Status)
	require.NotNil(t, transfers[0].ErrorMessage)
	assert.Equal(t, noPayoutAccountMessage, *transfers[0].ErrorMessage)
	assert.True(t, decimal.NewFromInt(240).Equal(transfers[0].NetAmount))
	assert.Contains(t, f.notifier.Types(f.operator.ID), NotifyTransferNeedsAccount)
	assert.Equal(t, 0, f.gw.TransferCount())
}

func TestPurchaseSettlesNonSplitChargeByTransfer(t *testing.T) {
	f := newFixture(t)
	f.paidCharge("pi_direct", 3, 30000, "")

	result, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_direct", 3))
	require.NoError(t, err)
	assert.False(t, result.Transaction.SplitMode)

	transfers := f.store.AllTransfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, models.TransferStatusCompleted, transfers[0].Status)
	assert.Equal(t, "acct_issuer", transfers[0].DestinationAccount)
	require.Len(t, f.gw.TransferCalls, 1)
	assert.Equal(t, int64(24000), f.gw.TransferCalls[0].Amount)
	assert.Equal(t, transfers[0].IdempotencyKey, f.gw.TransferCalls[0].IdempotencyKey)
}

func TestPurchaseIsIdempotentPerCharge(t *testing.T) {
	f := newFixture(t)
	f.paidCharge("pi_repeat", 2, 20000, "acct_issuer")

	first, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_repeat", 2))
	require.NoError(t, err)
	second, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_repeat", 2))
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Len(t, second.IssuedResources, 2)
	assert.Equal(t, first.IssuedResources[0].Code, second.IssuedResources[0].Code)
	assert.Equal(t, 1, f.store.BatchCount())
	assert.Len(t, f.store.AllTransactions(), 1)
}

func TestPurchaseRejectsChargeForAnotherPurchase(t *testing.T) {
	f := newFixture(t)
	f.paidCharge("pi_other", 2, 20000, "acct_issuer")

	_, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_other", 2))
	require.NoError(t, err)

	_, err = f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_other", 5))
	assert.Equal(t, apperrors.CodeChargeMismatch, apperrors.CodeOf(err))
}

func TestPurchaseChargeStates(t *testing.T) {
	tests := []struct {
		name   string
		status gateway.ChargeStatus
		code   string
	}{
		{"requires payment method", gateway.ChargeStatusRequiresPaymentMethod, apperrors.CodePaymentMethodRequired},
		{"requires action", gateway.ChargeStatusRequiresAction, apperrors.CodePaymentRequiresAction},
		{"processing", gateway.ChargeStatusProcessing, apperrors.CodePaymentProcessing},
		{"canceled", gateway.ChargeStatusCanceled, apperrors.CodePaymentCanceled},
		{"requires capture", gateway.ChargeStatusRequiresCapture, apperrors.CodePaymentNotConfirmed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.paidCharge("pi_state", 1, 10000, "")
			f.gw.SetStatus("pi_state", tt.status)

			_, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_state", 1))
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
			assert.Empty(t, f.store.AllTransactions())
		})
	}
}

func TestPurchaseRejectsUnderpaidCharge(t *testing.T) {
	f := newFixture(t)
	f.paidCharge("pi_short", 3, 29999, "")

	_, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_short", 3))
	assert.Equal(t, apperrors.CodeAmountMismatch, apperrors.CodeOf(err))
	assert.Empty(t, f.store.AllTransactions())
	assert.Equal(t, 0, f.store.BatchCount())
}

func TestPurchasePreconditions(t *testing.T) {
	t.Run("unauthorized payer", func(t *testing.T) {
		f := newFixture(t)
		stranger := f.catalog.PutParty(models.Party{Name: "Unknown", PartyType: models.PartyTypeTrainingCenter})
		f.paidCharge("pi_x", 1, 10000, "")

		_, err := f.purchases.Purchase(testCtx, stranger.ID, f.purchaseRequest("pi_x", 1))
		assert.Equal(t, apperrors.CodeNotAuthorized, apperrors.CodeOf(err))
	})

	t.Run("suspended issuer", func(t *testing.T) {
		f := newFixture(t)
		f.issuer.Status = models.PartyStatusSuspended
		f.catalog.PutParty(f.issuer)

		_, err := f.purchases.InitiatePurchase(testCtx, f.payer.ID, InitiateRequest{
			CourseID: f.course.ID, IssuerID: f.issuer.ID, Quantity: 1,
		})
		assert.Equal(t, apperrors.CodeIssuerInactive, apperrors.CodeOf(err))
	})

	t.Run("course of another issuer", func(t *testing.T) {
		f := newFixture(t)
		other := f.catalog.PutCourse(models.Course{IssuerID: f.operator.ID, Title: "Other", IsActive: true})

		_, err := f.purchases.InitiatePurchase(testCtx, f.payer.ID, InitiateRequest{
			CourseID: other.ID, IssuerID: f.issuer.ID, Quantity: 1,
		})
		assert.Equal(t, apperrors.CodeCourseNotFound, apperrors.CodeOf(err))
	})
}

func manualProof(content string) *Proof {
	return &Proof{
		Name:        "receipt.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(content)),
		Reader:      strings.NewReader(content),
	}
}

func (f *fixture) manualRequest(quantity int, claimed string) ManualPurchaseRequest {
	amount, _ := decimal.NewFromString(claimed)
	return ManualPurchaseRequest{
		CourseID:      f.course.ID,
		IssuerID:      f.issuer.ID,
		Quantity:      quantity,
		ClaimedAmount: amount,
	}
}

func TestPurchaseManualAmountMismatchPersistsNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.purchases.PurchaseManual(testCtx, f.payer.ID, f.manualRequest(3, "299.00"), manualProof("bank transfer"))
	require.Error(t, err)
	appErr := apperrors.As(err)
	assert.Equal(t, apperrors.CodeAmountMismatch, appErr.Code)
	assert.Equal(t, "300", appErr.Details["expected_amount"])

	assert.Empty(t, f.store.AllTransactions())
	assert.Equal(t, 0, f.storage.Count())
}

func TestPurchaseManualRequiresProof(t *testing.T) {
	f := newFixture(t)

	_, err := f.purchases.PurchaseManual(testCtx, f.payer.ID, f.manualRequest(1, "100.00"), nil)
	assert.Equal(t, apperrors.CodeProofRequired, apperrors.CodeOf(err))
}

func TestPurchaseManualApproveIssuesCodesOnce(t *testing.T) {
	f := newFixture(t)
	reviewer := f.operator.ID

	submitted, err := f.purchases.PurchaseManual(testCtx, f.payer.ID, f.manualRequest(3, "300.01"), manualProof("bank transfer"))
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPendingReview, submitted.PaymentStatus)
	assert.Empty(t, submitted.IssuedResources)
	assert.Equal(t, 0, f.store.BatchCount())
	assert.NotEmpty(t, submitted.Transaction.ProofPath)
	assert.True(t, f.storage.Exists(submitted.Transaction.ProofPath))
	assert.Contains(t, f.notifier.Types(f.operator.ID), NotifyManualPaymentSubmitted)

	approved, err := f.purchases.ApproveManualPayment(testCtx, submitted.Transaction.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, approved.Transaction.Status)
	require.NotNil(t, approved.Transaction.ReviewedBy)
	assert.Equal(t, reviewer, *approved.Transaction.ReviewedBy)
	assert.Len(t, approved.IssuedResources, 3)

	again, err := f.purchases.ApproveManualPayment(testCtx, submitted.Transaction.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, approved.IssuedResources[0].Code, again.IssuedResources[0].Code)
	assert.Equal(t, 1, f.store.BatchCount())
}

func TestPurchaseManualDeletesProofOnRollback(t *testing.T) {
	f := newFixture(t)
	f.store.FailTransactionCreate = errors.New("insert failed")

	_, err := f.purchases.PurchaseManual(testCtx, f.payer.ID, f.manualRequest(1, "100.00"), manualProof("bank transfer"))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))

	require.Len(t, f.storage.Stored, 1)
	assert.Equal(t, f.storage.Stored, f.storage.Deleted)
	assert.Equal(t, 0, f.storage.Count())
	assert.Empty(t, f.store.AllTransactions())
	assert.True(t, f.hasLog(logrus.ErrorLevel, "Purchase failed"))
}

func TestRejectManualPayment(t *testing.T) {
	f := newFixture(t)

	submitted, err := f.purchases.PurchaseManual(testCtx, f.payer.ID, f.manualRequest(1, "100.00"), manualProof("bank transfer"))
	require.NoError(t, err)

	rejected, err := f.purchases.RejectManualPayment(testCtx, submitted.Transaction.ID, f.operator.ID, "unreadable receipt")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, rejected.Transaction.Status)
	assert.Equal(t, "unreadable receipt", rejected.Transaction.FailureReason)
	assert.False(t, f.storage.Exists(submitted.Transaction.ProofPath))
	assert.Contains(t, f.notifier.Types(f.payer.ID), NotifyManualPaymentRejected)

	_, err = f.purchases.ApproveManualPayment(testCtx, submitted.Transaction.ID, f.operator.ID)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))
}

func TestNotificationFailureDoesNotFailPurchase(t *testing.T) {
	f := newFixture(t)
	f.notifier.Err = errors.New("smtp down")
	f.paidCharge("pi_notify", 1, 10000, "acct_issuer")

	result, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_notify", 1))
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, result.Transaction.Status)
	assert.True(t, f.hasLog(logrus.WarnLevel, "Failed to send notification"))
}

func TestDiscountIsNeverOverRedeemed(t *testing.T) {
	f := newFixture(t)
	discount := f.store.PutDiscount(models.DiscountCode{
		IssuerID:      f.issuer.ID,
		Code:          "LAUNCH10",
		DiscountType:  models.DiscountTypeQuantityLimited,
		Percentage:    decimal.NewFromInt(10),
		TotalQuantity: 5,
		Status:        models.DiscountStatusActive,
	})

	const buyers = 10
	for i := 0; i < buyers; i++ {
		f.paidCharge(fmt.Sprintf("pi_discount_%d", i), 1, 9000, "acct_issuer")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		codes     []string
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := f.purchaseRequest(fmt.Sprintf("pi_discount_%d", i), 1)
			req.DiscountCode = "LAUNCH10"
			_, err := f.purchases.Purchase(testCtx, f.payer.ID, req)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			codes = append(codes, apperrors.CodeOf(err))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	require.Len(t, codes, 5)
	for _, code := range codes {
		assert.Equal(t, apperrors.CodePurchaseRefunded, code)
	}
	stored := f.store.Discount(discount.ID)
	assert.Equal(t, 5, stored.UsedQuantity)
	assert.LessOrEqual(t, stored.UsedQuantity, stored.TotalQuantity)
	assert.Equal(t, 5, f.store.BatchCount())

	// Every payer who lost the race got their money back.
	var completed, refunded int
	for _, txn := range f.store.AllTransactions() {
		switch txn.Status {
		case models.TransactionStatusCompleted:
			completed++
			assert.False(t, f.gw.Refunded(txn.ChargeRef()))
		case models.TransactionStatusRefunded:
			refunded++
			assert.True(t, f.gw.Refunded(txn.ChargeRef()))
			assert.Contains(t, txn.RefundReason, "could not be fulfilled")
		default:
			t.Errorf("transaction %s left %s", txn.ID, txn.Status)
		}
	}
	assert.Equal(t, 5, completed)
	assert.Equal(t, 5, refunded)
	assert.Len(t, f.gw.RefundCalls, 5)
	assert.Contains(t, f.notifier.Types(f.operator.ID), NotifyPurchaseUnfulfilled)
}

func TestUnfulfillablePurchaseRefundFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.store.PutDiscount(models.DiscountCode{
		IssuerID:      f.issuer.ID,
		Code:          "ONE",
		DiscountType:  models.DiscountTypeQuantityLimited,
		Percentage:    decimal.NewFromInt(10),
		TotalQuantity: 1,
		Status:        models.DiscountStatusActive,
	})
	f.paidCharge("pi_first", 1, 9000, "acct_issuer")
	f.paidCharge("pi_second", 1, 9000, "acct_issuer")

	first := f.purchaseRequest("pi_first", 1)
	first.DiscountCode = "ONE"
	_, err := f.purchases.Purchase(testCtx, f.payer.ID, first)
	require.NoError(t, err)

	f.gw.Fail["refund"] = &gateway.Error{Reason: gateway.ReasonUnavailable, Retryable: true, Message: "timeout"}
	second := f.purchaseRequest("pi_second", 1)
	second.DiscountCode = "ONE"
	_, err = f.purchases.Purchase(testCtx, f.payer.ID, second)
	assert.Equal(t, apperrors.CodeGatewayUnavailable, apperrors.CodeOf(err))

	txn, err := f.store.Transactions().GetByChargeRef(testCtx, "pi_second")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, txn.Status)
	assert.Contains(t, txn.FailureReason, "refund failed")
	assert.False(t, f.gw.Refunded("pi_second"))
	assert.Contains(t, f.notifier.Types(f.operator.ID), NotifyPurchaseUnfulfilled)

	// The retry finds the stored transaction and refunds it.
	_, err = f.purchases.Purchase(testCtx, f.payer.ID, second)
	assert.Equal(t, apperrors.CodePurchaseRefunded, apperrors.CodeOf(err))
	txn, err = f.store.Transactions().GetByChargeRef(testCtx, "pi_second")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusRefunded, txn.Status)
	assert.True(t, f.gw.Refunded("pi_second"))
	assert.Equal(t, 1, f.store.BatchCount())
}

func TestRefundTransaction(t *testing.T) {
	f := newFixture(t)
	f.paidCharge("pi_refund", 1, 10000, "acct_issuer")

	result, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_refund", 1))
	require.NoError(t, err)

	refunded, err := f.purchases.RefundTransaction(testCtx, result.Transaction.ID, f.operator.ID, RefundRequest{Reason: "duplicate order"})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusRefunded, refunded.Transaction.Status)
	assert.Equal(t, "duplicate order", refunded.Transaction.RefundReason)
	assert.Equal(t, []string{"pi_refund"}, f.gw.RefundCalls)

	again, err := f.purchases.RefundTransaction(testCtx, result.Transaction.ID, f.operator.ID, RefundRequest{Reason: "duplicate order"})
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusRefunded, again.PaymentStatus)
	assert.Len(t, f.gw.RefundCalls, 1)
}

func TestRefundRequiresCompletedTransaction(t *testing.T) {
	f := newFixture(t)

	submitted, err := f.purchases.PurchaseManual(testCtx, f.payer.ID, f.manualRequest(1, "100.00"), manualProof("bank transfer"))
	require.NoError(t, err)

	_, err = f.purchases.RefundTransaction(testCtx, submitted.Transaction.ID, f.operator.ID, RefundRequest{Reason: "changed mind"})
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))
}

func TestLedgerCarvesReferrerShareFromCommission(t *testing.T) {
	f := newFixture(t)
	referrer := f.catalog.PutParty(models.Party{Name: "Agent", PartyType: models.PartyTypeReferrer})
	f.issuer.ReferrerID = &referrer.ID
	f.issuer.ReferrerPercentage = decimal.NewFromInt(5)
	f.catalog.PutParty(f.issuer)
	f.paidCharge("pi_ref", 2, 20000, "acct_issuer")

	result, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest("pi_ref", 2))
	require.NoError(t, err)

	entry, err := f.store.Ledger().GetByTransactionID(testCtx, result.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(entry.TertiaryAmount))
	assert.True(t, decimal.NewFromInt(30).Equal(entry.PlatformAmount))
	assert.True(t, decimal.NewFromInt(160).Equal(entry.ProviderAmount))
	assert.True(t, entry.GrossAmount.Equal(entry.PlatformAmount.Add(entry.TertiaryAmount).Add(entry.ProviderAmount)))
}

func TestGetHistoryPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		ref := fmt.Sprintf("pi_hist_%d", i)
		f.paidCharge(ref, 1, 10000, "acct_issuer")
		_, err := f.purchases.Purchase(testCtx, f.payer.ID, f.purchaseRequest(ref, 1))
		require.NoError(t, err)
	}

	page, total, err := f.purchases.GetHistory(testCtx, f.payer.ID, utils.PaginationParams{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 2)

	_, issuerTotal, err := f.purchases.GetHistory(testCtx, f.issuer.ID, utils.PaginationParams{Page: 1, Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(3), issuerTotal)

	_, refundedTotal, err := f.purchases.GetHistory(testCtx, f.payer.ID, utils.PaginationParams{Page: 1, Limit: 20, Status: "refunded"})
	require.NoError(t, err)
	assert.Zero(t, refundedTotal)
}
