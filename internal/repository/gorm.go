// internal/repository/gorm.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/utils"
)

// GormStore is the postgres backed Store.
type GormStore struct {
	db *gorm.DB
	gormRepositories
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, gormRepositories: gormRepositories{db: db}}
}

type gormRepositories struct {
	db *gorm.DB
}

func (r gormRepositories) Transactions() TransactionRepository {
	return &gormTransactionRepository{db: r.db}
}

func (r gormRepositories) Ledger() LedgerRepository {
	return &gormLedgerRepository{db: r.db}
}

func (r gormRepositories) Transfers() TransferRepository {
	return &gormTransferRepository{db: r.db}
}

func (r gormRepositories) Discounts() DiscountRepository {
	return &gormDiscountRepository{db: r.db}
}

func (r gormRepositories) Batches() BatchRepository {
	return &gormBatchRepository{db: r.db}
}

func (r gormRepositories) WebhookEvents() WebhookEventRepository {
	return &gormWebhookEventRepository{db: r.db}
}

type gormTx struct {
	gormRepositories
	rollbacks []func()
}

func (t *gormTx) OnRollback(fn func()) {
	t.rollbacks = append(t.rollbacks, fn)
}

func (t *gormTx) runRollbacks() {
	for i := len(t.rollbacks) - 1; i >= 0; i-- {
		t.rollbacks[i]()
	}
	t.rollbacks = nil
}

// Do runs fn in one database transaction. Registered rollback actions run
// when fn fails, the commit fails or fn panics.
func (s *GormStore) Do(ctx context.Context, fn func(tx Tx) error) (err error) {
	work := &gormTx{}

	defer func() {
		if r := recover(); r != nil {
			work.runRollbacks()
			panic(r)
		}
		if err != nil {
			work.runRollbacks()
		}
	}()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		work.gormRepositories = gormRepositories{db: tx}
		return fn(work)
	})
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

type gormTransactionRepository struct {
	db *gorm.DB
}

func (r *gormTransactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	return translateError(r.db.WithContext(ctx).Create(txn).Error)
}

func (r *gormTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).First(&txn, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &txn, nil
}

func (r *gormTransactionRepository) GetByChargeRef(ctx context.Context, ref string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).Where("gateway_charge_ref = ?", ref).First(&txn).Error; err != nil {
		return nil, translateError(err)
	}
	return &txn, nil
}

func (r *gormTransactionRepository) Transition(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, change TransactionChange) (bool, error) {
	values := make([]interface{}, len(from))
	for i, s := range from {
		values[i] = s
	}

	updates := map[string]interface{}{"status": change.To}
	switch change.To {
	case models.TransactionStatusCompleted:
		updates["completed_at"] = change.At
	case models.TransactionStatusFailed:
		updates["failed_at"] = change.At
		updates["failure_reason"] = change.Reason
	case models.TransactionStatusRefunded:
		updates["refunded_at"] = change.At
		updates["refund_reason"] = change.Reason
	}
	if change.ReviewedBy != nil {
		updates["reviewed_by"] = *change.ReviewedBy
	}

	res := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Where(clause.IN{Column: "status", Values: values}).
		Updates(updates)
	if res.Error != nil {
		return false, translateError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *gormTransactionRepository) ListByParty(ctx context.Context, partyID uuid.UUID, params utils.PaginationParams) ([]models.Transaction, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("payer_id = ? OR payee_id = ?", partyID, partyID)
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	allowedSortFields := []string{"created_at", "gross_amount", "status"}
	query = utils.ApplySort(query, params, allowedSortFields)
	query = utils.ApplyPagination(query, params)

	var transactions []models.Transaction
	if err := query.Find(&transactions).Error; err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}

type gormLedgerRepository struct {
	db *gorm.DB
}

func (r *gormLedgerRepository) Create(ctx context.Context, entry *models.CommissionLedgerEntry) error {
	return translateError(r.db.WithContext(ctx).Create(entry).Error)
}

func (r *gormLedgerRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*models.CommissionLedgerEntry, error) {
	var entry models.CommissionLedgerEntry
	if err := r.db.WithContext(ctx).First(&entry, "transaction_id = ?", transactionID).Error; err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

type gormTransferRepository struct {
	db *gorm.DB
}

func (r *gormTransferRepository) Create(ctx context.Context, transfer *models.Transfer) error {
	return translateError(r.db.WithContext(ctx).Create(transfer).Error)
}

func (r *gormTransferRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	var transfer models.Transfer
	if err := r.db.WithContext(ctx).First(&transfer, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &transfer, nil
}

func (r *gormTransferRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.Transfer, error) {
	var transfers []models.Transfer
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&transfers).Error
	return transfers, err
}

func (r *gormTransferRepository) HasCompleted(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Transfer{}).
		Where("transaction_id = ? AND status = ?", transactionID, models.TransferStatusCompleted).
		Count(&count).Error
	return count > 0, err
}

func (r *gormTransferRepository) Transition(ctx context.Context, id uuid.UUID, from []models.TransferStatus, change TransferChange) (bool, error) {
	values := make([]interface{}, len(from))
	for i, s := range from {
		values[i] = s
	}

	updates := map[string]interface{}{"status": change.To}
	switch change.To {
	case models.TransferStatusProcessing:
		updates["processed_at"] = change.At
	case models.TransferStatusCompleted:
		updates["completed_at"] = change.At
	case models.TransferStatusFailed:
		updates["failed_at"] = change.At
	}
	if change.ErrorMessage != nil {
		updates["error_message"] = *change.ErrorMessage
	} else if change.ClearError {
		updates["error_message"] = nil
	}
	if change.GatewayRef != "" {
		updates["gateway_transfer_ref"] = change.GatewayRef
	}
	if change.Destination != "" {
		updates["destination_account"] = change.Destination
	}
	if change.IncrementRetry {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}

	query := r.db.WithContext(ctx).Model(&models.Transfer{}).
		Where("id = ?", id).
		Where(clause.IN{Column: "status", Values: values})
	if !change.StaleBefore.IsZero() {
		query = query.Where("updated_at < ?", change.StaleBefore)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return false, translateError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *gormTransferRepository) ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]models.Transfer, error) {
	var transfers []models.Transfer
	err := r.db.WithContext(ctx).
		Where("retry_count < ?", maxRetries).
		Where(r.db.Where("status IN ?", []models.TransferStatus{models.TransferStatusFailed, models.TransferStatusRetrying}).
			Or("status = ? AND updated_at < ?", models.TransferStatusProcessing, staleBefore)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&transfers).Error
	return transfers, err
}

type gormDiscountRepository struct {
	db *gorm.DB
}

func (r *gormDiscountRepository) GetByCode(ctx context.Context, issuerID uuid.UUID, code string) (*models.DiscountCode, error) {
	var discount models.DiscountCode
	err := r.db.WithContext(ctx).
		Where("issuer_id = ? AND code = ?", issuerID, code).
		First(&discount).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &discount, nil
}

func (r *gormDiscountRepository) LockByID(ctx context.Context, id uuid.UUID) (*models.DiscountCode, error) {
	var discount models.DiscountCode
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&discount, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &discount, nil
}

func (r *gormDiscountRepository) IncrementUsed(ctx context.Context, id uuid.UUID, quantity int) error {
	res := r.db.WithContext(ctx).Model(&models.DiscountCode{}).
		Where("id = ?", id).
		Where("discount_type <> ? OR used_quantity + ? <= total_quantity", models.DiscountTypeQuantityLimited, quantity).
		UpdateColumn("used_quantity", gorm.Expr("used_quantity + ?", quantity))
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

type gormBatchRepository struct {
	db *gorm.DB
}

// Create inserts the batch and its codes. Codes are inserted explicitly so
// a code collision fails the unit of work instead of being skipped.
func (r *gormBatchRepository) Create(ctx context.Context, batch *models.CodeBatch) error {
	db := r.db.WithContext(ctx)
	codes := batch.Codes

	if err := db.Omit("Codes").Create(batch).Error; err != nil {
		return translateError(err)
	}

	for i := range codes {
		codes[i].BatchID = batch.ID
	}
	if len(codes) > 0 {
		if err := db.CreateInBatches(&codes, 500).Error; err != nil {
			return translateError(err)
		}
	}
	batch.Codes = codes
	return nil
}

func (r *gormBatchRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*models.CodeBatch, error) {
	var batch models.CodeBatch
	err := r.db.WithContext(ctx).
		Preload("Codes").
		First(&batch, "transaction_id = ?", transactionID).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &batch, nil
}

type gormWebhookEventRepository struct {
	db *gorm.DB
}

func (r *gormWebhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, translateError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *gormWebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, processingError string) error {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":     gorm.Expr("NOW()"),
			"processing_error": processingError,
		}).Error
}
