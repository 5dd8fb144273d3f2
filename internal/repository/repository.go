// internal/repository/repository.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/utils"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict means a guarded update matched no row because a
	// concurrent writer got there first.
	ErrConflict = errors.New("concurrent update conflict")
)

// TransactionChange describes a status transition and the columns that go
// with it.
type TransactionChange struct {
	To         models.TransactionStatus
	At         time.Time
	Reason     string
	ReviewedBy *uuid.UUID
}

type TransactionRepository interface {
	Create(ctx context.Context, txn *models.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetByChargeRef(ctx context.Context, ref string) (*models.Transaction, error)
	// Transition applies change only when the current status is one of
	// from, and reports whether a row was updated.
	Transition(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, change TransactionChange) (bool, error)
	ListByParty(ctx context.Context, partyID uuid.UUID, params utils.PaginationParams) ([]models.Transaction, int64, error)
}

type LedgerRepository interface {
	Create(ctx context.Context, entry *models.CommissionLedgerEntry) error
	GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*models.CommissionLedgerEntry, error)
}

type TransferChange struct {
	To             models.TransferStatus
	At             time.Time
	ErrorMessage   *string
	ClearError     bool
	GatewayRef     string
	Destination    string
	IncrementRetry bool
	// StaleBefore, when set, only matches a transfer last updated before it.
	StaleBefore time.Time
}

type TransferRepository interface {
	Create(ctx context.Context, transfer *models.Transfer) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transfer, error)
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.Transfer, error)
	HasCompleted(ctx context.Context, transactionID uuid.UUID) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, from []models.TransferStatus, change TransferChange) (bool, error)
	// ListRetryable returns failed and retrying transfers with retries left,
	// plus processing ones abandoned since before staleBefore.
	ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]models.Transfer, error)
}

type DiscountRepository interface {
	GetByCode(ctx context.Context, issuerID uuid.UUID, code string) (*models.DiscountCode, error)
	// LockByID reads the code under a row lock held until the unit of
	// work ends.
	LockByID(ctx context.Context, id uuid.UUID) (*models.DiscountCode, error)
	IncrementUsed(ctx context.Context, id uuid.UUID, quantity int) error
}

type BatchRepository interface {
	Create(ctx context.Context, batch *models.CodeBatch) error
	GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*models.CodeBatch, error)
}

type WebhookEventRepository interface {
	// Record inserts the event and reports false when it was already
	// recorded.
	Record(ctx context.Context, event *models.WebhookEvent) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, processingError string) error
}

type Repositories interface {
	Transactions() TransactionRepository
	Ledger() LedgerRepository
	Transfers() TransferRepository
	Discounts() DiscountRepository
	Batches() BatchRepository
	WebhookEvents() WebhookEventRepository
}

// Tx is one unit of work. Repositories obtained from it share a single
// database transaction.
type Tx interface {
	Repositories
	// OnRollback registers a compensating action that runs, newest first,
	// when the unit of work does not commit.
	OnRollback(fn func())
}

type Store interface {
	Repositories
	Do(ctx context.Context, fn func(tx Tx) error) error
}
