// internal/models/transfer.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transfer moves the net proceeds of a non-split Transaction to the payee's
// connected account. At most one Transfer per transaction may be completed;
// the partial unique index created in database.createIndexes enforces it.
type Transfer struct {
	BaseModel
	TransactionID      uuid.UUID       `json:"transaction_id" gorm:"type:uuid;not null;index"`
	PayeeID            uuid.UUID       `json:"payee_id" gorm:"type:uuid;not null;index"`
	GrossAmount        decimal.Decimal `json:"gross_amount" gorm:"type:decimal(12,2);not null"`
	CommissionAmount   decimal.Decimal `json:"commission_amount" gorm:"type:decimal(12,2);not null"`
	NetAmount          decimal.Decimal `json:"net_amount" gorm:"type:decimal(12,2);not null"`
	Currency           string          `json:"currency" gorm:"type:varchar(3);not null"`
	DestinationAccount string          `json:"destination_account,omitempty" gorm:"size:255"`
	GatewayTransferRef *string         `json:"gateway_transfer_ref,omitempty" gorm:"size:255"`
	IdempotencyKey     string          `json:"idempotency_key" gorm:"size:64;not null"`
	Status             TransferStatus  `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	RetryCount         int             `json:"retry_count" gorm:"not null;default:0"`
	ErrorMessage       *string         `json:"error_message,omitempty" gorm:"type:text"`
	ProcessedAt        *time.Time      `json:"processed_at"`
	CompletedAt        *time.Time      `json:"completed_at"`
	FailedAt           *time.Time      `json:"failed_at"`
}

func (t *Transfer) IsTerminal() bool {
	return t.Status == TransferStatusCompleted
}
