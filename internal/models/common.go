// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// BeforeCreate assigns the id client side so callers can reference a row
// (idempotency keys, storage paths) before the insert round-trips.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Enums
type PartyType string

const (
	PartyTypePlatform          PartyType = "platform"
	PartyTypeAccreditationBody PartyType = "accreditation_body"
	PartyTypeTrainingCenter    PartyType = "training_center"
	PartyTypeReferrer          PartyType = "referrer"
	PartyTypeAdmin             PartyType = "admin"
)

type PartyStatus string

const (
	PartyStatusActive    PartyStatus = "active"
	PartyStatusSuspended PartyStatus = "suspended"
)

type TransactionType string

const (
	TransactionTypePurchase         TransactionType = "purchase"
	TransactionTypeSettlement       TransactionType = "settlement"
	TransactionTypeAuthorizationFee TransactionType = "authorization_fee"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodGateway PaymentMethod = "gateway"
	PaymentMethodManual  PaymentMethod = "manual"
)

type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "pending"
	TransferStatusProcessing TransferStatus = "processing"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusFailed     TransferStatus = "failed"
	TransferStatusRetrying   TransferStatus = "retrying"
)

type SettlementStatus string

const (
	SettlementStatusPending SettlementStatus = "pending"
	SettlementStatusPaid    SettlementStatus = "paid"
)

type DiscountType string

const (
	DiscountTypeTimeLimited     DiscountType = "time_limited"
	DiscountTypeQuantityLimited DiscountType = "quantity_limited"
)

type DiscountStatus string

const (
	DiscountStatusActive   DiscountStatus = "active"
	DiscountStatusInactive DiscountStatus = "inactive"
)

type CodeStatus string

const (
	CodeStatusAvailable CodeStatus = "available"
	CodeStatusRedeemed  CodeStatus = "redeemed"
	CodeStatusVoided    CodeStatus = "voided"
)

type AuthorizationStatus string

const (
	AuthorizationStatusActive  AuthorizationStatus = "active"
	AuthorizationStatusRevoked AuthorizationStatus = "revoked"
)
