// internal/models/transaction.go
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Transaction struct {
	BaseModel
	TransactionType      TransactionType   `json:"transaction_type" gorm:"type:varchar(30);not null;index"`
	PayerType            PartyType         `json:"payer_type" gorm:"type:varchar(30);not null"`
	PayerID              uuid.UUID         `json:"payer_id" gorm:"type:uuid;not null;index"`
	PayeeType            PartyType         `json:"payee_type" gorm:"type:varchar(30);not null"`
	PayeeID              uuid.UUID         `json:"payee_id" gorm:"type:uuid;not null;index"`
	CourseID             *uuid.UUID        `json:"course_id,omitempty" gorm:"type:uuid;index"`
	Quantity             int               `json:"quantity" gorm:"not null;default:1"`
	DiscountCodeID       *uuid.UUID        `json:"discount_code_id,omitempty" gorm:"type:uuid;index"`
	UnitPrice            decimal.Decimal   `json:"unit_price" gorm:"type:decimal(12,2);not null"`
	DiscountAmount       decimal.Decimal   `json:"discount_amount" gorm:"type:decimal(12,2);not null;default:0"`
	GrossAmount          decimal.Decimal   `json:"gross_amount" gorm:"type:decimal(12,2);not null"`
	Currency             string            `json:"currency" gorm:"type:varchar(3);not null"`
	CommissionPercentage decimal.Decimal   `json:"commission_percentage" gorm:"type:decimal(5,2);not null;default:0"`
	CommissionAmount     *decimal.Decimal  `json:"commission_amount,omitempty" gorm:"type:decimal(12,2)"`
	ProviderAmount       *decimal.Decimal  `json:"provider_amount,omitempty" gorm:"type:decimal(12,2)"`
	PaymentMethod        PaymentMethod     `json:"payment_method" gorm:"type:varchar(20);not null"`
	GatewayChargeRef     *string           `json:"gateway_charge_ref,omitempty" gorm:"size:255;uniqueIndex"`
	SplitMode            bool              `json:"split_mode" gorm:"not null;default:false"`
	ProofPath            string            `json:"proof_path,omitempty" gorm:"size:512"`
	Status               TransactionStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	CompletedAt          *time.Time        `json:"completed_at"`
	FailedAt             *time.Time        `json:"failed_at"`
	RefundedAt           *time.Time        `json:"refunded_at"`
	FailureReason        string            `json:"failure_reason,omitempty" gorm:"type:text"`
	RefundReason         string            `json:"refund_reason,omitempty" gorm:"type:text"`
	ReviewedBy           *uuid.UUID        `json:"reviewed_by,omitempty" gorm:"type:uuid"`
}

// ChargeRef returns the gateway charge reference or "" for manual payments.
func (t *Transaction) ChargeRef() string {
	if t.GatewayChargeRef == nil {
		return ""
	}
	return *t.GatewayChargeRef
}

// Validate checks the split invariant gross == commission + provider.
func (t *Transaction) Validate() error {
	if t.CommissionAmount == nil || t.ProviderAmount == nil {
		return nil
	}
	if !t.GrossAmount.Equal(t.CommissionAmount.Add(*t.ProviderAmount)) {
		return fmt.Errorf("gross amount %s does not equal commission %s plus provider %s",
			t.GrossAmount, t.CommissionAmount, t.ProviderAmount)
	}
	return nil
}

type CommissionLedgerEntry struct {
	BaseModel
	TransactionID       uuid.UUID        `json:"transaction_id" gorm:"type:uuid;not null;uniqueIndex"`
	Currency            string           `json:"currency" gorm:"type:varchar(3);not null"`
	GrossAmount         decimal.Decimal  `json:"gross_amount" gorm:"type:decimal(12,2);not null"`
	PlatformPercentage  decimal.Decimal  `json:"platform_percentage" gorm:"type:decimal(5,2);not null"`
	PlatformAmount      decimal.Decimal  `json:"platform_amount" gorm:"type:decimal(12,2);not null"`
	ProviderID          uuid.UUID        `json:"provider_id" gorm:"type:uuid;not null;index"`
	ProviderPercentage  decimal.Decimal  `json:"provider_percentage" gorm:"type:decimal(5,2);not null"`
	ProviderAmount      decimal.Decimal  `json:"provider_amount" gorm:"type:decimal(12,2);not null"`
	TertiaryPartyID     *uuid.UUID       `json:"tertiary_party_id,omitempty" gorm:"type:uuid;index"`
	TertiaryPercentage  decimal.Decimal  `json:"tertiary_percentage" gorm:"type:decimal(5,2);not null;default:0"`
	TertiaryAmount      decimal.Decimal  `json:"tertiary_amount" gorm:"type:decimal(12,2);not null;default:0"`
	SettlementStatus    SettlementStatus `json:"settlement_status" gorm:"type:varchar(20);default:'pending';index"`
	SettlementDate      *time.Time       `json:"settlement_date"`
	SettlementReference string           `json:"settlement_reference,omitempty" gorm:"size:255"`
}
