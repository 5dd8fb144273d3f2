// internal/models/batch.go
package models

import (
	"github.com/google/uuid"
)

// CodeBatch is the purchased unit: a batch of redeemable certificate codes.
// It exists only for completed transactions.
type CodeBatch struct {
	BaseModel
	TransactionID  uuid.UUID    `json:"transaction_id" gorm:"type:uuid;not null;uniqueIndex"`
	CourseID       uuid.UUID    `json:"course_id" gorm:"type:uuid;not null;index"`
	PayerID        uuid.UUID    `json:"payer_id" gorm:"type:uuid;not null;index"`
	IssuerID       uuid.UUID    `json:"issuer_id" gorm:"type:uuid;not null;index"`
	Quantity       int          `json:"quantity" gorm:"not null"`
	DiscountCodeID *uuid.UUID   `json:"discount_code_id,omitempty" gorm:"type:uuid"`
	Codes          []IssuedCode `json:"codes,omitempty" gorm:"foreignKey:BatchID"`
}

type IssuedCode struct {
	BaseModel
	BatchID        uuid.UUID  `json:"batch_id" gorm:"type:uuid;not null;index"`
	Code           string     `json:"code" gorm:"size:32;not null;uniqueIndex"`
	DiscountCodeID *uuid.UUID `json:"discount_code_id,omitempty" gorm:"type:uuid"`
	Status         CodeStatus `json:"status" gorm:"type:varchar(20);default:'available';index"`
}
