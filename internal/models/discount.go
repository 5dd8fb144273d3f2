// internal/models/discount.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type DiscountCode struct {
	BaseModel
	IssuerID      uuid.UUID       `json:"issuer_id" gorm:"type:uuid;not null;uniqueIndex:idx_discount_codes_issuer_code"`
	Code          string          `json:"code" gorm:"size:50;not null;uniqueIndex:idx_discount_codes_issuer_code"`
	DiscountType  DiscountType    `json:"discount_type" gorm:"type:varchar(20);not null"`
	Percentage    decimal.Decimal `json:"percentage" gorm:"type:decimal(5,2);not null"`
	CourseIDs     pq.StringArray  `json:"course_ids,omitempty" gorm:"type:text[]"`
	StartsAt      *time.Time      `json:"starts_at"`
	EndsAt        *time.Time      `json:"ends_at"`
	TotalQuantity int             `json:"total_quantity" gorm:"not null;default:0"`
	UsedQuantity  int             `json:"used_quantity" gorm:"not null;default:0;check:chk_discount_codes_usage,used_quantity <= total_quantity OR discount_type <> 'quantity_limited'"`
	Status        DiscountStatus  `json:"status" gorm:"type:varchar(20);default:'active';index"`
}

// Remaining reports how many units a quantity-limited code can still cover.
func (d *DiscountCode) Remaining() int {
	return d.TotalQuantity - d.UsedQuantity
}

func (d *DiscountCode) AppliesTo(courseID uuid.UUID) bool {
	if len(d.CourseIDs) == 0 {
		return true
	}
	for _, id := range d.CourseIDs {
		if id == courseID.String() {
			return true
		}
	}
	return false
}
