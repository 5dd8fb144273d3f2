// internal/models/catalog.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Party is any organisation money moves between. Accreditation bodies carry
// the commission settings and payout account used by settlement.
type Party struct {
	BaseModel
	Name                 string           `json:"name" gorm:"size:255;not null"`
	PartyType            PartyType        `json:"party_type" gorm:"type:varchar(30);not null;index"`
	Email                string           `json:"email" gorm:"size:255"`
	Status               PartyStatus      `json:"status" gorm:"type:varchar(20);default:'active';index"`
	CommissionPercentage *decimal.Decimal `json:"commission_percentage,omitempty" gorm:"type:decimal(5,2)"`
	PayoutAccountID      string           `json:"payout_account_id,omitempty" gorm:"size:255"`
	ReferrerID           *uuid.UUID       `json:"referrer_id,omitempty" gorm:"type:uuid"`
	ReferrerPercentage   decimal.Decimal  `json:"referrer_percentage" gorm:"type:decimal(5,2);not null;default:0"`
}

func (p *Party) IsActive() bool {
	return p.Status == PartyStatusActive
}

type Course struct {
	BaseModel
	IssuerID uuid.UUID `json:"issuer_id" gorm:"type:uuid;not null;index"`
	Title    string    `json:"title" gorm:"size:255;not null"`
	Code     string    `json:"code" gorm:"size:50;index"`
	IsActive bool      `json:"is_active" gorm:"default:true"`
}

type CoursePrice struct {
	BaseModel
	CourseID      uuid.UUID       `json:"course_id" gorm:"type:uuid;not null;index:idx_course_prices_lookup"`
	PartyID       uuid.UUID       `json:"party_id" gorm:"type:uuid;not null;index:idx_course_prices_lookup"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	Currency      string          `json:"currency" gorm:"type:varchar(3);not null"`
	EffectiveFrom time.Time       `json:"effective_from" gorm:"not null"`
	EffectiveTo   *time.Time      `json:"effective_to"`
}

// EffectiveAt reports whether the price window [from, to) contains t.
func (p *CoursePrice) EffectiveAt(t time.Time) bool {
	if t.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || t.Before(*p.EffectiveTo)
}

// PartyAuthorization records that a training center may buy from an
// accreditation body.
type PartyAuthorization struct {
	BaseModel
	PartyID        uuid.UUID           `json:"party_id" gorm:"type:uuid;not null;uniqueIndex:idx_party_authorizations_pair"`
	CounterpartyID uuid.UUID           `json:"counterparty_id" gorm:"type:uuid;not null;uniqueIndex:idx_party_authorizations_pair"`
	Status         AuthorizationStatus `json:"status" gorm:"type:varchar(20);default:'active'"`
	ExpiresAt      *time.Time          `json:"expires_at"`
}

func (a *PartyAuthorization) ActiveAt(t time.Time) bool {
	if a.Status != AuthorizationStatusActive {
		return false
	}
	return a.ExpiresAt == nil || t.Before(*a.ExpiresAt)
}
