// internal/repository/catalog.go
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/accredit-backend/internal/models"
)

// GormCatalog reads the course catalogue, parties and authorizations.
type GormCatalog struct {
	db *gorm.DB
}

func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

func (c *GormCatalog) GetParty(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	var party models.Party
	if err := c.db.WithContext(ctx).First(&party, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &party, nil
}

func (c *GormCatalog) GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	var course models.Course
	if err := c.db.WithContext(ctx).First(&course, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &course, nil
}

// GetEffectivePrice returns the price the issuer charges for the course on
// asOf.
func (c *GormCatalog) GetEffectivePrice(ctx context.Context, courseID, issuerID uuid.UUID, asOf time.Time) (*models.CoursePrice, error) {
	var prices []models.CoursePrice
	err := c.db.WithContext(ctx).
		Where("course_id = ? AND party_id = ?", courseID, issuerID).
		Order("effective_from DESC").
		Find(&prices).Error
	if err != nil {
		return nil, err
	}
	return SelectEffectivePrice(prices, asOf)
}

func (c *GormCatalog) GetAuthorization(ctx context.Context, partyID, counterpartyID uuid.UUID) (*models.PartyAuthorization, error) {
	var auth models.PartyAuthorization
	err := c.db.WithContext(ctx).
		Where("party_id = ? AND counterparty_id = ?", partyID, counterpartyID).
		First(&auth).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &auth, nil
}
