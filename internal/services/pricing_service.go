// internal/services/pricing_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/javajoker/accredit-backend/internal/apperrors"
	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/repository"
	"github.com/javajoker/accredit-backend/internal/utils"
)

// Discount rejection reasons, reported in the discount_invalid details.
const (
	DiscountNotFound             = "not_found"
	DiscountInactive             = "inactive"
	DiscountNotStarted           = "not_started"
	DiscountExpired              = "expired"
	DiscountNotApplicable        = "not_applicable"
	DiscountInsufficientQuantity = "insufficient_quantity"
)

type PricingService struct {
	catalog   Catalog
	discounts repository.DiscountRepository
}

type QuoteRequest struct {
	CourseID     uuid.UUID `json:"course_id" validate:"required"`
	IssuerID     uuid.UUID `json:"issuer_id" validate:"required"`
	Quantity     int       `json:"quantity" validate:"required,min=1,max=10000"`
	DiscountCode string    `json:"discount_code,omitempty" validate:"discount_code"`
	AsOf         time.Time `json:"-"`
}

// Quote amounts are exact. Round only when presenting, charging or
// persisting.
type Quote struct {
	UnitPrice      decimal.Decimal
	TotalAmount    decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	Currency       string
	Discount       *models.DiscountCode
	Price          *models.CoursePrice
	Course         *models.Course
}

type QuoteView struct {
	CourseID           uuid.UUID       `json:"course_id"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	Quantity           int             `json:"quantity"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	FinalAmount        decimal.Decimal `json:"final_amount"`
	Currency           string          `json:"currency"`
	DiscountCode       string          `json:"discount_code,omitempty"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
}

func NewPricingService(catalog Catalog, discounts repository.DiscountRepository) *PricingService {
	return &PricingService{
		catalog:   catalog,
		discounts: discounts,
	}
}

func (s *PricingService) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.Quantity < 1 {
		return nil, apperrors.Validation(apperrors.CodeValidation, "quantity must be at least 1")
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}

	course, err := s.catalog.GetCourse(ctx, req.CourseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.State(apperrors.CodeCourseNotFound, "course not found")
		}
		return nil, fmt.Errorf("failed to load course: %w", err)
	}
	if course.IssuerID != req.IssuerID || !course.IsActive {
		return nil, apperrors.State(apperrors.CodeCourseNotFound, "course is not offered by this issuer")
	}

	price, err := s.catalog.GetEffectivePrice(ctx, req.CourseID, req.IssuerID, asOf)
	if err != nil {
		return nil, priceError(err)
	}

	total := price.Amount.Mul(decimal.NewFromInt(int64(req.Quantity)))
	quote := &Quote{
		UnitPrice:      price.Amount,
		TotalAmount:    total,
		DiscountAmount: decimal.Zero,
		FinalAmount:    total,
		Currency:       strings.ToUpper(price.Currency),
		Price:          price,
		Course:         course,
	}

	if code := strings.TrimSpace(req.DiscountCode); code != "" {
		discount, err := s.discounts.GetByCode(ctx, req.IssuerID, code)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to load discount code: %w", err)
		}
		if err := ValidateDiscount(discount, req.IssuerID, req.CourseID, req.Quantity, asOf); err != nil {
			return nil, err
		}
		quote.Discount = discount
		quote.DiscountAmount = utils.Percentage(total, discount.Percentage)
		quote.FinalAmount = total.Sub(quote.DiscountAmount)
	}

	if !utils.RoundToCurrency(quote.FinalAmount, quote.Currency).IsPositive() {
		return nil, apperrors.Validation(apperrors.CodeAmountNotChargeable, "final amount after discount must be greater than zero").
			WithDetail("final_amount", quote.FinalAmount.String())
	}

	return quote, nil
}

// ValidateDiscount checks a discount code for one purchase. Checks run in a
// fixed order and the first failure wins.
func ValidateDiscount(d *models.DiscountCode, issuerID, courseID uuid.UUID, quantity int, asOf time.Time) error {
	switch {
	case d == nil || d.IssuerID != issuerID:
		return discountError(DiscountNotFound, "discount code not found")
	case d.Status != models.DiscountStatusActive:
		return discountError(DiscountInactive, "discount code is not active")
	case d.StartsAt != nil && asOf.Before(*d.StartsAt):
		return discountError(DiscountNotStarted, "discount code is not valid yet").
			WithDetail("starts_at", d.StartsAt)
	case d.EndsAt != nil && !asOf.Before(*d.EndsAt):
		return discountError(DiscountExpired, "discount code has expired").
			WithDetail("ends_at", d.EndsAt)
	case !d.AppliesTo(courseID):
		return discountError(DiscountNotApplicable, "discount code does not apply to this course")
	case d.DiscountType == models.DiscountTypeQuantityLimited && d.Remaining() < quantity:
		return discountError(DiscountInsufficientQuantity, "discount code does not cover the requested quantity").
			WithDetail("remaining", d.Remaining())
	}
	return nil
}

func discountError(reason, message string) *apperrors.Error {
	return apperrors.Validation(apperrors.CodeDiscountInvalid, message).WithDetail("reason", reason)
}

func priceError(err error) error {
	var notEffective *repository.PriceNotEffectiveError
	switch {
	case errors.Is(err, repository.ErrPriceNotFound):
		return apperrors.State(apperrors.CodePricingNotFound, "no price is configured for this course")
	case errors.As(err, &notEffective):
		return apperrors.State(apperrors.CodePricingNotEffective, notEffective.Error()).
			WithDetail("boundary", notEffective.Boundary.Format("2006-01-02")).
			WithDetail("future", notEffective.Future)
	default:
		return fmt.Errorf("failed to load price: %w", err)
	}
}

// View rounds the quote for presentation.
func (q *Quote) View(quantity int) QuoteView {
	view := QuoteView{
		CourseID:       q.Course.ID,
		UnitPrice:      utils.RoundToCurrency(q.UnitPrice, q.Currency),
		Quantity:       quantity,
		TotalAmount:    utils.RoundToCurrency(q.TotalAmount, q.Currency),
		DiscountAmount: q.RoundedDiscount(),
		FinalAmount:    q.Charged(),
		Currency:       q.Currency,
	}
	if q.Discount != nil {
		view.DiscountCode = q.Discount.Code
		view.DiscountPercentage = q.Discount.Percentage
	}
	return view
}

// Charged is the final amount at currency precision.
func (q *Quote) Charged() decimal.Decimal {
	return utils.RoundToCurrency(q.FinalAmount, q.Currency)
}

// RoundedDiscount keeps total == discount + final after rounding.
func (q *Quote) RoundedDiscount() decimal.Decimal {
	return utils.RoundToCurrency(q.TotalAmount, q.Currency).Sub(q.Charged())
}
