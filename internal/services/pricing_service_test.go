package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/accredit-backend/internal/apperrors"
	"github.com/javajoker/accredit-backend/internal/models"
)

func TestQuoteWithoutDiscount(t *testing.T) {
	f := newFixture(t)

	quote, err := f.pricing.Quote(testCtx, QuoteRequest{CourseID: f.course.ID, IssuerID: f.issuer.ID, Quantity: 3})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(quote.UnitPrice))
	assert.True(t, decimal.NewFromInt(300).Equal(quote.TotalAmount))
	assert.True(t, decimal.Zero.Equal(quote.DiscountAmount))
	assert.True(t, decimal.NewFromInt(300).Equal(quote.FinalAmount))
	assert.Equal(t, "USD", quote.Currency)
	assert.Nil(t, quote.Discount)
}

func TestQuoteAppliesPercentageDiscount(t *testing.T) {
	f := newFixture(t)
	f.store.PutDiscount(models.DiscountCode{
		IssuerID:     f.issuer.ID,
		Code:         "SPRING15",
		DiscountType: models.DiscountTypeTimeLimited,
		Percentage:   decimal.NewFromInt(15),
		Status:       models.DiscountStatusActive,
	})

	quote, err := f.pricing.Quote(testCtx, QuoteRequest{
		CourseID: f.course.ID, IssuerID: f.issuer.ID, Quantity: 3, DiscountCode: "SPRING15",
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(45).Equal(quote.DiscountAmount))
	assert.True(t, decimal.NewFromInt(255).Equal(quote.FinalAmount))

	view := quote.View(3)
	assert.Equal(t, "SPRING15", view.DiscountCode)
	assert.True(t, view.TotalAmount.Equal(view.DiscountAmount.Add(view.FinalAmount)))
}

func TestQuoteRoundsOnlyForPresentation(t *testing.T) {
	f := newFixture(t)
	odd := f.catalog.PutCourse(models.Course{IssuerID: f.issuer.ID, Title: "CPR", IsActive: true})
	f.catalog.PutPrice(models.CoursePrice{
		CourseID: odd.ID, PartyID: f.issuer.ID, Amount: dec(t, "33.33"), Currency: "USD",
		EffectiveFrom: time.Now().AddDate(0, -1, 0),
	})
	f.store.PutDiscount(models.DiscountCode{
		IssuerID: f.issuer.ID, Code: "THIRD", DiscountType: models.DiscountTypeTimeLimited,
		Percentage: dec(t, "12.5"), Status: models.DiscountStatusActive,
	})

	quote, err := f.pricing.Quote(testCtx, QuoteRequest{CourseID: odd.ID, IssuerID: f.issuer.ID, Quantity: 3, DiscountCode: "THIRD"})
	require.NoError(t, err)
	assert.True(t, dec(t, "12.49875").Equal(quote.DiscountAmount))
	assert.True(t, dec(t, "87.49").Equal(quote.Charged()))
	assert.True(t, dec(t, "12.50").Equal(quote.RoundedDiscount()))
}

func TestQuoteRejectsFullDiscount(t *testing.T) {
	f := newFixture(t)
	f.store.PutDiscount(models.DiscountCode{
		IssuerID: f.issuer.ID, Code: "FREE", DiscountType: models.DiscountTypeTimeLimited,
		Percentage: decimal.NewFromInt(100), Status: models.DiscountStatusActive,
	})

	_, err := f.pricing.Quote(testCtx, QuoteRequest{CourseID: f.course.ID, IssuerID: f.issuer.ID, Quantity: 1, DiscountCode: "FREE"})
	assert.Equal(t, apperrors.CodeAmountNotChargeable, apperrors.CodeOf(err))
}

func TestQuotePricingErrors(t *testing.T) {
	f := newFixture(t)

	unpriced := f.catalog.PutCourse(models.Course{IssuerID: f.issuer.ID, Title: "Unpriced", IsActive: true})
	_, err := f.pricing.Quote(testCtx, QuoteRequest{CourseID: unpriced.ID, IssuerID: f.issuer.ID, Quantity: 1})
	assert.Equal(t, apperrors.CodePricingNotFound, apperrors.CodeOf(err))

	upcoming := f.catalog.PutCourse(models.Course{IssuerID: f.issuer.ID, Title: "Upcoming", IsActive: true})
	f.catalog.PutPrice(models.CoursePrice{
		CourseID: upcoming.ID, PartyID: f.issuer.ID, Amount: decimal.NewFromInt(50), Currency: "USD",
		EffectiveFrom: time.Now().AddDate(0, 1, 0),
	})
	_, err = f.pricing.Quote(testCtx, QuoteRequest{CourseID: upcoming.ID, IssuerID: f.issuer.ID, Quantity: 1})
	appErr := apperrors.As(err)
	assert.Equal(t, apperrors.CodePricingNotEffective, appErr.Code)
	assert.Equal(t, true, appErr.Details["future"])

	_, err = f.pricing.Quote(testCtx, QuoteRequest{CourseID: f.course.ID, IssuerID: f.issuer.ID, Quantity: 0})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestValidateDiscountOrder(t *testing.T) {
	issuer := uuid.New()
	course := uuid.New()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)

	valid := func() *models.DiscountCode {
		return &models.DiscountCode{
			IssuerID:      issuer,
			Code:          "CODE",
			DiscountType:  models.DiscountTypeQuantityLimited,
			Percentage:    decimal.NewFromInt(10),
			TotalQuantity: 10,
			UsedQuantity:  8,
			Status:        models.DiscountStatusActive,
		}
	}

	tests := []struct {
		name     string
		mutate   func(d *models.DiscountCode) *models.DiscountCode
		quantity int
		reason   string
	}{
		{"missing", func(d *models.DiscountCode) *models.DiscountCode { return nil }, 1, DiscountNotFound},
		{"other issuer", func(d *models.DiscountCode) *models.DiscountCode { d.IssuerID = uuid.New(); return d }, 1, DiscountNotFound},
		{"inactive beats dates", func(d *models.DiscountCode) *models.DiscountCode {
			d.Status = models.DiscountStatusInactive
			d.StartsAt = &future
			return d
		}, 1, DiscountInactive},
		{"not started", func(d *models.DiscountCode) *models.DiscountCode { d.StartsAt = &future; return d }, 1, DiscountNotStarted},
		{"ends at is exclusive", func(d *models.DiscountCode) *models.DiscountCode { d.EndsAt = &now; return d }, 1, DiscountExpired},
		{"expired beats course", func(d *models.DiscountCode) *models.DiscountCode {
			d.EndsAt = &past
			d.CourseIDs = pq.StringArray{uuid.New().String()}
			return d
		}, 1, DiscountExpired},
		{"other course", func(d *models.DiscountCode) *models.DiscountCode {
			d.CourseIDs = pq.StringArray{uuid.New().String()}
			return d
		}, 1, DiscountNotApplicable},
		{"quantity exhausted", func(d *models.DiscountCode) *models.DiscountCode { return d }, 3, DiscountInsufficientQuantity},
		{"valid", func(d *models.DiscountCode) *models.DiscountCode { return d }, 2, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDiscount(tt.mutate(valid()), issuer, course, tt.quantity, now)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			appErr := apperrors.As(err)
			assert.Equal(t, apperrors.CodeDiscountInvalid, appErr.Code)
			assert.Equal(t, tt.reason, appErr.Details["reason"])
		})
	}
}
