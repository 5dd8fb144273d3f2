package repository

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/accredit-backend/internal/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func price(amount string, from time.Time, to *time.Time) models.CoursePrice {
	return models.CoursePrice{
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		EffectiveFrom: from,
		EffectiveTo:   to,
	}
}

func TestSelectEffectivePrice(t *testing.T) {
	end := date(2024, 6, 1)
	prices := []models.CoursePrice{
		price("100", date(2024, 1, 1), &end),
		price("120", date(2024, 6, 1), nil),
	}

	p, err := SelectEffectivePrice(prices, date(2024, 3, 15))
	require.NoError(t, err)
	assert.Equal(t, "100", p.Amount.String())

	// The end boundary is exclusive.
	p, err = SelectEffectivePrice(prices, date(2024, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, "120", p.Amount.String())
}

func TestSelectEffectivePriceOverlapPrefersLatestStart(t *testing.T) {
	prices := []models.CoursePrice{
		price("100", date(2024, 1, 1), nil),
		price("90", date(2024, 2, 1), nil),
	}

	p, err := SelectEffectivePrice(prices, date(2024, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, "90", p.Amount.String())
}

func TestSelectEffectivePriceNotEffective(t *testing.T) {
	end := date(2023, 12, 31)

	_, err := SelectEffectivePrice([]models.CoursePrice{price("100", date(2025, 1, 1), nil)}, date(2024, 1, 1))
	var notEffective *PriceNotEffectiveError
	require.ErrorAs(t, err, &notEffective)
	assert.True(t, notEffective.Future)
	assert.Equal(t, date(2025, 1, 1), notEffective.Boundary)

	_, err = SelectEffectivePrice([]models.CoursePrice{price("100", date(2023, 1, 1), &end)}, date(2024, 1, 1))
	require.ErrorAs(t, err, &notEffective)
	assert.False(t, notEffective.Future)
	assert.Contains(t, err.Error(), "2023-12-31")
}

func TestSelectEffectivePriceNone(t *testing.T) {
	_, err := SelectEffectivePrice(nil, time.Now())
	assert.ErrorIs(t, err, ErrPriceNotFound)
}
