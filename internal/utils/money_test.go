package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(24000), ToMinorUnits(decimal.RequireFromString("240"), "usd"))
	assert.Equal(t, int64(1999), ToMinorUnits(decimal.RequireFromString("19.99"), "USD"))
	assert.Equal(t, int64(1000), ToMinorUnits(decimal.RequireFromString("999.5"), "jpy"))
	assert.Equal(t, int64(1235), ToMinorUnits(decimal.RequireFromString("1.2345"), "kwd"))
	assert.Equal(t, int64(34), ToMinorUnits(decimal.RequireFromString("0.335"), "eur"))
}

func TestFromMinorUnits(t *testing.T) {
	assert.True(t, decimal.RequireFromString("19.99").Equal(FromMinorUnits(1999, "usd")))
	assert.True(t, decimal.NewFromInt(500).Equal(FromMinorUnits(500, "jpy")))
}

func TestPercentageKeepsPrecision(t *testing.T) {
	got := Percentage(decimal.RequireFromString("33.33"), decimal.RequireFromString("15"))
	assert.Equal(t, "4.9995", got.String())
	assert.Equal(t, "5", RoundToCurrency(got, "usd").String())
}
