// internal/utils/money.go
package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

var currencyExponents = map[string]int32{
	"jpy": 0, "krw": 0, "vnd": 0, "clp": 0, "isk": 0, "ugx": 0,
	"kwd": 3, "bhd": 3, "jod": 3, "omr": 3, "tnd": 3,
}

// CurrencyExponent is the number of minor-unit digits of an ISO 4217 code.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToLower(currency)]; ok {
		return exp
	}
	return 2
}

// RoundToCurrency rounds half away from zero to the currency precision.
func RoundToCurrency(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(CurrencyExponent(currency))
}

// ToMinorUnits converts an amount to the integer units a gateway expects.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	exp := CurrencyExponent(currency)
	return amount.Round(exp).Shift(exp).IntPart()
}

func FromMinorUnits(units int64, currency string) decimal.Decimal {
	return decimal.New(units, -CurrencyExponent(currency))
}

// Percentage returns amount × pct / 100 without rounding.
func Percentage(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}
