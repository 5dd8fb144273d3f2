// internal/utils/validator.go
package utils

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("currency_code", validateCurrencyCode)
	validate.RegisterValidation("discount_code", validateDiscountCode)
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

var (
	currencyPattern     = regexp.MustCompile("^[a-zA-Z]{3}$")
	discountCodePattern = regexp.MustCompile("^[A-Za-z0-9_-]{3,50}$")
)

func validateCurrencyCode(fl validator.FieldLevel) bool {
	return currencyPattern.MatchString(fl.Field().String())
}

func validateDiscountCode(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	if code == "" {
		return true
	}
	return discountCodePattern.MatchString(code)
}

// Validation tags for common fields
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   strings.ToLower(e.Field()),
				Tag:     e.Tag(),
				Message: getValidationMessage(e),
			})
		}
	}

	return validationErrors
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "uuid", "uuid4":
		return e.Field() + " must be a valid UUID"
	case "min", "gte":
		return e.Field() + " must be at least " + e.Param()
	case "max", "lte":
		return e.Field() + " must be at most " + e.Param()
	case "currency_code":
		return e.Field() + " must be a three letter ISO 4217 code"
	case "discount_code":
		return e.Field() + " must be 3-50 letters, digits, dashes or underscores"
	default:
		return e.Field() + " is invalid"
	}
}
