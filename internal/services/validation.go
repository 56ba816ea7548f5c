package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"
)

const maxBodyBytes = 1_048_576 // 1 MB

var (
	assetCodePattern  = regexp.MustCompile(`^[A-Za-z0-9]{1,12}$`)
	entityCodePattern = regexp.MustCompile(`^[A-Z0-9_-]+$`)
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a validator with the custom tags stellar_public,
// stellar_secret, amount, asset_code and entity_code registered.
func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterValidation("stellar_public", func(fl validator.FieldLevel) bool {
		return strkey.IsValidEd25519PublicKey(fl.Field().String())
	})
	v.RegisterValidation("stellar_secret", func(fl validator.FieldLevel) bool {
		return strkey.IsValidEd25519SecretSeed(fl.Field().String())
	})
	v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		_, err := parseAmount(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("asset_code", func(fl validator.FieldLevel) bool {
		return assetCodePattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("entity_code", func(fl validator.FieldLevel) bool {
		return entityCodePattern.MatchString(fl.Field().String())
	})
	return &ValidationHelper{validator: v}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	var fieldErrs validator.ValidationErrors
	if validationErr != nil && errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeAndValidate reads a single JSON object into dst and validates it,
// writing the 400 response itself. It reports whether the handler may go on.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, vh *ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := vh.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// parseAmount accepts any positive decimal. Extra precision is rounded later
// by formatAmount, never rejected.
func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newValidationError("Invalid amount %q", raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, newValidationError("Invalid amount: must be greater than zero")
	}
	return d, nil
}

// formatAmount renders d with exactly 7 fractional digits, rounding half away
// from zero.
func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(7)
}
