// Package validation provides request validation and query decoding.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/form/v4"
	"github.com/go-playground/validator/v10"

	"github.com/formbricks/hdir/internal/api/response"
	"github.com/formbricks/hdir/internal/huberrors"
)

var (
	// validate and decoder are package-level singletons that are safe for concurrent
	// read-only access (validate.Struct() and decoder.Decode() are thread-safe).
	// All registrations MUST happen in init() only, as they are NOT thread-safe.
	validate *validator.Validate
	decoder  *form.Decoder
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	decoder = form.NewDecoder()

	// Report fields by their wire names (json tag, else form tag) so messages match the request.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}

		return f.Name
	})

	if err := validate.RegisterValidation("no_null_bytes", validateNoNullBytes); err != nil {
		slog.Error("Failed to register no_null_bytes validator", "error", err)
	}

	if err := validate.RegisterValidation("not_blank", validateNotBlank); err != nil {
		slog.Error("Failed to register not_blank validator", "error", err)
	}
}

// Error is a struct validation failure. It matches huberrors.ErrValidation and keeps the
// per-field errors for the problem response.
type Error struct {
	msg    string
	fields validator.ValidationErrors
}

func (e *Error) Error() string { return e.msg }

// Unwrap exposes both the validation sentinel and the field errors.
func (e *Error) Unwrap() []error {
	return []error{huberrors.ErrValidation, e.fields}
}

// ValidateStruct validates a struct using go-playground/validator.
// The returned error is an *Error and matches huberrors.ErrValidation.
func ValidateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		return formatValidationErrors(err)
	}

	return nil
}

// formatValidationErrors converts validator errors to an *Error whose message can be used
// as the problem detail.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, formatFieldError(fieldError))
		}

		return &Error{
			msg:    "validation failed: " + strings.Join(messages, "; "),
			fields: validationErrors,
		}
	}

	return err
}

// formatFieldError formats a single field validation error.
func formatFieldError(fieldError validator.FieldError) string {
	field := fieldError.Field()

	switch fieldError.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fieldError.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fieldError.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fieldError.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fieldError.Param())
	case "url":
		return field + " must be a valid URL"
	case "excluded_with":
		return fmt.Sprintf("%s cannot be combined with %s", field, fieldError.Param())
	case "no_null_bytes":
		return field + " must not contain NULL bytes"
	case "not_blank":
		return field + " must not be empty or whitespace"
	default:
		return field + " is invalid"
	}
}

// GetValidationErrorDetails extracts field-level error details from validation errors
// Returns a slice of ErrorDetail for RFC 7807 Problem Details.
func GetValidationErrorDetails(err error) []response.ErrorDetail {
	var details []response.ErrorDetail

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fieldError := range validationErrors {
			details = append(details, response.ErrorDetail{
				Location: fieldError.Field(),
				Message:  formatFieldError(fieldError),
				Value:    fieldError.Value(),
			})
		}
	}

	return details
}

// RespondValidationError writes a validation error response with RFC 7807 Problem Details.
func RespondValidationError(w http.ResponseWriter, err error) {
	details := GetValidationErrorDetails(err)

	problem := response.ProblemDetails{
		Type:   "about:blank",
		Title:  "Validation Error",
		Status: http.StatusBadRequest,
		Detail: err.Error(),
		Errors: details,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusBadRequest)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		slog.Error("Failed to encode validation error response", "error", err)
	}
}

// DecodeQueryParams decodes URL query parameters into a struct using its form tags.
// Decode failures (e.g. top_k=abc) are validation errors.
func DecodeQueryParams(r *http.Request, dst any) error {
	if err := decoder.Decode(dst, r.URL.Query()); err != nil {
		var decodeErrs form.DecodeErrors
		if errors.As(err, &decodeErrs) {
			fields := make([]string, 0, len(decodeErrs))
			for name := range decodeErrs {
				fields = append(fields, name)
			}

			return huberrors.NewValidationError(strings.Join(fields, ","),
				"invalid query parameter: "+strings.Join(fields, ", "))
		}

		return fmt.Errorf("failed to decode query parameters: %w", err)
	}

	return nil
}

// ValidateAndDecodeQueryParams decodes and validates query parameters in one step.
func ValidateAndDecodeQueryParams(r *http.Request, dst any) error {
	if err := DecodeQueryParams(r, dst); err != nil {
		return err
	}

	return ValidateStruct(dst)
}

// validateNoNullBytes checks that a string field does not contain NULL bytes
// Handles both string and *string types.
func validateNoNullBytes(fl validator.FieldLevel) bool {
	field, ok := stringField(fl)
	if !ok {
		return true
	}

	return !strings.Contains(field, "\x00")
}

// validateNotBlank rejects strings that are empty after trimming whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	field, ok := stringField(fl)
	if !ok {
		return true
	}

	return strings.TrimSpace(field) != ""
}

// stringField returns the string behind fl, dereferencing pointers. ok is false for nil
// pointers and non-string kinds, which the caller treats as valid.
func stringField(fl validator.FieldLevel) (string, bool) {
	field := fl.Field()

	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return "", false
		}

		field = field.Elem()
	}

	if field.Kind() != reflect.String {
		return "", false
	}

	return field.String(), true
}
