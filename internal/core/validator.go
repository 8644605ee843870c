package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"omnifm/internal/license"
	"omnifm/internal/types"
)

// Validator wraps go-playground/validator with the domain-specific tags the
// request DTOs use: server_id, license_key, and seat_count.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags. Tag
// registration only fails on programmer error (blank tag names), so failures
// panic at startup rather than surfacing per-request.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()

	mustRegister(v, "server_id", func(fl validator.FieldLevel) bool {
		return types.IsServerID(fl.Field().String())
	})
	mustRegister(v, "license_key", func(fl validator.FieldLevel) bool {
		return license.IsLicenseKey(license.NormalizeKey(fl.Field().String()))
	})
	mustRegister(v, "seat_count", func(fl validator.FieldLevel) bool {
		return types.SeatCountAllowed(int(fl.Field().Int()))
	})

	return &Validator{validate: v, logger: logger}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("registering validation tag %q: %v", tag, err))
	}
}

// ValidateStruct runs tag validation on a request DTO and maps the first
// failure to the matching domain error code.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"request validation failed", err)
	}

	fe := fieldErrs[0]
	code := codeForTag(fe.Tag())
	return types.NewAppErrorWithDetails(code,
		fmt.Sprintf("field %s failed validation (%s)", fe.Field(), fe.Tag()),
		nil,
		map[string]any{"field": fe.Field(), "rule": fe.Tag()},
	)
}

func codeForTag(tag string) types.ErrorCode {
	switch tag {
	case "server_id":
		return types.ErrCodeValidationInvalidServerID
	case "license_key":
		return types.ErrCodeValidationInvalidKey
	case "seat_count":
		return types.ErrCodeValidationInvalidSeats
	case "email":
		return types.ErrCodeValidationInvalidEmail
	case "required":
		return types.ErrCodeValidationMissingField
	case "min", "max", "gte", "lte":
		return types.ErrCodeValidationInvalidMonths
	default:
		return types.ErrCodeValidationMissingField
	}
}
