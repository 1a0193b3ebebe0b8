// Package validate checks request payloads and room codes.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidRoomCode = errors.New("invalid room code")

	roomCodePattern = regexp.MustCompile(`^[a-z0-9]{3}-[a-z0-9]{3}-[a-z0-9]{3}$`)
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]

		if name == "-" {
			return ""
		}

		return name
	})
	// a room code looks like abc-def-123
	_ = v.RegisterValidation("roomcode", func(fl validator.FieldLevel) bool {
		return roomCodePattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

func (v *Validator) Validate(i interface{}) ([]ValidationError, bool) {
	if err := v.validate.Struct(i); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return []ValidationError{{Code: "INVALID", Message: err.Error()}}, false
		}

		out := make([]ValidationError, 0, len(validationErrors))
		for _, err := range validationErrors {
			out = append(out, ValidationError{
				Field:   err.Field(),
				Code:    strings.ToUpper(err.Tag()),
				Message: message(err),
			})
		}

		return out, false
	}

	return nil, true
}

// RoomCode checks the xxx-xxx-xxx format of a room code.
func (v *Validator) RoomCode(code string) error {
	if err := v.validate.Var(code, "required,roomcode"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRoomCode, code)
	}
	return nil
}

func message(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", err.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long", err.Field(), err.Param())
	case "max":
		return fmt.Sprintf("%s must not exceed %s characters", err.Field(), err.Param())
	case "roomcode":
		return fmt.Sprintf("%s must look like abc-def-123", err.Field())
	default:
		return fmt.Sprintf("%s is invalid", err.Field())
	}
}
