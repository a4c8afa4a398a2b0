// Package validate provides input validation for Gojo API requests.
// Request structs are checked with go-playground/validator; failures are
// reported as a ValidationError naming the offending JSON fields.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// FieldProblem describes a present but malformed field.
type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError reports caller input that is incomplete or malformed.
// Missing lists required fields that were absent or empty, in declaration order.
type ValidationError struct {
	Missing []string
	Invalid []FieldProblem
}

// Error returns a message enumerating every offending field.
func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "Missing required fields: "+strings.Join(e.Missing, ", "))
	}
	for _, p := range e.Invalid {
		parts = append(parts, fmt.Sprintf("%s %s", p.Field, p.Reason))
	}
	if len(parts) == 0 {
		return "invalid request"
	}
	return strings.Join(parts, "; ")
}

// Fields returns the names of all offending fields.
func (e *ValidationError) Fields() []string {
	fields := append([]string(nil), e.Missing...)
	for _, p := range e.Invalid {
		fields = append(fields, p.Field)
	}
	return fields
}

// MissingFields builds a ValidationError for absent required fields.
func MissingFields(fields ...string) *ValidationError {
	return &ValidationError{Missing: fields}
}

// InvalidField builds a ValidationError for one malformed field.
func InvalidField(field, reason string) *ValidationError {
	return &ValidationError{Invalid: []FieldProblem{{Field: field, Reason: reason}}}
}

// AsValidationError reports whether err is (or wraps) a ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

var (
	validatorOnce   sync.Once
	structValidator *validator.Validate
)

func instance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
		structValidator = v
	})
	return structValidator
}

// Struct validates s against its `validate` tags.
// It returns nil or a *ValidationError; fields are named by their JSON tags.
func Struct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	ve := &ValidationError{}
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			ve.Missing = append(ve.Missing, fe.Field())
			continue
		}
		ve.Invalid = append(ve.Invalid, FieldProblem{Field: fe.Field(), Reason: reasonFor(fe)})
	}
	return ve
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "email":
		return "must be a valid email address"
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "alpha":
		return "must contain letters only"
	case "url":
		return "must be a valid URL"
	default:
		return "is invalid"
	}
}
