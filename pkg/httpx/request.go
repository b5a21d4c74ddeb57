package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/nicktill/tsgate/pkg/backend"
)

// MaxJSONBody caps JSON request bodies
const MaxJSONBody = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	// Report JSON field names, not Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// DecodeJSON reads and validates a JSON body into v. Failures wrap
// backend.ErrValidation.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxJSONBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", backend.ErrValidation, err)
	}
	return Validate(v)
}

// Validate checks v's validate tags. The message lists each violation as
// "field: message; ".
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", backend.ErrValidation, err)
	}

	var sb strings.Builder
	for _, fe := range fieldErrs {
		sb.WriteString(fe.Field())
		sb.WriteString(": ")
		sb.WriteString(describe(fe))
		sb.WriteString("; ")
	}
	return fmt.Errorf("%w: %s", backend.ErrValidation, sb.String())
}

// ValidationMessage strips the sentinel prefix for user-facing output.
func ValidationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), backend.ErrValidation.Error()+": ")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "must not be empty"
	case "min", "gte":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.String {
			return fmt.Sprintf("must have at least %s element(s)", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must not exceed %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "notblank":
		return "must not be blank"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
