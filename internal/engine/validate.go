package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"ipmf/internal/domain"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())
	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := vld.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		v, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && v.IsPositive() && inCents(v)
	}); err != nil {
		return nil, fmt.Errorf("register money: %w", err)
	}
	return vld, nil
}

// moneyPlaces is the number of fractional digits an amount may carry.
const moneyPlaces = 2

func inCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(moneyPlaces))
}

// checkMoney applies the money rule to a single amount.
func checkMoney(field string, d decimal.Decimal) error {
	if !d.IsPositive() || !inCents(d) {
		return &domain.Error{
			Kind:    domain.KindValidation,
			Message: fmt.Sprintf("%s must be a positive amount with at most %d decimals", field, moneyPlaces),
			Details: map[string]any{"fields": []string{field}},
		}
	}
	return nil
}

// validateInput checks struct tags and turns failures into a validation error
// listing every offending field.
func validateInput(v any) error {
	validateOnce.Do(func() {
		validate, errValidate = initValidator()
	})
	if errValidate != nil {
		return errValidate
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		msgs = append(msgs, describe(fe))
	}
	return &domain.Error{
		Kind:    domain.KindValidation,
		Message: strings.Join(msgs, "; "),
		Details: map[string]any{"fields": fields},
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())
	case "money":
		return fmt.Sprintf("%s must be a positive amount with at most %d decimals", fe.Field(), moneyPlaces)
	default:
		return fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag())
	}
}
