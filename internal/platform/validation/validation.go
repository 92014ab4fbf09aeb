// Package validation wraps go-playground/validator with the date and phone
// rules used by the dashboard and converts failures into per-field
// apperror.ValidationError values keyed by JSON field name.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"

	"github.com/medidash/medidash/internal/platform/apperror"
)

// DateLayout is the calendar date format used across the API.
const DateLayout = "2006-01-02"

// MinPhoneDigits is the fewest digits a phone number may carry.
const MinPhoneDigits = 10

var earliestBirthDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Messages overrides the default text for "field.tag" keys, e.g.
// "firstName.min".
type Messages map[string]string

type Validator struct {
	v      *validator.Validate
	region string
	now    func() time.Time
}

// New builds a Validator. region is the default ISO 3166 region used to
// parse phone numbers written without a country code.
func New(region string) *Validator {
	val := &Validator{
		v:      validator.New(validator.WithRequiredStructEnabled()),
		region: strings.ToUpper(region),
		now:    time.Now,
	}

	val.v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	// Registration only fails on an empty tag or nil func.
	_ = val.v.RegisterValidation("birthdate", val.birthDate)
	_ = val.v.RegisterValidation("isodate", isoDate)
	_ = val.v.RegisterValidation("phone", val.phone)
	_ = val.v.RegisterValidation("notblank", notBlank)
	return val
}

// WithClock replaces the clock used for "today" comparisons.
func (val *Validator) WithClock(now func() time.Time) *Validator {
	val.now = now
	return val
}

// Today returns the current calendar date in DateLayout.
func (val *Validator) Today() string {
	return val.now().Format(DateLayout)
}

// Struct validates s and returns a *apperror.ValidationError listing every
// failing field, or nil.
func (val *Validator) Struct(s interface{}, msgs Messages) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fieldPath(fe.Namespace())
		if _, seen := fields[name]; seen {
			continue
		}
		if m, ok := msgs[name+"."+fe.Tag()]; ok {
			fields[name] = m
			continue
		}
		fields[name] = defaultMessage(fe)
	}
	return &apperror.ValidationError{Fields: fields}
}

// fieldPath drops the root struct name: "NewPatient.emergencyContact.name"
// becomes "emergencyContact.name".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func defaultMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "email":
		return "must be a valid email"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "birthdate":
		return "must be a date between 1900-01-01 and today"
	case "isodate":
		return "must be a date in YYYY-MM-DD format"
	case "phone":
		return fmt.Sprintf("must be a phone number with at least %d digits", MinPhoneDigits)
	default:
		return "is invalid"
	}
}

func notBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func isoDate(fl validator.FieldLevel) bool {
	_, err := time.Parse(DateLayout, fl.Field().String())
	return err == nil
}

// birthDate accepts calendar dates in [1900-01-01, today].
func (val *Validator) birthDate(fl validator.FieldLevel) bool {
	d, err := time.Parse(DateLayout, fl.Field().String())
	if err != nil {
		return false
	}
	today, _ := time.Parse(DateLayout, val.Today())
	return !d.Before(earliestBirthDate) && !d.After(today)
}

func (val *Validator) phone(fl validator.FieldLevel) bool {
	return ValidPhone(fl.Field().String(), val.region)
}

// ValidPhone reports whether s carries at least MinPhoneDigits digits and
// parses as a phone number for region.
func ValidPhone(s, region string) bool {
	digits := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits < MinPhoneDigits {
		return false
	}
	_, err := phonenumbers.Parse(s, region)
	return err == nil
}

// AgeOn returns the whole years between dob and on.
func AgeOn(dob, on time.Time) int {
	age := on.Year() - dob.Year()
	if on.Month() < dob.Month() || (on.Month() == dob.Month() && on.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
