package validator

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param"`
}

// ValidationErrors collects multiple validation failures.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}

	parts := make([]string, len(v))
	for i, err := range v {
		if err.Param != "" {
			parts[i] = err.Field + " failed on " + err.Tag + "=" + err.Param
		} else {
			parts[i] = err.Field + " failed on " + err.Tag
		}
	}
	return strings.Join(parts, "; ")
}

// FieldErrors maps a field name to the human readable messages raised for it.
type FieldErrors map[string][]string

// Add appends a message for field.
func (f FieldErrors) Add(field, message string) {
	f[field] = append(f[field], message)
}

// Has reports whether field carries at least one message.
func (f FieldErrors) Has(field string) bool {
	return len(f[field]) > 0
}

func (f FieldErrors) Empty() bool {
	return len(f) == 0
}

// Merge copies every message of other into f.
func (f FieldErrors) Merge(other FieldErrors) {
	for field, messages := range other {
		for _, msg := range messages {
			f.Add(field, msg)
		}
	}
}

// ValidateStruct validates a struct using registered rules.
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	if ve, ok := err.(validator.ValidationErrors); ok {
		failures := make(ValidationErrors, 0, len(ve))
		for _, fe := range ve {
			failures = append(failures, ValidationError{
				Field: fe.Field(),
				Tag:   fe.Tag(),
				Param: fe.Param(),
			})
		}
		return failures
	}

	return err
}

// Check validates s and returns the failures as field-keyed messages. A nil result means s is valid.
func Check(s interface{}) FieldErrors {
	err := ValidateStruct(s)
	if err == nil {
		return nil
	}
	return Messages(err)
}

// Messages converts a ValidationErrors value into field-keyed, human readable messages.
func Messages(err error) FieldErrors {
	out := FieldErrors{}
	ve, ok := err.(ValidationErrors)
	if !ok {
		out.Add("_", "invalid request payload")
		return out
	}
	for _, failure := range ve {
		out.Add(failure.Field, Message(failure))
	}
	return out
}

// Message renders one failure.
func Message(failure ValidationError) string {
	field := prettifyFieldName(failure.Field)
	switch failure.Tag {
	case "required":
		return fmt.Sprintf("fill in the field %s", field)
	case "email":
		return "invalid email address"
	case "min":
		return fmt.Sprintf("%s must contain at least %s characters", field, failure.Param)
	case "max":
		return fmt.Sprintf("%s may contain at most %s characters", field, failure.Param)
	case "required_with":
		return fmt.Sprintf("fill in the field %s", field)
	case "eqfield":
		return fmt.Sprintf("%s does not match %s", field, prettifyFieldName(failure.Param))
	case "nospace":
		return fmt.Sprintf("%s may not contain spaces", field)
	case "alphanum":
		return fmt.Sprintf("%s may only contain letters and digits", field)
	case "mindigits":
		return fmt.Sprintf("%s must contain at least %s %s", field, failure.Param, plural(failure.Param, "digit", "digits"))
	case "minletters":
		return fmt.Sprintf("%s must contain at least %s %s", field, failure.Param, plural(failure.Param, "letter", "letters"))
	default:
		if failure.Param != "" {
			return fmt.Sprintf("%s failed validation: %s=%s", field, failure.Tag, failure.Param)
		}
		return fmt.Sprintf("%s failed validation: %s", field, failure.Tag)
	}
}

// IsEmail reports whether value is a syntactically valid email address.
func IsEmail(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	return getValidator().Var(value, "email") == nil
}

// RegisterValidation exposes underlying validator custom rules.
func RegisterValidation(tag string, fn validator.Func) error {
	return getValidator().RegisterValidation(tag, fn)
}

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := fld.Tag.Get("json")
			if name == "" {
				return fld.Name
			}

			comma := strings.Index(name, ",")
			if comma != -1 {
				name = name[:comma]
			}

			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
			return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
		})
		_ = validate.RegisterValidation("mindigits", countAtLeast(unicode.IsDigit))
		_ = validate.RegisterValidation("minletters", countAtLeast(unicode.IsLetter))
	})
	return validate
}

func countAtLeast(match func(rune) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		want, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		n := 0
		for _, r := range fl.Field().String() {
			if match(r) {
				n++
			}
		}
		return n >= want
	}
}

func plural(count, one, many string) string {
	if count == "1" {
		return one
	}
	return many
}

func prettifyFieldName(name string) string {
	if name == "" {
		return "field"
	}
	return strings.ToLower(strings.ReplaceAll(name, "_", " "))
}
