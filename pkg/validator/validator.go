package validator

import (
	"github.com/go-playground/validator/v10"
)

// FieldError is one failed validation rule, reported with enough context to
// name the offending field in an error message.
type FieldError struct {
	FailedField string
	Tag         string
	Param       string
}

var validate = validator.New()

// ValidateStruct runs the struct's `validate` tags and returns every failed
// rule. An empty slice means the value passed.
func ValidateStruct(data any) []FieldError {
	err := validate.Struct(data)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{FailedField: "struct", Tag: "invalid"}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			FailedField: fe.StructNamespace(),
			Tag:         fe.Tag(),
			Param:       fe.Param(),
		})
	}
	return out
}
