package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var v *validator.Validate

func init() {
	v = validator.New()
	// Request bodies report their JSON names; untagged fields keep Go names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

func Instance() *validator.Validate {
	return v
}

// Validate checks i against its struct tags and returns field path -> code,
// or nil when i is valid. Paths drop the root type name ("Auth.Username")
// and use JSON names where the struct declares them.
func Validate(i any) map[string]string {
	if err := v.Struct(i); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			out := make(map[string]string, len(errs))
			for _, e := range errs {
				out[fieldPath(e)] = mapTagToCode(e.Tag())
			}
			return out
		}
		return map[string]string{"_error": "validation_failed"}
	}
	return nil
}

// Var checks a single value against tag and returns its code, or "".
func Var(value any, tag string) string {
	err := v.Var(value, tag)
	if err == nil {
		return ""
	}
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		return mapTagToCode(errs[0].Tag())
	}
	return "validation_failed"
}

func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.Index(ns, "."); i >= 0 && i+1 < len(ns) {
		return ns[i+1:]
	}
	return e.Field()
}
