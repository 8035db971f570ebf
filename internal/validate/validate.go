// Package validate implements schema-driven structural validation and
// sanitisation of inbound payloads. Validation stops at the first violation;
// all strings are HTML-escaped in place before return.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the field types a Schema can declare.
type Kind int

const (
	String Kind = iota
	Bool
	Enum
	Array
	Content
	Number
	Object
)

// Field declares the constraints for one schema field.
type Field struct {
	Name     string
	Kind     Kind
	Required bool

	// MinLen/MaxLen apply to strings and arrays (0 means unbounded).
	MinLen int
	MaxLen int

	// MinValue/MaxValue apply to numbers when Bounded is true.
	Bounded  bool
	MinValue float64
	MaxValue float64

	// Enum lists permitted values for Kind Enum.
	Enum []string
}

// Schema is an ordered list of field declarations.
type Schema struct {
	Name   string
	Fields []Field
}

// FieldError names the field and constraint of the first violation.
type FieldError struct {
	Field      string
	Constraint string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Constraint)
}

// IsFieldError reports whether err is a validation failure.
func IsFieldError(err error) bool {
	var fe FieldError
	return errors.As(err, &fe)
}

// Apply validates raw against the schema and returns the sanitised value.
// Fields not declared in the schema are dropped.
func (s Schema) Apply(raw map[string]any) (map[string]any, error) {
	if raw == nil {
		raw = map[string]any{}
	}

	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := raw[f.Name]
		if !ok || v == nil {
			if f.Required {
				return nil, FieldError{Field: f.Name, Constraint: "required"}
			}
			continue
		}

		clean, err := f.check(v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = clean
	}
	return out, nil
}

func (f Field) check(v any) (any, error) {
	switch f.Kind {
	case String:
		sv, ok := v.(string)
		if !ok {
			return nil, FieldError{Field: f.Name, Constraint: "must be a string"}
		}
		if f.MinLen > 0 && len(sv) < f.MinLen {
			return nil, FieldError{Field: f.Name, Constraint: fmt.Sprintf("shorter than %d", f.MinLen)}
		}
		if f.MaxLen > 0 && len(sv) > f.MaxLen {
			return nil, FieldError{Field: f.Name, Constraint: fmt.Sprintf("longer than %d", f.MaxLen)}
		}
		return EscapeHTML(sv), nil

	case Bool:
		bv, ok := v.(bool)
		if !ok {
			return nil, FieldError{Field: f.Name, Constraint: "must be a boolean"}
		}
		return bv, nil

	case Enum:
		sv, ok := v.(string)
		if !ok {
			return nil, FieldError{Field: f.Name, Constraint: "must be a string"}
		}
		for _, e := range f.Enum {
			if sv == e {
				return sv, nil
			}
		}
		return nil, FieldError{
			Field:      f.Name,
			Constraint: fmt.Sprintf("must be one of [%s]", strings.Join(f.Enum, ", ")),
		}

	case Array:
		av, ok := v.([]any)
		if !ok {
			return nil, FieldError{Field: f.Name, Constraint: "must be an array"}
		}
		if f.MinLen > 0 && len(av) < f.MinLen {
			return nil, FieldError{Field: f.Name, Constraint: fmt.Sprintf("fewer than %d items", f.MinLen)}
		}
		if f.MaxLen > 0 && len(av) > f.MaxLen {
			return nil, FieldError{Field: f.Name, Constraint: fmt.Sprintf("more than %d items", f.MaxLen)}
		}
		out := make([]any, len(av))
		for i, item := range av {
			out[i] = sanitizeAny(item)
		}
		return out, nil

	case Content:
		mv, ok := v.(map[string]any)
		if !ok {
			return nil, FieldError{Field: f.Name, Constraint: "must be a content envelope"}
		}
		enc, _ := mv["encrypted"].(string)
		nonce, _ := mv["nonce"].(string)
		if strings.TrimSpace(enc) == "" {
			return nil, FieldError{Field: f.Name, Constraint: "envelope missing encrypted"}
		}
		if strings.TrimSpace(nonce) == "" {
			return nil, FieldError{Field: f.Name, Constraint: "envelope missing nonce"}
		}
		return map[string]any{"encrypted": enc, "nonce": nonce}, nil

	case Object:
		mv, ok := v.(map[string]any)
		if !ok {
			return nil, FieldError{Field: f.Name, Constraint: "must be an object"}
		}
		return sanitizeAny(mv), nil

	case Number:
		nv, ok := v.(float64)
		if !ok {
			return nil, FieldError{Field: f.Name, Constraint: "must be a number"}
		}
		if f.Bounded && nv < f.MinValue {
			return nil, FieldError{Field: f.Name, Constraint: fmt.Sprintf("below %v", f.MinValue)}
		}
		if f.Bounded && nv > f.MaxValue {
			return nil, FieldError{Field: f.Name, Constraint: fmt.Sprintf("above %v", f.MaxValue)}
		}
		return nv, nil
	}

	return nil, FieldError{Field: f.Name, Constraint: "unknown kind"}
}

// sanitizeAny escapes strings nested inside arrays and objects.
func sanitizeAny(v any) any {
	switch t := v.(type) {
	case string:
		return EscapeHTML(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = sanitizeAny(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeAny(item)
		}
		return out
	default:
		return v
	}
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// EscapeHTML escapes the five HTML metacharacters.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
