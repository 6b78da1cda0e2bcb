package docquery

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var ErrSchemaViolation = errors.New("schema violation")

// ValidateDocument checks doc against a collection schema. Only the subset
// of JSON schema used by collection definitions is understood: type,
// properties, required, additionalProperties, items, enum and the uuid and
// date-time formats. A top level array schema validates doc against items,
// so schemas written for whole record lists apply to single records.
func ValidateDocument(schema map[string]any, doc map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if t, _ := schema["type"].(string); t == "array" {
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		schema = items
	}
	return validateValue(schema, doc, "$")
}

func validateValue(schema map[string]any, v any, at string) error {
	if t, ok := schema["type"]; ok {
		if !matchesType(t, v) {
			return fmt.Errorf("%w: %s must be of type %v", ErrSchemaViolation, at, t)
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		found := false
		for _, e := range enum {
			if Equal(e, v) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s is not one of %v", ErrSchemaViolation, at, enum)
		}
	}

	if format, ok := schema["format"].(string); ok {
		if s, isStr := v.(string); isStr {
			if err := checkFormat(format, s); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrSchemaViolation, at, err)
			}
		}
	}

	switch x := v.(type) {
	case map[string]any:
		if req, ok := schema["required"].([]any); ok {
			for _, r := range req {
				name, _ := r.(string)
				if _, present := x[name]; !present {
					return fmt.Errorf("%w: %s.%s is required", ErrSchemaViolation, at, name)
				}
			}
		}
		props, _ := schema["properties"].(map[string]any)
		for key, val := range x {
			sub, ok := props[key].(map[string]any)
			if !ok {
				if extra, isBool := schema["additionalProperties"].(bool); isBool && !extra && key != "_id" {
					return fmt.Errorf("%w: %s.%s is not allowed", ErrSchemaViolation, at, key)
				}
				continue
			}
			if err := validateValue(sub, val, at+"."+key); err != nil {
				return err
			}
		}
	case []any:
		if items, ok := schema["items"].(map[string]any); ok {
			for i, val := range x {
				if err := validateValue(items, val, fmt.Sprintf("%s[%d]", at, i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func matchesType(t any, v any) bool {
	switch tt := t.(type) {
	case string:
		return isType(tt, v)
	case []any:
		for _, o := range tt {
			if s, ok := o.(string); ok && isType(s, v) {
				return true
			}
		}
	}
	return false
}

func isType(t string, v any) bool {
	switch t {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && math.Trunc(f) == f
	}
	return false
}

func checkFormat(format, s string) error {
	switch format {
	case "uuid":
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Errorf("invalid uuid %q", s)
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("invalid date-time %q", s)
		}
	}
	return nil
}
