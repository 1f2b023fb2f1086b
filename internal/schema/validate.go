package schema

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/naslab/middled/internal/errors"
)

// Validate coerces and validates a decoded JSON value against the schema.
// It returns the coerced copy. On failure it returns a *errors.Validation
// carrying every field violation, never just the first.
func Validate(s *Schema, value any) (any, error) {
	verrs := &errors.Validation{}
	out := validate(s, "", value, verrs)
	if !verrs.Empty() {
		return nil, verrs
	}
	return out, nil
}

func validate(s *Schema, path string, value any, verrs *errors.Validation) any {
	if s == nil || s.Kind == KindAny {
		return value
	}

	switch s.Kind {
	case KindString, KindSecret:
		return validateString(s, path, value, verrs)
	case KindInt:
		return validateInt(s, path, value, verrs)
	case KindFloat:
		return validateFloat(s, path, value, verrs)
	case KindBool:
		b, ok := value.(bool)
		if !ok {
			verrs.Add(path, fmt.Sprintf("expected boolean, got %T", value), "type")
			return nil
		}
		return b
	case KindBytes:
		str, ok := value.(string)
		if !ok {
			verrs.Add(path, "expected base64 string", "type")
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			verrs.Add(path, "invalid base64 payload", "encoding")
			return nil
		}
		return raw
	case KindList:
		return validateList(s, path, value, verrs)
	case KindObject:
		return validateObject(s, path, value, verrs)
	case KindUnion:
		return validateUnion(s, path, value, verrs)
	}
	verrs.Add(path, "unsupported schema kind", "schema")
	return nil
}

func validateString(s *Schema, path string, value any, verrs *errors.Validation) any {
	str, ok := value.(string)
	if !ok {
		verrs.Add(path, fmt.Sprintf("expected string, got %T", value), "type")
		return nil
	}
	if str == "" && !s.AllowEmpty {
		verrs.Add(path, "value must not be empty", "empty")
		return nil
	}
	if len(s.Enum) > 0 {
		for _, allowed := range s.Enum {
			if strings.EqualFold(allowed, str) {
				return allowed
			}
		}
		verrs.Add(path,
			fmt.Sprintf("invalid choice %q, allowed: %s", str, strings.Join(s.Enum, ", ")),
			"enum")
		return nil
	}
	return str
}

func validateInt(s *Schema, path string, value any, verrs *errors.Validation) any {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != math.Trunc(v) {
			verrs.Add(path, "expected integer, got fractional number", "type")
			return nil
		}
		n = int64(v)
	default:
		verrs.Add(path, fmt.Sprintf("expected integer, got %T", value), "type")
		return nil
	}
	// Ranges are inclusive on both ends.
	if s.Min != nil && n < *s.Min {
		verrs.Add(path, fmt.Sprintf("value %d below minimum %d", n, *s.Min), "range")
		return nil
	}
	if s.Max != nil && n > *s.Max {
		verrs.Add(path, fmt.Sprintf("value %d above maximum %d", n, *s.Max), "range")
		return nil
	}
	return n
}

func validateFloat(s *Schema, path string, value any, verrs *errors.Validation) any {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		verrs.Add(path, fmt.Sprintf("expected number, got %T", value), "type")
		return nil
	}
	if s.FMin != nil && f < *s.FMin {
		verrs.Add(path, fmt.Sprintf("value %g below minimum %g", f, *s.FMin), "range")
		return nil
	}
	if s.FMax != nil && f > *s.FMax {
		verrs.Add(path, fmt.Sprintf("value %g above maximum %g", f, *s.FMax), "range")
		return nil
	}
	return f
}

func validateList(s *Schema, path string, value any, verrs *errors.Validation) any {
	items, ok := value.([]any)
	if !ok {
		verrs.Add(path, fmt.Sprintf("expected list, got %T", value), "type")
		return nil
	}
	out := make([]any, 0, len(items))
	for i, item := range items {
		out = append(out, validate(s.Elem, fmt.Sprintf("%s[%d]", path, i), item, verrs))
	}
	return out
}

func validateObject(s *Schema, path string, value any, verrs *errors.Validation) any {
	obj, ok := value.(map[string]any)
	if !ok {
		verrs.Add(path, fmt.Sprintf("expected object, got %T", value), "type")
		return nil
	}
	out := make(map[string]any, len(obj))

	for key, v := range obj {
		f := s.field(key)
		if f == nil {
			if s.Additional {
				out[key] = v
				continue
			}
			verrs.Add(joinPath(path, key), "unknown field", "unknown")
			continue
		}
		if v == nil {
			if !f.Nullable {
				verrs.Add(joinPath(path, key), "field is not nullable", "null")
				continue
			}
			out[key] = nil
			continue
		}
		out[key] = validate(f.Schema, joinPath(path, key), v, verrs)
	}

	for _, f := range s.Fields {
		if _, present := obj[f.Name]; present {
			continue
		}
		if f.hasDefault {
			out[f.Name] = f.Default
			continue
		}
		if f.Required {
			verrs.Add(joinPath(path, f.Name), "field is required", "required")
		}
	}
	return out
}

func validateUnion(s *Schema, path string, value any, verrs *errors.Validation) any {
	obj, ok := value.(map[string]any)
	if !ok {
		verrs.Add(path, fmt.Sprintf("expected object, got %T", value), "type")
		return nil
	}
	tagPath := joinPath(path, s.TagField)
	rawTag, ok := obj[s.TagField]
	if !ok {
		verrs.Add(tagPath, "union tag field is required", "required")
		return nil
	}
	tag, ok := rawTag.(string)
	if !ok {
		verrs.Add(tagPath, "union tag must be a string", "type")
		return nil
	}
	variant, ok := s.Variants[strings.ToUpper(tag)]
	if !ok {
		verrs.Add(tagPath,
			fmt.Sprintf("unknown variant %q, allowed: %s", tag, strings.Join(variantNames(s), ", ")),
			"enum")
		return nil
	}
	// The tag is validated here, not by the variant schema.
	body := make(map[string]any, len(obj))
	for k, v := range obj {
		if k != s.TagField {
			body[k] = v
		}
	}
	out, okOut := validate(variant, path, body, verrs).(map[string]any)
	if !okOut {
		return nil
	}
	out[s.TagField] = strings.ToUpper(tag)
	return out
}

func variantNames(s *Schema) []string {
	names := make([]string, 0, len(s.Variants))
	for name := range s.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
