package schema

// Redact returns a copy of value with every secret leaf replaced by the
// placeholder. The input is not modified. Values that do not match the schema
// shape are passed through unchanged; redaction is applied on a best-effort
// basis so audit writing never fails.
func Redact(s *Schema, value any) any {
	if s == nil {
		return value
	}
	switch s.Kind {
	case KindSecret:
		if value == nil {
			return nil
		}
		return RedactedPlaceholder
	case KindList:
		items, ok := value.([]any)
		if !ok {
			return value
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = Redact(s.Elem, item)
		}
		return out
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return value
		}
		out := make(map[string]any, len(obj))
		for key, v := range obj {
			if f := s.field(key); f != nil {
				out[key] = Redact(f.Schema, v)
			} else {
				out[key] = v
			}
		}
		return out
	case KindUnion:
		obj, ok := value.(map[string]any)
		if !ok {
			return value
		}
		tag, _ := obj[s.TagField].(string)
		variant, ok := s.Variants[tag]
		if !ok {
			return value
		}
		out, okOut := Redact(variant, value).(map[string]any)
		if !okOut {
			return value
		}
		out[s.TagField] = tag
		return out
	default:
		return value
	}
}

// MergeForUpdate overlays a partial patch on an existing value and validates
// the result. Keys omitted from the patch retain their prior values; nested
// objects merge recursively.
func MergeForUpdate(s *Schema, existing, patch any) (any, error) {
	return Validate(s, merge(s, existing, patch))
}

func merge(s *Schema, existing, patch any) any {
	if s == nil || s.Kind != KindObject {
		return patch
	}
	base, okBase := existing.(map[string]any)
	over, okOver := patch.(map[string]any)
	if !okBase || !okOver {
		return patch
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if f := s.field(k); f != nil && f.Schema != nil && f.Schema.Kind == KindObject {
			out[k] = merge(f.Schema, base[k], v)
			continue
		}
		out[k] = v
	}
	return out
}
