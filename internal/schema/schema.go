// Package schema implements the declarative argument and result shapes for
// dispatcher methods. A schema validates and coerces incoming values, redacts
// secret leaves for audit output, and merges partial updates over existing
// configuration.
package schema

// Kind discriminates schema node types.
type Kind int

const (
	KindString Kind = iota
	KindSecret
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindList
	KindObject
	KindUnion
	KindAny
)

// RedactedPlaceholder replaces secret leaves in audit and debug output.
const RedactedPlaceholder = "********"

// Schema describes one node of a value shape.
type Schema struct {
	Kind Kind

	// String / Secret
	Enum       []string
	AllowEmpty bool

	// Int
	Min *int64
	Max *int64

	// Float
	FMin *float64
	FMax *float64

	// List
	Elem *Schema

	// Object
	Fields     []*Field
	Additional bool

	// Union: value must be an object whose TagField selects the variant.
	TagField string
	Variants map[string]*Schema
}

// Field is a named member of an object schema.
type Field struct {
	Name     string
	Schema   *Schema
	Required bool
	Default  any
	Nullable bool

	hasDefault bool
}

// String returns a non-empty string schema.
func String() *Schema { return &Schema{Kind: KindString} }

// Text returns a string schema that accepts the empty string.
func Text() *Schema { return &Schema{Kind: KindString, AllowEmpty: true} }

// EnumOf returns a string schema restricted to the given values. Matching is
// case-insensitive; the canonical casing is the declared one.
func EnumOf(values ...string) *Schema {
	return &Schema{Kind: KindString, Enum: values}
}

// Secret returns a string schema whose value never appears in logs, audit
// records or redacted output.
func Secret() *Schema { return &Schema{Kind: KindSecret, AllowEmpty: true} }

// Int returns an integer schema.
func Int() *Schema { return &Schema{Kind: KindInt} }

// IntRange returns an integer schema bounded inclusively on both ends.
func IntRange(min, max int64) *Schema {
	return &Schema{Kind: KindInt, Min: &min, Max: &max}
}

// Float returns a floating point schema.
func Float() *Schema { return &Schema{Kind: KindFloat} }

// Bool returns a boolean schema.
func Bool() *Schema { return &Schema{Kind: KindBool} }

// Bytes returns a binary schema; values arrive base64-encoded.
func Bytes() *Schema { return &Schema{Kind: KindBytes} }

// Any accepts any value unchanged. Used for passthrough payloads.
func Any() *Schema { return &Schema{Kind: KindAny} }

// List returns an ordered list schema.
func List(elem *Schema) *Schema { return &Schema{Kind: KindList, Elem: elem} }

// Object returns an object schema with the given fields. Unknown keys are
// rejected unless Extra is applied.
func Object(fields ...*Field) *Schema {
	return &Schema{Kind: KindObject, Fields: fields}
}

// Extra marks an object schema as accepting additional keys.
func (s *Schema) Extra() *Schema {
	s.Additional = true
	return s
}

// Union returns a tagged union schema. The tag field inside the value selects
// which variant object applies; variants must be object schemas.
func Union(tagField string, variants map[string]*Schema) *Schema {
	return &Schema{Kind: KindUnion, TagField: tagField, Variants: variants}
}

// F declares an optional field.
func F(name string, s *Schema) *Field {
	return &Field{Name: name, Schema: s}
}

// Req marks the field required.
func (f *Field) Req() *Field {
	f.Required = true
	return f
}

// Def sets a default applied when the field is omitted.
func (f *Field) Def(v any) *Field {
	f.Default = v
	f.hasDefault = true
	return f
}

// Null allows an explicit null value for the field.
func (f *Field) Null() *Field {
	f.Nullable = true
	return f
}

func (s *Schema) field(name string) *Field {
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Partial returns a copy of an object schema with every field optional and
// defaults suppressed. Update patches validate against the partial form; the
// merged document is then validated against the full schema.
func (s *Schema) Partial() *Schema {
	if s == nil || s.Kind != KindObject {
		return s
	}
	out := *s
	out.Fields = make([]*Field, len(s.Fields))
	for i, f := range s.Fields {
		pf := *f
		pf.Required = false
		pf.hasDefault = false
		pf.Default = nil
		pf.Schema = f.Schema.Partial()
		out.Fields[i] = &pf
	}
	return &out
}

// HasSecrets reports whether any leaf of the schema is a secret.
func (s *Schema) HasSecrets() bool {
	if s == nil {
		return false
	}
	switch s.Kind {
	case KindSecret:
		return true
	case KindList:
		return s.Elem.HasSecrets()
	case KindObject:
		for _, f := range s.Fields {
			if f.Schema.HasSecrets() {
				return true
			}
		}
	case KindUnion:
		for _, v := range s.Variants {
			if v.HasSecrets() {
				return true
			}
		}
	}
	return false
}
