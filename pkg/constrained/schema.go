package constrained

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind is the JSON type a field must have.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindAny     Kind = "any"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindNumber, KindInteger, KindBoolean, KindObject, KindArray, KindAny:
		return true
	}
	return false
}

// Field describes one property. Items describes array elements (its Name is
// ignored); Fields describes the properties of a nested object.
type Field struct {
	Name        string   `yaml:"name" json:"name"`
	Type        Kind     `yaml:"type" json:"type"`
	Required    bool     `yaml:"required" json:"required,omitempty"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Enum        []string `yaml:"enum" json:"enum,omitempty"`
	Min         *float64 `yaml:"min" json:"min,omitempty"`
	Max         *float64 `yaml:"max" json:"max,omitempty"`
	Items       *Field   `yaml:"items" json:"items,omitempty"`
	Fields      []Field  `yaml:"fields" json:"fields,omitempty"`
}

// Schema is the declared shape of a task's output: a JSON object with the
// listed fields. Unlisted properties are allowed and kept.
type Schema struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description,omitempty"`
	Fields      []Field `yaml:"fields" json:"fields"`
}

// Check verifies the schema itself is well formed.
func (s *Schema) Check() error {
	if s == nil {
		return fmt.Errorf("%w: nil schema", ErrInvalidSchema)
	}
	return checkFields(s.Name, s.Fields)
}

func checkFields(path string, fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s: field without a name", ErrInvalidSchema, path)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: %s: duplicate field %q", ErrInvalidSchema, path, f.Name)
		}
		seen[f.Name] = true
		if err := checkField(joinPath(path, f.Name), f); err != nil {
			return err
		}
	}
	return nil
}

func checkField(path string, f Field) error {
	if !f.Type.valid() {
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidSchema, path, f.Type)
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return fmt.Errorf("%w: %s: min greater than max", ErrInvalidSchema, path)
	}
	if f.Items != nil {
		if f.Type != KindArray {
			return fmt.Errorf("%w: %s: items on a non-array field", ErrInvalidSchema, path)
		}
		if err := checkField(path+"[]", *f.Items); err != nil {
			return err
		}
	}
	if len(f.Fields) > 0 {
		if f.Type != KindObject {
			return fmt.Errorf("%w: %s: fields on a non-object field", ErrInvalidSchema, path)
		}
		return checkFields(path, f.Fields)
	}
	return nil
}

// Issue is one reason a value does not satisfy a schema.
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("field %q: %s", i.Path, i.Message)
}

// SchemaError lists every issue found by Validate.
type SchemaError struct {
	Issues []Issue
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return "schema mismatch: " + strings.Join(parts, "; ")
}

// Validate checks a decoded JSON value against the schema and reports every
// problem at once.
func (s *Schema) Validate(value any) error {
	var issues []Issue
	obj, ok := value.(map[string]any)
	if !ok {
		issues = append(issues, Issue{Message: fmt.Sprintf("expected a JSON object, got %s", describe(value))})
	} else {
		issues = validateObject("", s.Fields, obj, issues)
	}
	if len(issues) > 0 {
		return &SchemaError{Issues: issues}
	}
	return nil
}

func validateObject(path string, fields []Field, obj map[string]any, issues []Issue) []Issue {
	for _, f := range fields {
		v, present := obj[f.Name]
		fp := joinPath(path, f.Name)
		if !present {
			if f.Required {
				issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("missing required field %q", f.Name)})
			}
			continue
		}
		if v == nil && f.Type != KindAny {
			if f.Required {
				issues = append(issues, Issue{Path: fp, Message: "must not be null"})
			}
			continue
		}
		issues = validateValue(fp, f, v, issues)
	}
	return issues
}

func validateValue(path string, f Field, v any, issues []Issue) []Issue {
	mismatch := func() []Issue {
		return append(issues, Issue{Path: path, Message: fmt.Sprintf("expected %s, got %s", f.Type, describe(v))})
	}

	switch f.Type {
	case KindAny:
		return issues
	case KindString:
		str, ok := v.(string)
		if !ok {
			return mismatch()
		}
		return checkEnum(path, f, str, issues)
	case KindNumber, KindInteger:
		n, ok := toFloat(v)
		if !ok {
			return mismatch()
		}
		if f.Type == KindInteger && !isInteger(v, n) {
			return mismatch()
		}
		if f.Min != nil && n < *f.Min {
			issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("must be >= %v, got %v", *f.Min, n)})
		}
		if f.Max != nil && n > *f.Max {
			issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("must be <= %v, got %v", *f.Max, n)})
		}
		return checkEnum(path, f, fmt.Sprint(v), issues)
	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return mismatch()
		}
		return issues
	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return mismatch()
		}
		return validateObject(path, f.Fields, obj, issues)
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			return mismatch()
		}
		if f.Items == nil {
			return issues
		}
		for i, e := range arr {
			ep := fmt.Sprintf("%s[%d]", path, i)
			if e == nil && f.Items.Type != KindAny {
				issues = append(issues, Issue{Path: ep, Message: "must not be null"})
				continue
			}
			issues = validateValue(ep, *f.Items, e, issues)
		}
		return issues
	}
	return issues
}

func checkEnum(path string, f Field, got string, issues []Issue) []Issue {
	if len(f.Enum) == 0 {
		return issues
	}
	for _, allowed := range f.Enum {
		if got == allowed {
			return issues
		}
	}
	return append(issues, Issue{Path: path, Message: fmt.Sprintf("must be one of %s, got %q", strings.Join(f.Enum, ", "), got)})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func isInteger(v any, f float64) bool {
	if n, ok := v.(json.Number); ok {
		if _, err := n.Int64(); err == nil {
			return true
		}
	}
	return f == math.Trunc(f) && !math.IsInf(f, 0)
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case json.Number, float64, float32, int, int32, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// RequiredFields lists the top-level required field names in declaration order.
func (s *Schema) RequiredFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// JSONSchema renders the schema as a JSON Schema document for prompts.
func (s *Schema) JSONSchema() map[string]any {
	doc := objectSchema(s.Fields)
	if s.Name != "" {
		doc["title"] = s.Name
	}
	if s.Description != "" {
		doc["description"] = s.Description
	}
	return doc
}

func objectSchema(fields []Field) map[string]any {
	props := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	return doc
}

func fieldSchema(f Field) map[string]any {
	var doc map[string]any
	switch f.Type {
	case KindObject:
		doc = objectSchema(f.Fields)
	case KindAny:
		doc = map[string]any{}
	default:
		doc = map[string]any{"type": string(f.Type)}
	}
	if f.Description != "" {
		doc["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		doc["enum"] = f.Enum
	}
	if f.Min != nil {
		doc["minimum"] = *f.Min
	}
	if f.Max != nil {
		doc["maximum"] = *f.Max
	}
	if f.Items != nil {
		doc["items"] = fieldSchema(*f.Items)
	}
	return doc
}
