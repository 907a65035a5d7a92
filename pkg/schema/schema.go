package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSchema is returned when a schema definition is malformed.
var ErrInvalidSchema = errors.New("invalid schema")

// Reserved keys in the model's response object.
const (
	KeyReasoning = "reasoning"
	KeyGrounding = "grounding"
)

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New()

// Schema is an ordered set of elements to extract. A built Schema is never
// mutated and may be shared by any number of goroutines.
type Schema struct {
	Name        string    `json:"name" yaml:"name" validate:"required"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Elements    []Element `json:"elements" yaml:"elements" validate:"required,min=1,dive"`
	Examples    []Example `json:"examples,omitempty" yaml:"examples,omitempty" validate:"dive"`
}

// Option configures schema creation.
type Option func(*Schema)

// WithDescription sets the schema description shown at the top of the prompt.
func WithDescription(desc string) Option {
	return func(s *Schema) {
		s.Description = desc
	}
}

// WithExamples adds few-shot examples.
func WithExamples(examples ...Example) Option {
	return func(s *Schema) {
		s.Examples = append(s.Examples, examples...)
	}
}

// New builds a schema from elements and checks it.
func New(name string, elements []Element, opts ...Option) (Schema, error) {
	s := Schema{
		Name:     name,
		Elements: append([]Element(nil), elements...),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.Check(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// FromStruct builds a schema from the exported fields of a struct type.
// The json tag names the element, the description tag describes it, and
// pointer or omitempty fields are optional.
func FromStruct[T any](opts ...Option) (Schema, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return Schema{}, fmt.Errorf("%w: schema must be created from a struct type", ErrInvalidSchema)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return Schema{}, fmt.Errorf("%w: schema must be created from a struct type, got %v", ErrInvalidSchema, t.Kind())
	}

	elements := make([]Element, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || sf.Tag.Get("json") == "-" {
			continue
		}

		el := Element{
			Name:        jsonName(sf),
			Description: sf.Tag.Get("description"),
			Required:    !hasOmitempty(sf),
		}
		if examples := sf.Tag.Get("examples"); examples != "" {
			el.Examples = strings.Split(examples, ",")
		}

		ft := sf.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
			el.Required = false
		}
		shape, err := shapeOf(ft)
		if err != nil {
			return Schema{}, fmt.Errorf("%w: field %s: %v", ErrInvalidSchema, sf.Name, err)
		}
		el.Shape = shape
		elements = append(elements, el)
	}

	return New(t.Name(), elements, opts...)
}

func shapeOf(t reflect.Type) (Shape, error) {
	switch t.Kind() {
	case reflect.String:
		return ShapeText, nil
	case reflect.Bool:
		return ShapeBoolean, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return ShapeNumber, nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.String {
			return ShapeTextList, nil
		}
	}
	return "", fmt.Errorf("unsupported type %v", t)
}

// jsonName returns the JSON field name from struct tags.
func jsonName(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return sf.Name
}

func hasOmitempty(sf reflect.StructField) bool {
	return strings.Contains(sf.Tag.Get("json"), "omitempty")
}

// FromFile loads a schema from a JSON or YAML file.
func FromFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to read schema file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return FromJSON(data)
	case ".yaml", ".yml":
		return FromYAML(data)
	default:
		return Schema{}, fmt.Errorf("unsupported schema file format: %s", ext)
	}
}

// FromJSON creates a schema from JSON data.
func FromJSON(data []byte) (Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to parse JSON schema: %w", err)
	}
	if err := s.Check(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// FromYAML creates a schema from YAML data.
func FromYAML(data []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to parse YAML schema: %w", err)
	}
	if err := s.Check(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// Check reports whether the schema definition is well formed: struct rules,
// unique element names, no reserved names, and examples that satisfy the
// schema's own contract.
func (s Schema) Check() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalidSchema, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	seen := make(map[string]struct{}, len(s.Elements))
	for _, el := range s.Elements {
		if el.Name == KeyReasoning || el.Name == KeyGrounding {
			return fmt.Errorf("%w: element name %q is reserved", ErrInvalidSchema, el.Name)
		}
		if _, dup := seen[el.Name]; dup {
			return fmt.Errorf("%w: duplicate element name %q", ErrInvalidSchema, el.Name)
		}
		seen[el.Name] = struct{}{}
	}

	for i, ex := range s.Examples {
		for name := range ex.Fields {
			if _, ok := seen[name]; !ok {
				return fmt.Errorf("%w: example %d: unknown element %q", ErrInvalidSchema, i+1, name)
			}
		}
		if _, verrs := s.Validate(ex.Fields); len(verrs) > 0 {
			return fmt.Errorf("%w: example %d: %v", ErrInvalidSchema, i+1, verrs)
		}
	}
	return nil
}

// formatFieldError creates a human-readable message from a validator error.
func formatFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Namespace() + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", e.Namespace(), e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", e.Namespace(), e.Param())
	default:
		return fmt.Sprintf("%s failed validation '%s'", e.Namespace(), e.Tag())
	}
}

// Element returns the element with the given name.
func (s Schema) Element(name string) (Element, bool) {
	for _, el := range s.Elements {
		if el.Name == name {
			return el, true
		}
	}
	return Element{}, false
}

// Names returns element names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Elements))
	for i, el := range s.Elements {
		names[i] = el.Name
	}
	return names
}

// Subset returns a schema restricted to the named elements, keeping the
// original declaration order. Example fields outside the subset are dropped.
func (s Schema) Subset(names ...string) (Schema, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := s.Element(n); !ok {
			return Schema{}, fmt.Errorf("%w: unknown element %q", ErrInvalidSchema, n)
		}
		want[n] = true
	}

	out := Schema{Name: s.Name, Description: s.Description}
	for _, el := range s.Elements {
		if want[el.Name] {
			out.Elements = append(out.Elements, el)
		}
	}
	for _, ex := range s.Examples {
		trimmed := Example{Text: ex.Text, Reasoning: ex.Reasoning, Fields: map[string]any{}}
		for k, v := range ex.Fields {
			if want[k] {
				trimmed.Fields[k] = v
			}
		}
		for k, v := range ex.Grounding {
			if want[k] {
				if trimmed.Grounding == nil {
					trimmed.Grounding = map[string]string{}
				}
				trimmed.Grounding[k] = v
			}
		}
		out.Examples = append(out.Examples, trimmed)
	}
	if err := out.Check(); err != nil {
		return Schema{}, err
	}
	return out, nil
}

// Rule is the validation contract for a single element.
type Rule struct {
	Name     string
	Shape    Shape
	Required bool
}

// Contract is the compiled validation contract of a schema.
type Contract []Rule

// Contract compiles the schema into its validation contract.
func (s Schema) Contract() Contract {
	c := make(Contract, len(s.Elements))
	for i, el := range s.Elements {
		c[i] = Rule{Name: el.Name, Shape: el.Shape, Required: el.Required}
	}
	return c
}

// Validate checks a candidate mapping against the schema and returns the
// normalized mapping, or the list of defects. Unknown keys are ignored and
// null values count as absent.
func (s Schema) Validate(candidate map[string]any) (map[string]any, ValidationErrors) {
	return s.Contract().Validate(candidate)
}

// Validate checks a candidate mapping against the contract. Validating an
// already normalized mapping always succeeds and returns an equal mapping.
func (c Contract) Validate(candidate map[string]any) (map[string]any, ValidationErrors) {
	var defects ValidationErrors
	out := make(map[string]any, len(c))

	for _, rule := range c {
		val, ok := candidate[rule.Name]
		if !ok || val == nil {
			if rule.Required {
				defects = append(defects, ValidationError{Element: rule.Name, Message: "required element is missing"})
			}
			continue
		}

		norm, err := Coerce(rule.Shape, val)
		if err != nil {
			defects = append(defects, ValidationError{Element: rule.Name, Message: err.Error(), Value: val})
			continue
		}
		out[rule.Name] = norm
	}

	if len(defects) > 0 {
		return nil, defects
	}
	return out, nil
}
