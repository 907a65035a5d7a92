// Package schema declares the fields extracted from a clinical note and the
// contract their values are checked against.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Shape is the expected form of an element's value.
type Shape string

const (
	ShapeText     Shape = "text"
	ShapeTextList Shape = "list_of_text"
	ShapeBoolean  Shape = "boolean"
	ShapeNumber   Shape = "number"
)

// shapeAliases maps the spellings accepted in schema files onto a Shape.
var shapeAliases = map[string]Shape{
	"text":         ShapeText,
	"string":       ShapeText,
	"list_of_text": ShapeTextList,
	"list-of-text": ShapeTextList,
	"list":         ShapeTextList,
	"array":        ShapeTextList,
	"boolean":      ShapeBoolean,
	"bool":         ShapeBoolean,
	"number":       ShapeNumber,
	"integer":      ShapeNumber,
	"float":        ShapeNumber,
}

// ParseShape resolves a shape name, accepting the common aliases
// (string, list, array, bool, integer, float).
func ParseShape(s string) (Shape, error) {
	shape, ok := shapeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown shape %q", s)
	}
	return shape, nil
}

// Valid reports whether s is one of the declared shapes.
func (s Shape) Valid() bool {
	switch s {
	case ShapeText, ShapeTextList, ShapeBoolean, ShapeNumber:
		return true
	}
	return false
}

// label is the shape name as shown to the model.
func (s Shape) label() string {
	if s == ShapeTextList {
		return "list of text"
	}
	return string(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("shape must be a string: %w", err)
	}
	shape, err := ParseShape(raw)
	if err != nil {
		return err
	}
	*s = shape
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Shape) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("shape must be a string: %w", err)
	}
	shape, err := ParseShape(raw)
	if err != nil {
		return err
	}
	*s = shape
	return nil
}

// Element is one field to extract from a note.
type Element struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Shape       Shape    `json:"shape" yaml:"shape" validate:"required,oneof=text list_of_text boolean number"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Examples    []string `json:"examples,omitempty" yaml:"examples,omitempty"` // Example values shown as hints
}

// Example is a worked note shown to the model before the real one.
type Example struct {
	Text      string            `json:"text" yaml:"text" validate:"required"`
	Fields    map[string]any    `json:"fields" yaml:"fields" validate:"required"`
	Reasoning string            `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Grounding map[string]string `json:"grounding,omitempty" yaml:"grounding,omitempty"`
}

// ValidationError is a single defect found in a candidate value.
type ValidationError struct {
	Element string
	Message string
	Value   any
}

func (e ValidationError) Error() string {
	return e.Element + ": " + e.Message
}

// ValidationErrors is the list of defects returned by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}
