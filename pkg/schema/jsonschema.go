package schema

// ToJSONSchema converts the schema to JSON Schema for endpoints that support
// structured output. Every property is listed as required and optional
// elements are nullable, which keeps the document valid in strict mode.
func (s Schema) ToJSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Elements)+2)
	required := make([]string, 0, len(s.Elements)+2)
	reasoning := make(map[string]any, len(s.Elements))
	grounding := make(map[string]any, len(s.Elements))

	for _, el := range s.Elements {
		properties[el.Name] = elementToJSONSchema(el)
		required = append(required, el.Name)
		reasoning[el.Name] = map[string]any{"type": "string"}
		grounding[el.Name] = map[string]any{"type": []string{"string", "null"}}
	}

	names := s.Names()
	properties[KeyReasoning] = map[string]any{
		"type":                 "object",
		"description":          "How each value was derived from the note.",
		"properties":           reasoning,
		"required":             names,
		"additionalProperties": false,
	}
	properties[KeyGrounding] = map[string]any{
		"type":                 "object",
		"description":          "An excerpt copied verbatim from the note supporting each value.",
		"properties":           grounding,
		"required":             names,
		"additionalProperties": false,
	}
	required = append(required, KeyReasoning, KeyGrounding)

	out := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	return out
}

func elementToJSONSchema(el Element) map[string]any {
	var out map[string]any
	switch el.Shape {
	case ShapeTextList:
		out = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	case ShapeBoolean:
		out = map[string]any{"type": "boolean"}
	case ShapeNumber:
		out = map[string]any{"type": "number"}
	default:
		out = map[string]any{"type": "string"}
	}
	if !el.Required {
		out["type"] = []string{out["type"].(string), "null"}
	}
	if el.Description != "" {
		out["description"] = el.Description
	}
	if len(el.Examples) > 0 {
		out["examples"] = el.Examples
	}
	return out
}
