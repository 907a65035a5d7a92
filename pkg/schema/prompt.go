package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PromptBlock renders the instruction block for the prompt. The output is
// deterministic for a given schema.
func (s Schema) PromptBlock() string {
	var sb strings.Builder

	sb.WriteString("## Task\n")
	if s.Description != "" {
		sb.WriteString(s.Description)
	} else {
		sb.WriteString("Extract the following fields from the clinical note.")
	}
	sb.WriteString("\n\n## Fields to Extract\n")
	for _, el := range s.Elements {
		writeElement(&sb, el)
	}

	sb.WriteString("\n## Evidence\n")
	sb.WriteString("For every field you must also provide:\n")
	sb.WriteString("- reasoning: a short explanation of how the value follows from the note.\n")
	sb.WriteString("- grounding: an excerpt copied verbatim from the note that supports the value. ")
	sb.WriteString("Copy the exact characters without paraphrasing. Use null when the note contains no support.\n")

	sb.WriteString("\n## Output Format\n")
	sb.WriteString("Respond with a single JSON object and nothing else:\n")
	writeLayout(&sb, s.Elements)
	sb.WriteString("Use null for optional fields the note does not mention.\n")

	if len(s.Examples) > 0 {
		sb.WriteString("\n## Examples\n")
		for i, ex := range s.Examples {
			fmt.Fprintf(&sb, "### Example %d\nNote:\n%s\n\nOutput:\n", i+1, ex.Text)
			writeExample(&sb, s.Elements, ex)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func writeElement(sb *strings.Builder, el Element) {
	sb.WriteString("- ")
	sb.WriteString(el.Name)
	sb.WriteString(" (")
	sb.WriteString(el.Shape.label())
	if el.Required {
		sb.WriteString(", required")
	}
	sb.WriteString(")")
	if el.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(el.Description)
	}
	sb.WriteString("\n")
	if len(el.Examples) > 0 {
		sb.WriteString("  Examples: ")
		sb.WriteString(strings.Join(el.Examples, ", "))
		sb.WriteString("\n")
	}
}

func placeholder(shape Shape) string {
	switch shape {
	case ShapeTextList:
		return `["<text>", ...]`
	case ShapeBoolean:
		return "<true|false>"
	case ShapeNumber:
		return "<number>"
	default:
		return `"<text>"`
	}
}

// writeLayout writes the expected response skeleton in element order.
func writeLayout(sb *strings.Builder, elements []Element) {
	sb.WriteString("{\n")
	for _, el := range elements {
		fmt.Fprintf(sb, "  %q: %s,\n", el.Name, placeholder(el.Shape))
	}
	fmt.Fprintf(sb, "  %q: {", KeyReasoning)
	for i, el := range elements {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "%q: \"<reasoning>\"", el.Name)
	}
	sb.WriteString("},\n")
	fmt.Fprintf(sb, "  %q: {", KeyGrounding)
	for i, el := range elements {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "%q: \"<verbatim excerpt>\"", el.Name)
	}
	sb.WriteString("}\n}\n")
}

// writeExample writes an example's expected output with keys in element
// order so the rendered prompt does not depend on map iteration.
func writeExample(sb *strings.Builder, elements []Element, ex Example) {
	sb.WriteString("{")
	first := true
	sep := func() {
		if !first {
			sb.WriteString(", ")
		}
		first = false
	}
	for _, el := range elements {
		v, ok := ex.Fields[el.Name]
		if !ok {
			continue
		}
		sep()
		fmt.Fprintf(sb, "%q: %s", el.Name, mustJSON(v))
	}
	if ex.Reasoning != "" {
		sep()
		fmt.Fprintf(sb, "%q: %s", KeyReasoning, mustJSON(ex.Reasoning))
	}
	if len(ex.Grounding) > 0 {
		sep()
		fmt.Fprintf(sb, "%q: {", KeyGrounding)
		firstG := true
		for _, el := range elements {
			g, ok := ex.Grounding[el.Name]
			if !ok {
				continue
			}
			if !firstG {
				sb.WriteString(", ")
			}
			firstG = false
			fmt.Fprintf(sb, "%q: %s", el.Name, mustJSON(g))
		}
		sb.WriteString("}")
	}
	sb.WriteString("}\n")
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
