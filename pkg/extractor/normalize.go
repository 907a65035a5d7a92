package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jmylchreest/notemine/pkg/schema"
)

// Normalize turns one raw model response into a successful result for note,
// or an *Error of kind parse_error or validation_error. Attempts is left for
// the caller to set.
//
// Two layouts are accepted: flat values with top-level "reasoning" and
// "grounding" keys, and per-element objects of the form
// {"answer": v, "reasoning": r, "grounding": g}. Grounding excerpts that are
// not found in the note are dropped without failing the result.
func Normalize(note Note, raw string, s schema.Schema) (*Result, error) {
	obj, err := parseObject(raw)
	if err != nil {
		return nil, &Error{
			Kind: KindParse,
			Err:  fmt.Errorf("failed to parse response as JSON: %w (response: %s)", err, truncateForError(raw)),
		}
	}

	candidate := make(map[string]any, len(obj))
	elementReasoning := make(map[string]string)
	excerpts := make(map[string][]string)

	for key, val := range obj {
		if key == schema.KeyReasoning || key == schema.KeyGrounding {
			continue
		}
		if wrapped, ok := val.(map[string]any); ok && isAnswerObject(wrapped) {
			if v, ok := wrapped["answer"]; ok {
				candidate[key] = v
			} else {
				candidate[key] = wrapped["value"]
			}
			if r, ok := wrapped["reasoning"].(string); ok && r != "" {
				elementReasoning[key] = r
			}
			excerpts[key] = append(excerpts[key], excerptList(wrapped["grounding"])...)
			continue
		}
		candidate[key] = val
	}

	var reasoning string
	switch r := obj[schema.KeyReasoning].(type) {
	case string:
		reasoning = strings.TrimSpace(r)
	case map[string]any:
		for k, v := range r {
			if text, ok := v.(string); ok && text != "" {
				elementReasoning[k] = text
			}
		}
	}

	if g, ok := obj[schema.KeyGrounding].(map[string]any); ok {
		for k, v := range g {
			excerpts[k] = append(excerpts[k], excerptList(v)...)
		}
	}

	fields, defects := s.Validate(candidate)
	if len(defects) > 0 {
		return nil, &Error{Kind: KindValidation, Err: defects}
	}

	res := &Result{
		ID:        note.ID,
		Status:    StatusSuccess,
		Fields:    fields,
		Reasoning: renderReasoning(reasoning, elementReasoning, s),
		Grounding: make(map[string]string),
	}

	for _, name := range s.Names() {
		if _, present := fields[name]; !present {
			continue
		}
		for _, excerpt := range excerpts[name] {
			if span, ok := FindExcerpt(note.Text, excerpt); ok {
				res.Grounding[name] = note.Text[span.Start:span.End]
				if res.Spans == nil {
					res.Spans = make(map[string]Span)
				}
				res.Spans[name] = span
				break
			}
		}
	}

	return res, nil
}

// parseObject decodes a JSON object from raw model output. Code fences are
// stripped, and text around the outermost braces is tolerated.
func parseObject(raw string) (map[string]any, error) {
	content := StripMarkdownCodeBlock(raw)
	if content == "" {
		return nil, errors.New("empty response")
	}

	obj, err := decodeObject(content)
	if err == nil {
		return obj, nil
	}

	start, end := strings.IndexByte(content, '{'), strings.LastIndexByte(content, '}')
	if start >= 0 && end > start && (start > 0 || end < len(content)-1) {
		if obj, retryErr := decodeObject(content[start : end+1]); retryErr == nil {
			return obj, nil
		}
	}
	return nil, err
}

func decodeObject(content string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected content after JSON value")
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %s", jsonKind(v))
	}
	return obj, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func isAnswerObject(m map[string]any) bool {
	_, hasAnswer := m["answer"]
	_, hasValue := m["value"]
	return hasAnswer || hasValue
}

// excerptList accepts a single excerpt or a list of them.
func excerptList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// renderReasoning joins free-text reasoning with per-element reasoning in
// schema order.
func renderReasoning(overall string, perElement map[string]string, s schema.Schema) string {
	parts := make([]string, 0, len(perElement)+1)
	if overall != "" {
		parts = append(parts, overall)
	}
	for _, name := range s.Names() {
		if r, ok := perElement[name]; ok {
			parts = append(parts, name+": "+strings.TrimSpace(r))
		}
	}
	return strings.Join(parts, "\n")
}

// truncateForError truncates content for error messages.
func truncateForError(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "..."
}
