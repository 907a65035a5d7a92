package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coerce converts v into the canonical Go form of shape, accepting only
// representationally equivalent inputs:
//
//	text          string; number or bool rendered as text; [x]
//	list_of_text  list of text-coercible scalars; a single scalar becomes [x]
//	boolean       bool; "true", "false", "yes", "no"; [x]
//	number        any numeric type; a numeric string; [x]
//
// Canonical forms are string, []string, bool and float64.
func Coerce(shape Shape, v any) (any, error) {
	switch shape {
	case ShapeText:
		return coerceText(unwrapSingle(v))
	case ShapeTextList:
		return coerceTextList(v)
	case ShapeBoolean:
		return coerceBool(unwrapSingle(v))
	case ShapeNumber:
		return coerceNumber(unwrapSingle(v))
	default:
		return nil, fmt.Errorf("unknown shape %q", shape)
	}
}

// unwrapSingle lets a one-item list stand in for a scalar.
func unwrapSingle(v any) any {
	switch t := v.(type) {
	case []any:
		if len(t) == 1 {
			return t[0]
		}
	case []string:
		if len(t) == 1 {
			return t[0]
		}
	}
	return v
}

func coerceText(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("expected text, got %s", describe(v))
}

func coerceTextList(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for i, item := range t {
			s, err := coerceText(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, s)
		}
		return out, nil
	}
	s, err := coerceText(v)
	if err != nil {
		return nil, fmt.Errorf("expected list of text, got %s", describe(v))
	}
	return []string{s}, nil
}

func coerceBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		return false, fmt.Errorf("expected boolean, got text %q", truncate(t, 40))
	}
	return false, fmt.Errorf("expected boolean, got %s", describe(v))
}

func coerceNumber(v any) (float64, error) {
	var (
		f  float64
		ok bool
	)
	switch t := v.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got text %q", truncate(t, 40))
		}
		f, ok = parsed, true
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", t.String())
		}
		f, ok = parsed, true
	default:
		f, ok = toFloat(v)
	}
	if !ok {
		return 0, fmt.Errorf("expected number, got %s", describe(v))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected finite number, got %v", f)
	}
	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// describe names the JSON kind of v for defect messages.
func describe(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return fmt.Sprintf("list of %d items", len(t))
	case []string:
		return fmt.Sprintf("list of %d items", len(t))
	case bool:
		return "boolean"
	case string:
		return "text"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
