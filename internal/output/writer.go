// Package output persists extraction results and exports them to other
// formats.
package output

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/jmylchreest/notemine/pkg/extractor"
)

// Format names an export encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

var formatNames = map[string]Format{
	"json":   FormatJSON,
	"jsonl":  FormatJSONL,
	"ndjson": FormatJSONL,
	"yaml":   FormatYAML,
	"yml":    FormatYAML,
}

// ParseFormat resolves a format name, accepting "yml" and "ndjson".
func ParseFormat(s string) (Format, error) {
	if f, ok := formatNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return "", fmt.Errorf("unsupported output format: %s", s)
}

// Formats lists the accepted format names for help text.
func Formats() []string {
	names := make([]string, 0, len(formatNames))
	for name := range formatNames {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Writer encodes a sequence of results. Formats that need the whole
// sequence (a JSON array) buffer until Flush or Close.
type Writer interface {
	Write(res *extractor.Result) error
	Flush() error
	Close() error
}

// NewWriter creates a writer for format. compact disables JSON indentation
// and has no effect on line-oriented formats.
func NewWriter(w io.Writer, format Format, compact bool) (Writer, error) {
	switch format {
	case FormatJSON:
		indent := "  "
		if compact {
			indent = ""
		}
		return NewJSONWriter(w, !compact, indent), nil
	case FormatJSONL:
		return NewJSONLWriter(w), nil
	case FormatYAML:
		return NewYAMLWriter(w), nil
	}
	return nil, fmt.Errorf("unsupported output format: %s", format)
}
