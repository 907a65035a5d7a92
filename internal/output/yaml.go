package output

import (
	"bufio"
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/notemine/pkg/extractor"
)

// YAMLWriter writes results as a YAML sequence, keeping the key order of
// the JSON encoding.
type YAMLWriter struct {
	w       *bufio.Writer
	results []*extractor.Result
	flushed bool
}

// NewYAMLWriter creates a YAML writer.
func NewYAMLWriter(w io.Writer) *YAMLWriter {
	return &YAMLWriter{
		w:       bufio.NewWriter(w),
		results: make([]*extractor.Result, 0),
	}
}

// Write buffers a result until Flush.
func (w *YAMLWriter) Write(res *extractor.Result) error {
	w.results = append(w.results, res)
	return nil
}

// Flush writes the buffered results.
func (w *YAMLWriter) Flush() error {
	if w.flushed {
		return w.w.Flush()
	}

	// JSON is a YAML subset, so decoding the JSON form into a node tree
	// reuses the result's field names and omission rules.
	data, err := json.Marshal(w.results)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	blockStyle(&doc)

	encoder := yaml.NewEncoder(w.w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return err
	}
	if err := encoder.Close(); err != nil {
		return err
	}
	w.flushed = true
	return w.w.Flush()
}

// Close flushes the writer.
func (w *YAMLWriter) Close() error {
	return w.Flush()
}

// blockStyle clears the flow style inherited from JSON so the output reads
// as ordinary YAML. Empty collections stay in flow form.
func blockStyle(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		if len(n.Content) > 0 {
			n.Style = 0
		}
	case yaml.ScalarNode:
		if n.Tag == "!!str" {
			n.Style = 0
		}
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}
