package output

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/jmylchreest/notemine/pkg/extractor"
)

// JSONWriter collects results and writes them as one JSON array.
type JSONWriter struct {
	w       *bufio.Writer
	pretty  bool
	indent  string
	results []*extractor.Result
	flushed bool
}

// NewJSONWriter creates a JSON writer.
func NewJSONWriter(w io.Writer, pretty bool, indent string) *JSONWriter {
	return &JSONWriter{
		w:       bufio.NewWriter(w),
		pretty:  pretty,
		indent:  indent,
		results: make([]*extractor.Result, 0),
	}
}

// Write buffers a result until Flush.
func (w *JSONWriter) Write(res *extractor.Result) error {
	w.results = append(w.results, res)
	return nil
}

// Flush writes the buffered results as a JSON array. An empty run is
// written as [].
func (w *JSONWriter) Flush() error {
	if w.flushed {
		return w.w.Flush()
	}

	var (
		data []byte
		err  error
	)
	if w.pretty {
		data, err = json.MarshalIndent(w.results, "", w.indent)
	} else {
		data, err = json.Marshal(w.results)
	}
	if err != nil {
		return err
	}

	if _, err := w.w.Write(data); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.flushed = true
	return w.w.Flush()
}

// Close flushes the writer.
func (w *JSONWriter) Close() error {
	return w.Flush()
}

// JSONLWriter writes one result per line.
type JSONLWriter struct {
	w *bufio.Writer
}

// NewJSONLWriter creates a JSONL writer.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{
		w: bufio.NewWriter(w),
	}
}

// Write writes a single result as a JSON line.
func (w *JSONLWriter) Write(res *extractor.Result) error {
	if err := writeLine(w.w, res); err != nil {
		return err
	}
	return w.w.Flush()
}

// Flush flushes the buffer.
func (w *JSONLWriter) Flush() error {
	return w.w.Flush()
}

// Close flushes the writer.
func (w *JSONLWriter) Close() error {
	return w.Flush()
}

func writeLine(w *bufio.Writer, res *extractor.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}
