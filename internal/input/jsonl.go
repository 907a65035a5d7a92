package input

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jmylchreest/notemine/pkg/extractor"
)

const maxLineSize = 16 << 20

// JSONLReader yields one note per JSON object line. Blank lines are skipped.
type JSONLReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	opts    Options
	line    int
}

// NewJSONLReader reads notes from r. If r is an io.Closer, Close closes it.
func NewJSONLReader(r io.Reader, opts Options) *JSONLReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	jr := &JSONLReader{scanner: sc, opts: opts}
	if c, ok := r.(io.Closer); ok {
		jr.closer = c
	}
	return jr
}

// Next implements batch.Source.
func (r *JSONLReader) Next(ctx context.Context) (extractor.Note, error) {
	for {
		if err := ctx.Err(); err != nil {
			return extractor.Note{}, err
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return extractor.Note{}, fmt.Errorf("line %d: %w", r.line+1, err)
			}
			return extractor.Note{}, io.EOF
		}
		r.line++

		data := bytes.TrimSpace(r.scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return extractor.Note{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		note, err := noteFromRecord(rec, r.opts)
		if err != nil {
			return extractor.Note{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return note, nil
	}
}

// Close implements io.Closer.
func (r *JSONLReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func noteFromRecord(rec map[string]any, opts Options) (extractor.Note, error) {
	var id string
	switch v := rec[opts.IDField].(type) {
	case string:
		id = v
	case json.Number:
		id = v.String()
	case bool:
		id = strconv.FormatBool(v)
	}
	if id == "" {
		return extractor.Note{}, fmt.Errorf("%w %q", ErrMissingField, opts.IDField)
	}

	text, ok := rec[opts.TextField].(string)
	if !ok {
		return extractor.Note{}, fmt.Errorf("note %s: %w %q", id, ErrMissingField, opts.TextField)
	}
	return extractor.Note{ID: id, Text: text}, nil
}
