package input

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/jmylchreest/notemine/pkg/extractor"
)

// CSVReader yields one note per row of a CSV file with a header row.
type CSVReader struct {
	r       *csv.Reader
	closer  io.Closer
	idCol   int
	textCol int
}

// NewCSVReader reads the header from r and locates the id and text columns.
// Column names match case-insensitively.
func NewCSVReader(r io.Reader, opts Options) (*CSVReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv input is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}

	idCol := slices.Index(header, strings.ToLower(opts.IDField))
	if idCol < 0 {
		return nil, fmt.Errorf("csv header: %w %q", ErrMissingField, opts.IDField)
	}
	textCol := slices.Index(header, strings.ToLower(opts.TextField))
	if textCol < 0 {
		return nil, fmt.Errorf("csv header: %w %q", ErrMissingField, opts.TextField)
	}

	reader := &CSVReader{r: cr, idCol: idCol, textCol: textCol}
	if c, ok := r.(io.Closer); ok {
		reader.closer = c
	}
	return reader, nil
}

// Next implements batch.Source.
func (r *CSVReader) Next(ctx context.Context) (extractor.Note, error) {
	if err := ctx.Err(); err != nil {
		return extractor.Note{}, err
	}
	row, err := r.r.Read()
	if err != nil {
		return extractor.Note{}, err
	}

	line, _ := r.r.FieldPos(0)
	if r.idCol >= len(row) || r.textCol >= len(row) {
		return extractor.Note{}, fmt.Errorf("line %d: expected at least %d columns, got %d", line, max(r.idCol, r.textCol)+1, len(row))
	}
	id := strings.TrimSpace(row[r.idCol])
	if id == "" {
		return extractor.Note{}, fmt.Errorf("line %d: %w id", line, ErrMissingField)
	}
	return extractor.Note{ID: id, Text: row[r.textCol]}, nil
}

// Close implements io.Closer.
func (r *CSVReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
