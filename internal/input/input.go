// Package input reads clinical notes from JSONL, CSV or a directory of
// note files and presents them as a batch.Source.
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/notemine/pkg/batch"
	"github.com/jmylchreest/notemine/pkg/extractor"
)

// ErrMissingField is returned when a record lacks its id or text.
var ErrMissingField = errors.New("missing field")

// Options names the id and text columns of tabular inputs.
type Options struct {
	IDField   string
	TextField string
}

// DefaultOptions returns the conventional column names.
func DefaultOptions() Options {
	return Options{IDField: "id", TextField: "text"}
}

// Reader is a Source that owns an open file.
type Reader interface {
	batch.Source
	io.Closer
}

// Open picks a reader by path: a directory of note files, a .csv file, or
// JSONL for anything else.
func Open(path string, opts Options) (Reader, error) {
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	if opts.TextField == "" {
		opts.TextField = "text"
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	if info.IsDir() {
		r, err := NewDirReader(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		r, err := NewCSVReader(f, opts)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return r, nil
	default:
		return NewJSONLReader(f, opts), nil
	}
}

// Exclude skips notes whose id is in done. It is used to resume a run
// against an existing output file.
func Exclude(src batch.Source, done map[string]struct{}) batch.Source {
	if len(done) == 0 {
		return src
	}
	return &excluding{src: src, done: done}
}

type excluding struct {
	src  batch.Source
	done map[string]struct{}
}

func (e *excluding) Next(ctx context.Context) (extractor.Note, error) {
	for {
		n, err := e.src.Next(ctx)
		if err != nil {
			return n, err
		}
		if _, ok := e.done[n.ID]; !ok {
			return n, nil
		}
	}
}

func (e *excluding) Close() error {
	if c, ok := e.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Count returns how many notes src yields, consuming it. Callers open a
// second reader for the run itself.
func Count(ctx context.Context, src batch.Source) (int, error) {
	n := 0
	for {
		_, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
