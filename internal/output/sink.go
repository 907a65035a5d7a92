package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmylchreest/notemine/internal/logger"
	"github.com/jmylchreest/notemine/pkg/extractor"
)

// ErrClosed is returned when appending to a closed sink.
var ErrClosed = errors.New("sink is closed")

// FileSink appends results to a JSONL file. Every Append is flushed and
// synced before it returns, so a file cut short by a crash or cancellation
// holds only complete lines.
type FileSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	count  int
	closed bool
}

// OpenSink opens path for appending, creating it and its parent directories
// as needed. With overwrite the file is truncated first.
func OpenSink(path string, overwrite bool) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_RDWR | os.O_APPEND
	if overwrite {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening output: %w", err)
	}
	if !overwrite {
		if err := dropPartialLine(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("repairing output %s: %w", path, err)
		}
	}

	return &FileSink{
		path: path,
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

// dropPartialLine truncates f back to just after its last newline. A line
// without a newline is the remains of an interrupted write and is never
// counted as done, so appending after it would corrupt the next record.
func dropPartialLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := max(0, end-int64(len(buf)))
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			end = start + int64(i) + 1
			break
		}
		end = start
	}
	if end == size {
		return nil
	}

	logger.Warn("dropping partial line at end of output", "path", f.Name(), "bytes", size-end)
	if err := f.Truncate(end); err != nil {
		return err
	}
	return f.Sync()
}

// Path returns the file the sink writes to.
func (s *FileSink) Path() string { return s.path }

// Count returns the number of results appended through this sink.
func (s *FileSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Append writes res as one line and syncs it to disk. Lines from
// concurrent callers never interleave.
func (s *FileSink) Append(res *extractor.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := writeLine(s.w, res); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.count++
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	return errors.Join(flushErr, closeErr)
}

// ReadResults iterates the results stored in a JSONL file. A malformed line
// stops iteration with an error naming the line number; a trailing line
// without a newline is treated as truncated and skipped.
func ReadResults(r io.Reader) iter.Seq2[*extractor.Result, error] {
	return func(yield func(*extractor.Result, error) bool) {
		br := bufio.NewReader(r)
		for line := 1; ; line++ {
			data, err := br.ReadBytes('\n')
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if len(bytes.TrimSpace(data)) == 0 {
				continue
			}

			var res extractor.Result
			if err := json.Unmarshal(data, &res); err != nil {
				yield(nil, fmt.Errorf("line %d: %w", line, err))
				return
			}
			if !yield(&res, nil) {
				return
			}
		}
	}
}

// ReadIDs returns the ids already recorded in the JSONL file at path. A
// missing file yields an empty set.
func ReadIDs(path string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ids, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for res, err := range ReadResults(f) {
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		ids[res.ID] = struct{}{}
	}
	return ids, nil
}
