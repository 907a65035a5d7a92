package batch

import (
	"context"
	"io"
	"iter"
	"sync/atomic"

	"github.com/jmylchreest/notemine/pkg/extractor"
)

// Stream is a live run. Results are pulled with Next in completion order;
// each one has already been written to the sink when it is returned.
type Stream struct {
	RunID string

	results  chan *extractor.Result
	err      error // written before results is closed
	cancel   context.CancelFunc
	closed   atomic.Bool
	progress *Progress
}

// Next returns the next finished result. It returns io.EOF after the last
// result, or the error that aborted the run.
func (s *Stream) Next(ctx context.Context) (*extractor.Result, error) {
	select {
	case res, ok := <-s.results:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All adapts the stream to a range-over-func iterator. Breaking out of the
// loop closes the stream. A run error is yielded once as the final pair.
func (s *Stream) All(ctx context.Context) iter.Seq2[*extractor.Result, error] {
	return func(yield func(*extractor.Result, error) bool) {
		defer s.Close()
		for {
			res, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}

// Close stops the run early. In-flight notes are abandoned; everything
// already written stays in the output. Close waits for all lanes to exit
// and returns the run error, if any, other than the cancellation itself.
// It is safe to call more than once and after the stream is exhausted.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.cancel()
	for range s.results {
	}
	return s.err
}

// Progress returns the current counters.
func (s *Stream) Progress() Snapshot {
	return s.progress.Snapshot()
}

func (s *Stream) summary() *Summary {
	snap := s.progress.Snapshot()
	return &Summary{
		RunID:     s.RunID,
		Completed: snap.Completed,
		Succeeded: snap.Succeeded,
		Failed:    snap.Failed,
		Elapsed:   snap.Elapsed,
	}
}
