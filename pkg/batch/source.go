package batch

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/jmylchreest/notemine/pkg/extractor"
)

// Source yields notes in order, one per call. Next returns io.EOF once the
// input is exhausted. A Source is consumed exactly once and is only called
// from a single goroutine.
type Source interface {
	Next(ctx context.Context) (extractor.Note, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (extractor.Note, error)

// Next implements Source.
func (f SourceFunc) Next(ctx context.Context) (extractor.Note, error) { return f(ctx) }

// FromSlice returns a Source over an in-memory list.
func FromSlice(notes []extractor.Note) Source {
	i := 0
	return SourceFunc(func(ctx context.Context) (extractor.Note, error) {
		if err := ctx.Err(); err != nil {
			return extractor.Note{}, err
		}
		if i >= len(notes) {
			return extractor.Note{}, io.EOF
		}
		n := notes[i]
		i++
		return n, nil
	})
}

// FromChannel returns a Source that reads until ch is closed.
func FromChannel(ch <-chan extractor.Note) Source {
	return SourceFunc(func(ctx context.Context) (extractor.Note, error) {
		select {
		case n, ok := <-ch:
			if !ok {
				return extractor.Note{}, io.EOF
			}
			return n, nil
		case <-ctx.Done():
			return extractor.Note{}, ctx.Err()
		}
	})
}

// SeqSource pulls notes from an iterator. Close releases the iterator when
// a run stops before exhausting it.
type SeqSource struct {
	next func() (extractor.Note, bool)
	stop func()
	once sync.Once
}

// FromSeq returns a Source over a lazily generated sequence.
func FromSeq(seq iter.Seq[extractor.Note]) *SeqSource {
	next, stop := iter.Pull(seq)
	return &SeqSource{next: next, stop: stop}
}

// Next implements Source.
func (s *SeqSource) Next(ctx context.Context) (extractor.Note, error) {
	if err := ctx.Err(); err != nil {
		return extractor.Note{}, err
	}
	n, ok := s.next()
	if !ok {
		return extractor.Note{}, io.EOF
	}
	return n, nil
}

// Close implements io.Closer.
func (s *SeqSource) Close() error {
	s.once.Do(s.stop)
	return nil
}
