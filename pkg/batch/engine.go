// Package batch drives many notes through an extractor with bounded
// concurrency, writing each result durably before handing it to the caller.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jmylchreest/notemine/internal/logger"
	"github.com/jmylchreest/notemine/internal/output"
	"github.com/jmylchreest/notemine/pkg/extractor"
)

var (
	// ErrSink wraps failures to persist a result. They abort the run.
	ErrSink = errors.New("output sink failed")
	// ErrSource wraps failures to read the next note. They abort the run.
	ErrSource = errors.New("input source failed")
)

var validate = validator.New()

// Extractor processes one note. A non-nil error means the note was
// abandoned because ctx ended; failed notes are reported as results.
type Extractor interface {
	Extract(ctx context.Context, note extractor.Note) (*extractor.Result, error)
}

// Sink persists results. Append must not return until the result is durable.
type Sink interface {
	Append(res *extractor.Result) error
}

// Config holds the per-run settings.
type Config struct {
	Concurrency int    `validate:"gte=1"` // Lanes extracting at once
	Output      string // JSONL destination; ignored when a sink is supplied
	Overwrite   bool   // Truncate Output at run start instead of appending
	Total       int    `validate:"gte=0"` // Expected note count for progress, 0 when unknown
}

// DefaultConfig returns the defaults for a run.
func DefaultConfig() Config {
	return Config{Concurrency: 5}
}

// Engine runs batches. It holds no per-run state, so one Engine may start
// any number of independent runs.
type Engine struct {
	extractor  Extractor
	config     Config
	sink       Sink
	onProgress func(Snapshot)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink writes results to sink instead of opening Config.Output.
func WithSink(sink Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithProgress registers a callback invoked after every admission and
// completion. Calls are serialized; the callback must return quickly.
func WithProgress(fn func(Snapshot)) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// New creates an Engine.
func New(x Extractor, cfg Config, opts ...Option) (*Engine, error) {
	if x == nil {
		return nil, errors.New("batch: extractor is required")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}
	e := &Engine{extractor: x, config: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil && cfg.Output == "" {
		return nil, errors.New("batch: an output path or sink is required")
	}
	return e, nil
}

// Stream starts a run over src and returns immediately. Results arrive on
// the returned Stream in completion order.
func (e *Engine) Stream(ctx context.Context, src Source) (*Stream, error) {
	sink, closeSink, err := e.openSink()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	s := &Stream{
		RunID:    uuid.NewString(),
		results:  make(chan *extractor.Result),
		cancel:   cancel,
		progress: newProgress(e.config.Total, e.onProgress),
	}
	log := logger.With("run_id", s.RunID)
	log.Info("batch started", "concurrency", e.config.Concurrency, "output", e.config.Output, "overwrite", e.config.Overwrite)

	lanes := semaphore.NewWeighted(int64(e.config.Concurrency))

	g.Go(func() error {
		for {
			// A lane is claimed before the next note is pulled, so notes are
			// admitted in source order and never more than Concurrency at once.
			if err := lanes.Acquire(gctx, 1); err != nil {
				return err
			}
			note, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				lanes.Release(1)
				return nil
			}
			if err != nil {
				lanes.Release(1)
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("%w: %v", ErrSource, err)
			}

			s.progress.admit()
			g.Go(func() error {
				defer lanes.Release(1)
				return e.runLane(gctx, s, sink, note)
			})
		}
	})

	go func() {
		err := g.Wait()
		if s.closed.Load() && errors.Is(err, context.Canceled) {
			err = nil
		}
		if cerr := closeSink(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: %v", ErrSink, cerr)
		}
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
		cancel()

		snap := s.progress.Snapshot()
		if err != nil {
			log.Error("batch aborted", "error", err, "completed", snap.Completed)
		} else {
			log.Info("batch finished",
				"completed", snap.Completed,
				"succeeded", snap.Succeeded,
				"failed", snap.Failed,
				"elapsed", snap.Elapsed.Round(time.Millisecond))
		}

		s.err = err
		close(s.results)
	}()

	return s, nil
}

// runLane extracts one note, persists it, then delivers it.
func (e *Engine) runLane(ctx context.Context, s *Stream, sink Sink, note extractor.Note) error {
	res, err := e.extractor.Extract(ctx, note)
	if err != nil {
		return err
	}
	if err := sink.Append(res); err != nil {
		return fmt.Errorf("%w: note %s: %v", ErrSink, note.ID, err)
	}
	s.progress.complete(res)

	logger.Debug("note completed", "run_id", s.RunID, "note_id", res.ID, "status", res.Status, "attempts", res.Attempts)

	select {
	case s.results <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) openSink() (Sink, func() error, error) {
	if e.sink != nil {
		return e.sink, func() error { return nil }, nil
	}
	fs, err := output.OpenSink(e.config.Output, e.config.Overwrite)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSink, err)
	}
	return fs, fs.Close, nil
}

// Summary describes a finished run.
type Summary struct {
	RunID     string
	Completed int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// Run processes src to completion and blocks until every note has been
// written. It drains the same stream that Stream returns.
func (e *Engine) Run(ctx context.Context, src Source) (*Summary, error) {
	_, sum, err := e.drain(ctx, src, false)
	return sum, err
}

// Collect is Run that also returns every result in completion order.
func (e *Engine) Collect(ctx context.Context, src Source) ([]*extractor.Result, *Summary, error) {
	return e.drain(ctx, src, true)
}

func (e *Engine) drain(ctx context.Context, src Source, keep bool) ([]*extractor.Result, *Summary, error) {
	s, err := e.Stream(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	var results []*extractor.Result
	for {
		res, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return results, s.summary(), err
		}
		if keep {
			results = append(results, res)
		}
	}
	return results, s.summary(), nil
}
