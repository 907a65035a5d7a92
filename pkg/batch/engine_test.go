package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/notemine/internal/output"
	"github.com/jmylchreest/notemine/pkg/extractor"
	"github.com/jmylchreest/notemine/pkg/llm"
	"github.com/jmylchreest/notemine/pkg/llm/llmtest"
	"github.com/jmylchreest/notemine/pkg/schema"
)

const okReply = `{"finding": "stable", "grounding": {"finding": "stable"}}`

func testNotes(n int) []extractor.Note {
	notes := make([]extractor.Note, n)
	for i := range notes {
		notes[i] = extractor.Note{ID: fmt.Sprintf("note-%03d", i), Text: "Patient stable overnight."}
	}
	return notes
}

func newExtractor(t *testing.T, p llm.Provider) *extractor.Extractor {
	t.Helper()
	s, err := schema.New("findings", []schema.Element{
		{Name: "finding", Shape: schema.ShapeText, Required: true},
	})
	require.NoError(t, err)

	x, err := extractor.New(p, s, extractor.WithPolicy(extractor.Policy{
		MaxAttempts: 2,
		Backoff:     extractor.Backoff{Multiplier: 1},
	}))
	require.NoError(t, err)
	return x
}

func outputPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "results.jsonl")
}

func readLines(t *testing.T, path string) []*extractor.Result {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []*extractor.Result
	for res, err := range output.ReadResults(f) {
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

// memSink records appends in order.
type memSink struct {
	mu      sync.Mutex
	ids     []string
	failAt  int
	appends int
}

func (s *memSink) Append(res *extractor.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.failAt > 0 && s.appends >= s.failAt {
		return errors.New("disk full")
	}
	s.ids = append(s.ids, res.ID)
	return nil
}

func (s *memSink) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.ids {
		if got == id {
			return true
		}
	}
	return false
}

// gatedExtractor blocks every call until release is closed.
type gatedExtractor struct {
	release chan struct{}
	started atomic.Int32
}

func (g *gatedExtractor) Extract(ctx context.Context, note extractor.Note) (*extractor.Result, error) {
	g.started.Add(1)
	select {
	case <-g.release:
		return &extractor.Result{ID: note.ID, Status: extractor.StatusSuccess, Attempts: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- Construction Tests ---

func TestNew_Validation(t *testing.T) {
	x := newExtractor(t, llmtest.New(llmtest.Reply(okReply)))

	_, err := New(x, Config{Concurrency: 0, Output: "out.jsonl"})
	assert.Error(t, err)

	_, err = New(x, Config{Concurrency: 2})
	assert.ErrorContains(t, err, "output path or sink")

	_, err = New(nil, DefaultConfig(), WithSink(&memSink{}))
	assert.Error(t, err)

	_, err = New(x, DefaultConfig(), WithSink(&memSink{}))
	assert.NoError(t, err)
}

// --- Run Tests ---

func TestRun_OneLinePerNote(t *testing.T) {
	p := llmtest.New(llmtest.ByNote(
		map[string]llmtest.RespondFunc{
			"note-003": llmtest.Fail(llmtest.Fatal(401)),
			"note-007": llmtest.Sequence(llmtest.Transient(503), okReply),
		},
		llmtest.Reply(okReply),
	))
	path := outputPath(t)

	engine, err := New(newExtractor(t, p), Config{Concurrency: 4, Output: path, Overwrite: true})
	require.NoError(t, err)

	sum, err := engine.Run(context.Background(), FromSlice(testNotes(20)))
	require.NoError(t, err)

	assert.Equal(t, 20, sum.Completed)
	assert.Equal(t, 19, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.NotEmpty(t, sum.RunID)

	lines := readLines(t, path)
	require.Len(t, lines, 20)

	seen := make(map[string]*extractor.Result)
	for _, res := range lines {
		assert.NotContains(t, seen, res.ID, "duplicate line for %s", res.ID)
		seen[res.ID] = res
	}
	assert.Equal(t, extractor.StatusFailed, seen["note-003"].Status)
	assert.Equal(t, extractor.KindFatalTransport, seen["note-003"].Error.Kind)
	assert.Equal(t, 2, seen["note-007"].Attempts)
	assert.Equal(t, 1, p.Calls("note-003"))
}

func TestRun_EmptySource(t *testing.T) {
	path := outputPath(t)
	engine, err := New(newExtractor(t, llmtest.New(llmtest.Reply(okReply))), Config{Concurrency: 2, Output: path})
	require.NoError(t, err)

	sum, err := engine.Run(context.Background(), FromSlice(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Completed)

	info, err := os.Stat(path)
	require.NoError(t, err, "output file is created even for an empty run")
	assert.Zero(t, info.Size())
}

func TestRun_AppendsByDefault(t *testing.T) {
	path := outputPath(t)
	x := newExtractor(t, llmtest.New(llmtest.Reply(okReply)))

	first, err := New(x, Config{Concurrency: 2, Output: path})
	require.NoError(t, err)
	_, err = first.Run(context.Background(), FromSlice(testNotes(3)))
	require.NoError(t, err)

	second, err := New(x, Config{Concurrency: 2, Output: path})
	require.NoError(t, err)
	_, err = second.Run(context.Background(), FromSlice([]extractor.Note{{ID: "extra", Text: "stable"}}))
	require.NoError(t, err)
	assert.Len(t, readLines(t, path), 4)

	third, err := New(x, Config{Concurrency: 2, Output: path, Overwrite: true})
	require.NoError(t, err)
	_, err = third.Run(context.Background(), FromSlice(testNotes(2)))
	require.NoError(t, err)
	assert.Len(t, readLines(t, path), 2)
}

func TestRun_ConcurrencyBounded(t *testing.T) {
	p := llmtest.New(llmtest.Reply(okReply), llmtest.WithDelay(20*time.Millisecond))
	engine, err := New(newExtractor(t, p), Config{Concurrency: 3}, WithSink(&memSink{}))
	require.NoError(t, err)

	sum, err := engine.Run(context.Background(), FromSlice(testNotes(12)))
	require.NoError(t, err)

	assert.Equal(t, 12, sum.Completed)
	assert.LessOrEqual(t, p.MaxInFlight(), 3)
	assert.Greater(t, p.MaxInFlight(), 1, "lanes should overlap")
}

func TestRun_SequentialPreservesOrder(t *testing.T) {
	sink := &memSink{}
	engine, err := New(newExtractor(t, llmtest.New(llmtest.Reply(okReply))), Config{Concurrency: 1}, WithSink(sink))
	require.NoError(t, err)

	notes := testNotes(8)
	_, err = engine.Run(context.Background(), FromSlice(notes))
	require.NoError(t, err)

	want := make([]string, len(notes))
	for i, n := range notes {
		want[i] = n.ID
	}
	assert.Equal(t, want, sink.ids)
}

func TestStream_AdmitsNoMoreThanConcurrency(t *testing.T) {
	var pulled atomic.Int32
	notes := testNotes(10)
	src := SourceFunc(func(ctx context.Context) (extractor.Note, error) {
		i := int(pulled.Add(1)) - 1
		if i >= len(notes) {
			return extractor.Note{}, io.EOF
		}
		return notes[i], nil
	})

	x := &gatedExtractor{release: make(chan struct{})}
	engine, err := New(x, Config{Concurrency: 2}, WithSink(&memSink{}))
	require.NoError(t, err)

	s, err := engine.Stream(context.Background(), src)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return x.started.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), pulled.Load(), "source is not read ahead of free lanes")
	assert.Equal(t, 2, s.Progress().InFlight())

	close(x.release)
	var got int
	for _, err := range s.All(context.Background()) {
		require.NoError(t, err)
		got++
	}
	assert.Equal(t, 10, got)
}

func TestStream_YieldsOnlyAfterWrite(t *testing.T) {
	sink := &memSink{}
	p := llmtest.New(llmtest.Reply(okReply), llmtest.WithDelay(2*time.Millisecond))
	engine, err := New(newExtractor(t, p), Config{Concurrency: 4}, WithSink(sink))
	require.NoError(t, err)

	s, err := engine.Stream(context.Background(), FromSlice(testNotes(15)))
	require.NoError(t, err)

	for res, err := range s.All(context.Background()) {
		require.NoError(t, err)
		assert.True(t, sink.has(res.ID), "%s returned before it was written", res.ID)
	}
}

func TestStream_CloseEarlyLeavesValidOutput(t *testing.T) {
	path := outputPath(t)
	p := llmtest.New(llmtest.Reply(okReply), llmtest.WithDelay(10*time.Millisecond))
	engine, err := New(newExtractor(t, p), Config{Concurrency: 3, Output: path, Overwrite: true})
	require.NoError(t, err)

	s, err := engine.Stream(context.Background(), FromSlice(testNotes(50)))
	require.NoError(t, err)

	for range 2 {
		_, err := s.Next(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	lines := readLines(t, path)
	assert.GreaterOrEqual(t, len(lines), 2)
	assert.Less(t, len(lines), 50)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"), "no partial trailing line")

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_AllBreakStopsRun(t *testing.T) {
	p := llmtest.New(llmtest.Reply(okReply), llmtest.WithDelay(5*time.Millisecond))
	engine, err := New(newExtractor(t, p), Config{Concurrency: 2}, WithSink(&memSink{}))
	require.NoError(t, err)

	s, err := engine.Stream(context.Background(), FromSlice(testNotes(100)))
	require.NoError(t, err)

	n := 0
	for _, err := range s.All(context.Background()) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Less(t, p.TotalCalls(), 100)
}

func TestRun_SinkFailureAborts(t *testing.T) {
	sink := &memSink{failAt: 3}
	engine, err := New(newExtractor(t, llmtest.New(llmtest.Reply(okReply))), Config{Concurrency: 2}, WithSink(sink))
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), FromSlice(testNotes(20)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSink)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRun_SourceFailureAborts(t *testing.T) {
	notes := testNotes(2)
	i := 0
	src := SourceFunc(func(context.Context) (extractor.Note, error) {
		if i < len(notes) {
			i++
			return notes[i-1], nil
		}
		return extractor.Note{}, errors.New("bad row")
	})

	engine, err := New(newExtractor(t, llmtest.New(llmtest.Reply(okReply))), Config{Concurrency: 1}, WithSink(&memSink{}))
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), src)
	assert.ErrorIs(t, err, ErrSource)
}

func TestRun_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := llmtest.New(llmtest.Reply(okReply), llmtest.WithDelay(time.Second))
	engine, err := New(newExtractor(t, p), Config{Concurrency: 2}, WithSink(&memSink{}))
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, cancel)
	sum, err := engine.Run(ctx, FromSlice(testNotes(5)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.Completed)
}

func TestCollect_ReturnsEveryResult(t *testing.T) {
	engine, err := New(newExtractor(t, llmtest.New(llmtest.Reply(okReply))), Config{Concurrency: 3}, WithSink(&memSink{}))
	require.NoError(t, err)

	results, sum, err := engine.Collect(context.Background(), FromSlice(testNotes(7)))
	require.NoError(t, err)
	assert.Len(t, results, 7)
	assert.Equal(t, 7, sum.Succeeded)
	for _, res := range results {
		assert.Equal(t, "stable", res.Fields["finding"])
		assert.Equal(t, "stable", res.Grounding["finding"])
	}
}

// --- Progress Tests ---

func TestProgress_Monotonic(t *testing.T) {
	var (
		mu        sync.Mutex
		snapshots []Snapshot
	)
	record := func(s Snapshot) {
		mu.Lock()
		snapshots = append(snapshots, s)
		mu.Unlock()
	}

	engine, err := New(newExtractor(t, llmtest.New(llmtest.Reply(okReply))),
		Config{Concurrency: 4, Total: 10}, WithSink(&memSink{}), WithProgress(record))
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), FromSlice(testNotes(10)))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 20, "one update per admission and per completion")

	for i := 1; i < len(snapshots); i++ {
		assert.GreaterOrEqual(t, snapshots[i].Completed, snapshots[i-1].Completed)
		assert.GreaterOrEqual(t, snapshots[i].Admitted, snapshots[i-1].Admitted)
		assert.LessOrEqual(t, snapshots[i].Completed, snapshots[i].Admitted)
	}
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, 10, last.Completed)
	assert.Equal(t, 1.0, last.Fraction())
}

func TestSnapshot_UnknownTotal(t *testing.T) {
	assert.Equal(t, -1.0, Snapshot{Completed: 3}.Fraction())
	assert.Equal(t, 0.5, Snapshot{Completed: 2, Total: 4}.Fraction())
	assert.Equal(t, 2, Snapshot{Admitted: 5, Completed: 3}.InFlight())
}

// --- Source Tests ---

func TestFromSeq_StopsGeneratorOnClose(t *testing.T) {
	var stopped atomic.Bool
	seq := func(yield func(extractor.Note) bool) {
		defer stopped.Store(true)
		for i := 0; ; i++ {
			if !yield(extractor.Note{ID: fmt.Sprintf("gen-%d", i), Text: "stable"}) {
				return
			}
		}
	}

	p := llmtest.New(llmtest.Reply(okReply), llmtest.WithDelay(time.Millisecond))
	engine, err := New(newExtractor(t, p), Config{Concurrency: 2}, WithSink(&memSink{}))
	require.NoError(t, err)

	s, err := engine.Stream(context.Background(), FromSeq(seq))
	require.NoError(t, err)
	for range 5 {
		_, err := s.Next(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	assert.True(t, stopped.Load())
}

func TestFromChannel(t *testing.T) {
	ch := make(chan extractor.Note)
	go func() {
		defer close(ch)
		for _, n := range testNotes(4) {
			ch <- n
		}
	}()

	engine, err := New(newExtractor(t, llmtest.New(llmtest.Reply(okReply))), Config{Concurrency: 2}, WithSink(&memSink{}))
	require.NoError(t, err)

	sum, err := engine.Run(context.Background(), FromChannel(ch))
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Completed)
}
