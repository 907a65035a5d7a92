package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/notemine/pkg/batch"
	"github.com/jmylchreest/notemine/pkg/extractor"
	"github.com/jmylchreest/notemine/pkg/llm"
)

func TestOnLLMCall(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.OnLLMCall(ctx, llm.CallEvent{
		Provider: "openai",
		Duration: 300 * time.Millisecond,
		Wait:     2 * time.Second,
		Usage:    llm.Usage{InputTokens: 120, OutputTokens: 30},
	})
	m.OnLLMCall(ctx, llm.CallEvent{
		Provider: "openai",
		Duration: time.Second,
		Err:      &llm.Error{Kind: llm.KindTransient, StatusCode: 429, Err: errors.New("rate limited")},
	})
	m.OnLLMCall(ctx, llm.CallEvent{
		Provider: "openai",
		Err:      &llm.Error{Kind: llm.KindFatal, StatusCode: 401, Err: errors.New("unauthorized")},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMCalls.WithLabelValues("openai", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMCalls.WithLabelValues("openai", string(llm.KindTransient))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMCalls.WithLabelValues("openai", string(llm.KindFatal))))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.Tokens.WithLabelValues("openai", "input")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.Tokens.WithLabelValues("openai", "output")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LLMDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LLMWait))
}

func TestObserveResultAndProgress(t *testing.T) {
	m := New()

	m.ObserveResult(&extractor.Result{ID: "a", Status: extractor.StatusSuccess, Attempts: 1})
	m.ObserveResult(&extractor.Result{ID: "b", Status: extractor.StatusSuccess, Attempts: 2})
	m.ObserveResult(extractor.Failed("c", extractor.KindParse, "bad json", 3))
	m.OnProgress(batch.Snapshot{Admitted: 7, Completed: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Notes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notes.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.NotesInFlight))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveResult(&extractor.Result{ID: "a", Status: extractor.StatusSuccess, Attempts: 1})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `notemine_notes_total{status="success"} 1`)
	assert.Contains(t, string(body), "notemine_note_attempts_bucket")
	assert.True(t, strings.Contains(string(body), "go_goroutines"), "runtime collectors registered")
}

func TestServe_StopsWithContext(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
