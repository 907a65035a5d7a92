package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/notemine/pkg/llm"
	"github.com/jmylchreest/notemine/pkg/llm/llmtest"
)

const chatCompletion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini-2024-07-18",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"diagnosis\":\"flu\"}"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
}`

// stubServer answers every request with status and body and counts hits.
func stubServer(t *testing.T, status int, body string, seen func(*http.Request, []byte)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		data, _ := io.ReadAll(r.Body)
		if seen != nil {
			seen(r, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func extractionRequest() llm.Request {
	return llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Extract fields as JSON."},
			{Role: llm.RoleUser, Content: "Patient has fever."},
		},
		NoteID: "n1",
	}
}

// --- OpenAI Provider Tests ---

func TestOpenAIProvider_Execute(t *testing.T) {
	var payload map[string]any
	srv, hits := stubServer(t, http.StatusOK, chatCompletion, func(r *http.Request, body []byte) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "notemine/test", r.Header.Get("User-Agent"))
		assert.NoError(t, json.Unmarshal(body, &payload))
	})

	p, err := llm.NewOpenAIProvider(llm.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini", UserAgent: "notemine/test"})
	require.NoError(t, err)

	req := extractionRequest()
	req.JSONSchema = map[string]any{"type": "object"}
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, `{"diagnosis":"flu"}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, llm.Usage{InputTokens: 42, OutputTokens: 7}, resp.Usage)
	assert.Equal(t, "gpt-4o-mini", payload["model"])
	assert.NotContains(t, fmt.Sprint(payload), "n1", "note id must not be sent upstream")

	format, _ := payload["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
}

func TestOpenAIProvider_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   llm.ErrorKind
	}{
		{http.StatusTooManyRequests, llm.KindTransient},
		{http.StatusInternalServerError, llm.KindTransient},
		{http.StatusServiceUnavailable, llm.KindTransient},
		{http.StatusUnauthorized, llm.KindFatal},
		{http.StatusForbidden, llm.KindFatal},
		{http.StatusBadRequest, llm.KindFatal},
		{http.StatusNotFound, llm.KindFatal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, hits := stubServer(t, tt.status, `{"error":{"message":"nope","type":"test"}}`, nil)
			p, err := llm.NewOpenAIProvider(llm.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = p.Execute(context.Background(), extractionRequest())
			require.Error(t, err)

			var gwErr *llm.Error
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.kind, gwErr.Kind)
			assert.Equal(t, tt.status, gwErr.StatusCode)
			assert.Equal(t, "openai", gwErr.Provider)
			assert.Equal(t, int32(1), hits.Load(), "provider must not retry on its own")
		})
	}
}

func TestOpenAIProvider_EmptyChoicesIsTransient(t *testing.T) {
	srv, _ := stubServer(t, http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, nil)
	p, err := llm.NewOpenAIProvider(llm.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), extractionRequest())
	assert.Equal(t, llm.KindTransient, llm.Classify(err))
}

func TestOpenAIProvider_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := llm.NewOpenAIProvider(llm.ProviderConfig{APIKey: "sk-test", BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), extractionRequest())
	require.Error(t, err)
	assert.Equal(t, llm.KindTransient, llm.Classify(err))
}

func TestNewOpenAIProvider_MissingKey(t *testing.T) {
	_, err := llm.NewOpenAIProvider(llm.ProviderConfig{})
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)
	assert.Equal(t, llm.KindFatal, llm.Classify(err))
}

// --- Anthropic Provider Tests ---

func TestAnthropicProvider_ToolOutput(t *testing.T) {
	body := `{
	  "id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-20250514",
	  "content": [{"type": "tool_use", "id": "tu_1", "name": "record_extraction", "input": {"diagnosis": "flu"}}],
	  "stop_reason": "tool_use", "stop_sequence": null,
	  "usage": {"input_tokens": 12, "output_tokens": 7}
	}`
	var payload map[string]any
	srv, _ := stubServer(t, http.StatusOK, body, func(_ *http.Request, data []byte) {
		assert.NoError(t, json.Unmarshal(data, &payload))
	})

	p, err := llm.NewAnthropicProvider(llm.ProviderConfig{APIKey: "sk-ant", BaseURL: srv.URL})
	require.NoError(t, err)

	req := extractionRequest()
	req.JSONSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"diagnosis": map[string]any{"type": "string"}},
		"required":   []string{"diagnosis"},
	}
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.JSONEq(t, `{"diagnosis":"flu"}`, resp.Content)
	assert.Equal(t, llm.Usage{InputTokens: 12, OutputTokens: 7}, resp.Usage)
	assert.Equal(t, "tool_use", resp.FinishReason)

	tools, _ := payload["tools"].([]any)
	require.Len(t, tools, 1)
	schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
	assert.Equal(t, []any{"diagnosis"}, schema["required"])
}

func TestAnthropicProvider_OverloadedIsTransient(t *testing.T) {
	srv, hits := stubServer(t, 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, nil)
	p, err := llm.NewAnthropicProvider(llm.ProviderConfig{APIKey: "sk-ant", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), extractionRequest())
	assert.Equal(t, llm.KindTransient, llm.Classify(err))
	assert.Equal(t, 529, llm.StatusCode(err))
	assert.Equal(t, int32(1), hits.Load())
}

// --- Classification Tests ---

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want llm.ErrorKind
	}{
		{"classified transient", llmtest.Transient(429), llm.KindTransient},
		{"classified fatal", llmtest.Fatal(401), llm.KindFatal},
		{"wrapped classified", fmt.Errorf("call: %w", llmtest.Fatal(400)), llm.KindFatal},
		{"deadline", context.DeadlineExceeded, llm.KindTransient},
		{"canceled", context.Canceled, llm.KindFatal},
		{"unknown", errors.New("boom"), llm.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, llm.Classify(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	for _, code := range []int{408, 409, 425, 429, 500, 502, 503, 504, 529} {
		assert.Equal(t, llm.KindTransient, llm.ClassifyStatus(code), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 405, 413, 422} {
		assert.Equal(t, llm.KindFatal, llm.ClassifyStatus(code), "status %d", code)
	}
}

func TestNewError_KeepsExistingClassification(t *testing.T) {
	orig := llmtest.Fatal(403)
	assert.Same(t, orig, llm.NewError("openai", fmt.Errorf("wrap: %w", orig)))
}

// --- Registry Tests ---

func TestNewProvider_Aliases(t *testing.T) {
	p, err := llm.NewProvider("ollama", llm.ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
	assert.Equal(t, "llama3.2", p.Model())

	_, err = llm.NewProvider("openrouter", llm.ProviderConfig{})
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)

	_, err = llm.NewProvider("nope", llm.ProviderConfig{})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestDetectProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENROUTER_API_KEY", "sk-or")

	name, key := llm.DetectProvider()
	assert.Equal(t, "anthropic", name)
	assert.Equal(t, "sk-ant", key)
}

// --- Rate Limit Tests ---

func TestRateLimited_SpacesCalls(t *testing.T) {
	fake := llmtest.New(llmtest.Reply("{}"))
	p := llm.NewRateLimited(fake, 1200) // one call per 50ms

	start := time.Now()
	for range 3 {
		_, err := p.Execute(context.Background(), extractionRequest())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, 3, fake.TotalCalls())
	assert.Equal(t, "llmtest", p.Name())
}

func TestRateLimited_RecordsWait(t *testing.T) {
	fake := llmtest.New(llmtest.Reply("{}"))
	p := llm.NewRateLimited(fake, 600) // one call per 100ms

	ctx, waited := llm.WithWaitRecorder(context.Background())
	_, err := p.Execute(ctx, extractionRequest())
	require.NoError(t, err)
	assert.Less(t, waited(), 50*time.Millisecond, "first call has a token ready")

	_, err = p.Execute(ctx, extractionRequest())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, waited(), 50*time.Millisecond)
}

func TestRateLimited_Disabled(t *testing.T) {
	fake := llmtest.New(llmtest.Reply("{}"))
	assert.Same(t, llm.Provider(fake), llm.NewRateLimited(fake, 0))
}

func TestRateLimited_ContextCanceled(t *testing.T) {
	fake := llmtest.New(llmtest.Reply("{}"))
	p := llm.NewRateLimited(fake, 1)

	_, err := p.Execute(context.Background(), extractionRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Execute(ctx, extractionRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fake.TotalCalls())
}

// --- Observer Tests ---

func TestMultiObserver(t *testing.T) {
	var got []string
	obs := llm.MultiObserver{
		llm.ObserverFunc(func(_ context.Context, e llm.CallEvent) { got = append(got, "a:"+string(e.Kind())) }),
		nil,
		llm.ObserverFunc(func(_ context.Context, e llm.CallEvent) { got = append(got, "b:"+e.NoteID) }),
	}
	obs.OnLLMCall(context.Background(), llm.CallEvent{NoteID: "n1", Err: llmtest.Fatal(401)})
	assert.Equal(t, []string{"a:fatal", "b:n1"}, got)
}
