// Package llmtest provides scripted llm.Provider implementations for tests.
package llmtest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jmylchreest/notemine/pkg/llm"
)

// RespondFunc produces the outcome of the call-th request (1-based) for a note.
type RespondFunc func(ctx context.Context, req llm.Request, call int) (string, error)

// Provider is a thread-safe fake that records call counts and the highest
// number of concurrent in-flight calls it observed.
type Provider struct {
	respond RespondFunc
	delay   time.Duration

	mu          sync.Mutex
	calls       map[string]int
	requests    []llm.Request
	inFlight    int
	maxInFlight int
}

// Option configures a Provider.
type Option func(*Provider)

// WithDelay makes each call take d before responding.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// New returns a Provider that answers with fn.
func New(fn RespondFunc, opts ...Option) *Provider {
	p := &Provider{respond: fn, calls: make(map[string]int)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute implements llm.Provider.
func (p *Provider) Execute(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls[req.NoteID]++
	call := p.calls[req.NoteID]
	p.requests = append(p.requests, req)
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	content, err := p.respond(ctx, req, call)
	if err != nil {
		return nil, err
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		Model:        p.Model(),
		Usage:        llm.Usage{InputTokens: 10, OutputTokens: 5},
		Duration:     p.delay,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "llmtest" }

// Model implements llm.Provider.
func (p *Provider) Model() string { return "scripted" }

// Calls returns how many requests were made for a note.
func (p *Provider) Calls(noteID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[noteID]
}

// TotalCalls returns the number of requests across all notes.
func (p *Provider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of every request received, in arrival order.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// MaxInFlight returns the highest observed number of concurrent calls.
func (p *Provider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// Reply always answers with content.
func Reply(content string) RespondFunc {
	return func(context.Context, llm.Request, int) (string, error) {
		return content, nil
	}
}

// Fail always fails with err.
func Fail(err error) RespondFunc {
	return func(context.Context, llm.Request, int) (string, error) {
		return "", err
	}
}

// Sequence answers the k-th call with replies[k-1], repeating the last entry
// once the list runs out. A reply that is an error fails the call.
func Sequence(replies ...any) RespondFunc {
	return func(_ context.Context, _ llm.Request, call int) (string, error) {
		r := replies[min(call, len(replies))-1]
		if err, ok := r.(error); ok {
			return "", err
		}
		return r.(string), nil
	}
}

// ByNote routes each note to its own RespondFunc, falling back to def.
func ByNote(routes map[string]RespondFunc, def RespondFunc) RespondFunc {
	return func(ctx context.Context, req llm.Request, call int) (string, error) {
		if fn, ok := routes[req.NoteID]; ok {
			return fn(ctx, req, call)
		}
		return def(ctx, req, call)
	}
}

// Transient returns a retryable gateway error carrying an HTTP status.
func Transient(status int) error {
	return &llm.Error{Kind: llm.KindTransient, Provider: "llmtest", StatusCode: status, Err: errors.New(http.StatusText(status))}
}

// Fatal returns a non-retryable gateway error carrying an HTTP status.
func Fatal(status int) error {
	return &llm.Error{Kind: llm.KindFatal, Provider: "llmtest", StatusCode: status, Err: errors.New(http.StatusText(status))}
}
