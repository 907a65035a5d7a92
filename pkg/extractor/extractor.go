// Package extractor turns one clinical note into a validated, grounded
// Result by calling an LLM provider under a bounded retry policy.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/notemine/internal/logger"
	"github.com/jmylchreest/notemine/pkg/llm"
	"github.com/jmylchreest/notemine/pkg/schema"
)

// Extractor runs the per-note request lifecycle: gateway call, validation,
// and retries. It is safe for concurrent use by many lanes.
type Extractor struct {
	provider   llm.Provider
	schema     schema.Schema
	config     Config
	jsonSchema map[string]any
	sleep      func(context.Context, time.Duration) error
}

// New creates an Extractor for schema s backed by provider p.
func New(p llm.Provider, s schema.Schema, opts ...Option) (*Extractor, error) {
	if p == nil {
		return nil, errors.New("extractor: provider is required")
	}
	if err := s.Check(); err != nil {
		return nil, err
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if err := config.Policy.Validate(); err != nil {
		return nil, err
	}

	e := &Extractor{
		provider: p,
		schema:   s,
		config:   config,
		sleep:    sleepCtx,
	}
	if config.JSONSchema {
		e.jsonSchema = s.ToJSONSchema()
	}
	return e, nil
}

// Schema returns the schema the extractor validates against.
func (e *Extractor) Schema() schema.Schema { return e.schema }

// Policy returns the retry policy in effect.
func (e *Extractor) Policy() Policy { return e.config.Policy }

// Extract drives note through Pending, Attempting and Retrying until it
// either succeeds or exhausts its attempts. Both outcomes are returned as a
// Result; a non-nil error is returned only when ctx ends first.
func (e *Extractor) Extract(ctx context.Context, note Note) (*Result, error) {
	log := logger.With("note_id", note.ID)
	policy := e.config.Policy
	start := time.Now()

	var (
		lastErr   *Error
		lastResp  *llm.Response
		usage     llm.Usage
		attempt   int
		succeeded *Result
	)

	e.setState(note.ID, StatePending, 0)

	for attempt = 1; attempt <= policy.MaxAttempts; attempt++ {
		e.setState(note.ID, StateAttempting, attempt)

		var feedback error
		if lastErr != nil && (lastErr.Kind == KindParse || lastErr.Kind == KindValidation) {
			feedback = lastErr
		}

		res, resp, err := e.attemptOnce(ctx, note, attempt, feedback)
		if resp != nil {
			lastResp = resp
			usage = usage.Add(resp.Usage)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if err == nil {
			succeeded = res
			break
		}
		lastErr = err

		if !err.Kind.Retryable() {
			log.Debug("attempt failed, not retryable", "attempt", attempt, "kind", err.Kind, "error", err.Err)
			break
		}
		if attempt == policy.MaxAttempts {
			log.Debug("attempt failed, no attempts left", "attempt", attempt, "kind", err.Kind, "error", err.Err)
			break
		}

		delay := policy.Backoff.Delay(attempt)
		e.setState(note.ID, StateRetrying, attempt)
		log.Debug("attempt failed, retrying", "attempt", attempt, "kind", err.Kind, "delay", delay, "error", err.Err)

		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	var out *Result
	if succeeded != nil {
		out = succeeded
		out.Attempts = attempt
		e.setState(note.ID, StateSucceeded, attempt)
	} else {
		attempts := min(attempt, policy.MaxAttempts)
		out = Failed(note.ID, lastErr.Kind, lastErr.Err.Error(), attempts)
		e.setState(note.ID, StateExhausted, attempts)
		log.Debug("note failed", "attempts", attempts, "kind", lastErr.Kind)
	}

	out.Provider = e.provider.Name()
	out.Model = e.provider.Model()
	if lastResp != nil && lastResp.Model != "" {
		out.Model = lastResp.Model
	}
	out.Usage = usage
	out.Latency = time.Since(start)
	if e.config.IncludeRaw && lastResp != nil {
		out.Raw = lastResp.Content
	}
	return out, nil
}

// attemptOnce makes one gateway call and validates the response.
func (e *Extractor) attemptOnce(ctx context.Context, note Note, attempt int, feedback error) (*Result, *llm.Response, *Error) {
	prompt := BuildPrompt(note.Text, e.schema, feedback, e.config.MaxContentSize)
	req := llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: SystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		MaxTokens:   e.config.MaxTokens,
		Temperature: e.config.Temperature,
		JSONSchema:  e.jsonSchema,
		StrictMode:  e.config.StrictMode,
		NoteID:      note.ID,
	}

	logger.Debug("calling LLM",
		"note_id", note.ID,
		"attempt", attempt,
		"provider", e.provider.Name(),
		"model", e.provider.Model(),
		"prompt_size", len(prompt))

	callCtx, waited := llm.WithWaitRecorder(ctx)
	startedAt := time.Now()
	resp, err := e.provider.Execute(callCtx, req)
	e.notify(ctx, note.ID, attempt, startedAt, waited(), resp, err)

	if err != nil {
		return nil, nil, transportError(err)
	}

	res, err := Normalize(note, resp.Content, e.schema)
	if err != nil {
		var nerr *Error
		if errors.As(err, &nerr) {
			return nil, resp, nerr
		}
		return nil, resp, &Error{Kind: KindParse, Err: err}
	}
	return res, resp, nil
}

func (e *Extractor) notify(ctx context.Context, noteID string, attempt int, startedAt time.Time, wait time.Duration, resp *llm.Response, err error) {
	if e.config.Observer == nil {
		return
	}
	event := llm.CallEvent{
		Provider:  e.provider.Name(),
		Model:     e.provider.Model(),
		NoteID:    noteID,
		Attempt:   attempt,
		StartedAt: startedAt.Add(wait),
		Duration:  max(0, time.Since(startedAt)-wait),
		Wait:      wait,
		Err:       err,
	}
	if resp != nil {
		if resp.Model != "" {
			event.Model = resp.Model
		}
		event.Usage = resp.Usage
		event.FinishReason = resp.FinishReason
	}
	e.config.Observer.OnLLMCall(ctx, event)
}

func (e *Extractor) setState(noteID string, s State, attempt int) {
	if e.config.OnState != nil {
		e.config.OnState(noteID, s, attempt)
	}
}

// String describes the extractor for logs.
func (e *Extractor) String() string {
	return fmt.Sprintf("%s/%s (%d elements, %d attempts)", e.provider.Name(), e.provider.Model(), len(e.schema.Elements), e.config.Policy.MaxAttempts)
}
