package llm

import (
	"context"
	"time"
)

// Observer receives one event per gateway call, successful or not.
// Implementations must be safe for concurrent use and should not block.
type Observer interface {
	OnLLMCall(ctx context.Context, event CallEvent)
}

// CallEvent contains all information about an LLM call.
type CallEvent struct {
	Provider string
	Model    string

	// NoteID and Attempt (1-based) locate the call within a batch.
	NoteID  string
	Attempt int

	StartedAt time.Time
	Duration  time.Duration // Endpoint latency, excluding Wait
	Wait      time.Duration // Time queued behind a rate limiter

	// Usage is zero when the call failed before a response arrived.
	Usage        Usage
	FinishReason string

	// Err is the classified failure, nil on success.
	Err error
}

// Kind returns the failure kind, or "" for a successful call.
func (e CallEvent) Kind() ErrorKind {
	if e.Err == nil {
		return ""
	}
	return Classify(e.Err)
}

// ObserverFunc is a convenience type for using a function as an Observer.
type ObserverFunc func(ctx context.Context, event CallEvent)

// OnLLMCall implements Observer.
func (f ObserverFunc) OnLLMCall(ctx context.Context, event CallEvent) {
	f(ctx, event)
}

// MultiObserver dispatches each event to several observers in order.
type MultiObserver []Observer

// OnLLMCall implements Observer.
func (m MultiObserver) OnLLMCall(ctx context.Context, event CallEvent) {
	for _, obs := range m {
		if obs != nil {
			obs.OnLLMCall(ctx, event)
		}
	}
}
