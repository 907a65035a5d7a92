package extractor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Backoff computes the wait between attempts.
type Backoff struct {
	Base       time.Duration `json:"base" yaml:"base" validate:"gte=0"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier" validate:"gte=1"`
	Cap        time.Duration `json:"cap" yaml:"cap" validate:"gte=0"` // 0 means uncapped
	Jitter     float64       `json:"jitter" yaml:"jitter" validate:"gte=0,lt=1"`
}

// Delay returns the wait after the k-th failed attempt (1-indexed):
// min(cap, base*multiplier^(k-1)) scaled by a random factor in
// [1-jitter, 1+jitter], and never more than cap.
func (b Backoff) Delay(k int) time.Duration {
	return b.delay(k, rand.Float64())
}

// delay is Delay with the random draw u in [0,1) supplied by the caller.
func (b Backoff) delay(k int, u float64) time.Duration {
	if k < 1 {
		k = 1
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(k-1))
	limit := float64(math.MaxInt64 / 2)
	if b.Cap > 0 {
		limit = float64(b.Cap)
	}
	d = math.Min(d, limit)
	d *= 1 + b.Jitter*(2*u-1)
	d = math.Min(d, limit)
	if d <= 0 || math.IsNaN(d) {
		return 0
	}
	return time.Duration(d)
}

// Policy bounds the attempts made for one note. Transport, parse and
// validation failures all draw on the same MaxAttempts budget.
type Policy struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	Backoff     Backoff `json:"backoff" yaml:"backoff"`
}

// DefaultPolicy returns the policy used when a run does not set one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff: Backoff{
			Base:       time.Second,
			Multiplier: 2,
			Cap:        30 * time.Second,
			Jitter:     0.1,
		},
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	return nil
}

// State is a step in the per-note retry lifecycle.
type State int

const (
	StatePending State = iota
	StateAttempting
	StateRetrying
	StateSucceeded
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted
}

// StateFunc observes transitions. attempt is the attempt number the state
// refers to, 0 while pending.
type StateFunc func(noteID string, state State, attempt int)

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
