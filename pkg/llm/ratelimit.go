package llm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited delays calls to the wrapped provider so the endpoint never sees
// more than the configured number of requests per minute.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p with a requests-per-minute limit. A non-positive
// rpm returns p unchanged.
func NewRateLimited(p Provider, rpm int) Provider {
	if rpm <= 0 {
		return p
	}
	return &RateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

// Execute waits for a token, then calls the wrapped provider. The time spent
// waiting is reported to a recorder installed with WithWaitRecorder.
func (r *RateLimited) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	err := r.limiter.Wait(ctx)
	if rec, ok := ctx.Value(waitKey{}).(*atomic.Int64); ok {
		rec.Add(int64(time.Since(start)))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The wait would outlast the context deadline.
		return nil, &Error{Kind: KindTransient, Provider: r.Name(), Err: fmt.Errorf("rate limit wait: %w", err)}
	}
	return r.Provider.Execute(ctx, req)
}

type waitKey struct{}

// WithWaitRecorder returns a context in which rate limiters record how long
// a call was queued, and a func reporting the total so far.
func WithWaitRecorder(ctx context.Context) (context.Context, func() time.Duration) {
	rec := new(atomic.Int64)
	return context.WithValue(ctx, waitKey{}, rec), func() time.Duration {
		return time.Duration(rec.Load())
	}
}
