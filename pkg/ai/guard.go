package ai

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// Guarded wraps a GraphAIClient with a request rate limit and a per-call
// timeout, and maps provider failures onto the shared error kinds:
// deadline errors become Timeout, cancellation becomes Cancelled and any
// other transport failure becomes LLMUnavailable.
type Guarded struct {
	inner   GraphAIClient
	limiter *rate.Limiter
	timeout time.Duration
}

// GuardParams configures a Guarded client. A zero RequestsPerSecond
// disables rate limiting; a zero Timeout disables the per-call deadline.
type GuardParams struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// NewGuarded wraps inner.
func NewGuarded(inner GraphAIClient, params GuardParams) *Guarded {
	g := &Guarded{inner: inner, timeout: params.Timeout}
	if params.RequestsPerSecond > 0 {
		burst := params.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(params.RequestsPerSecond), burst)
	}
	return g
}

// Unwrap returns the wrapped client.
func (g *Guarded) Unwrap() GraphAIClient { return g.inner }

func (g *Guarded) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, nil, classify(ctx, err)
		}
	}
	if g.timeout > 0 {
		rCtx, cancel := context.WithTimeout(ctx, g.timeout)
		return rCtx, cancel, nil
	}
	rCtx, cancel := context.WithCancel(ctx)
	return rCtx, cancel, nil
}

// classify maps err onto an error kind. Errors that already carry a kind
// pass through unchanged.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var typed *common.Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return common.WrapError(common.Cancelled, err, "llm call cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return common.WrapError(common.Timeout, err, "llm call timed out")
	}
	return common.WrapError(common.LLMUnavailable, err, "llm call failed")
}

func (g *Guarded) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	rCtx, cancel, err := g.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	out, err := g.inner.GenerateCompletion(rCtx, prompt, opts...)
	return out, classify(ctx, err)
}

func (g *Guarded) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...GenerateOption) error {
	rCtx, cancel, err := g.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return classify(ctx, g.inner.GenerateCompletionWithFormat(rCtx, name, description, prompt, out, opts...))
}

// GenerateChatStream applies the rate limit but no deadline: a stream
// lives as long as its consumer reads from it.
func (g *Guarded) GenerateChatStream(ctx context.Context, messages []ChatMessage, opts ...GenerateOption) (<-chan StreamEvent, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, classify(ctx, err)
		}
	}
	ch, err := g.inner.GenerateChatStream(ctx, messages, opts...)
	return ch, classify(ctx, err)
}

func (g *Guarded) GenerateEmbedding(ctx context.Context, input string) ([]float32, error) {
	rCtx, cancel, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	out, err := g.inner.GenerateEmbedding(rCtx, input)
	return out, classify(ctx, err)
}

func (g *Guarded) Ping(ctx context.Context) error {
	rCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return classify(ctx, g.inner.Ping(rCtx))
}

func (g *Guarded) ResetMetrics()            { g.inner.ResetMetrics() }
func (g *Guarded) GetMetrics() ModelMetrics { return g.inner.GetMetrics() }
