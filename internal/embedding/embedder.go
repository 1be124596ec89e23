// Package embedding provides the cached, rate-limited, retrying front door
// to the remote embedding provider. Every component that needs a vector goes
// through Embedder so repeated text costs one provider call per cache TTL.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/time/rate"
)

// DefaultEmbedTimeout bounds a single provider call, independently of any
// caller deadline.
const DefaultEmbedTimeout = 10 * time.Second

// RetryPolicy is the explicit retry policy for provider calls. Transient
// failures are retried with exponential backoff up to MaxAttempts total
// attempts; the last failure is returned to the caller.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries transient failures up to 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Recorder receives operation timings. Satisfied by monitor.Monitor.
type Recorder interface {
	Record(operation string, duration time.Duration, success bool)
}

// Embedder resolves text to vectors, consulting the cache first and calling
// the provider (rate-limited, with per-call timeout and retry) on a miss.
//
// Embedder is safe for concurrent use.
type Embedder struct {
	provider Provider
	cache    *Cache
	limiter  *rate.Limiter
	retry    RetryPolicy
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// Options tunes an Embedder. Zero values select defaults.
type Options struct {
	Retry      RetryPolicy
	Timeout    time.Duration
	RatePerSec float64
	RateBurst  int
	Recorder   Recorder
}

// NewEmbedder creates an Embedder. provider and cache are required.
func NewEmbedder(provider Provider, cache *Cache, opts Options, logger *slog.Logger) (*Embedder, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	retry := opts.Retry
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryPolicy()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	ratePerSec := opts.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	burst := opts.RateBurst
	if burst < 1 {
		burst = int(ratePerSec) * 2
	}

	return &Embedder{
		provider: provider,
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
		retry:    retry,
		timeout:  timeout,
		recorder: opts.Recorder,
		logger:   logger,
	}, nil
}

// Embed returns the vector for text. Cache hits never touch the provider.
func (e *Embedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if text == "" {
		return pgvector.Vector{}, fmt.Errorf("text is required")
	}

	if vec, ok := e.cache.Get(text); ok {
		return pgvector.NewVector(vec), nil
	}

	start := time.Now()
	vec, err := e.embedRemote(ctx, text)
	e.record("embedding.provider", time.Since(start), err == nil)
	if err != nil {
		return pgvector.Vector{}, err
	}

	e.cache.Put(text, vec, 0)
	return pgvector.NewVector(vec), nil
}

// Cache exposes the underlying cache for observability endpoints.
func (e *Embedder) Cache() *Cache { return e.cache }

// embedRemote calls the provider with rate limiting, a per-attempt timeout,
// and the retry policy. Non-transient errors abort immediately.
func (e *Embedder) embedRemote(ctx context.Context, text string) ([]float32, error) {
	attempt := func() ([]float32, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		vec, err := e.provider.Embed(callCtx, text)
		if err != nil {
			if IsTransient(err) {
				e.logger.Debug("transient embedding failure, will retry", "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if len(vec) != VectorDimension {
			return nil, backoff.Permanent(fmt.Errorf("provider returned %d dimensions, want %d", len(vec), VectorDimension))
		}
		return vec, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.retry.InitialInterval
	expo.MaxInterval = e.retry.MaxInterval

	vec, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(e.retry.MaxAttempts)),
	)
	if err != nil {
		return nil, fmt.Errorf("embedding after %d attempts: %w", e.retry.MaxAttempts, err)
	}
	return vec, nil
}

func (e *Embedder) record(op string, d time.Duration, success bool) {
	if e.recorder != nil {
		e.recorder.Record(op, d, success)
	}
}
