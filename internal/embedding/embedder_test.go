package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knowla/knowla/internal/log"
)

// fakeProvider is a deterministic Provider for tests. It can fail a set
// number of times before succeeding, and counts calls.
type fakeProvider struct {
	calls     atomic.Int64
	failTimes int
	failWith  error
	delay     time.Duration
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	n := f.calls.Add(1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if int(n) <= f.failTimes {
		if f.failWith != nil {
			return nil, f.failWith
		}
		return nil, MarkTransient(errors.New("provider unavailable"))
	}

	vec := make([]float32, VectorDimension)
	for i := range vec {
		vec[i] = float32(len(text)%7) / 7
	}
	return vec, nil
}

func newTestEmbedder(t *testing.T, provider Provider) *Embedder {
	t.Helper()

	cache, err := NewCache(100, time.Hour)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	t.Cleanup(cache.Close)

	e, err := NewEmbedder(provider, cache, Options{
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		Timeout:    time.Second,
		RatePerSec: 1000,
		RateBurst:  1000,
	}, log.NewNop())
	if err != nil {
		t.Fatalf("NewEmbedder() error = %v", err)
	}
	return e
}

func TestEmbedCacheHitCallsProviderOnce(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEmbedder(t, provider)
	ctx := context.Background()

	if _, err := e.Embed(ctx, "repeated question"); err != nil {
		t.Fatalf("first Embed() error = %v", err)
	}
	if _, err := e.Embed(ctx, "repeated question"); err != nil {
		t.Fatalf("second Embed() error = %v", err)
	}
	// Case and whitespace variants hit the same entry.
	if _, err := e.Embed(ctx, "  Repeated   QUESTION "); err != nil {
		t.Fatalf("normalized Embed() error = %v", err)
	}

	if got := provider.calls.Load(); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	provider := &fakeProvider{failTimes: 2}
	e := newTestEmbedder(t, provider)

	vec, err := e.Embed(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("Embed() error = %v, want success after retries", err)
	}
	if len(vec.Slice()) != VectorDimension {
		t.Errorf("vector dimension = %d, want %d", len(vec.Slice()), VectorDimension)
	}
	if got := provider.calls.Load(); got != 3 {
		t.Errorf("provider called %d times, want 3", got)
	}
}

func TestEmbedExhaustsRetries(t *testing.T) {
	provider := &fakeProvider{failTimes: 10}
	e := newTestEmbedder(t, provider)

	if _, err := e.Embed(context.Background(), "always down"); err == nil {
		t.Fatal("Embed() succeeded, want failure after exhausted retries")
	}
	if got := provider.calls.Load(); got != 3 {
		t.Errorf("provider called %d times, want exactly MaxAttempts (3)", got)
	}
}

func TestEmbedPermanentErrorNotRetried(t *testing.T) {
	provider := &fakeProvider{failTimes: 10, failWith: errors.New("invalid input")}
	e := newTestEmbedder(t, provider)

	if _, err := e.Embed(context.Background(), "bad"); err == nil {
		t.Fatal("Embed() succeeded, want permanent failure")
	}
	if got := provider.calls.Load(); got != 1 {
		t.Errorf("provider called %d times, want 1 (no retry on permanent error)", got)
	}
}

func TestEmbedEmptyText(t *testing.T) {
	e := newTestEmbedder(t, &fakeProvider{})
	if _, err := e.Embed(context.Background(), ""); err == nil {
		t.Error("Embed(\"\") succeeded, want validation error")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked transient", MarkTransient(errors.New("boom")), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled is permanent", context.Canceled, false},
		{"plain error", errors.New("bad request"), false},
		{"wrapped transient", errors.Join(errors.New("outer"), MarkTransient(errors.New("inner"))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
