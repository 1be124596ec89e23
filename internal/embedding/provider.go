package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/firebase/genkit/go/ai"
	"google.golang.org/genai"
)

// VectorDimension is the fixed width of all embedding vectors in the system.
// The pgvector columns are declared vector(768); the provider is asked to
// truncate its output to match.
const VectorDimension = 768

// Provider is the remote embedding capability. Calls may be slow (hundreds
// of milliseconds) and may fail transiently.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TransientError marks a provider failure as retryable (timeout, connection
// reset, rate limit). Fakes and adapters wrap errors in TransientError to
// opt into the retry policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err as a TransientError. Returns nil for nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err represents a failure worth retrying:
// an explicit TransientError, a deadline expiry, a network timeout, or a
// reset/broken connection. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE)
}

// GenkitProvider adapts a genkit ai.Embedder to the Provider interface.
type GenkitProvider struct {
	embedder ai.Embedder
}

// NewGenkitProvider wraps a genkit embedder.
func NewGenkitProvider(embedder ai.Embedder) (*GenkitProvider, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &GenkitProvider{embedder: embedder}, nil
}

// Embed generates a vector embedding for the given text, truncated to
// VectorDimension.
func (p *GenkitProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := int32(VectorDimension)
	resp, err := p.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Embeddings[0].Embedding, nil
}
