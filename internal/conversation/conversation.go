// Package conversation implements the write path for assistant
// conversations: a fast synchronous enqueue, an asynchronous batch flush
// that embeds and bulk-inserts records, and a background reprocessor for
// rows whose embedding failed at flush time.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MaxMetadataBytes caps the serialized size of a record's metadata blob.
// Validated at the boundary rather than trusted as opaque.
const MaxMetadataBytes = 8 * 1024

// MaxTextLength caps transcript and summary length. Longer content should be
// chunked by the caller before it reaches the write path.
const MaxTextLength = 64 * 1024

// ValidationError reports a rejected input field. It is the only error kind
// the synchronous enqueue path surfaces to callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Input is a conversation record as submitted by the caller.
type Input struct {
	UserID     string
	Channel    string
	Transcript string
	Summary    string
	Metadata   map[string]any
}

// Validate checks required fields. At least one of Transcript/Summary must
// be non-empty.
func (in *Input) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return &ValidationError{Field: "userId", Reason: "must be non-empty"}
	}
	if strings.TrimSpace(in.Channel) == "" {
		return &ValidationError{Field: "channel", Reason: "must be non-empty"}
	}
	if strings.TrimSpace(in.Transcript) == "" && strings.TrimSpace(in.Summary) == "" {
		return &ValidationError{Field: "transcript", Reason: "at least one of transcript or summary must be non-empty"}
	}
	if len(in.Transcript) > MaxTextLength {
		return &ValidationError{Field: "transcript", Reason: fmt.Sprintf("length %d exceeds maximum %d", len(in.Transcript), MaxTextLength)}
	}
	if len(in.Summary) > MaxTextLength {
		return &ValidationError{Field: "summary", Reason: fmt.Sprintf("length %d exceeds maximum %d", len(in.Summary), MaxTextLength)}
	}
	if in.Metadata != nil {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return &ValidationError{Field: "metadata", Reason: "not serializable as JSON"}
		}
		if len(raw) > MaxMetadataBytes {
			return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("serialized size %d exceeds maximum %d", len(raw), MaxMetadataBytes)}
		}
	}
	return nil
}

// embedText is the content handed to the embedding provider: the transcript
// when present, otherwise the summary.
func (in *Input) embedText() string {
	if strings.TrimSpace(in.Transcript) != "" {
		return in.Transcript
	}
	return in.Summary
}

// Record is a conversation row. The embedding is nil (and NeedsEmbedding
// true) when the provider failed after retries; such rows are picked up by
// the Reprocessor. Records are immutable once persisted, except for the
// embedding backfill.
type Record struct {
	ID             uuid.UUID
	UserID         string
	Channel        string
	Transcript     string
	Summary        string
	Metadata       map[string]any
	Embedding      *pgvector.Vector
	NeedsEmbedding bool
	CreatedAt      time.Time

	// insertAttempts counts failed bulk-insert cycles for this record;
	// soloFailures counts per-record insert failures observed while the
	// database was demonstrably reachable.
	insertAttempts int
	soloFailures   int
}

// newRecord stamps an Input with identity and enqueue time.
func newRecord(in Input) *Record {
	return &Record{
		ID:         uuid.New(),
		UserID:     in.UserID,
		Channel:    in.Channel,
		Transcript: in.Transcript,
		Summary:    in.Summary,
		Metadata:   in.Metadata,
		CreatedAt:  time.Now(),
	}
}

// EmbedText returns the content to embed for this record.
func (r *Record) EmbedText() string {
	in := Input{Transcript: r.Transcript, Summary: r.Summary}
	return in.embedText()
}
