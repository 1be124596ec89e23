// Package learning implements the durable queue of proposed knowledge
// updates and the approval state machine that moves them into the
// knowledge base.
package learning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowla/knowla/internal/knowledge"
)

// Status is a learning-queue item's position in the approval state machine.
//
//	pending --approve--> approved --apply--> applied
//	pending --reject---> rejected
//
// rejected and applied are terminal; rows in terminal states are retained
// forever for audit.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusApplied  Status = "applied"
)

// SourceType identifies where a proposed update came from.
type SourceType string

const (
	SourceFeedback     SourceType = "feedback"
	SourceCorrection   SourceType = "correction"
	SourceConversation SourceType = "conversation"
)

// Priority orders batch processing: urgent > high > normal > low, then
// oldest first within a priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// MaxMetadataBytes caps the serialized metadata size accepted at submit.
const MaxMetadataBytes = 8 * 1024

func validSourceType(s SourceType) bool {
	switch s {
	case SourceFeedback, SourceCorrection, SourceConversation:
		return true
	}
	return false
}

func validPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Item is one learning-queue row.
type Item struct {
	ID              uuid.UUID
	ShopID          int64
	SourceType      SourceType
	SourceID        string
	ProposedContent string
	Category        string
	Confidence      int
	Priority        Priority
	Status          Status
	ReviewCycles    int
	ReviewedBy      string
	ReviewedAt      *time.Time
	RejectReason    string
	LastError       string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Submission is the input for a new learning-queue item.
type Submission struct {
	ShopID     int64
	SourceType SourceType
	SourceID   string
	Content    string
	Category   string
	Confidence int
	Priority   Priority // empty = normal
	Metadata   map[string]any
}

// ValidationError reports a rejected submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the submission's boundary invariants and normalizes the
// priority default.
func (s *Submission) Validate() error {
	if s.ShopID <= 0 {
		return &ValidationError{Field: "shopId", Reason: "must be positive"}
	}
	if !validSourceType(s.SourceType) {
		return &ValidationError{Field: "sourceType", Reason: fmt.Sprintf("unknown value %q", s.SourceType)}
	}
	// Mirror the knowledge-side bounds here so an accepted item can never
	// fail candidate validation at apply time.
	if trimmed := strings.TrimSpace(s.Content); len(trimmed) < knowledge.MinContentLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("%d bytes, need at least %d", len(trimmed), knowledge.MinContentLength)}
	}
	if len(s.Content) > knowledge.MaxContentLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d bytes", knowledge.MaxContentLength)}
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return &ValidationError{Field: "confidenceScore", Reason: "must be in [0, 100]"}
	}
	if s.Priority == "" {
		s.Priority = PriorityNormal
	}
	if !validPriority(s.Priority) {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown value %q", s.Priority)}
	}
	if s.Metadata != nil {
		b, err := json.Marshal(s.Metadata)
		if err != nil {
			return &ValidationError{Field: "metadata", Reason: "not JSON-serializable"}
		}
		if len(b) > MaxMetadataBytes {
			return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("serialized size %d exceeds %d bytes", len(b), MaxMetadataBytes)}
		}
	}
	return nil
}

// ConflictError reports a transition attempted from an invalid state. The
// message names current vs expected status so reviewers see why the call
// was rejected.
type ConflictError struct {
	ID       uuid.UUID
	Current  Status
	Expected Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("item %s: status is %q, expected %q", e.ID, e.Current, e.Expected)
}
