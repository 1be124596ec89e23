// Package knowledge manages the per-shop knowledge base backed by
// PostgreSQL + pgvector, including the conflict resolver that decides
// how a proposed item relates to existing entries.
package knowledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Similarity thresholds for conflict classification.
const (
	// DuplicateThreshold: at or above this cosine similarity the candidate
	// is the same fact as the existing item.
	DuplicateThreshold = 0.95

	// NearDuplicateThreshold: [NearDuplicateThreshold, DuplicateThreshold)
	// means the candidate is an evolution of the existing item.
	NearDuplicateThreshold = 0.80
)

// Content length bounds enforced at the boundary.
const (
	MinContentLength = 10
	MaxContentLength = 4000
)

// Relation classifies how a candidate relates to one existing item.
type Relation string

const (
	RelationDuplicate     Relation = "duplicate"
	RelationNearDuplicate Relation = "near-duplicate"
	RelationContradiction Relation = "contradiction-candidate"
	RelationUnrelated     Relation = "unrelated"
)

// Strategy is the resolution action the learning pipeline executes.
type Strategy string

const (
	StrategySkip          Strategy = "skip"
	StrategyMerge         Strategy = "merge"
	StrategyFlagForReview Strategy = "flag-for-review"
	StrategyInsert        Strategy = "insert"
)

// Item is one knowledge-base entry scoped to a shop.
type Item struct {
	ID         uuid.UUID
	ShopID     int64
	Content    string
	Category   string
	Source     string
	Confidence *float32
	Embedding  pgvector.Vector
	Metadata   map[string]any
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Candidate is a proposed knowledge item awaiting conflict resolution.
// The embedding must already be computed.
type Candidate struct {
	ShopID    int64
	Content   string
	Category  string
	Embedding pgvector.Vector
}

// Validate checks the candidate's boundary invariants.
func (c Candidate) Validate() error {
	if c.ShopID <= 0 {
		return fmt.Errorf("shopId must be positive, got %d", c.ShopID)
	}
	content := strings.TrimSpace(c.Content)
	if len(content) < MinContentLength {
		return fmt.Errorf("content too short: %d bytes, need at least %d", len(content), MinContentLength)
	}
	if len(c.Content) > MaxContentLength {
		return fmt.Errorf("content too long: %d bytes, cap is %d", len(c.Content), MaxContentLength)
	}
	if len(c.Embedding.Slice()) == 0 {
		return fmt.Errorf("candidate embedding is empty")
	}
	return nil
}

// Conflict records how the candidate relates to one existing item.
type Conflict struct {
	ExistingID uuid.UUID
	Similarity float64
	Relation   Relation
}

// Resolution is the action chosen for a candidate, with the merge target
// when the strategy is merge.
type Resolution struct {
	Strategy Strategy

	// TargetID is the existing item to merge into or skip against.
	// Zero UUID when the strategy is insert.
	TargetID uuid.UUID

	// Conflicts are all classified neighbors, strongest first.
	Conflicts []Conflict
}

// SearchResult pairs an item with its similarity to the query.
type SearchResult struct {
	Item       Item
	Similarity float64
}
