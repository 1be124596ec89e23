package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/knowla/knowla/internal/knowledge"
)

// DefaultDrainLimit bounds one batch of ProcessApproved.
const DefaultDrainLimit = 50

// ItemStore is the persistence surface the pipeline drives. Satisfied by
// *Store.
type ItemStore interface {
	Insert(ctx context.Context, item *Item) error
	Get(ctx context.Context, id uuid.UUID) (*Item, error)
	ListApproved(ctx context.Context, shopID int64, limit int) ([]*Item, error)
	Review(ctx context.Context, id uuid.UUID, to Status, reviewedBy, reason string) (*Item, error)
	ClaimApplied(ctx context.Context, id uuid.UUID, fn ClaimFunc) (*Outcome, error)
	RecordFailure(ctx context.Context, id uuid.UUID, msg string) error
}

// Embedder produces a vector for proposed content.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Recorder receives operation timings.
type Recorder interface {
	Record(op string, d time.Duration, success bool)
}

// Pipeline moves learning-queue items through submit, review, and apply.
//
// Pipeline is safe for concurrent use by multiple goroutines.
type Pipeline struct {
	store    ItemStore
	embedder Embedder
	arbiter  knowledge.Arbiter // nil = lexical contradiction check only
	recorder Recorder
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline. arbiter and recorder may be nil.
func NewPipeline(store ItemStore, embedder Embedder, arbiter knowledge.Arbiter,
	recorder Recorder, logger *slog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		embedder: embedder,
		arbiter:  arbiter,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Submit validates the submission and inserts it as a pending item.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (uuid.UUID, error) {
	if err := sub.Validate(); err != nil {
		return uuid.Nil, err
	}

	item := &Item{
		ShopID:          sub.ShopID,
		SourceType:      sub.SourceType,
		SourceID:        sub.SourceID,
		ProposedContent: sub.Content,
		Category:        sub.Category,
		Confidence:      sub.Confidence,
		Priority:        sub.Priority,
		Metadata:        sub.Metadata,
	}
	if err := p.store.Insert(ctx, item); err != nil {
		return uuid.Nil, fmt.Errorf("submitting learning item: %w", err)
	}

	p.logger.Info("learning item submitted",
		"id", item.ID, "shop_id", item.ShopID,
		"source_type", item.SourceType, "priority", item.Priority)
	return item.ID, nil
}

// Approve transitions a pending item to approved.
func (p *Pipeline) Approve(ctx context.Context, id uuid.UUID, reviewedBy string) (Status, error) {
	if reviewedBy == "" {
		return "", &ValidationError{Field: "reviewedBy", Reason: "must not be empty"}
	}
	item, err := p.store.Review(ctx, id, StatusApproved, reviewedBy, "")
	if err != nil {
		return "", err
	}
	p.logger.Info("learning item approved", "id", id, "reviewed_by", reviewedBy)
	return item.Status, nil
}

// Reject transitions a pending item to rejected. The reason is retained
// for audit; the row is never deleted.
func (p *Pipeline) Reject(ctx context.Context, id uuid.UUID, reviewedBy, reason string) (Status, error) {
	if reviewedBy == "" {
		return "", &ValidationError{Field: "reviewedBy", Reason: "must not be empty"}
	}
	if reason == "" {
		return "", &ValidationError{Field: "reason", Reason: "rejections must carry a reason"}
	}
	item, err := p.store.Review(ctx, id, StatusRejected, reviewedBy, reason)
	if err != nil {
		return "", err
	}
	p.logger.Info("learning item rejected", "id", id, "reviewed_by", reviewedBy, "reason", reason)
	return item.Status, nil
}

// ApplyResult reports what happened to one applied item.
type ApplyResult struct {
	Status   Status
	Strategy knowledge.Strategy

	// KnowledgeID is the knowledge item created or merged into. Zero for
	// skip and flag-for-review.
	KnowledgeID uuid.UUID

	// AlreadyApplied marks an idempotent no-op on an applied item.
	AlreadyApplied bool
}

// Apply resolves an approved item against existing knowledge and executes
// the resulting strategy. Only valid from approved; applying an applied
// item is a no-op, any other state returns ConflictError.
func (p *Pipeline) Apply(ctx context.Context, id uuid.UUID) (*ApplyResult, error) {
	start := time.Now()
	result, err := p.apply(ctx, id)
	p.record("learning.apply", time.Since(start), err == nil)
	return result, err
}

func (p *Pipeline) apply(ctx context.Context, id uuid.UUID) (*ApplyResult, error) {
	// Read without the lock to embed outside the transaction. The claim
	// re-checks status under the row lock.
	item, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case StatusApproved:
	case StatusApplied:
		return &ApplyResult{Status: StatusApplied, AlreadyApplied: true}, nil
	default:
		return nil, &ConflictError{ID: id, Current: item.Status, Expected: StatusApproved}
	}

	vec, err := p.embedder.Embed(ctx, item.ProposedContent)
	if err != nil {
		return nil, fmt.Errorf("embedding proposed content: %w", err)
	}

	outcome, err := p.store.ClaimApplied(ctx, id, func(ctx context.Context, item *Item, kb KnowledgeWriter) (Outcome, error) {
		return p.resolve(ctx, item, vec, kb)
	})
	if errors.Is(err, ErrAlreadyApplied) {
		return &ApplyResult{Status: StatusApplied, AlreadyApplied: true}, nil
	}
	if err != nil {
		return nil, err
	}

	status := StatusApplied
	if outcome.Flagged {
		status = StatusPending
	}
	p.logger.Info("learning item applied",
		"id", id, "strategy", outcome.Strategy, "status", status,
		"knowledge_id", outcome.KnowledgeID)
	return &ApplyResult{
		Status:      status,
		Strategy:    outcome.Strategy,
		KnowledgeID: outcome.KnowledgeID,
	}, nil
}

// resolve runs conflict detection and executes the chosen strategy inside
// the claim transaction.
func (p *Pipeline) resolve(ctx context.Context, item *Item, vec pgvector.Vector, kb KnowledgeWriter) (Outcome, error) {
	resolver, err := knowledge.NewResolver(kb, p.arbiter, p.logger)
	if err != nil {
		return Outcome{}, err
	}

	cand := knowledge.Candidate{
		ShopID:    item.ShopID,
		Content:   item.ProposedContent,
		Category:  item.Category,
		Embedding: vec,
	}
	conflicts, err := resolver.DetectConflicts(ctx, cand)
	if err != nil {
		return Outcome{}, err
	}
	res := resolver.Resolve(conflicts)

	confidence := confidenceRatio(item.Confidence)
	switch res.Strategy {
	case knowledge.StrategySkip:
		return Outcome{Strategy: res.Strategy, KnowledgeID: res.TargetID}, nil

	case knowledge.StrategyFlagForReview:
		return Outcome{Strategy: res.Strategy, Flagged: true}, nil

	case knowledge.StrategyMerge:
		if err := kb.Merge(ctx, res.TargetID, item.ProposedContent, vec, confidence); err != nil {
			return Outcome{}, err
		}
		return Outcome{Strategy: res.Strategy, KnowledgeID: res.TargetID}, nil

	case knowledge.StrategyInsert:
		ki := &knowledge.Item{
			ShopID:     item.ShopID,
			Content:    item.ProposedContent,
			Category:   item.Category,
			Source:     string(item.SourceType),
			Confidence: confidence,
			Embedding:  vec,
			Metadata:   map[string]any{"learning_item_id": item.ID.String()},
		}
		if err := kb.Insert(ctx, ki); err != nil {
			return Outcome{}, err
		}
		return Outcome{Strategy: res.Strategy, KnowledgeID: ki.ID}, nil
	}
	return Outcome{}, fmt.Errorf("unknown resolution strategy %q", res.Strategy)
}

// Failure records one item that could not be applied in a batch.
type Failure struct {
	ID     uuid.UUID
	Reason string
}

// BatchResult summarizes one ProcessApproved run.
type BatchResult struct {
	Applied  int
	Skipped  int
	Flagged  int
	Failures []Failure
}

// ProcessApproved drains approved items, priority order then oldest first,
// applying each independently. A failure on one item never aborts the
// batch; it is recorded on the item and reported in the result.
func (p *Pipeline) ProcessApproved(ctx context.Context, shopID int64, limit int) (*BatchResult, error) {
	if limit < 1 {
		limit = DefaultDrainLimit
	}

	items, err := p.store.ListApproved(ctx, shopID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing approved items: %w", err)
	}

	result := &BatchResult{}
	for _, item := range items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		applied, err := p.Apply(ctx, item.ID)
		if err != nil {
			result.Failures = append(result.Failures, Failure{ID: item.ID, Reason: err.Error()})
			if recErr := p.store.RecordFailure(ctx, item.ID, err.Error()); recErr != nil {
				p.logger.Error("recording apply failure", "id", item.ID, "error", recErr)
			}
			p.logger.Warn("apply failed in batch", "id", item.ID, "error", err)
			continue
		}

		switch {
		case applied.AlreadyApplied:
			result.Skipped++
		case applied.Status == StatusPending:
			result.Flagged++
		default:
			result.Applied++
		}
	}
	return result, nil
}

func (p *Pipeline) record(op string, d time.Duration, success bool) {
	if p.recorder != nil {
		p.recorder.Record(op, d, success)
	}
}

func confidenceRatio(score int) *float32 {
	if score <= 0 {
		return nil
	}
	v := float32(score) / 100
	return &v
}
