package learning

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/knowla/knowla/internal/knowledge"
	"github.com/knowla/knowla/internal/log"
)

// fakeKnowledge implements KnowledgeWriter with preset neighbors.
type fakeKnowledge struct {
	mu        sync.Mutex
	neighbors []knowledge.Neighbor
	inserted  []*knowledge.Item
	merged    []uuid.UUID
}

func (f *fakeKnowledge) Insert(ctx context.Context, item *knowledge.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ID = uuid.New()
	f.inserted = append(f.inserted, item)
	return nil
}

func (f *fakeKnowledge) Merge(ctx context.Context, id uuid.UUID, content string, vec pgvector.Vector, confidence *float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, id)
	return nil
}

func (f *fakeKnowledge) Neighbors(ctx context.Context, query pgvector.Vector, shopID int64, category string, k int) ([]knowledge.Neighbor, error) {
	return f.neighbors, nil
}

func (f *fakeKnowledge) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

// fakeItemStore is an in-memory ItemStore. The mutex held across
// ClaimApplied stands in for the row lock.
type fakeItemStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Item
	kb    *fakeKnowledge
}

func newFakeItemStore(kb *fakeKnowledge) *fakeItemStore {
	return &fakeItemStore{items: make(map[uuid.UUID]*Item), kb: kb}
}

func (f *fakeItemStore) Insert(ctx context.Context, item *Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ID = uuid.New()
	item.Status = StatusPending
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	cp := *item
	f.items[item.ID] = &cp
	return nil
}

func (f *fakeItemStore) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (f *fakeItemStore) ListApproved(ctx context.Context, shopID int64, limit int) ([]*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Item
	for _, item := range f.items {
		if item.Status != StatusApproved {
			continue
		}
		if shopID != 0 && item.ShopID != shopID {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := priorityRank(out[i].Priority), priorityRank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeItemStore) Review(ctx context.Context, id uuid.UUID, to Status, reviewedBy, reason string) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if item.Status != StatusPending {
		return nil, &ConflictError{ID: id, Current: item.Status, Expected: StatusPending}
	}
	now := time.Now()
	item.Status = to
	item.ReviewedBy = reviewedBy
	item.ReviewedAt = &now
	item.RejectReason = reason
	cp := *item
	return &cp, nil
}

func (f *fakeItemStore) ClaimApplied(ctx context.Context, id uuid.UUID, fn ClaimFunc) (*Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch item.Status {
	case StatusApproved:
	case StatusApplied:
		return nil, ErrAlreadyApplied
	default:
		return nil, &ConflictError{ID: id, Current: item.Status, Expected: StatusApproved}
	}

	cp := *item
	outcome, err := fn(ctx, &cp, f.kb)
	if err != nil {
		return nil, err
	}
	if outcome.Flagged {
		item.Status = StatusPending
		item.ReviewCycles++
	} else {
		item.Status = StatusApplied
		item.LastError = ""
	}
	return &outcome, nil
}

func (f *fakeItemStore) RecordFailure(ctx context.Context, id uuid.UUID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		item.LastError = msg
	}
	return nil
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// fakeVecEmbedder returns a constant vector and can fail for one text.
type fakeVecEmbedder struct {
	failText string
}

func (f *fakeVecEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if f.failText != "" && text == f.failText {
		return pgvector.Vector{}, errors.New("provider unavailable")
	}
	return pgvector.NewVector([]float32{0.1, 0.2, 0.3}), nil
}

func validSubmission() Submission {
	return Submission{
		ShopID:     7,
		SourceType: SourceFeedback,
		SourceID:   "fb-123",
		Content:    "standard shipping takes three to five business days",
		Category:   "shipping",
		Confidence: 80,
	}
}

func newTestPipeline(t *testing.T, store ItemStore) *Pipeline {
	t.Helper()
	p, err := NewPipeline(store, &fakeVecEmbedder{}, nil, nil, log.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return p
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Submission)
		field  string
	}{
		{"zero shop", func(s *Submission) { s.ShopID = 0 }, "shopId"},
		{"negative shop", func(s *Submission) { s.ShopID = -1 }, "shopId"},
		{"bad source type", func(s *Submission) { s.SourceType = "rumor" }, "sourceType"},
		{"empty content", func(s *Submission) { s.Content = "  " }, "content"},
		{"content too short", func(s *Submission) { s.Content = "short" }, "content"},
		{"confidence too high", func(s *Submission) { s.Confidence = 101 }, "confidenceScore"},
		{"confidence negative", func(s *Submission) { s.Confidence = -1 }, "confidenceScore"},
		{"bad priority", func(s *Submission) { s.Priority = "critical" }, "priority"},
	}

	p := newTestPipeline(t, newFakeItemStore(&fakeKnowledge{}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSubmission()
			tt.mutate(&sub)

			_, err := p.Submit(context.Background(), sub)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Submit() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestSubmitCreatesPendingItem(t *testing.T) {
	store := newFakeItemStore(&fakeKnowledge{})
	p := newTestPipeline(t, store)

	id, err := p.Submit(context.Background(), validSubmission())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	item, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if item.Status != StatusPending {
		t.Errorf("Status = %q, want %q", item.Status, StatusPending)
	}
	if item.Priority != PriorityNormal {
		t.Errorf("Priority = %q, want default %q", item.Priority, PriorityNormal)
	}
}

func TestReviewTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("approve", func(t *testing.T) {
		store := newFakeItemStore(&fakeKnowledge{})
		p := newTestPipeline(t, store)
		id, _ := p.Submit(ctx, validSubmission())

		status, err := p.Approve(ctx, id, "admin")
		if err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
		if status != StatusApproved {
			t.Errorf("status = %q, want %q", status, StatusApproved)
		}
	})

	t.Run("reject keeps reason", func(t *testing.T) {
		store := newFakeItemStore(&fakeKnowledge{})
		p := newTestPipeline(t, store)
		id, _ := p.Submit(ctx, validSubmission())

		status, err := p.Reject(ctx, id, "admin", "price was wrong")
		if err != nil {
			t.Fatalf("Reject() error = %v", err)
		}
		if status != StatusRejected {
			t.Errorf("status = %q, want %q", status, StatusRejected)
		}
		item, _ := store.Get(ctx, id)
		if item.RejectReason != "price was wrong" {
			t.Errorf("RejectReason = %q", item.RejectReason)
		}
	})

	t.Run("reject requires reason", func(t *testing.T) {
		p := newTestPipeline(t, newFakeItemStore(&fakeKnowledge{}))
		if _, err := p.Reject(ctx, uuid.New(), "admin", ""); err == nil {
			t.Error("Reject() without reason succeeded")
		}
	})

	t.Run("double approve conflicts", func(t *testing.T) {
		store := newFakeItemStore(&fakeKnowledge{})
		p := newTestPipeline(t, store)
		id, _ := p.Submit(ctx, validSubmission())

		if _, err := p.Approve(ctx, id, "admin"); err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
		_, err := p.Approve(ctx, id, "admin")
		var cerr *ConflictError
		if !errors.As(err, &cerr) {
			t.Fatalf("second Approve() error = %v, want *ConflictError", err)
		}
		if cerr.Current != StatusApproved || cerr.Expected != StatusPending {
			t.Errorf("ConflictError = %v", cerr)
		}
	})
}

func TestApplyRequiresApproved(t *testing.T) {
	ctx := context.Background()
	store := newFakeItemStore(&fakeKnowledge{})
	p := newTestPipeline(t, store)
	id, _ := p.Submit(ctx, validSubmission())

	// pending
	_, err := p.Apply(ctx, id)
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("Apply() on pending error = %v, want *ConflictError", err)
	}
	item, _ := store.Get(ctx, id)
	if item.Status != StatusPending {
		t.Errorf("status changed to %q after failed apply", item.Status)
	}

	// rejected
	if _, err := p.Reject(ctx, id, "admin", "wrong"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if _, err := p.Apply(ctx, id); !errors.As(err, &cerr) {
		t.Fatalf("Apply() on rejected error = %v, want *ConflictError", err)
	}
}

func TestApplyInsertsWhenUnrelated(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKnowledge{} // no neighbors
	store := newFakeItemStore(kb)
	p := newTestPipeline(t, store)

	id, _ := p.Submit(ctx, validSubmission())
	if _, err := p.Approve(ctx, id, "admin"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	result, err := p.Apply(ctx, id)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Strategy != knowledge.StrategyInsert {
		t.Errorf("Strategy = %q, want %q", result.Strategy, knowledge.StrategyInsert)
	}
	if result.KnowledgeID == uuid.Nil {
		t.Error("KnowledgeID is zero after insert")
	}
	if kb.insertCount() != 1 {
		t.Errorf("inserted %d knowledge items, want 1", kb.insertCount())
	}

	item, _ := store.Get(ctx, id)
	if item.Status != StatusApplied {
		t.Errorf("status = %q, want %q", item.Status, StatusApplied)
	}
}

func TestApplySkipsDuplicate(t *testing.T) {
	ctx := context.Background()
	existing := uuid.New()
	kb := &fakeKnowledge{neighbors: []knowledge.Neighbor{
		{ID: existing, Content: "standard shipping takes three to five business days", Category: "shipping", Similarity: 0.98},
	}}
	store := newFakeItemStore(kb)
	p := newTestPipeline(t, store)

	id, _ := p.Submit(ctx, validSubmission())
	p.Approve(ctx, id, "admin")

	result, err := p.Apply(ctx, id)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Strategy != knowledge.StrategySkip {
		t.Errorf("Strategy = %q, want %q", result.Strategy, knowledge.StrategySkip)
	}
	if kb.insertCount() != 0 {
		t.Errorf("duplicate created %d knowledge items, want 0", kb.insertCount())
	}
	item, _ := store.Get(ctx, id)
	if item.Status != StatusApplied {
		t.Errorf("status = %q, want %q (skip still completes the item)", item.Status, StatusApplied)
	}
}

func TestApplyMergesNearDuplicate(t *testing.T) {
	ctx := context.Background()
	existing := uuid.New()
	kb := &fakeKnowledge{neighbors: []knowledge.Neighbor{
		{ID: existing, Content: "shipping normally takes about four business days", Category: "shipping", Similarity: 0.88},
	}}
	store := newFakeItemStore(kb)
	p := newTestPipeline(t, store)

	id, _ := p.Submit(ctx, validSubmission())
	p.Approve(ctx, id, "admin")

	result, err := p.Apply(ctx, id)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Strategy != knowledge.StrategyMerge {
		t.Errorf("Strategy = %q, want %q", result.Strategy, knowledge.StrategyMerge)
	}
	if result.KnowledgeID != existing {
		t.Errorf("KnowledgeID = %s, want merge target %s", result.KnowledgeID, existing)
	}
	if len(kb.merged) != 1 || kb.merged[0] != existing {
		t.Errorf("merged = %v, want [%s]", kb.merged, existing)
	}
}

func TestApplyFlagsContradiction(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKnowledge{neighbors: []knowledge.Neighbor{
		{ID: uuid.New(), Content: "standard shipping takes ten business days", Category: "shipping", Similarity: 0.55},
	}}
	store := newFakeItemStore(kb)
	p := newTestPipeline(t, store)

	id, _ := p.Submit(ctx, validSubmission())
	p.Approve(ctx, id, "admin")

	result, err := p.Apply(ctx, id)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Status != StatusPending {
		t.Errorf("Status = %q, want %q (returned for review)", result.Status, StatusPending)
	}
	if kb.insertCount() != 0 {
		t.Error("flag-for-review must not write knowledge")
	}

	item, _ := store.Get(ctx, id)
	if item.Status != StatusPending {
		t.Errorf("status = %q, want %q", item.Status, StatusPending)
	}
	if item.ReviewCycles != 1 {
		t.Errorf("ReviewCycles = %d, want 1", item.ReviewCycles)
	}
}

func TestApplyIdempotentOnApplied(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKnowledge{}
	store := newFakeItemStore(kb)
	p := newTestPipeline(t, store)

	id, _ := p.Submit(ctx, validSubmission())
	p.Approve(ctx, id, "admin")
	if _, err := p.Apply(ctx, id); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}

	result, err := p.Apply(ctx, id)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if !result.AlreadyApplied {
		t.Error("second Apply() not reported as no-op")
	}
	if kb.insertCount() != 1 {
		t.Errorf("re-apply created knowledge: %d inserts, want 1", kb.insertCount())
	}
}

func TestConcurrentApplyCreatesOneItem(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKnowledge{}
	store := newFakeItemStore(kb)
	p := newTestPipeline(t, store)

	id, _ := p.Submit(ctx, validSubmission())
	p.Approve(ctx, id, "admin")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Apply(ctx, id)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Apply() %d error = %v, want nil (losers are no-ops)", i, err)
		}
	}
	if kb.insertCount() != 1 {
		t.Fatalf("concurrent applies created %d knowledge items, want exactly 1", kb.insertCount())
	}
}

func TestProcessApprovedIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKnowledge{}
	store := newFakeItemStore(kb)

	embedder := &fakeVecEmbedder{failText: "this content cannot be embedded"}
	p, err := NewPipeline(store, embedder, nil, nil, log.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}

	good := validSubmission()
	bad := validSubmission()
	bad.Content = "this content cannot be embedded"

	goodID, _ := p.Submit(ctx, good)
	badID, _ := p.Submit(ctx, bad)
	p.Approve(ctx, goodID, "admin")
	p.Approve(ctx, badID, "admin")

	result, err := p.ProcessApproved(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ProcessApproved() error = %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want 1", result.Applied)
	}
	if len(result.Failures) != 1 || result.Failures[0].ID != badID {
		t.Errorf("Failures = %v, want one failure for %s", result.Failures, badID)
	}

	item, _ := store.Get(ctx, badID)
	if item.Status != StatusApproved {
		t.Errorf("failed item status = %q, want still %q", item.Status, StatusApproved)
	}
	if item.LastError == "" {
		t.Error("failed item has no recorded error")
	}
}

func TestProcessApprovedHonorsPriority(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKnowledge{}
	store := newFakeItemStore(kb)
	p := newTestPipeline(t, store)

	low := validSubmission()
	low.Priority = PriorityLow
	low.Content = "low priority content about store hours downtown"
	urgent := validSubmission()
	urgent.Priority = PriorityUrgent
	urgent.Content = "urgent priority content about recall notices today"

	lowID, _ := p.Submit(ctx, low)
	urgentID, _ := p.Submit(ctx, urgent)
	p.Approve(ctx, lowID, "admin")
	p.Approve(ctx, urgentID, "admin")

	// Limit 1 must pick the urgent item even though it was submitted later.
	result, err := p.ProcessApproved(ctx, 0, 1)
	if err != nil {
		t.Fatalf("ProcessApproved() error = %v", err)
	}
	if result.Applied != 1 {
		t.Fatalf("Applied = %d, want 1", result.Applied)
	}

	urgentItem, _ := store.Get(ctx, urgentID)
	lowItem, _ := store.Get(ctx, lowID)
	if urgentItem.Status != StatusApplied {
		t.Errorf("urgent item status = %q, want %q", urgentItem.Status, StatusApplied)
	}
	if lowItem.Status != StatusApproved {
		t.Errorf("low item status = %q, want untouched %q", lowItem.Status, StatusApproved)
	}
}
