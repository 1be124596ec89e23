package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

const (
	// neighborK bounds how many existing items are classified per candidate.
	neighborK = 5

	// keyTermOverlapThreshold is the Jaccard overlap above which two
	// below-threshold contents are treated as talking about the same thing.
	keyTermOverlapThreshold = 0.3

	arbiterTimeout = 15 * time.Second
)

// NeighborSearcher is the store surface the resolver reads from.
// Satisfied by *Store.
type NeighborSearcher interface {
	Neighbors(ctx context.Context, query pgvector.Vector, shopID int64, category string, k int) ([]Neighbor, error)
}

// Arbiter decides whether two contents contradict each other. Implemented
// by the LLM-backed GenkitArbiter; nil disables the check and the resolver
// falls back to the lexical heuristic alone.
type Arbiter interface {
	CheckContradiction(ctx context.Context, existing, candidate string) (bool, error)
}

// Resolver classifies a candidate against existing knowledge and picks a
// resolution strategy. It is read-only: executing the strategy is the
// caller's job.
type Resolver struct {
	searcher NeighborSearcher
	arbiter  Arbiter
	logger   *slog.Logger
}

// NewResolver creates a Resolver. arbiter may be nil.
func NewResolver(searcher NeighborSearcher, arbiter Arbiter, logger *slog.Logger) (*Resolver, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{searcher: searcher, arbiter: arbiter, logger: logger}, nil
}

// DetectConflicts classifies the candidate against its nearest existing
// items. Results are ordered by similarity descending. Unrelated neighbors
// are included so callers see the full classification.
func (r *Resolver) DetectConflicts(ctx context.Context, cand Candidate) ([]Conflict, error) {
	if err := cand.Validate(); err != nil {
		return nil, err
	}

	neighbors, err := r.searcher.Neighbors(ctx, cand.Embedding, cand.ShopID, cand.Category, neighborK)
	if err != nil {
		return nil, fmt.Errorf("detecting conflicts: %w", err)
	}

	conflicts := make([]Conflict, 0, len(neighbors))
	for _, n := range neighbors {
		conflicts = append(conflicts, Conflict{
			ExistingID: n.ID,
			Similarity: n.Similarity,
			Relation:   r.classify(ctx, cand, n),
		})
	}
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].Similarity > conflicts[j].Similarity
	})
	return conflicts, nil
}

// classify maps one neighbor to a relation using the two similarity
// thresholds, with a lexical (and optionally LLM) contradiction check for
// neighbors below the near-duplicate band.
func (r *Resolver) classify(ctx context.Context, cand Candidate, n Neighbor) Relation {
	switch {
	case n.Similarity >= DuplicateThreshold:
		return RelationDuplicate
	case n.Similarity >= NearDuplicateThreshold:
		return RelationNearDuplicate
	}

	// Below the bands: only items sharing key terms (or category) can
	// contradict the candidate.
	sameTopic := keyTermOverlap(cand.Content, n.Content) >= keyTermOverlapThreshold ||
		(cand.Category != "" && cand.Category == n.Category && keyTermOverlap(cand.Content, n.Content) > 0)
	if !sameTopic {
		return RelationUnrelated
	}

	if r.arbiter == nil {
		return RelationContradiction
	}

	arbCtx, cancel := context.WithTimeout(ctx, arbiterTimeout)
	defer cancel()

	contradicts, err := r.arbiter.CheckContradiction(arbCtx, n.Content, cand.Content)
	if err != nil {
		// Keep the lexical verdict: flagging for review is the safe failure
		// mode when the arbiter is unavailable.
		r.logger.Warn("contradiction check failed, keeping lexical verdict", "error", err)
		return RelationContradiction
	}
	if contradicts {
		return RelationContradiction
	}
	return RelationUnrelated
}

// Resolve picks the strategy for a set of classified conflicts.
//
// Precedence: any duplicate wins (skip), then any contradiction-candidate
// (flag-for-review, so a merge never papers over a contradiction), then the
// most similar near-duplicate (merge into it), otherwise insert.
func (r *Resolver) Resolve(conflicts []Conflict) Resolution {
	res := Resolution{Strategy: StrategyInsert, Conflicts: conflicts}

	var bestNearDup *Conflict
	for i := range conflicts {
		c := &conflicts[i]
		switch c.Relation {
		case RelationDuplicate:
			res.Strategy = StrategySkip
			res.TargetID = c.ExistingID
			return res
		case RelationContradiction:
			res.Strategy = StrategyFlagForReview
			res.TargetID = c.ExistingID
		case RelationNearDuplicate:
			if bestNearDup == nil || c.Similarity > bestNearDup.Similarity {
				bestNearDup = c
			}
		}
	}

	if res.Strategy == StrategyFlagForReview {
		return res
	}
	if bestNearDup != nil {
		res.Strategy = StrategyMerge
		res.TargetID = bestNearDup.ExistingID
	}
	return res
}

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopwords excluded from key-term comparison. Short function words only;
// domain terms always count.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "was": {},
	"we": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// keyTermOverlap computes the Jaccard overlap of the two contents' key
// terms. Returns 0 when either side has no key terms.
func keyTermOverlap(a, b string) float64 {
	setA := keyTerms(a)
	setB := keyTerms(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for term := range setA {
		if _, ok := setB[term]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func keyTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 2 {
			continue
		}
		if _, ok := stopwords[tok]; ok {
			continue
		}
		terms[tok] = struct{}{}
	}
	return terms
}
