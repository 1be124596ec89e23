// Package service is the facade the outer API layer calls. It wires the
// optimizer, learning pipeline, knowledge store, embedder, and monitor
// behind one surface.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knowla/knowla/internal/conversation"
	"github.com/knowla/knowla/internal/embedding"
	"github.com/knowla/knowla/internal/knowledge"
	"github.com/knowla/knowla/internal/learning"
	"github.com/knowla/knowla/internal/monitor"
)

// Decision is a reviewer's verdict on a pending learning item.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Service exposes the ingestion and curation operations.
//
// Service is safe for concurrent use by multiple goroutines.
type Service struct {
	optimizer *conversation.Optimizer
	pipeline  *learning.Pipeline
	kb        *knowledge.Store
	embedder  *embedding.Embedder
	cache     *embedding.Cache
	monitor   *monitor.Monitor
	logger    *slog.Logger
}

// Deps carries the wired components for New.
type Deps struct {
	Optimizer *conversation.Optimizer
	Pipeline  *learning.Pipeline
	Knowledge *knowledge.Store
	Embedder  *embedding.Embedder
	Cache     *embedding.Cache
	Monitor   *monitor.Monitor
	Logger    *slog.Logger
}

// New creates a Service from wired dependencies.
func New(deps Deps) (*Service, error) {
	if deps.Optimizer == nil {
		return nil, fmt.Errorf("optimizer is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if deps.Knowledge == nil {
		return nil, fmt.Errorf("knowledge store is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		optimizer: deps.Optimizer,
		pipeline:  deps.Pipeline,
		kb:        deps.Knowledge,
		embedder:  deps.Embedder,
		cache:     deps.Cache,
		monitor:   deps.Monitor,
		logger:    deps.Logger,
	}, nil
}

// QueueConversation validates and enqueues a conversation for background
// persistence. It never touches the embedding provider or the database;
// the only error it returns is a validation error.
func (s *Service) QueueConversation(in conversation.Input) (uuid.UUID, error) {
	start := time.Now()
	id, err := s.optimizer.Queue(in)
	s.record("service.queue_conversation", time.Since(start), err == nil)
	return id, err
}

// SubmitLearningItem inserts a proposed knowledge update as pending.
func (s *Service) SubmitLearningItem(ctx context.Context, sub learning.Submission) (uuid.UUID, error) {
	return s.pipeline.Submit(ctx, sub)
}

// ReviewLearningItem applies a reviewer decision to a pending item and
// returns the new status.
func (s *Service) ReviewLearningItem(ctx context.Context, id uuid.UUID,
	decision Decision, reviewedBy, reason string) (learning.Status, error) {

	switch decision {
	case DecisionApprove:
		return s.pipeline.Approve(ctx, id, reviewedBy)
	case DecisionReject:
		return s.pipeline.Reject(ctx, id, reviewedBy, reason)
	}
	return "", fmt.Errorf("unknown decision %q, want %q or %q", decision, DecisionApprove, DecisionReject)
}

// ApplyApprovedItems drains approved learning items into the knowledge
// base. shopID 0 means all shops.
func (s *Service) ApplyApprovedItems(ctx context.Context, shopID int64, limit int) (*learning.BatchResult, error) {
	return s.pipeline.ProcessApproved(ctx, shopID, limit)
}

// SearchKnowledge embeds the query text (cache-checked) and returns the
// nearest knowledge items for the shop.
func (s *Service) SearchKnowledge(ctx context.Context, query string, shopID int64,
	limit int, category string, threshold float64) ([]knowledge.SearchResult, error) {

	start := time.Now()
	results, err := s.searchKnowledge(ctx, query, shopID, limit, category, threshold)
	s.record("service.search_knowledge", time.Since(start), err == nil)
	return results, err
}

func (s *Service) searchKnowledge(ctx context.Context, query string, shopID int64,
	limit int, category string, threshold float64) ([]knowledge.SearchResult, error) {

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.kb.Search(ctx, vec, knowledge.SearchParams{
		ShopID:    shopID,
		Category:  category,
		Limit:     limit,
		Threshold: threshold,
	})
}

// CacheStats reports embedding-cache hit statistics.
func (s *Service) CacheStats() embedding.CacheStats {
	if s.cache == nil {
		return embedding.CacheStats{}
	}
	return s.cache.Stats()
}

// PerformanceStats returns rolling-window latency/success stats for one
// operation, or nil when nothing has been recorded.
func (s *Service) PerformanceStats(operation string) *monitor.Stats {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Stats(operation)
}

func (s *Service) record(op string, d time.Duration, success bool) {
	if s.monitor != nil {
		s.monitor.Record(op, d, success)
	}
}
