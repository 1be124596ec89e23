package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

const (
	// DefaultReprocessInterval is how often the sweep looks for degraded rows.
	DefaultReprocessInterval = 5 * time.Minute

	// DefaultReprocessBatch bounds how many rows one sweep attempts.
	DefaultReprocessBatch = 25
)

// ReprocessStore is the persistence surface the Reprocessor needs.
// Satisfied by PGStore.
type ReprocessStore interface {
	ListDegraded(ctx context.Context, limit int) ([]*Record, error)
	UpdateEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector) error
}

// Reprocessor periodically re-embeds conversation rows whose embedding
// failed at flush time. The sweep is idempotent: the vector write and the
// flag clear happen in one atomic update, so a row is never re-embedded
// twice and a crashed sweep leaves nothing inconsistent.
type Reprocessor struct {
	store    ReprocessStore
	embedder Embedder
	recorder Recorder
	logger   *slog.Logger

	interval  time.Duration
	batchSize int
}

// ReprocessOptions tune the sweep cadence. Zero values select defaults.
type ReprocessOptions struct {
	Interval  time.Duration
	BatchSize int
	Recorder  Recorder
}

// NewReprocessor creates a reprocessing sweep with the given cadence.
func NewReprocessor(store ReprocessStore, embedder Embedder, opts ReprocessOptions, logger *slog.Logger) (*Reprocessor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultReprocessInterval
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultReprocessBatch
	}
	return &Reprocessor{
		store:     store,
		embedder:  embedder,
		recorder:  opts.Recorder,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}, nil
}

// Run blocks until ctx is canceled, sweeping once per interval. Callers must
// track the goroutine with a WaitGroup or similar.
func (r *Reprocessor) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("reprocess sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Info("reprocessed degraded records", "count", n)
			}
		}
	}
}

// RunOnce sweeps a single batch and returns how many rows were repaired.
// Per-row embedding failures are skipped (the row stays flagged for the next
// sweep); only the listing query can fail the sweep as a whole.
func (r *Reprocessor) RunOnce(ctx context.Context) (int, error) {
	records, err := r.store.ListDegraded(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing degraded records: %w", err)
	}

	repaired := 0
	for _, rec := range records {
		start := time.Now()
		vec, err := r.embedder.Embed(ctx, rec.EmbedText())
		if err != nil {
			r.record("conversation.reprocess", time.Since(start), false)
			r.logger.Warn("reprocess embedding failed, leaving row flagged",
				"record_id", rec.ID, "error", err)
			continue
		}
		if err := r.store.UpdateEmbedding(ctx, rec.ID, vec); err != nil {
			r.record("conversation.reprocess", time.Since(start), false)
			r.logger.Warn("reprocess update failed", "record_id", rec.ID, "error", err)
			continue
		}
		r.record("conversation.reprocess", time.Since(start), true)
		repaired++
	}
	return repaired, nil
}

func (r *Reprocessor) record(op string, d time.Duration, success bool) {
	if r.recorder != nil {
		r.recorder.Record(op, d, success)
	}
}
