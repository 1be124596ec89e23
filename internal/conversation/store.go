package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

const insertRecordSQL = `INSERT INTO conversation_memory
	(id, user_id, channel, transcript, summary, metadata, embedding, needs_embedding, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// PGStore persists conversation records in PostgreSQL.
//
// PGStore is safe for concurrent use.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates a conversation store.
func NewPGStore(pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PGStore{pool: pool, logger: logger}, nil
}

// InsertBatch writes all records in one transaction, preserving slice order.
// A failure rolls the whole batch back; no partial state survives.
func (s *PGStore) InsertBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("batch transaction rollback", "error", rbErr)
		}
	}()

	batch := &pgx.Batch{}
	for _, rec := range records {
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata for record %s: %w", rec.ID, err)
		}
		batch.Queue(insertRecordSQL,
			rec.ID, rec.UserID, rec.Channel, rec.Transcript, rec.Summary,
			metadata, rec.Embedding, rec.NeedsEmbedding, rec.CreatedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("inserting conversation record: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch transaction: %w", err)
	}
	return nil
}

// ListDegraded returns records flagged for embedding reprocessing, oldest
// first, up to limit.
func (s *PGStore) ListDegraded(ctx context.Context, limit int) ([]*Record, error) {
	if limit < 1 {
		limit = 25
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, channel, transcript, summary, metadata, created_at
		 FROM conversation_memory
		 WHERE needs_embedding
		 ORDER BY created_at ASC, id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing degraded records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{NeedsEmbedding: true}
		var metadata []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Channel,
			&rec.Transcript, &rec.Summary, &metadata, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning degraded record: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling metadata for record %s: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating degraded records: %w", err)
	}
	return records, nil
}

// UpdateEmbedding backfills a record's vector and clears the reprocessing
// flag in one atomic update, making the sweep idempotent.
func (s *PGStore) UpdateEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_memory
		 SET embedding = $1, needs_embedding = false
		 WHERE id = $2 AND needs_embedding`,
		vec, id,
	)
	if err != nil {
		return fmt.Errorf("updating embedding for record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Already reprocessed by a concurrent sweep; nothing to do.
		s.logger.Debug("record no longer degraded", "record_id", id)
	}
	return nil
}

