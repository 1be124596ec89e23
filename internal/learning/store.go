package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/knowla/knowla/internal/knowledge"
)

// ErrNotFound is returned when no learning item matches the given id.
var ErrNotFound = errors.New("learning item not found")

// ErrAlreadyApplied marks an apply attempt on an item that is already in
// the applied state. Callers treat it as an idempotent no-op.
var ErrAlreadyApplied = errors.New("learning item already applied")

const itemCols = `id, shop_id, source_type, source_id, proposed_content, category,
	confidence_score, priority, status, review_cycles, reviewed_by, reviewed_at,
	reject_reason, last_error, metadata, created_at, updated_at`

// priorityOrderSQL maps priority labels to sortable ranks; ties break by
// insertion order.
const priorityOrderSQL = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	ELSE 3
END, created_at ASC`

// Store persists learning-queue items and their audit trail. Every status
// change writes an audit row in the same transaction, so the trail never
// diverges from the queue.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	kb     *knowledge.Store
	logger *slog.Logger
}

// NewStore creates a learning Store. kb is used to bind knowledge writes
// into the apply transaction.
func NewStore(pool *pgxpool.Pool, kb *knowledge.Store, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if kb == nil {
		return nil, fmt.Errorf("knowledge store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, kb: kb, logger: logger}, nil
}

// Insert creates a new pending item and its creation audit row.
func (s *Store) Insert(ctx context.Context, item *Item) error {
	item.ID = uuid.New()
	item.Status = StatusPending
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now

	metadataJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	_, err = tx.Exec(ctx,
		`INSERT INTO learning_queue (id, shop_id, source_type, source_id, proposed_content,
		     category, confidence_score, priority, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $10)`,
		item.ID, item.ShopID, item.SourceType, item.SourceID, item.ProposedContent,
		item.Category, item.Confidence, item.Priority, metadataJSON, now,
	)
	if err != nil {
		return fmt.Errorf("inserting learning item: %w", err)
	}

	if err := s.audit(ctx, tx, item.ID, "", StatusPending, "", string(item.SourceType)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing insert: %w", err)
	}
	return nil
}

// Get fetches one item by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemCols+` FROM learning_queue WHERE id = $1`, id)
	return scanItem(row)
}

// ListApproved returns approved items ready to apply, priority first and
// oldest first within a priority. shopID 0 means all shops.
func (s *Store) ListApproved(ctx context.Context, shopID int64, limit int) ([]*Item, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+itemCols+`
		 FROM learning_queue
		 WHERE status = 'approved' AND ($1 = 0 OR shop_id = $1)
		 ORDER BY `+priorityOrderSQL+`
		 LIMIT $2`,
		shopID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing approved items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approved items: %w", err)
	}
	return items, nil
}

// Review transitions a pending item to approved or rejected. The status
// check and the update happen under a row lock, so two concurrent reviews
// of the same item cannot both succeed.
func (s *Store) Review(ctx context.Context, id uuid.UUID, to Status, reviewedBy, reason string) (*Item, error) {
	if to != StatusApproved && to != StatusRejected {
		return nil, fmt.Errorf("review can only approve or reject, got %q", to)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	item, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending {
		return nil, &ConflictError{ID: id, Current: item.Status, Expected: StatusPending}
	}

	now := time.Now()
	_, err = tx.Exec(ctx,
		`UPDATE learning_queue
		 SET status = $1, reviewed_by = $2, reviewed_at = $3, reject_reason = $4, updated_at = $3
		 WHERE id = $5`,
		to, reviewedBy, now, reason, id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating item status: %w", err)
	}

	if err := s.audit(ctx, tx, id, StatusPending, to, reviewedBy, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing review: %w", err)
	}

	item.Status = to
	item.ReviewedBy = reviewedBy
	item.ReviewedAt = &now
	item.RejectReason = reason
	item.UpdatedAt = now
	return item, nil
}

// Outcome is what an apply callback decided for a claimed item.
type Outcome struct {
	Strategy knowledge.Strategy

	// KnowledgeID is the created or merged knowledge item. Zero for skip
	// and flag-for-review.
	KnowledgeID uuid.UUID

	// Flagged returns the item to pending with an incremented review cycle
	// instead of marking it applied.
	Flagged bool
}

// KnowledgeWriter is the slice of the knowledge store an apply callback
// works with. Satisfied by *knowledge.Store.
type KnowledgeWriter interface {
	Insert(ctx context.Context, item *knowledge.Item) error
	Merge(ctx context.Context, id uuid.UUID, content string, vec pgvector.Vector, confidence *float32) error
	Neighbors(ctx context.Context, query pgvector.Vector, shopID int64, category string, k int) ([]knowledge.Neighbor, error)
}

// ClaimFunc runs inside the claim transaction. kb is bound to the same
// transaction, so knowledge writes commit or roll back with the status
// change.
type ClaimFunc func(ctx context.Context, item *Item, kb KnowledgeWriter) (Outcome, error)

// ClaimApplied atomically claims an approved item and applies fn's outcome.
//
// The row is locked with SELECT ... FOR UPDATE and the status re-checked
// under the lock: concurrent applies serialize, the loser observes the new
// status and gets ErrAlreadyApplied (idempotent no-op) or a ConflictError.
// The knowledge write, the status flip, and the audit row commit together.
func (s *Store) ClaimApplied(ctx context.Context, id uuid.UUID, fn ClaimFunc) (*Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	item, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case StatusApproved:
	case StatusApplied:
		return nil, ErrAlreadyApplied
	default:
		return nil, &ConflictError{ID: id, Current: item.Status, Expected: StatusApproved}
	}

	outcome, err := fn(ctx, item, s.kb.WithQuerier(tx))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if outcome.Flagged {
		_, err = tx.Exec(ctx,
			`UPDATE learning_queue
			 SET status = 'pending', review_cycles = review_cycles + 1, updated_at = $1
			 WHERE id = $2`,
			now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("returning item for review: %w", err)
		}
		if err := s.audit(ctx, tx, id, StatusApproved, StatusPending, "", string(knowledge.StrategyFlagForReview)); err != nil {
			return nil, err
		}
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE learning_queue
			 SET status = 'applied', last_error = '', updated_at = $1,
			     metadata = metadata || jsonb_build_object(
			         'resolution', $2::text,
			         'knowledge_item_id', $3::text)
			 WHERE id = $4`,
			now, string(outcome.Strategy), knowledgeIDText(outcome.KnowledgeID), id,
		)
		if err != nil {
			return nil, fmt.Errorf("marking item applied: %w", err)
		}
		if err := s.audit(ctx, tx, id, StatusApproved, StatusApplied, "", string(outcome.Strategy)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing apply: %w", err)
	}
	return &outcome, nil
}

// RecordFailure stores the latest apply error on the item without changing
// its status, keeping it eligible for retry.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE learning_queue SET last_error = $1, updated_at = now() WHERE id = $2`,
		msg, id,
	)
	if err != nil {
		return fmt.Errorf("recording failure for item %s: %w", id, err)
	}
	return nil
}

func (s *Store) getForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Item, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+itemCols+` FROM learning_queue WHERE id = $1 FOR UPDATE`, id)
	return scanItem(row)
}

// audit appends one transition row. Must run inside the same transaction
// as the status change it records.
func (s *Store) audit(ctx context.Context, tx pgx.Tx, itemID uuid.UUID,
	from, to Status, actor, reason string) error {

	_, err := tx.Exec(ctx,
		`INSERT INTO learning_audit (item_id, from_status, to_status, actor, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		itemID, string(from), string(to), actor, reason,
	)
	if err != nil {
		return fmt.Errorf("writing audit row: %w", err)
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Debug("transaction rollback", "error", err)
	}
}

func scanItem(row pgx.Row) (*Item, error) {
	var item Item
	var reviewedBy, rejectReason, lastError *string
	var metadataJSON []byte
	err := row.Scan(
		&item.ID, &item.ShopID, &item.SourceType, &item.SourceID,
		&item.ProposedContent, &item.Category, &item.Confidence, &item.Priority,
		&item.Status, &item.ReviewCycles, &reviewedBy, &item.ReviewedAt,
		&rejectReason, &lastError, &metadataJSON, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning learning item: %w", err)
	}
	if reviewedBy != nil {
		item.ReviewedBy = *reviewedBy
	}
	if rejectReason != nil {
		item.RejectReason = *rejectReason
	}
	if lastError != nil {
		item.LastError = *lastError
	}
	if err := unmarshalMetadata(metadataJSON, &item.Metadata); err != nil {
		return nil, err
	}
	return &item, nil
}

func knowledgeIDText(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte, out *map[string]any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return nil
}
