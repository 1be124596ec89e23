package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// ErrNotFound is returned when no knowledge item matches the given id.
var ErrNotFound = errors.New("knowledge item not found")

// Querier is the common interface satisfied by both *pgxpool.Pool and
// pgx.Tx, so store methods run standalone or inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const itemCols = `id, shop_id, content, category, source, confidence,
	embedding, metadata, active, created_at, updated_at`

// Store manages knowledge_base rows.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     Querier
	logger *slog.Logger
}

// NewStore creates a knowledge Store bound to db.
func NewStore(db Querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// WithQuerier returns a copy of the store bound to q, typically a pgx.Tx,
// so writes join the caller's transaction.
func (s *Store) WithQuerier(q Querier) *Store {
	return &Store{db: q, logger: s.logger}
}

// Insert creates a new knowledge item. The item's ID and timestamps are
// assigned here and written back to the struct.
func (s *Store) Insert(ctx context.Context, item *Item) error {
	if item.ShopID <= 0 {
		return fmt.Errorf("shopId must be positive, got %d", item.ShopID)
	}
	if len(item.Embedding.Slice()) == 0 {
		return fmt.Errorf("item embedding is empty")
	}

	item.ID = uuid.New()
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Active = true

	metadataJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO knowledge_base (id, shop_id, content, category, source, confidence,
		     embedding, metadata, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $9)`,
		item.ID, item.ShopID, item.Content, item.Category, item.Source,
		item.Confidence, item.Embedding, metadataJSON, now,
	)
	if err != nil {
		return fmt.Errorf("inserting knowledge item: %w", err)
	}
	return nil
}

// Merge updates an existing item in place with new content and embedding,
// preserving its id. The replaced content is kept in the row's metadata
// under "previous_content" so the merge is not destructively lossy.
func (s *Store) Merge(ctx context.Context, id uuid.UUID, content string,
	vec pgvector.Vector, confidence *float32) error {

	tag, err := s.db.Exec(ctx,
		`UPDATE knowledge_base
		 SET metadata = jsonb_set(metadata, '{previous_content}', to_jsonb(content)),
		     content = $1, embedding = $2,
		     confidence = COALESCE($3, confidence),
		     updated_at = now()
		 WHERE id = $4`,
		content, vec, confidence, id,
	)
	if err != nil {
		return fmt.Errorf("merging knowledge item %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("merging knowledge item %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get fetches a single item by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+itemCols+` FROM knowledge_base WHERE id = $1`, id)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting knowledge item %s: %w", id, err)
	}
	return item, nil
}

// SearchParams scope a vector search.
type SearchParams struct {
	ShopID   int64
	Category string // empty = all categories
	Limit    int
	// Threshold drops results with cosine similarity below it. Similarity
	// ranges over [-1, 1], so zero still filters anti-similar items; pass -1
	// to keep everything.
	Threshold float64
}

// Search returns active items nearest to the query vector, cosine
// similarity descending, scoped to the shop and optional category.
func (s *Store) Search(ctx context.Context, query pgvector.Vector, params SearchParams) ([]SearchResult, error) {
	if params.ShopID <= 0 {
		return nil, fmt.Errorf("shopId must be positive, got %d", params.ShopID)
	}
	limit := params.Limit
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+itemCols+`, 1 - (embedding <=> $1) AS similarity
		 FROM knowledge_base
		 WHERE shop_id = $2 AND active
		   AND ($3 = '' OR category = $3)
		   AND 1 - (embedding <=> $1) >= $4
		 ORDER BY embedding <=> $1
		 LIMIT $5`,
		query, params.ShopID, params.Category, params.Threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var res SearchResult
		var metadataJSON []byte
		if err := rows.Scan(
			&res.Item.ID, &res.Item.ShopID, &res.Item.Content, &res.Item.Category,
			&res.Item.Source, &res.Item.Confidence, &res.Item.Embedding, &metadataJSON,
			&res.Item.Active, &res.Item.CreatedAt, &res.Item.UpdatedAt,
			&res.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		if err := unmarshalMetadata(metadataJSON, &res.Item.Metadata); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}
	return results, nil
}

// Neighbor is a nearby existing item considered during conflict detection.
type Neighbor struct {
	ID         uuid.UUID
	Content    string
	Category   string
	Similarity float64
}

// Neighbors returns the k nearest active items for the shop, regardless of
// similarity, for the conflict resolver to classify.
func (s *Store) Neighbors(ctx context.Context, query pgvector.Vector, shopID int64, category string, k int) ([]Neighbor, error) {
	if k < 1 {
		k = 5
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, content, category, 1 - (embedding <=> $1) AS similarity
		 FROM knowledge_base
		 WHERE shop_id = $2 AND active
		   AND ($3 = '' OR category = $3)
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		query, shopID, category, k,
	)
	if err != nil {
		return nil, fmt.Errorf("finding neighbors: %w", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ID, &n.Content, &n.Category, &n.Similarity); err != nil {
			return nil, fmt.Errorf("scanning neighbor: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating neighbors: %w", err)
	}
	return neighbors, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var item Item
	var metadataJSON []byte
	if err := row.Scan(
		&item.ID, &item.ShopID, &item.Content, &item.Category, &item.Source,
		&item.Confidence, &item.Embedding, &metadataJSON, &item.Active,
		&item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(metadataJSON, &item.Metadata); err != nil {
		return nil, err
	}
	return &item, nil
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
