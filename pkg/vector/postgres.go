package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

// PostgresStore is the pgvector-backed index. It owns exactly one table,
// ensured at connect time; similarity is cosine via the <=> operator.
type PostgresStore struct {
	pool          *pgxpool.Pool
	dims          int
	searchTimeout time.Duration
}

// NewPostgresStore ensures the pgvector extension and the embeddings table
// exist, then returns the store. searchTimeout bounds each similarity query.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, dims int, searchTimeout time.Duration) (*PostgresStore, error) {
	if searchTimeout <= 0 {
		searchTimeout = 2 * time.Second
	}
	s := &PostgresStore{pool: pool, dims: dims, searchTimeout: searchTimeout}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS capability_embeddings (
			item_type   text NOT NULL,
			name        text NOT NULL,
			category    text NOT NULL DEFAULT '',
			description text NOT NULL DEFAULT '',
			embedding   vector(%d) NOT NULL,
			keywords    text[] NOT NULL DEFAULT '{}',
			metadata    jsonb NOT NULL DEFAULT '{}',
			created_at  timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (item_type, name)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS capability_embeddings_cosine_idx
			ON capability_embeddings USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fault.Wrap(fault.Unavailable, "ensuring vector schema", err)
		}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if rec.ItemType == "" || rec.Name == "" {
		return fault.New(fault.InvalidArgument, "record requires item_type and name")
	}
	if len(rec.Embedding) != s.dims {
		return fault.Newf(fault.InvalidArgument, "embedding has %d dimensions, index expects %d", len(rec.Embedding), s.dims)
	}

	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fault.Wrap(fault.InvalidArgument, "marshalling metadata", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO capability_embeddings
			(item_type, name, category, description, embedding, keywords, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, now(), now())
		ON CONFLICT (item_type, name) DO UPDATE SET
			category    = EXCLUDED.category,
			description = EXCLUDED.description,
			embedding   = EXCLUDED.embedding,
			keywords    = EXCLUDED.keywords,
			metadata    = EXCLUDED.metadata,
			updated_at  = now()`,
		rec.ItemType, rec.Name, rec.Category, rec.Description,
		vectorLiteral(rec.Embedding), rec.Keywords, meta,
	)
	if err != nil {
		return fault.Wrap(fault.Unavailable, "upserting embedding record", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, itemType, name string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM capability_embeddings WHERE item_type = $1 AND name = $2`,
		itemType, name,
	)
	if err != nil {
		return fault.Wrap(fault.Unavailable, "deleting embedding record", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.NotFound, "no embedding record for %s/%s", itemType, name)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, itemType, name string) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT item_type, name, category, description, embedding::text, keywords, metadata, created_at, updated_at
		FROM capability_embeddings
		WHERE item_type = $1 AND name = $2`,
		itemType, name,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.Newf(fault.NotFound, "no embedding record for %s/%s", itemType, name)
		}
		return Record{}, fault.Wrap(fault.Unavailable, "reading embedding record", err)
	}
	return rec, nil
}

func (s *PostgresStore) Search(ctx context.Context, queryVec []float32, filters Filters, k int) ([]Match, error) {
	if len(queryVec) != s.dims {
		return nil, fault.Newf(fault.InvalidArgument, "query vector has %d dimensions, index expects %d", len(queryVec), s.dims)
	}
	if k <= 0 {
		return nil, fault.New(fault.InvalidArgument, "k must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()

	where, args := filterClause(filters, 2)
	query := fmt.Sprintf(`
		SELECT item_type, name, category, description, embedding::text, keywords, metadata, created_at, updated_at,
		       1 - (embedding <=> $1::vector) AS cosine
		FROM capability_embeddings
		%s
		ORDER BY embedding <=> $1::vector
		LIMIT %d`, where, k)

	rows, err := s.pool.Query(ctx, query, append([]any{vectorLiteral(queryVec)}, args...)...)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, "searching embeddings", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var rec Record
		var embText string
		var meta []byte
		var cosine float64
		err := rows.Scan(&rec.ItemType, &rec.Name, &rec.Category, &rec.Description,
			&embText, &rec.Keywords, &meta, &rec.CreatedAt, &rec.UpdatedAt, &cosine)
		if err != nil {
			return nil, fault.Wrap(fault.Unavailable, "scanning search result", err)
		}
		rec.Embedding = parseVector(embText)
		_ = json.Unmarshal(meta, &rec.Metadata)
		out = append(out, Match{Record: rec, Score: (cosine + 1) / 2})
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Unavailable, "iterating search results", err)
	}
	return out, nil
}

func (s *PostgresStore) Stats(ctx context.Context, filters Filters) (Stats, error) {
	where, args := filterClause(filters, 1)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT item_type, count(*) FROM capability_embeddings %s GROUP BY item_type`, where), args...)
	if err != nil {
		return Stats{}, fault.Wrap(fault.Unavailable, "counting embeddings", err)
	}
	defer rows.Close()

	st := Stats{ByType: make(map[string]int)}
	for rows.Next() {
		var itemType string
		var n int
		if err := rows.Scan(&itemType, &n); err != nil {
			return Stats{}, fault.Wrap(fault.Unavailable, "scanning stats", err)
		}
		st.ByType[itemType] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fault.Wrap(fault.Unavailable, "iterating stats", err)
	}
	return st, nil
}

func (s *PostgresStore) List(ctx context.Context, filters Filters) ([]Record, error) {
	where, args := filterClause(filters, 1)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT item_type, name, category, description, embedding::text, keywords, metadata, created_at, updated_at
		FROM capability_embeddings %s
		ORDER BY item_type, name`, where), args...)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, "listing embeddings", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Unavailable, "scanning record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Unavailable, "iterating records", err)
	}
	return out, nil
}

func (s *PostgresStore) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fault.Wrap(fault.Unavailable, "pinging vector store", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var embText string
	var meta []byte
	err := row.Scan(&rec.ItemType, &rec.Name, &rec.Category, &rec.Description,
		&embText, &rec.Keywords, &meta, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Embedding = parseVector(embText)
	_ = json.Unmarshal(meta, &rec.Metadata)
	return rec, nil
}

// filterClause builds a WHERE clause for the optional filters, numbering
// placeholders starting at firstArg.
func filterClause(f Filters, firstArg int) (string, []any) {
	var conds []string
	var args []any
	n := firstArg

	if f.ItemType != "" {
		conds = append(conds, fmt.Sprintf("item_type = $%d", n))
		args = append(args, f.ItemType)
		n++
	}
	if f.Category != "" {
		conds = append(conds, fmt.Sprintf("category = $%d", n))
		args = append(args, f.Category)
		n++
	}
	for k, v := range f.Metadata {
		conds = append(conds, fmt.Sprintf("metadata ->> $%d = $%d", n, n+1))
		args = append(args, k, v)
		n += 2
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// vectorLiteral renders a float32 slice in pgvector's input syntax.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads pgvector's text output back into a float32 slice.
func parseVector(s string) []float32 {
	s = strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(s), "]"), "[")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			continue
		}
		out = append(out, float32(f))
	}
	return out
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
