package rag

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PGIndex is an [Index] backed by a PostgreSQL documents table with a
// pgvector HNSW index for approximate nearest-neighbour search.
//
// All methods are safe for concurrent use; the pool handles connection
// management.
type PGIndex struct {
	pool *pgxpool.Pool
}

var _ Index = (*PGIndex)(nil)

// NewPGIndex connects to dsn and ensures the documents schema exists with the
// given embedding dimension. The dimension is baked into the column type;
// changing it later requires a manual schema update.
func NewPGIndex(ctx context.Context, dsn string, dimensions int) (*PGIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("rag: connect postgres: %w", err)
	}
	idx := &PGIndex{pool: pool}
	if err := idx.migrate(ctx, dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the connection pool.
func (p *PGIndex) Close() {
	p.pool.Close()
}

// Ping verifies database connectivity, for readiness checks.
func (p *PGIndex) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// migrate is idempotent and safe to run on every start.
func (p *PGIndex) migrate(ctx context.Context, dimensions int) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    id        TEXT       PRIMARY KEY,
    title     TEXT       NOT NULL DEFAULT '',
    content   TEXT       NOT NULL,
    embedding vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);
`, dimensions)

	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("rag: migrate: %w", err)
	}
	return nil
}

// Add implements [Index]. Documents with an existing ID are replaced.
func (p *PGIndex) Add(ctx context.Context, docs ...Document) error {
	const q = `
		INSERT INTO documents (id, title, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    title     = EXCLUDED.title,
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	for _, d := range docs {
		vec := pgvector.NewVector(d.Embedding)
		if _, err := p.pool.Exec(ctx, q, d.ID, d.Title, d.Text, vec); err != nil {
			return fmt.Errorf("rag: add document %q: %w", d.ID, err)
		}
	}
	return nil
}

// Search implements [Index]. Results are ordered by ascending cosine
// distance (most similar first).
func (p *PGIndex) Search(ctx context.Context, embedding []float32, topK int) ([]Result, error) {
	const q = `
		SELECT id, title, content, embedding,
		       embedding <=> $1 AS distance
		FROM   documents
		ORDER  BY distance
		LIMIT  $2`

	queryVec := pgvector.NewVector(embedding)
	rows, err := p.pool.Query(ctx, q, queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var (
			r   Result
			vec pgvector.Vector
		)
		if err := row.Scan(&r.Document.ID, &r.Document.Title, &r.Document.Text, &vec, &r.Distance); err != nil {
			return Result{}, err
		}
		r.Document.Embedding = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rag: scan rows: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}
