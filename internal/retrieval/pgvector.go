package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var _ VectorStore = (*PGVectorStore)(nil)

// PGVectorStore keeps vectors in PostgreSQL with the pgvector extension and an
// HNSW cosine index. Ranking is done by the database.
type PGVectorStore struct {
	pool *pgxpool.Pool
	dims int
	topK int
}

// NewPGVectorStore connects to dsn. dims fixes the vector column width.
func NewPGVectorStore(ctx context.Context, dsn string, dims, defaultTopK int) (*PGVectorStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("pgvector: dimensions must be positive, got %d", dims)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storeError("pgvector.connect", err)
	}
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	return &PGVectorStore{pool: pool, dims: dims, topK: defaultTopK}, nil
}

// Close releases the connection pool.
func (s *PGVectorStore) Close() {
	s.pool.Close()
}

// Setup installs the extension, table and indexes if missing.
func (s *PGVectorStore) Setup(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS storyqa_vectors (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			story_id   TEXT NOT NULL DEFAULT '',
			revision   INTEGER NOT NULL DEFAULT 0,
			title      TEXT NOT NULL DEFAULT '',
			text_body  TEXT NOT NULL DEFAULT '',
			tags       TEXT[] NOT NULL DEFAULT '{}',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS storyqa_vectors_project_idx ON storyqa_vectors (collection, project_id)`,
		`CREATE INDEX IF NOT EXISTS storyqa_vectors_embedding_idx ON storyqa_vectors USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storeError("pgvector.setup", err)
		}
	}
	return nil
}

func (s *PGVectorStore) Upsert(ctx context.Context, collection, id string, vector []float32, md Metadata) error {
	const op = "pgvector.upsert"
	if err := validateCollection(op, collection); err != nil {
		return err
	}
	if err := validateVector(op, vector); err != nil {
		return err
	}
	if id == "" {
		return validationEmptyID(op)
	}
	createdAt := md.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO storyqa_vectors (collection, id, project_id, story_id, revision, title, text_body, tags, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (collection, id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			story_id   = EXCLUDED.story_id,
			revision   = EXCLUDED.revision,
			title      = EXCLUDED.title,
			text_body  = EXCLUDED.text_body,
			tags       = EXCLUDED.tags,
			embedding  = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at`,
		collection, id, md.ProjectID, md.StoryID, md.Revision, md.Title, md.Text,
		nonNilTags(md.Tags), pgvector.NewVector(vector), createdAt.UTC())
	if err != nil {
		return storeError(op, fmt.Errorf("upserting %s/%s: %w", collection, id, err))
	}
	return nil
}

// Query ranks by cosine distance (<=>). Equal distances mean equal scores,
// so the created_at tiebreak matches the SQLite backend.
func (s *PGVectorStore) Query(ctx context.Context, collection string, vector []float32, topK int, f Filter) ([]SimilarityResult, error) {
	const op = "pgvector.query"
	if err := validateCollection(op, collection); err != nil {
		return nil, err
	}
	if err := validateVector(op, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = s.topK
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, story_id, revision, title, text_body, tags, created_at,
		       1 - (embedding <=> $1) AS cosine
		FROM storyqa_vectors
		WHERE collection = $2
		  AND ($3 = '' OR project_id = $3)
		  AND ($4 = '' OR story_id = $4)
		  AND tags @> $5
		ORDER BY embedding <=> $1, created_at DESC, id
		LIMIT $6`,
		pgvector.NewVector(vector), collection, f.ProjectID, f.StoryID, nonNilTags(f.Tags), topK)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var results []SimilarityResult
	for rows.Next() {
		var (
			r   SimilarityResult
			cos float64
		)
		md := &r.Metadata
		if err := rows.Scan(&r.RecordID, &md.ProjectID, &md.StoryID, &md.Revision, &md.Title, &md.Text, &md.Tags, &md.CreatedAt, &cos); err != nil {
			return nil, storeError(op, fmt.Errorf("scanning row: %w", err))
		}
		r.Score = normalizeScore(cos)
		r.Source = SourceOf(collection)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return results, nil
}

func (s *PGVectorStore) Delete(ctx context.Context, collection, id string) error {
	const op = "pgvector.delete"
	if err := validateCollection(op, collection); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM storyqa_vectors WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return storeError(op, err)
	}
	return nil
}

func (s *PGVectorStore) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT to_regclass('storyqa_vectors') IS NOT NULL`).Scan(&exists)
	return err == nil && exists
}
