package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// DefaultTopK is used when neither the caller nor the store sets one.
const DefaultTopK = 5

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by SQLite. Both collections share one table keyed by (collection, id).
//
// Search cost is linear in the collection size; past ~100K vectors the
// pgvector backend with an HNSW index is the better choice.
type SQLiteStore struct {
	db   *sql.DB
	topK int
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations. Setup must
// run before first use.
func NewSQLiteStore(db *sql.DB, defaultTopK int) *SQLiteStore {
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	return &SQLiteStore{db: db, topK: defaultTopK}
}

// Setup creates the vector table and its indexes if they do not exist.
func (s *SQLiteStore) Setup(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vector_records (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			story_id   TEXT NOT NULL DEFAULT '',
			revision   INTEGER NOT NULL DEFAULT 0,
			title      TEXT NOT NULL DEFAULT '',
			text_body  TEXT NOT NULL DEFAULT '',
			tags       TEXT NOT NULL DEFAULT '[]',
			embedding  BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vector_records_project ON vector_records (collection, project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vector_records_story ON vector_records (collection, story_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storeError("sqlite.setup", err)
		}
	}
	return nil
}

// Upsert writes a record, replacing any existing one with the same id.
func (s *SQLiteStore) Upsert(ctx context.Context, collection, id string, vector []float32, md Metadata) error {
	const op = "sqlite.upsert"
	if err := validateCollection(op, collection); err != nil {
		return err
	}
	if err := validateVector(op, vector); err != nil {
		return err
	}
	if id == "" {
		return validationEmptyID(op)
	}

	tags, err := json.Marshal(nonNilTags(md.Tags))
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	createdAt := md.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_records (collection, id, project_id, story_id, revision, title, text_body, tags, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			project_id = excluded.project_id,
			story_id   = excluded.story_id,
			revision   = excluded.revision,
			title      = excluded.title,
			text_body  = excluded.text_body,
			tags       = excluded.tags,
			embedding  = excluded.embedding,
			created_at = excluded.created_at`,
		collection, id, md.ProjectID, md.StoryID, md.Revision, md.Title, md.Text, string(tags),
		encodeFloat32s(vector), createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storeError(op, fmt.Errorf("upserting %s/%s: %w", collection, id, err))
	}
	return nil
}

// Query performs brute-force cosine similarity search over the filtered
// collection. Only ids, vectors and timestamps are read during the scan;
// full metadata is fetched for the top-K winners.
func (s *SQLiteStore) Query(ctx context.Context, collection string, vector []float32, topK int, f Filter) ([]SimilarityResult, error) {
	const op = "sqlite.query"
	if err := validateCollection(op, collection); err != nil {
		return nil, err
	}
	if err := validateVector(op, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = s.topK
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	where, args := filterClause(collection, f)
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, created_at FROM vector_records WHERE `+where, args...)
	if err != nil {
		return nil, storeError(op, fmt.Errorf("scanning vectors: %w", err))
	}
	defer rows.Close()

	h := &resultHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var (
			id, createdAt string
			blob          []byte
		)
		if err := rows.Scan(&id, &blob, &createdAt); err != nil {
			return nil, storeError(op, fmt.Errorf("scanning row: %w", err))
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, storeError(op, fmt.Errorf("decoding embedding for %s: %w", id, err))
		}
		cos, ok := cosine(vector, buf, queryNorm)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, storeError(op, fmt.Errorf("parsing created_at for %s: %w", id, err))
		}

		cand := SimilarityResult{RecordID: id, Score: normalizeScore(cos), Metadata: Metadata{CreatedAt: ts}}
		if h.Len() < topK {
			heap.Push(h, cand)
		} else if ranksBefore(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, fmt.Errorf("iterating rows: %w", err))
	}
	if h.Len() == 0 {
		return nil, nil
	}

	scores := make(map[string]float64, h.Len())
	ids := make([]any, 0, h.Len()+1)
	ids = append(ids, collection)
	for _, c := range *h {
		scores[c.RecordID] = c.Score
		ids = append(ids, c.RecordID)
	}

	fullRows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, story_id, revision, title, text_body, tags, created_at
		FROM vector_records WHERE collection = ? AND id IN (?`+strings.Repeat(",?", len(ids)-2)+`)`, ids...)
	if err != nil {
		return nil, storeError(op, fmt.Errorf("fetching top-K records: %w", err))
	}
	defer fullRows.Close()

	results := make([]SimilarityResult, 0, len(scores))
	for fullRows.Next() {
		r, err := scanResult(fullRows)
		if err != nil {
			return nil, storeError(op, err)
		}
		r.Score = scores[r.RecordID]
		r.Source = SourceOf(collection)
		results = append(results, r)
	}
	if err := fullRows.Err(); err != nil {
		return nil, storeError(op, fmt.Errorf("iterating full records: %w", err))
	}

	// IN queries don't preserve order.
	SortResults(results)
	return results, nil
}

// Delete removes a record by id. Missing records are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	const op = "sqlite.delete"
	if err := validateCollection(op, collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vector_records WHERE collection = ? AND id = ?", collection, id); err != nil {
		return storeError(op, fmt.Errorf("deleting %s/%s: %w", collection, id, err))
	}
	return nil
}

// HealthCheck pings the database and confirms the vector table exists.
func (s *SQLiteStore) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'vector_records'").Scan(&name)
	return err == nil
}

// Count returns the number of records in a collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vector_records WHERE collection = ?", collection).Scan(&n)
	if err != nil {
		return 0, storeError("sqlite.count", err)
	}
	return n, nil
}

func filterClause(collection string, f Filter) (string, []any) {
	clauses := []string{"collection = ?"}
	args := []any{collection}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.StoryID != "" {
		clauses = append(clauses, "story_id = ?")
		args = append(args, f.StoryID)
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(vector_records.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	return strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (SimilarityResult, error) {
	var (
		r         SimilarityResult
		tags      string
		createdAt string
	)
	md := &r.Metadata
	if err := row.Scan(&r.RecordID, &md.ProjectID, &md.StoryID, &md.Revision, &md.Title, &md.Text, &tags, &createdAt); err != nil {
		return r, fmt.Errorf("scanning record: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &md.Tags); err != nil {
		return r, fmt.Errorf("decoding tags for %s: %w", r.RecordID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return r, fmt.Errorf("parsing created_at for %s: %w", r.RecordID, err)
	}
	md.CreatedAt = t
	return r, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// resultHeap keeps the current top-K with the worst-ranked candidate at the root.
type resultHeap []SimilarityResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(SimilarityResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
