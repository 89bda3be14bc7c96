package retrieval

import (
	"context"
	"time"
)

// Collections indexed by every backend.
const (
	CollectionStories   = "UserStory"
	CollectionTestCases = "TestCase"
)

// Source tells which kind of record a similarity result points at.
type Source string

const (
	SourceStory    Source = "story"
	SourceTestCase Source = "test_case"
)

// SourceOf maps a collection name to the record kind it holds.
func SourceOf(collection string) Source {
	if collection == CollectionTestCases {
		return SourceTestCase
	}
	return SourceStory
}

// VectorStore is the capability set shared by all similarity-search
// backends. A backend is chosen once at startup; callers never branch on the
// concrete type.
//
// Scores are (1 + cosine)/2, so they fall in [0, 1] on every backend. Results
// are ordered by score descending, then created_at descending, then id.
type VectorStore interface {
	// Setup creates collections and indexes. Calling it again is a no-op.
	Setup(ctx context.Context) error

	// Upsert inserts or replaces the record with the given id.
	Upsert(ctx context.Context, collection, id string, vector []float32, md Metadata) error

	// Query returns at most topK records most similar to vector that match
	// every non-empty field of f. topK <= 0 means the store default.
	Query(ctx context.Context, collection string, vector []float32, topK int, f Filter) ([]SimilarityResult, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// HealthCheck reports whether the backend is reachable and set up.
	HealthCheck(ctx context.Context) bool
}

// Metadata is stored alongside each vector.
type Metadata struct {
	ProjectID string    `json:"project_id"`
	StoryID   string    `json:"story_id"`
	Revision  int       `json:"revision,omitempty"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter restricts a query. Empty fields are ignored; a record must carry
// all listed tags.
type Filter struct {
	ProjectID string
	StoryID   string
	Tags      []string
}

// SimilarityResult is one hit from Query. It is never persisted.
type SimilarityResult struct {
	RecordID string   `json:"record_id"`
	Score    float64  `json:"score"`
	Source   Source   `json:"source"`
	Metadata Metadata `json:"metadata"`
}

// StoryRecordID is the deterministic id of a story revision, so re-processing
// the same revision overwrites instead of duplicating.
func StoryRecordID(projectID, storyID string, revision int) string {
	return projectID + ":" + storyID + ":" + itoa(revision)
}

// TestCaseRecordID is the id of the n-th generated test case of a story revision.
func TestCaseRecordID(projectID, storyID string, revision, n int) string {
	return StoryRecordID(projectID, storyID, revision) + ":tc" + itoa(n)
}
