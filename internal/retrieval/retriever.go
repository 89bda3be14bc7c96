package retrieval

import (
	"context"
	"log/slog"
)

// Context is what retrieval found for one story: similar past stories and
// similar past test cases, each ranked.
type Context struct {
	Stories   []SimilarityResult
	TestCases []SimilarityResult
}

// All returns both sets merged into one ranking.
func (c Context) All() []SimilarityResult {
	out := make([]SimilarityResult, 0, len(c.Stories)+len(c.TestCases))
	out = append(out, c.Stories...)
	out = append(out, c.TestCases...)
	SortResults(out)
	return out
}

// Len is the total number of results.
func (c Context) Len() int { return len(c.Stories) + len(c.TestCases) }

// Retriever queries the story and test case collections for a story vector.
type Retriever struct {
	store  VectorStore
	topK   int
	logger *slog.Logger
}

// NewRetriever creates a Retriever. topK <= 0 defers to the store default.
func NewRetriever(store VectorStore, topK int, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, topK: topK, logger: logger}
}

// Retrieve queries both collections independently, scoped to the story's
// project. Records belonging to the story itself are dropped. A failing
// collection yields an empty set and its error is returned in errs; the
// other collection is still used.
func (r *Retriever) Retrieve(ctx context.Context, vector []float32, projectID, storyID string) (Context, []error) {
	var (
		out  Context
		errs []error
	)
	filter := Filter{ProjectID: projectID}

	for _, collection := range []string{CollectionStories, CollectionTestCases} {
		// One extra slot so excluding the story's own record still leaves topK.
		results, err := r.store.Query(ctx, collection, vector, r.limit()+1, filter)
		if err != nil {
			r.logger.Warn("vector query failed, continuing without context",
				"collection", collection, "story_id", storyID, "error", err)
			errs = append(errs, err)
			continue
		}
		results = excludeStory(results, storyID, r.limit())
		if collection == CollectionStories {
			out.Stories = results
		} else {
			out.TestCases = results
		}
	}
	return out, errs
}

func (r *Retriever) limit() int {
	if r.topK <= 0 {
		return DefaultTopK
	}
	return r.topK
}

func excludeStory(results []SimilarityResult, storyID string, limit int) []SimilarityResult {
	kept := results[:0]
	for _, res := range results {
		if storyID != "" && res.Metadata.StoryID == storyID {
			continue
		}
		kept = append(kept, res)
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
