package retrieval

import (
	"math"
	"sort"
	"strconv"

	"github.com/kalambet/storyqa/internal/qaerrors"
)

func itoa(n int) string { return strconv.Itoa(n) }

// normalizeScore maps cosine similarity in [-1, 1] onto [0, 1].
func normalizeScore(cos float64) float64 {
	s := (1 + cos) / 2
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2 norm
// of a. ok is false when the vectors cannot be compared.
func cosine(a, b []float32, aNorm float64) (float64, bool) {
	if len(a) != len(b) || aNorm == 0 {
		return 0, false
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0, false
	}
	return dot / (aNorm * math.Sqrt(bNormSq)), true
}

// ranksBefore is the result ordering: higher score, then newer, then id.
func ranksBefore(a, b SimilarityResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Metadata.CreatedAt.Equal(b.Metadata.CreatedAt) {
		return a.Metadata.CreatedAt.After(b.Metadata.CreatedAt)
	}
	return a.RecordID < b.RecordID
}

// SortResults orders results in place.
func SortResults(results []SimilarityResult) {
	sort.SliceStable(results, func(i, j int) bool { return ranksBefore(results[i], results[j]) })
}

func validateCollection(op, collection string) error {
	if collection != CollectionStories && collection != CollectionTestCases {
		return qaerrors.Validation(op, "unknown collection %q", collection)
	}
	return nil
}

func validateVector(op string, v []float32) error {
	if len(v) == 0 {
		return qaerrors.Validation(op, "vector is empty")
	}
	return nil
}

func storeError(op string, err error) error {
	return qaerrors.New(qaerrors.KindVectorStore, op, err)
}

func validationEmptyID(op string) error {
	return qaerrors.Validation(op, "record id is empty")
}
