package vector

import (
	"fmt"
	"math"
	"sort"
)

// ScoreOffset shifts cosine similarity from [-1, 1] into [0, 2] so that no
// relevance score is negative.
const ScoreOffset = 1.0

// CosineSimilarity computes the cosine similarity between two vectors. It
// returns an error if the vectors have different lengths or if either vector
// has zero magnitude.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector: cosine similarity dimension mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("vector: cosine similarity on empty vectors")
	}
	na, nb := magnitude(a), magnitude(b)
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("vector: cosine similarity with zero-magnitude vector")
	}
	return dot(a, b) / (na * nb), nil
}

// Score is the relevance of stored against query: cosine similarity plus
// ScoreOffset.
func Score(query, stored []float32) (float64, error) {
	sim, err := CosineSimilarity(query, stored)
	if err != nil {
		return 0, err
	}
	return sim + ScoreOffset, nil
}

// Rank orders hits by descending score and keeps the first size. Equal scores
// keep their input order.
func Rank(hits []Hit, size int) []Hit {
	if size <= 0 {
		return []Hit{}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > size {
		hits = hits[:size]
	}
	return hits
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func magnitude(v []float32) float64 { return math.Sqrt(dot(v, v)) }
