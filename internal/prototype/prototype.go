// Package prototype implements Component F: cosine k-means clustering of
// a user's embeddings into a small set of unit-norm prototype vectors.
package prototype

import (
	"fmt"
	"math/rand"

	"neuroauth/internal/model"
)

// Config holds the clustering parameters (SPEC_FULL.md §4.F).
type Config struct {
	K         int // prototypes per user, default 2
	MaxIters  int // default 50
	Tolerance float64 // convergence threshold on assignment churn, default 1e-4
}

// DefaultConfig returns the pipeline's default prototype-building
// parameters.
func DefaultConfig() Config {
	return Config{K: 2, MaxIters: 50, Tolerance: 1e-4}
}

// Build clusters embeddings into cfg.K unit-norm prototypes via cosine
// k-means with k-means++ seeding. K may be any value >= 1; if K exceeds
// len(embeddings), Build reduces K to len(embeddings) so every cluster
// has at least one member.
func Build(userID string, embeddings []model.Embedding, cfg Config, rng *rand.Rand) (model.PrototypeSet, error) {
	if len(embeddings) == 0 {
		return model.PrototypeSet{}, fmt.Errorf("prototype.Build: no embeddings for user %q", userID)
	}

	k := cfg.K
	if k < 1 {
		k = 1
	}
	if k > len(embeddings) {
		k = len(embeddings)
	}
	maxIters := cfg.MaxIters
	if maxIters <= 0 {
		maxIters = 50
	}

	centers := seedPlusPlus(embeddings, k, rng)
	assignments := make([]int, len(embeddings))

	for iter := 0; iter < maxIters; iter++ {
		changed := 0
		for i, e := range embeddings {
			best, bestSim := 0, -2.0
			for c, center := range centers {
				sim := model.Cosine(e, center)
				if sim > bestSim {
					bestSim, best = sim, c
				}
			}
			if assignments[i] != best {
				changed++
			}
			assignments[i] = best
		}

		newCenters := recompute(embeddings, assignments, k, rng)
		centers = newCenters

		if float64(changed)/float64(len(embeddings)) < cfg.Tolerance {
			break
		}
	}

	prototypes := make([]model.Embedding, k)
	for i, c := range centers {
		prototypes[i] = model.Embedding(c).Normalize()
	}

	return model.PrototypeSet{UserID: userID, Prototypes: prototypes}, nil
}

// seedPlusPlus picks k initial centers via k-means++ weighted sampling,
// using cosine distance (1 - cosine similarity) in place of Euclidean
// distance so seeding favors angular diversity.
func seedPlusPlus(embeddings []model.Embedding, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	first := embeddings[rng.Intn(len(embeddings))]
	centers = append(centers, append([]float64(nil), first...))

	for len(centers) < k {
		weights := make([]float64, len(embeddings))
		var total float64
		for i, e := range embeddings {
			d := minCosineDistance(e, centers)
			weights[i] = d * d
			total += weights[i]
		}
		if total == 0 {
			// All remaining points coincide with an existing center; pick
			// arbitrarily to keep k distinct slots filled.
			centers = append(centers, append([]float64(nil), embeddings[rng.Intn(len(embeddings))]...))
			continue
		}
		target := rng.Float64() * total
		var cum float64
		chosen := embeddings[len(embeddings)-1]
		for i, w := range weights {
			cum += w
			if cum >= target {
				chosen = embeddings[i]
				break
			}
		}
		centers = append(centers, append([]float64(nil), chosen...))
	}
	return centers
}

func minCosineDistance(e model.Embedding, centers [][]float64) float64 {
	best := 2.0
	for _, c := range centers {
		d := 1 - model.Cosine(e, model.Embedding(c))
		if d < best {
			best = d
		}
	}
	return best
}

// recompute returns the per-cluster centroid of embeddings assigned to
// each of the k clusters. A cluster left empty by the assignment step is
// reseeded to a random embedding rather than left at an all-zero sum,
// which would otherwise survive into a zero-norm prototype (invariant 2
// requires every stored prototype to be unit-norm).
func recompute(embeddings []model.Embedding, assignments []int, k int, rng *rand.Rand) [][]float64 {
	dim := len(embeddings[0])
	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	for i, e := range embeddings {
		c := assignments[i]
		counts[c]++
		for j, v := range e {
			sums[c][j] += v
		}
	}
	for c := range sums {
		if counts[c] == 0 {
			copy(sums[c], embeddings[rng.Intn(len(embeddings))])
			continue
		}
		for j := range sums[c] {
			sums[c][j] /= float64(counts[c])
		}
	}
	return sums
}
