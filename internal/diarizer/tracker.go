package diarizer

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Tracker maps chunk-local speaker labels to job-global speaker ids. It keeps
// one prototype embedding per global id (exponential moving average of the
// embeddings assigned to it) and matches new chunks against the prototypes by
// cosine similarity.
//
// A tracker is per job: speaker identities never cross job boundaries. It is
// guarded by its own lock, but callers must additionally feed chunks in
// chunk-index order — the matcher is order-sensitive, and index order is what
// makes speaker minting deterministic under concurrent stage workers.
type Tracker struct {
	threshold float64
	alpha     float64

	mu         sync.Mutex
	prototypes []prototype // minted order
}

type prototype struct {
	id  string
	vec []float32
}

// NewTracker creates a tracker. matchThreshold is the minimum cosine
// similarity for reusing an existing global id; emaAlpha is the weight of a
// new embedding when updating a matched prototype.
func NewTracker(matchThreshold, emaAlpha float64) *Tracker {
	return &Tracker{threshold: matchThreshold, alpha: emaAlpha}
}

// Map assigns a global speaker id to every local label of one chunk.
// Labels are processed in ascending order so the result is a pure function of
// the stage outputs. Each prototype may be claimed by at most one local label
// per chunk; the best unclaimed prototype wins, with exact similarity ties
// resolved toward the earliest-minted id.
func (t *Tracker) Map(embeddings map[int][]float32) map[int]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	labels := make([]int, 0, len(embeddings))
	for l := range embeddings {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	claimed := make(map[int]bool, len(labels))
	out := make(map[int]string, len(labels))

	for _, label := range labels {
		emb := embeddings[label]

		best := -1
		bestSim := 0.0
		for i := range t.prototypes {
			if claimed[i] {
				continue
			}
			// Strict > keeps the earliest-minted prototype on exact ties.
			if sim := cosineSimilarity(t.prototypes[i].vec, emb); sim > bestSim {
				bestSim = sim
				best = i
			}
		}

		if best >= 0 && bestSim >= t.threshold {
			claimed[best] = true
			t.updateLocked(best, emb)
			out[label] = t.prototypes[best].id
			continue
		}

		id := fmt.Sprintf("speaker_%02d", len(t.prototypes))
		t.prototypes = append(t.prototypes, prototype{id: id, vec: cloneVec(emb)})
		claimed[len(t.prototypes)-1] = true
		out[label] = id
	}
	return out
}

// updateLocked folds emb into the prototype by exponential moving average.
func (t *Tracker) updateLocked(i int, emb []float32) {
	vec := t.prototypes[i].vec
	if len(vec) != len(emb) {
		return
	}
	for j := range vec {
		vec[j] = float32((1-t.alpha)*float64(vec[j]) + t.alpha*float64(emb[j]))
	}
}

// Speakers returns all minted global ids in minting order.
func (t *Tracker) Speakers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.prototypes))
	for i, p := range t.prototypes {
		out[i] = p.id
	}
	return out
}

// Prototypes returns a copy of the prototype table, keyed by global id.
// Used by the archive when persisting speaker embeddings.
func (t *Tracker) Prototypes() map[string][]float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]float32, len(t.prototypes))
	for _, p := range t.prototypes {
		out[p.id] = cloneVec(p.vec)
	}
	return out
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
