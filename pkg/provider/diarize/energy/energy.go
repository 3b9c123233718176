// Package energy implements the [diarize.Diarizer] interface with a
// lightweight speaker-change detector: no neural model, just short-time
// feature vectors (log energy, zero-crossing rate, autocorrelation at a few
// pitch-range lags) segmented at change points and clustered by cosine
// similarity.
//
// It is the default in-tree backend. Embedding-model diarizers plug in behind
// the same contract via the provider registry.
package energy

import (
	"context"
	"math"

	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
)

const (
	windowSeconds = 0.25
	hopSeconds    = 0.125

	// silenceFloorDB: windows quieter than this carry no speaker evidence.
	silenceFloorDB = -45.0

	// changeDistance: cosine distance between consecutive window features
	// above which a new turn starts.
	changeDistance = 0.25

	// clusterSimilarity: minimum cosine similarity for a turn to join an
	// existing speaker cluster.
	clusterSimilarity = 0.85
)

// featureDim is the per-window feature vector size: log energy, zero-crossing
// rate, and autocorrelation at six lags spanning the speech pitch range.
const featureDim = 8

// pitchLagsHz are the frequencies whose autocorrelation lags feed the feature
// vector. They bracket typical fundamental frequencies of human voices.
var pitchLagsHz = []float64{80, 120, 160, 220, 300, 400}

// Compile-time assertion that Diarizer satisfies diarize.Diarizer.
var _ diarize.Diarizer = (*Diarizer)(nil)

// Option is a functional option for configuring a [Diarizer].
type Option func(*Diarizer)

// WithChangeDistance overrides the change-point distance threshold.
func WithChangeDistance(d float64) Option {
	return func(dz *Diarizer) { dz.changeDistance = d }
}

// WithClusterSimilarity overrides the cluster-join similarity threshold.
func WithClusterSimilarity(s float64) Option {
	return func(dz *Diarizer) { dz.clusterSimilarity = s }
}

// Diarizer is the energy/feature-based speaker-change detector. It is
// stateless across calls and safe for concurrent use.
type Diarizer struct {
	changeDistance    float64
	clusterSimilarity float64
}

// New returns a Diarizer with the supplied options applied over defaults.
func New(opts ...Option) *Diarizer {
	d := &Diarizer{
		changeDistance:    changeDistance,
		clusterSimilarity: clusterSimilarity,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Diarize segments the chunk into speaker turns with chunk-local labels.
func (d *Diarizer) Diarize(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	rate := diarize.SampleRate
	winLen := int(windowSeconds * float64(rate))
	hopLen := int(hopSeconds * float64(rate))
	if len(samples) < winLen {
		winLen = len(samples)
		hopLen = winLen
	}

	// 1. Per-window feature vectors; silent windows carry a nil vector.
	type window struct {
		start float64
		feat  []float32
	}
	var windows []window
	for off := 0; off+winLen <= len(samples); off += hopLen {
		w := samples[off : off+winLen]
		start := float64(off) / float64(rate)
		if energyDB(w) < silenceFloorDB {
			windows = append(windows, window{start: start})
			continue
		}
		windows = append(windows, window{start: start, feat: Features(w, rate)})
	}
	if len(windows) == 0 {
		return nil, nil
	}

	// 2. Change-point segmentation over voiced windows.
	type rawTurn struct {
		start, end float64
		feats      [][]float32
	}
	var turns []rawTurn
	var cur *rawTurn
	var prevFeat []float32

	endOf := func(w window) float64 { return w.start + float64(winLen)/float64(rate) }

	for _, w := range windows {
		if w.feat == nil {
			// Silence closes the current turn.
			cur = nil
			prevFeat = nil
			continue
		}
		if cur != nil && prevFeat != nil && 1-cosine(prevFeat, w.feat) > d.changeDistance {
			cur = nil
		}
		if cur == nil {
			turns = append(turns, rawTurn{start: w.start, end: endOf(w)})
			cur = &turns[len(turns)-1]
		}
		cur.end = endOf(w)
		cur.feats = append(cur.feats, w.feat)
		prevFeat = w.feat
	}

	// 3. Greedy clustering of turn centroids into local speaker labels.
	var centroids [][]float32
	out := make([]diarize.Turn, 0, len(turns))
	for _, t := range turns {
		if len(t.feats) == 0 {
			continue
		}
		centroid := mean(t.feats)

		label := -1
		best := 0.0
		for i, c := range centroids {
			if sim := cosine(c, centroid); sim >= d.clusterSimilarity && sim > best {
				best = sim
				label = i
			}
		}
		if label < 0 {
			label = len(centroids)
			centroids = append(centroids, centroid)
			best = 1.0
		} else {
			centroids[label] = mean([][]float32{centroids[label], centroid})
		}

		out = append(out, diarize.Turn{
			Label:      label,
			Start:      t.start,
			End:        t.end,
			Confidence: best,
			Embedding:  centroid,
		})
	}
	return out, nil
}

// Features computes the speaker-characteristic feature vector for a window of
// samples. Exported because the diarizer stage reuses it as the fallback
// embedding when a backend reports turns without embeddings.
func Features(w []float32, rate int) []float32 {
	feat := make([]float32, featureDim)

	// Log energy.
	var energy float64
	for _, s := range w {
		energy += float64(s) * float64(s)
	}
	energy /= float64(len(w))
	feat[0] = float32(math.Log10(energy + 1e-10))

	// Zero-crossing rate.
	var zc int
	for i := 1; i < len(w); i++ {
		if (w[i] >= 0) != (w[i-1] >= 0) {
			zc++
		}
	}
	feat[1] = float32(float64(zc) / float64(len(w)))

	// Normalised autocorrelation at pitch-range lags.
	var norm float64
	for _, s := range w {
		norm += float64(s) * float64(s)
	}
	if norm == 0 {
		norm = 1
	}
	for i, hz := range pitchLagsHz {
		lag := int(float64(rate) / hz)
		var acc float64
		for j := lag; j < len(w); j++ {
			acc += float64(w[j]) * float64(w[j-lag])
		}
		feat[2+i] = float32(acc / norm)
	}
	return feat
}

func energyDB(w []float32) float64 {
	var sum float64
	for _, s := range w {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(w)))
	if rms <= 0 {
		return -120
	}
	return 20 * math.Log10(rms)
}

func cosine(a, b []float32) float64 {
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

func mean(vecs [][]float32) []float32 {
	out := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range v {
			out[i] += v[i]
		}
	}
	for i := range out {
		out[i] /= float32(len(vecs))
	}
	return out
}
