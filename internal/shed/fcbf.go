package shed

import (
	"math"
	"sort"
)

// Observation is one rolling-window sample: the full predictor vector for
// a batch (from Features.Vector) and the response it produced (the
// module's measured per-batch cycle count), per spec.md §4.9 "Predictor
// selection (FCBF)".
type Observation struct {
	Predictors []float64
	Response   float64
}

// Window is the rolling N=60 observation window FCBF and the SVD solver
// train on.
type Window struct {
	capacity int
	obs      []Observation
}

// NewWindow creates an empty window of the given capacity (spec.md §4.9
// "N=60 observations").
func NewWindow(capacity int) *Window {
	return &Window{capacity: capacity}
}

// Add appends one observation, evicting the oldest once the window is
// full.
func (w *Window) Add(o Observation) {
	w.obs = append(w.obs, o)
	if len(w.obs) > w.capacity {
		w.obs = w.obs[len(w.obs)-w.capacity:]
	}
}

// Len reports how many observations are currently held.
func (w *Window) Len() int { return len(w.obs) }

// Full reports whether the window has reached capacity.
func (w *Window) Full() bool { return len(w.obs) >= w.capacity }

// column extracts predictor i across every observation.
func (w *Window) column(i int) []float64 {
	out := make([]float64, len(w.obs))
	for r, o := range w.obs {
		out[r] = o.Predictors[i]
	}
	return out
}

// responses extracts the response column.
func (w *Window) responses() []float64 {
	out := make([]float64, len(w.obs))
	for r, o := range w.obs {
		out[r] = o.Response
	}
	return out
}

// pearson computes the Pearson correlation coefficient between x and y,
// returning 0 if either has zero variance (avoids a NaN propagating into
// the ranking below).
func pearson(x, y []float64) float64 {
	n := len(x)
	if n == 0 {
		return 0
	}

	var sx, sy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/float64(n), sy/float64(n)

	var cov, vx, vy float64
	for i := range x {
		dx := x[i] - mx
		dy := y[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}

	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

// predictorCount reports how many predictor columns the window's
// observations carry.
func (w *Window) predictorCount() int {
	if len(w.obs) == 0 {
		return 0
	}
	return len(w.obs[0].Predictors)
}

// SelectPredictors runs FCBF (spec.md §4.9): keep predictors whose |r|
// with the response exceeds 0.6, sorted descending by |r|; then walk the
// sorted list and drop any later predictor whose cross-correlation with
// an already-kept predictor exceeds its own correlation with the
// response. Returns the indices of the surviving predictor columns, most
// relevant first.
func SelectPredictors(w *Window) []int {
	nPred := w.predictorCount()
	if nPred == 0 || w.Len() < 2 {
		return nil
	}

	y := w.responses()
	columns := make([][]float64, nPred)
	corr := make([]float64, nPred)
	for i := 0; i < nPred; i++ {
		columns[i] = w.column(i)
		corr[i] = pearson(columns[i], y)
	}

	type candidate struct {
		idx  int
		corr float64
	}
	var candidates []candidate
	for i, c := range corr {
		if math.Abs(c) > 0.6 {
			candidates = append(candidates, candidate{idx: i, corr: c})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return math.Abs(candidates[i].corr) > math.Abs(candidates[j].corr)
	})

	var kept []int
	for _, cand := range candidates {
		redundant := false
		for _, k := range kept {
			if math.Abs(pearson(columns[cand.idx], columns[k])) > math.Abs(cand.corr) {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, cand.idx)
		}
	}

	return kept
}
