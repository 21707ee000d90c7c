package spatial

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// Weights is a row-standardized sparse spatial weights matrix.
type Weights struct {
	Neighbours [][]int
	Values     [][]float64
}

// KNN builds k-nearest-neighbour weights: each observation gets weight 1/k
// on each of its k nearest other observations. Equidistant candidates are
// taken in position order.
func KNN(coords []geom.Coord, k int) (*Weights, error) {
	if k <= 0 {
		return nil, eris.Errorf("spatial: k must be positive, got %d", k)
	}
	if len(coords) <= k {
		return nil, eris.Errorf("spatial: need more than %d observations for k=%d, got %d", k, k, len(coords))
	}

	tree := NewTree(coords)
	w := &Weights{
		Neighbours: make([][]int, len(coords)),
		Values:     make([][]float64, len(coords)),
	}
	for i, c := range coords {
		hits := tree.Nearest(c.X(), c.Y(), k, i)
		idx := make([]int, len(hits))
		val := make([]float64, len(hits))
		for j, h := range hits {
			idx[j] = h.Index
			val[j] = 1 / float64(len(hits))
		}
		w.Neighbours[i] = idx
		w.Values[i] = val
	}
	return w, nil
}

// Len returns the number of observations.
func (w *Weights) Len() int { return len(w.Neighbours) }

// Lag returns W·x.
func (w *Weights) Lag(x []float64) ([]float64, error) {
	if len(x) != w.Len() {
		return nil, eris.Errorf("spatial: lag of %d values with %d observations", len(x), w.Len())
	}
	out := make([]float64, len(x))
	for i, nb := range w.Neighbours {
		var s float64
		for j, n := range nb {
			s += w.Values[i][j] * x[n]
		}
		out[i] = s
	}
	return out, nil
}
