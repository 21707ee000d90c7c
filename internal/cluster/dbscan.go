// Package cluster labels establishment points with density-based clusters.
package cluster

import (
	"cmp"
	"context"
	"math"
	"runtime"
	"slices"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/nearshore-cli/internal/spatial"
)

// Noise labels a point that belongs to no cluster.
const Noise = -1

// unassigned marks a point not yet reached during expansion.
const unassigned = -2

// neighbourhoodBatch is the number of points per neighbourhood task.
const neighbourhoodBatch = 1024

// Params are the DBSCAN parameters.
type Params struct {
	// Epsilon is the neighbourhood radius in map units (metres). Inclusive.
	Epsilon float64
	// MinSamples is the neighbourhood size, the point itself included, that
	// makes a point a core point.
	MinSamples int
	// Workers bounds neighbourhood goroutines; 0 means GOMAXPROCS.
	Workers int
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if !(p.Epsilon > 0) || math.IsInf(p.Epsilon, 0) {
		return eris.Errorf("cluster: epsilon must be a positive finite number, got %v", p.Epsilon)
	}
	if p.MinSamples < 1 {
		return eris.Errorf("cluster: min_samples must be at least 1, got %d", p.MinSamples)
	}
	if p.Workers < 0 {
		return eris.Errorf("cluster: workers must not be negative, got %d", p.Workers)
	}
	return nil
}

// DBSCAN labels each point with a cluster id (0, 1, ...) or Noise.
//
// Points are put in canonical (x, y) order before expansion, so labels do
// not depend on input order or on Workers. Clusters are numbered in
// canonical order of their first core point, and a border point reachable
// from two clusters joins the one expanded first.
func DBSCAN(ctx context.Context, pts []geom.Coord, p Params) ([]int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return []int{}, nil
	}
	for i, c := range pts {
		if len(c) < 2 || math.IsNaN(c[0]) || math.IsNaN(c[1]) || math.IsInf(c[0], 0) || math.IsInf(c[1], 0) {
			return nil, eris.Errorf("cluster: point %d has invalid coordinates", i)
		}
	}

	order := canonicalOrder(pts)
	canon := make([]geom.Coord, len(pts))
	for k, i := range order {
		canon[k] = pts[i]
	}

	nbrs, err := neighbourhoods(ctx, canon, p)
	if err != nil {
		return nil, err
	}

	labels := make([]int, len(canon))
	for k := range labels {
		labels[k] = unassigned
	}

	next := 0
	var stack []int
	for k := range canon {
		if labels[k] != unassigned || len(nbrs[k]) < p.MinSamples {
			continue
		}
		id := next
		next++
		labels[k] = id
		stack = append(stack[:0], k)
		for len(stack) > 0 {
			q := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, n := range nbrs[q] {
				if labels[n] != unassigned {
					continue
				}
				labels[n] = id
				if len(nbrs[n]) >= p.MinSamples {
					stack = append(stack, n)
				}
			}
		}
	}

	out := make([]int, len(pts))
	for k, i := range order {
		l := labels[k]
		if l == unassigned {
			l = Noise
		}
		out[i] = l
	}
	return out, nil
}

// canonicalOrder returns input positions sorted by (x, y); exact duplicates
// keep input order, which cannot change their labels.
func canonicalOrder(pts []geom.Coord) []int {
	order := make([]int, len(pts))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := cmp.Compare(pts[a][0], pts[b][0]); c != 0 {
			return c
		}
		return cmp.Compare(pts[a][1], pts[b][1])
	})
	return order
}

// neighbourhoods computes every point's epsilon-neighbourhood (itself
// included) in parallel. Each batch writes a disjoint range of the result.
func neighbourhoods(ctx context.Context, pts []geom.Coord, p Params) ([][]int, error) {
	tree := spatial.NewTree(pts)
	out := make([][]int, len(pts))

	workers := p.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for start := 0; start < len(pts); start += neighbourhoodBatch {
		end := min(start+neighbourhoodBatch, len(pts))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for k := start; k < end; k++ {
				out[k] = tree.Within(pts[k][0], pts[k][1], p.Epsilon)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "cluster: neighbourhood search")
	}

	zap.L().Debug("cluster: neighbourhoods computed",
		zap.Int("points", len(pts)),
		zap.Int("workers", workers),
	)
	return out, nil
}

// Stats summarizes one labelling.
type Stats struct {
	Points    int
	Clusters  int
	Clustered int
	Noise     int
}

// Summary counts clusters and noise in labels.
func Summary(labels []int) Stats {
	s := Stats{Points: len(labels)}
	seen := make(map[int]struct{})
	for _, l := range labels {
		if l == Noise {
			s.Noise++
			continue
		}
		s.Clustered++
		seen[l] = struct{}{}
	}
	s.Clusters = len(seen)
	return s
}
