package cluster

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

// blobs returns two tight groups of 12 points 10 km apart plus two isolated points.
func blobs() []geom.Coord {
	var pts []geom.Coord
	for i := range 12 {
		pts = append(pts, geom.Coord{float64(i%4) * 100, float64(i/4) * 100})
	}
	for i := range 12 {
		pts = append(pts, geom.Coord{10000 + float64(i%4)*100, float64(i/4) * 100})
	}
	pts = append(pts, geom.Coord{50000, 50000}, geom.Coord{-50000, 0})
	return pts
}

var defaultParams = Params{Epsilon: 1500, MinSamples: 10}

func TestDBSCAN_Blobs(t *testing.T) {
	labels, err := DBSCAN(context.Background(), blobs(), defaultParams)
	require.NoError(t, err)
	require.Len(t, labels, 26)

	for i := range 12 {
		assert.Equal(t, labels[0], labels[i], "point %d", i)
		assert.Equal(t, labels[12], labels[12+i], "point %d", 12+i)
	}
	assert.NotEqual(t, labels[0], labels[12])
	assert.Equal(t, Noise, labels[24])
	assert.Equal(t, Noise, labels[25])

	s := Summary(labels)
	assert.Equal(t, Stats{Points: 26, Clusters: 2, Clustered: 24, Noise: 2}, s)
}

func TestDBSCAN_OrderIndependent(t *testing.T) {
	pts := blobs()
	want, err := DBSCAN(context.Background(), pts, defaultParams)
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(1, 2))
	for trial := range 5 {
		perm := r.Perm(len(pts))
		shuffled := make([]geom.Coord, len(pts))
		for i, j := range perm {
			shuffled[i] = pts[j]
		}
		got, err := DBSCAN(context.Background(), shuffled, defaultParams)
		require.NoError(t, err)
		for i, j := range perm {
			assert.Equal(t, want[j], got[i], "trial %d point %d", trial, j)
		}
	}
}

func TestDBSCAN_WorkersDoNotChangeLabels(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	pts := make([]geom.Coord, 3000)
	for i := range pts {
		pts[i] = geom.Coord{r.Float64() * 50000, r.Float64() * 50000}
	}

	p := Params{Epsilon: 1500, MinSamples: 5, Workers: 1}
	serial, err := DBSCAN(context.Background(), pts, p)
	require.NoError(t, err)

	p.Workers = 8
	parallel, err := DBSCAN(context.Background(), pts, p)
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)
}

func TestDBSCAN_InclusiveRadius(t *testing.T) {
	labels, err := DBSCAN(context.Background(), []geom.Coord{{0, 0}, {3, 4}}, Params{Epsilon: 5, MinSamples: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, labels)

	labels, err = DBSCAN(context.Background(), []geom.Coord{{0, 0}, {3, 4.001}}, Params{Epsilon: 5, MinSamples: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{Noise, Noise}, labels)
}

func TestDBSCAN_ChainAndBorder(t *testing.T) {
	// A chain of points one unit apart is density-connected end to end; the
	// end points are border points.
	pts := []geom.Coord{{0, 0}, {1, 0}, {2, 0}, {3, 0}, {4, 0}, {5, 0}, {6, 0}}
	labels, err := DBSCAN(context.Background(), pts, Params{Epsilon: 1, MinSamples: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0}, labels)
}

func TestDBSCAN_BorderPointJoinsFirstCluster(t *testing.T) {
	// The point at x=1.4 reaches one core point of each group but has only
	// three neighbours itself, so it is a border point of both.
	pts := []geom.Coord{
		{2.8, 0}, {2.6, 0}, {2.4, 0}, {2.2, 0},
		{1.4, 0},
		{0.6, 0}, {0.4, 0}, {0.2, 0}, {0, 0},
	}
	labels, err := DBSCAN(context.Background(), pts, Params{Epsilon: 0.9, MinSamples: 4})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1, 0, 0, 0, 0, 0}, labels)
}

func TestDBSCAN_EmptyInput(t *testing.T) {
	labels, err := DBSCAN(context.Background(), nil, defaultParams)
	require.NoError(t, err)
	assert.Empty(t, labels)
	assert.Equal(t, Stats{}, Summary(labels))
}

func TestDBSCAN_NoClusters(t *testing.T) {
	labels, err := DBSCAN(context.Background(), []geom.Coord{{0, 0}, {1e6, 0}}, defaultParams)
	require.NoError(t, err)
	assert.Equal(t, []int{Noise, Noise}, labels)
}

func TestDBSCAN_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"zero epsilon", Params{Epsilon: 0, MinSamples: 10}},
		{"negative min", Params{Epsilon: 1, MinSamples: 0}},
		{"negative workers", Params{Epsilon: 1, MinSamples: 1, Workers: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DBSCAN(context.Background(), []geom.Coord{{0, 0}}, tt.p)
			require.Error(t, err)
		})
	}

	_, err := DBSCAN(context.Background(), []geom.Coord{{0, 0}, {1}}, defaultParams)
	require.Error(t, err)
}

func TestDBSCAN_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DBSCAN(ctx, blobs(), defaultParams)
	require.Error(t, err)
}
