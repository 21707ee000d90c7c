package panel

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// JoinStats reports how one frame lined up with the canonical key set.
type JoinStats struct {
	Columns int
	// Filled is the number of canonical keys the frame had no row for; their
	// values were set to zero.
	Filled int
	// Dropped is the number of frame rows whose key is not canonical.
	Dropped int
}

// LeftJoin copies every column of src into dst, matching rows by key. Keys
// of dst missing from src are zero-filled and counted; rows of src outside
// dst are counted and ignored.
func LeftJoin(dst, src *Frame) (JoinStats, error) {
	stats := JoinStats{Columns: len(src.cols)}

	targets := make([][]float64, len(src.cols))
	for j, c := range src.cols {
		v, err := dst.AddColumn(c, src.kinds[j])
		if err != nil {
			return stats, err
		}
		targets[j] = v
	}

	for i, key := range dst.keys {
		r, ok := src.rows[key]
		if !ok {
			// Absent from src: the zero already in place is the value.
			stats.Filled++
			continue
		}
		for j := range src.cols {
			targets[j][i] = src.values[j][r]
		}
	}

	for _, key := range src.keys {
		if _, ok := dst.rows[key]; !ok {
			stats.Dropped++
		}
	}
	return stats, nil
}

// Merge left-joins frames one at a time onto keys. The result always has
// exactly len(keys) rows. Two frames sharing a column is an error.
func Merge(keys []string, frames ...*Frame) (*Frame, error) {
	return joinAll("merge", keys, frames)
}

// Assemble joins the per-year redistributed frames into the master panel.
// Every derived column carries its year, so a collision means two inputs
// cover the same year and is an error.
func Assemble(keys []string, frames ...*Frame) (*Frame, error) {
	return joinAll("assemble", keys, frames)
}

func joinAll(op string, keys []string, frames []*Frame) (*Frame, error) {
	out, err := NewFrame(keys)
	if err != nil {
		return nil, eris.Wrapf(err, "panel: %s", op)
	}

	log := zap.L().With(zap.String("component", "panel"), zap.String("op", op))
	for n, f := range frames {
		if f == nil {
			return nil, eris.Errorf("panel: %s input %d is nil", op, n)
		}
		stats, err := LeftJoin(out, f)
		if err != nil {
			return nil, eris.Wrapf(err, "panel: %s input %d", op, n)
		}
		if stats.Filled > 0 {
			log.Info("zero-filled cells absent from input",
				zap.Int("input", n),
				zap.Int("cells", stats.Filled),
				zap.Int("columns", stats.Columns),
			)
		}
		if stats.Dropped > 0 {
			log.Warn("dropped rows with non-canonical grid_id",
				zap.Int("input", n),
				zap.Int("rows", stats.Dropped),
			)
		}
	}

	log.Info("panel joined",
		zap.Int("inputs", len(frames)),
		zap.Int("rows", out.Len()),
		zap.Int("columns", len(out.cols)),
	)
	return out, nil
}
