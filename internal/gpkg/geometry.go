package gpkg

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// envelope sizes in bytes, indexed by the header's envelope indicator.
var envelopeSize = [...]int{0, 32, 48, 48, 64}

const (
	flagLittleEndian = 1 << 0
	flagEmpty        = 1 << 4
	flagExtended     = 1 << 5
)

// DecodeGeometry parses a GeoPackage geometry blob (GP header + WKB).
// Returns nil, nil for an empty geometry.
func DecodeGeometry(b []byte) (geom.T, error) {
	if len(b) < 8 {
		return nil, eris.Errorf("gpkg: geometry blob too short (%d bytes)", len(b))
	}
	if b[0] != 'G' || b[1] != 'P' {
		return nil, eris.New("gpkg: geometry blob missing GP magic")
	}
	if b[2] != 0 {
		return nil, eris.Errorf("gpkg: unsupported geometry blob version %d", b[2])
	}

	flags := b[3]
	if flags&flagExtended != 0 {
		return nil, eris.New("gpkg: extended geometry types are not supported")
	}
	indicator := int(flags>>1) & 0x07
	if indicator >= len(envelopeSize) {
		return nil, eris.Errorf("gpkg: invalid envelope indicator %d", indicator)
	}

	start := 8 + envelopeSize[indicator]
	if len(b) < start {
		return nil, eris.New("gpkg: geometry blob truncated in envelope")
	}
	if flags&flagEmpty != 0 && len(b) == start {
		return nil, nil
	}

	g, err := wkb.Unmarshal(b[start:])
	if err != nil {
		return nil, eris.Wrap(err, "gpkg: decode WKB")
	}
	return g, nil
}

// SRSID reads the spatial reference id from a GeoPackage geometry blob header.
func SRSID(b []byte) (int32, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return 0, eris.New("gpkg: not a geometry blob")
	}
	var order binary.ByteOrder = binary.BigEndian
	if b[3]&flagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	return int32(order.Uint32(b[4:8])), nil
}

// EncodeGeometry encodes g as a little-endian GeoPackage blob with an XY envelope.
func EncodeGeometry(g geom.T, srsID int32) ([]byte, error) {
	if g == nil {
		return nil, eris.New("gpkg: nil geometry")
	}
	body, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "gpkg: encode WKB")
	}

	var buf bytes.Buffer
	buf.Grow(8 + 32 + len(body))
	buf.Write([]byte{'G', 'P', 0, flagLittleEndian | 1<<1})
	_ = binary.Write(&buf, binary.LittleEndian, srsID)

	b := g.Bounds()
	env := []float64{b.Min(0), b.Max(0), b.Min(1), b.Max(1)}
	for _, v := range env {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float64bits(v))
	}
	buf.Write(body)
	return buf.Bytes(), nil
}
