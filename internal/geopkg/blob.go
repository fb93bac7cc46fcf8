package geopkg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// GeoPackage geometry blob: "GP" magic, version, flags, srs_id, an
// optional envelope, then standard WKB. Only the standard binary type
// and the [minx,maxx,miny,maxy] envelope are produced here.

const (
	blobMagic0 = 0x47 // 'G'
	blobMagic1 = 0x50 // 'P'

	flagLittleEndian = 0x01
	flagEmptyGeom    = 0x10
	envelopeShift    = 1
	envelopeMask     = 0x0E
)

var ErrNotGeoPackageBlob = errors.New("geopkg: not a geopackage geometry blob")

// EncodeGeometry wraps g in a GeoPackage binary header. Empty
// geometries get the empty flag and no envelope, everything else
// carries an XY envelope.
func EncodeGeometry(g orb.Geometry, srsID int32) ([]byte, error) {
	raw, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("marshal wkb: %w", err)
	}

	empty := isEmpty(g)
	flags := byte(flagLittleEndian)
	var envelope []byte
	if empty {
		flags |= flagEmptyGeom
	} else {
		flags |= 1 << envelopeShift
		bd := g.Bound()
		envelope = make([]byte, 32)
		binary.LittleEndian.PutUint64(envelope[0:], floatBits(bd.Min[0]))
		binary.LittleEndian.PutUint64(envelope[8:], floatBits(bd.Max[0]))
		binary.LittleEndian.PutUint64(envelope[16:], floatBits(bd.Min[1]))
		binary.LittleEndian.PutUint64(envelope[24:], floatBits(bd.Max[1]))
	}

	buf := make([]byte, 0, 8+len(envelope)+len(raw))
	buf = append(buf, blobMagic0, blobMagic1, 0, flags)
	var srs [4]byte
	binary.LittleEndian.PutUint32(srs[:], uint32(srsID))
	buf = append(buf, srs[:]...)
	buf = append(buf, envelope...)
	buf = append(buf, raw...)
	return buf, nil
}

// DecodeGeometry parses a GeoPackage blob back into an orb geometry.
func DecodeGeometry(b []byte) (orb.Geometry, int32, error) {
	wkbPart, srsID, err := splitBlob(b)
	if err != nil {
		return nil, 0, err
	}
	g, err := wkb.Unmarshal(wkbPart)
	if err != nil {
		return nil, 0, fmt.Errorf("unmarshal wkb: %w", err)
	}
	return g, srsID, nil
}

// TypeName reads the flattened WKB geometry type out of a blob without
// decoding coordinates. Names match GeoJSON type strings so they can be
// compared against the harmonizer's allow-list.
func TypeName(b []byte) (string, error) {
	wkbPart, _, err := splitBlob(b)
	if err != nil {
		return "", err
	}
	if len(wkbPart) < 5 {
		return "", ErrNotGeoPackageBlob
	}
	var t uint32
	if wkbPart[0] == 1 {
		t = binary.LittleEndian.Uint32(wkbPart[1:5])
	} else {
		t = binary.BigEndian.Uint32(wkbPart[1:5])
	}
	switch t % 1000 { // flatten Z/M variants
	case 1:
		return "Point", nil
	case 2:
		return "LineString", nil
	case 3:
		return "Polygon", nil
	case 4:
		return "MultiPoint", nil
	case 5:
		return "MultiLineString", nil
	case 6:
		return "MultiPolygon", nil
	case 7:
		return "GeometryCollection", nil
	}
	return "", fmt.Errorf("geopkg: unknown wkb type %d", t)
}

// Envelope returns the blob's bound, reading the stored envelope when
// present and falling back to a full decode otherwise. ok is false for
// empty geometries.
func Envelope(b []byte) (orb.Bound, bool, error) {
	if len(b) < 8 || b[0] != blobMagic0 || b[1] != blobMagic1 {
		return orb.Bound{}, false, ErrNotGeoPackageBlob
	}
	flags := b[3]
	if flags&flagEmptyGeom != 0 {
		return orb.Bound{}, false, nil
	}
	ind := (flags & envelopeMask) >> envelopeShift
	if ind >= 1 && ind <= 4 && len(b) >= 8+32 {
		order := headerOrder(flags)
		bd := orb.Bound{
			Min: orb.Point{floatFrom(order.Uint64(b[8:])), floatFrom(order.Uint64(b[24:]))},
			Max: orb.Point{floatFrom(order.Uint64(b[16:])), floatFrom(order.Uint64(b[32:]))},
		}
		return bd, true, nil
	}
	g, _, err := DecodeGeometry(b)
	if err != nil {
		return orb.Bound{}, false, err
	}
	if isEmpty(g) {
		return orb.Bound{}, false, nil
	}
	return g.Bound(), true, nil
}

// WKB strips the GeoPackage header and returns the raw WKB payload.
func WKB(b []byte) ([]byte, error) {
	wkbPart, _, err := splitBlob(b)
	return wkbPart, err
}

func splitBlob(b []byte) ([]byte, int32, error) {
	if len(b) < 8 || b[0] != blobMagic0 || b[1] != blobMagic1 {
		return nil, 0, ErrNotGeoPackageBlob
	}
	flags := b[3]
	order := headerOrder(flags)
	srsID := int32(order.Uint32(b[4:8]))

	envLen := 0
	switch (flags & envelopeMask) >> envelopeShift {
	case 0:
	case 1:
		envLen = 32
	case 2, 3:
		envLen = 48
	case 4:
		envLen = 64
	default:
		return nil, 0, fmt.Errorf("geopkg: invalid envelope indicator in flags %#x", flags)
	}
	if len(b) < 8+envLen {
		return nil, 0, ErrNotGeoPackageBlob
	}
	return b[8+envLen:], srsID, nil
}

func headerOrder(flags byte) binary.ByteOrder {
	if flags&flagLittleEndian != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func floatBits(f float64) uint64    { return math.Float64bits(f) }
func floatFrom(bits uint64) float64 { return math.Float64frombits(bits) }

func isEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.MultiPolygon:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0
	case orb.MultiLineString:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiPoint:
		return len(v) == 0
	case orb.Collection:
		return len(v) == 0
	case nil:
		return true
	}
	return false
}
