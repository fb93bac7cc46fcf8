package convert

import (
	"fmt"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
)

// Reprojector transforms coordinates between two EPSG reference
// systems. It wraps a GDAL transform and must be closed after use.
type Reprojector struct {
	src *godal.SpatialRef
	dst *godal.SpatialRef
	trn *godal.Transform
}

func NewReprojector(srcEPSG, dstEPSG int) (*Reprojector, error) {
	src, err := godal.NewSpatialRefFromEPSG(srcEPSG)
	if err != nil {
		return nil, fmt.Errorf("epsg %d: %w", srcEPSG, err)
	}
	dst, err := godal.NewSpatialRefFromEPSG(dstEPSG)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("epsg %d: %w", dstEPSG, err)
	}
	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		src.Close()
		dst.Close()
		return nil, fmt.Errorf("transform %d->%d: %w", srcEPSG, dstEPSG, err)
	}
	return &Reprojector{src: src, dst: dst, trn: trn}, nil
}

func (r *Reprojector) Close() {
	r.trn.Close()
	r.dst.Close()
	r.src.Close()
}

// Points transforms the given points in place.
func (r *Reprojector) Points(pts []orb.Point) error {
	if len(pts) == 0 {
		return nil
	}
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p[0], p[1]
	}
	if err := r.trn.TransformEx(xs, ys, nil, nil); err != nil {
		return fmt.Errorf("transform points: %w", err)
	}
	for i := range pts {
		pts[i] = orb.Point{xs[i], ys[i]}
	}
	return nil
}

// Bound transforms a bounding box by densifying its edges, so curved
// projections cannot clip the true extent.
func (r *Reprojector) Bound(bd orb.Bound) (orb.Bound, error) {
	const samples = 21
	pts := make([]orb.Point, 0, 4*samples)
	stepX := (bd.Max[0] - bd.Min[0]) / (samples - 1)
	stepY := (bd.Max[1] - bd.Min[1]) / (samples - 1)
	for i := 0; i < samples; i++ {
		x := bd.Min[0] + float64(i)*stepX
		y := bd.Min[1] + float64(i)*stepY
		pts = append(pts,
			orb.Point{x, bd.Min[1]},
			orb.Point{x, bd.Max[1]},
			orb.Point{bd.Min[0], y},
			orb.Point{bd.Max[0], y},
		)
	}
	if err := r.Points(pts); err != nil {
		return orb.Bound{}, err
	}
	out := orb.Bound{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		out = out.Extend(p)
	}
	return out, nil
}
