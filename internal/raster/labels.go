package raster

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"

	"github.com/geonl/bgtlabel/internal/geopkg"
	"github.com/geonl/bgtlabel/internal/model"
	"github.com/geonl/bgtlabel/internal/progress"
)

// VectorSource points at one harmonized layer to burn.
type VectorSource struct {
	Path  string
	Layer string
}

// LabelParams drives MakeLabels.
type LabelParams struct {
	// Vectors are burned in order; with ModeBurn later sources win.
	Vectors []VectorSource
	// Attr is the attribute carrying the burn value (the class code).
	Attr string
	// Images are the reference images to produce labels for.
	Images []string
	DstDir string

	Options Options
	Sink    progress.Sink
	Logger  *slog.Logger
}

// MakeLabels produces one label raster per reference image: each
// vector source is filtered to the image's extent and burned onto the
// image's own grid.
func MakeLabels(p LabelParams) error {
	if p.Logger == nil {
		p.Logger = slog.New(slog.DiscardHandler)
	}
	if p.Sink == nil {
		p.Sink = progress.Nop()
	}
	if err := os.MkdirAll(p.DstDir, 0o755); err != nil {
		return err
	}

	vectorSRS, err := godal.NewSpatialRefFromEPSG(model.RDNewEPSG)
	if err != nil {
		return err
	}
	defer vectorSRS.Close()

	task := p.Sink.StartTask("rasterize", int64(len(p.Images)))
	defer task.Done()

	for _, image := range p.Images {
		bound, err := imageBound(image, vectorSRS)
		if err != nil {
			return err
		}

		inputs := make([]Input, 0, len(p.Vectors))
		for _, v := range p.Vectors {
			in, err := loadInput(v, p.Attr, bound)
			if err != nil {
				return err
			}
			inputs = append(inputs, in)
		}

		dst := filepath.Join(p.DstDir, OutputName(image, driverOrDefault(p.Options.Driver)))
		if err := RasterizeLayers(image, dst, inputs, p.Options); err != nil {
			return fmt.Errorf("label %s: %w", image, err)
		}
		p.Logger.Info("label written", "image", image, "label", dst)
		task.Advance(1)
	}
	return nil
}

func driverOrDefault(driver string) string {
	if driver == "" {
		return "GTiff"
	}
	return driver
}

// imageBound returns the image extent expressed in the vector
// reference system.
func imageBound(image string, vectorSRS *godal.SpatialRef) (orb.Bound, error) {
	ds, err := godal.Open(image, godal.RasterOnly())
	if err != nil {
		return orb.Bound{}, fmt.Errorf("open image %s: %w", image, err)
	}
	defer func() { _ = ds.Close() }()

	gt, err := ds.GeoTransform()
	if err != nil {
		return orb.Bound{}, fmt.Errorf("image %s has no geotransform: %w", image, err)
	}
	w := float64(ds.Structure().SizeX)
	h := float64(ds.Structure().SizeY)
	corners := []orb.Point{
		{gt[0], gt[3]},
		{gt[0] + w*gt[1], gt[3] + w*gt[4]},
		{gt[0] + h*gt[2], gt[3] + h*gt[5]},
		{gt[0] + w*gt[1] + h*gt[2], gt[3] + w*gt[4] + h*gt[5]},
	}
	bound := orb.Bound{Min: corners[0], Max: corners[0]}
	for _, c := range corners[1:] {
		bound = bound.Extend(c)
	}

	srs := ds.SpatialRef()
	if srs == nil || srs.IsSame(vectorSRS) {
		return bound, nil
	}
	trn, err := godal.NewTransform(srs, vectorSRS)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("image %s reference system: %w", image, err)
	}
	defer trn.Close()
	xs := []float64{bound.Min[0], bound.Max[0], bound.Min[0], bound.Max[0]}
	ys := []float64{bound.Min[1], bound.Min[1], bound.Max[1], bound.Max[1]}
	if err := trn.TransformEx(xs, ys, nil, nil); err != nil {
		return orb.Bound{}, fmt.Errorf("reproject image bound: %w", err)
	}
	out := orb.Bound{Min: orb.Point{xs[0], ys[0]}, Max: orb.Point{xs[0], ys[0]}}
	for i := 1; i < len(xs); i++ {
		out = out.Extend(orb.Point{xs[i], ys[i]})
	}
	return out, nil
}

// loadInput reads the rows of one source that intersect bound and
// pairs each geometry with its burn value.
func loadInput(v VectorSource, attr string, bound orb.Bound) (Input, error) {
	ds, err := geopkg.Open(v.Path)
	if err != nil {
		return Input{}, err
	}
	defer func() { _ = ds.Close() }()

	layer := v.Layer
	if layer == "" {
		layers, err := ds.Layers()
		if err != nil {
			return Input{}, err
		}
		if len(layers) == 0 {
			return Input{}, fmt.Errorf("%s has no feature layers", v.Path)
		}
		layer = layers[0]
	}

	tbl, err := ds.ReadTableBBox(layer, bound)
	if err != nil {
		return Input{}, err
	}
	in := Input{Name: layer}
	for _, r := range tbl.Rows {
		val, ok := numeric(r.Values[attr])
		if !ok {
			return Input{}, fmt.Errorf("%s %q fid %d: attribute %q is not numeric (%v)", v.Path, layer, r.FID, attr, r.Values[attr])
		}
		in.Features = append(in.Features, Feature{Geom: r.Geom, Value: val})
	}
	return in, nil
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
