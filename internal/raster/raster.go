// Package raster burns harmonized vector layers into labeled training
// rasters aligned to reference imagery. GDAL does the pixel work via
// godal; this package owns tiling, burn order and output semantics.
package raster

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/airbusgeo/godal"

	"github.com/geonl/bgtlabel/internal/geopkg"
	"github.com/geonl/bgtlabel/internal/observability"
)

// ColorMap assigns an RGBA color per pixel value.
type ColorMap map[int][4]uint8

// Feature is one geometry to burn with its value.
type Feature struct {
	// Geom is a GeoPackage geometry blob.
	Geom  []byte
	Value float64
}

// Input is one vector layer's worth of burn features. In stack mode
// each input gets its own band; in burn mode they share band one in
// list order, later inputs overwriting earlier ones.
type Input struct {
	Name     string
	Features []Feature
}

const (
	ModeBurn  = "burn"
	ModeStack = "stack"
)

// Options configures rasterization.
type Options struct {
	Mode string
	// TileWidth and TileHeight bound the working set; zero rasterizes
	// the whole image in one pass.
	TileWidth  int
	TileHeight int
	// Fill is the background and nodata value.
	Fill       float64
	AllTouched bool
	// Additive accumulates burn values instead of replacing them.
	Additive bool
	DType    DType
	Driver   string
	// ColorMaps and RATs attach per-band semantics, indexed by band.
	ColorMaps []ColorMap
	RATs      []*RAT

	Logger *slog.Logger
}

func (o *Options) normalize() error {
	if o.Mode == "" {
		o.Mode = ModeBurn
	}
	if o.Mode != ModeBurn && o.Mode != ModeStack {
		return fmt.Errorf("unknown rasterization mode %q", o.Mode)
	}
	if o.DType == "" {
		o.DType = Int32
	}
	if o.Driver == "" {
		o.Driver = "GTiff"
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

func (o *Options) bandCount(inputs int) int {
	if o.Mode == ModeStack {
		return inputs
	}
	return 1
}

// RasterizeLayers writes dstImage on the grid of refImage (size,
// transform and reference system) and burns every input into it.
func RasterizeLayers(refImage, dstImage string, inputs []Input, o Options) error {
	if err := o.normalize(); err != nil {
		return err
	}
	for _, in := range inputs {
		values := make([]float64, len(in.Features))
		for i, f := range in.Features {
			values[i] = f.Value
		}
		if err := o.DType.CheckValues(values); err != nil {
			return fmt.Errorf("layer %q: %w", in.Name, err)
		}
	}

	ref, err := godal.Open(refImage, godal.RasterOnly())
	if err != nil {
		return fmt.Errorf("open reference %s: %w", refImage, err)
	}
	width := ref.Structure().SizeX
	height := ref.Structure().SizeY
	gt, err := ref.GeoTransform()
	if err != nil {
		_ = ref.Close()
		return fmt.Errorf("reference %s has no geotransform: %w", refImage, err)
	}
	srs := ref.SpatialRef()

	dtype, err := o.DType.GDAL()
	if err != nil {
		_ = ref.Close()
		return err
	}
	bands := o.bandCount(len(inputs))
	dst, err := godal.Create(godal.DriverName(o.Driver), dstImage, bands, dtype, width, height)
	if err != nil {
		_ = ref.Close()
		return fmt.Errorf("create %s: %w", dstImage, err)
	}
	defer func() { _ = ref.Close() }()

	if err := dst.SetGeoTransform(gt); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.SetSpatialRef(srs); err != nil {
		_ = dst.Close()
		return err
	}
	for _, b := range dst.Bands() {
		if err := b.SetNoData(o.Fill); err != nil {
			_ = dst.Close()
			return err
		}
		if err := b.Fill(o.Fill, 0); err != nil {
			_ = dst.Close()
			return err
		}
	}

	for _, win := range TileWindows(width, height, o.TileWidth, o.TileHeight) {
		if err := burnTile(dst, srs, gt, win, inputs, bands, dtype, o); err != nil {
			_ = dst.Close()
			return err
		}
		observability.IncRasterTile()
	}

	for i, cm := range o.ColorMaps {
		if i >= bands || len(cm) == 0 {
			continue
		}
		if err := dst.Bands()[i].SetColorTable(colorTable(cm)); err != nil {
			_ = dst.Close()
			return fmt.Errorf("color table band %d: %w", i+1, err)
		}
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", dstImage, err)
	}

	if len(o.RATs) > 0 {
		if err := WritePAM(dstImage, o.RATs); err != nil {
			return err
		}
	}
	o.Logger.Debug("rasterized", "image", dstImage, "bands", bands, "size", fmt.Sprintf("%dx%d", width, height))
	return nil
}

// burnTile rasterizes all inputs into one window through an in-memory
// dataset with a tile-local transform, then copies the pixels out.
func burnTile(dst *godal.Dataset, srs *godal.SpatialRef, gt [6]float64, win Window, inputs []Input, bands int, dtype godal.DataType, o Options) error {
	mem, err := godal.Create(godal.Memory, "", bands, dtype, win.Width, win.Height)
	if err != nil {
		return fmt.Errorf("tile buffer: %w", err)
	}
	defer func() { _ = mem.Close() }()

	if err := mem.SetGeoTransform(TileTransform(gt, win)); err != nil {
		return err
	}
	if err := mem.SetSpatialRef(srs); err != nil {
		return err
	}
	for _, b := range mem.Bands() {
		if err := b.Fill(o.Fill, 0); err != nil {
			return err
		}
	}

	for idx, in := range inputs {
		band := idx % bands
		for _, f := range in.Features {
			wkb, err := geopkg.WKB(f.Geom)
			if err != nil {
				return fmt.Errorf("layer %q: %w", in.Name, err)
			}
			geom, err := godal.NewGeometryFromWKB(wkb, srs)
			if err != nil {
				return fmt.Errorf("layer %q: %w", in.Name, err)
			}
			opts := []godal.RasterizeGeometryOption{
				godal.Bands(band),
				godal.Values(f.Value),
			}
			if o.AllTouched {
				opts = append(opts, godal.AllTouched())
			}
			if o.Additive {
				opts = append(opts, godal.Add())
			}
			err = mem.RasterizeGeometry(geom, opts...)
			geom.Close()
			if err != nil {
				return fmt.Errorf("burn layer %q: %w", in.Name, err)
			}
		}
	}

	buf := make([]float64, win.Width*win.Height)
	for b := 0; b < bands; b++ {
		if err := mem.Bands()[b].Read(0, 0, buf, win.Width, win.Height); err != nil {
			return err
		}
		if err := dst.Bands()[b].Write(win.Col, win.Row, buf, win.Width, win.Height); err != nil {
			return err
		}
	}
	return nil
}

func colorTable(cm ColorMap) godal.ColorTable {
	maxIdx := 0
	for v := range cm {
		if v > maxIdx {
			maxIdx = v
		}
	}
	entries := make([][4]int16, maxIdx+1)
	for v, c := range cm {
		if v < 0 {
			continue
		}
		entries[v] = [4]int16{int16(c[0]), int16(c[1]), int16(c[2]), int16(c[3])}
	}
	return godal.ColorTable{PaletteInterp: godal.RGBPalette, Entries: entries}
}

// OutputName maps a reference image path to its label file name.
func OutputName(refImage, driver string) string {
	stem := refImage
	if i := strings.LastIndexByte(stem, '/'); i >= 0 {
		stem = stem[i+1:]
	}
	if i := strings.LastIndexByte(stem, '.'); i > 0 {
		stem = stem[:i]
	}
	ext := map[string]string{"GTiff": "tif"}[driver]
	if ext == "" {
		ext = strings.ToLower(driver)
	}
	return stem + "." + ext
}
