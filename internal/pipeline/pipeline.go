// Package pipeline chains the per-region stages: read regions of
// interest, download BGT extracts, convert them, harmonize the layers
// and optionally swap the building layer for 3D BAG footprints. Stages
// are lazy sequences; a region that fails one stage never reaches the
// next.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/geonl/bgtlabel/internal/classmap"
	"github.com/geonl/bgtlabel/internal/config"
	"github.com/geonl/bgtlabel/internal/convert"
	"github.com/geonl/bgtlabel/internal/geopkg"
	"github.com/geonl/bgtlabel/internal/harmonize"
	"github.com/geonl/bgtlabel/internal/model"
	"github.com/geonl/bgtlabel/internal/observability"
	"github.com/geonl/bgtlabel/internal/wfs"
)

// Seq is a lazy stream of region work items; the error slot carries a
// per-item failure.
type Seq = iter.Seq2[model.RegionItem, error]

// Downloader fetches one region's BGT extract archive.
type Downloader interface {
	Download(ctx context.Context, geoFilter orb.Polygon, dst string, featureTypes []string, format string) error
}

// FeatureStreamer pages a WFS feature type into a GeoPackage.
type FeatureStreamer interface {
	StreamToFile(ctx context.Context, p wfs.StreamParams) error
}

// ConvertFunc converts an extract archive into per-layer GeoPackages.
type ConvertFunc func(archive, dstDir string, o convert.Options) (map[string]string, error)

// TranslateFunc re-translates a vector dataset (the exact-clip pass of
// the bag stage).
type TranslateFunc func(src, dst, format, srcCRS, dstCRS string, extra ...string) error

type Pipeline struct {
	Cfg        config.Config
	Downloader Downloader
	Streamer   FeatureStreamer
	Convert    ConvertFunc
	Translate  TranslateFunc
	Logger     *slog.Logger

	classes map[string]classmap.Rule
}

func New(cfg config.Config, dl Downloader, streamer FeatureStreamer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		Cfg:        cfg,
		Downloader: dl,
		Streamer:   streamer,
		Convert:    convert.Convert,
		Translate:  convert.VectorTranslate,
		Logger:     logger,
		classes:    cfg.ClassTable(),
	}
}

// Process drains the full stage chain and returns the completed items.
// The first failing item aborts the run.
func (p *Pipeline) Process(ctx context.Context) ([]model.RegionItem, error) {
	seq := p.PrepareStage(ctx, p.ConvertStage(ctx, p.DownloadStage(ctx, p.Regions(ctx))))
	if p.Cfg.BAG.Enabled {
		seq = p.BAGStage(ctx, seq)
	}

	var out []model.RegionItem
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	p.Logger.Info("pipeline done", "regions", len(out))
	return out, nil
}

// Regions reads the ROI source and yields one item per polygon
// feature, boundaries in EPSG:28992.
func (p *Pipeline) Regions(ctx context.Context) Seq {
	return func(yield func(model.RegionItem, error) bool) {
		src := p.Cfg.ROI.Source
		var (
			items []model.RegionItem
			err   error
		)
		if strings.HasSuffix(strings.ToLower(src), ".geojson") || strings.HasSuffix(strings.ToLower(src), ".json") {
			items, err = p.regionsFromGeoJSON(src)
		} else {
			items, err = p.regionsFromGeoPackage(src)
		}
		if err != nil {
			yield(model.RegionItem{}, fmt.Errorf("read roi %s: %w", src, err))
			return
		}
		for _, it := range items {
			if ctx.Err() != nil {
				yield(model.RegionItem{}, ctx.Err())
				return
			}
			if !yield(it, nil) {
				return
			}
		}
	}
}

func (p *Pipeline) regionsFromGeoPackage(src string) ([]model.RegionItem, error) {
	ds, err := geopkg.Open(src)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ds.Close() }()

	layer := p.Cfg.ROI.Layer
	if layer == "" {
		layers, err := ds.Layers()
		if err != nil {
			return nil, err
		}
		if len(layers) == 0 {
			return nil, fmt.Errorf("no feature layers")
		}
		layer = layers[0]
	}
	tbl, err := ds.ReadTable(layer)
	if err != nil {
		return nil, err
	}

	var reproj *convert.Reprojector
	if tbl.SRSID > 0 && tbl.SRSID != model.RDNewEPSG {
		reproj, err = convert.NewReprojector(int(tbl.SRSID), model.RDNewEPSG)
		if err != nil {
			return nil, err
		}
		defer reproj.Close()
	}

	var items []model.RegionItem
	for _, r := range tbl.Rows {
		if len(r.Geom) == 0 {
			continue
		}
		g, _, err := geopkg.DecodeGeometry(r.Geom)
		if err != nil {
			return nil, fmt.Errorf("fid %d: %w", r.FID, err)
		}
		poly, ok := g.(orb.Polygon)
		if !ok {
			continue
		}
		if reproj != nil {
			for _, ring := range poly {
				if err := reproj.Points(ring); err != nil {
					return nil, fmt.Errorf("fid %d: %w", r.FID, err)
				}
			}
		}
		items = append(items, model.RegionItem{
			FeatureID: p.featureID(r.Values, fmt.Sprintf("%d", r.FID), poly),
			Boundary:  poly,
		})
	}
	return items, nil
}

func (p *Pipeline) regionsFromGeoJSON(src string) ([]model.RegionItem, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, err
	}
	var items []model.RegionItem
	for i, f := range fc.Features {
		poly, ok := f.Geometry.(orb.Polygon)
		if !ok {
			continue
		}
		props := map[string]any(f.Properties)
		items = append(items, model.RegionItem{
			FeatureID: p.featureID(props, fmt.Sprintf("%d", i), poly),
			Boundary:  poly,
		})
	}
	return items, nil
}

// featureID resolves the name a region is filed under. Without a
// configured id attribute the feature id is used; a configured but
// absent attribute falls back to a boundary fingerprint, which stays
// stable even when the source is re-edited and fids shift.
func (p *Pipeline) featureID(props map[string]any, fid string, poly orb.Polygon) string {
	if p.Cfg.ROI.IDAttr == "" {
		return fid
	}
	if v, ok := props[p.Cfg.ROI.IDAttr]; ok && v != nil {
		if s := sanitizeName(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(wkt.MarshalString(poly)))
}

func sanitizeName(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '-'
		}
		return r
	}, s)
}

// featureTypes returns the feature types to request: the class table's
// layers, minus pand when buildings come from the BAG instead.
func (p *Pipeline) featureTypes() []string {
	names := classmap.LayerNames(p.classes)
	if !p.Cfg.BAG.Enabled {
		return names
	}
	out := names[:0]
	for _, n := range names {
		if n != "pand" {
			out = append(out, n)
		}
	}
	return out
}

// DownloadStage fetches the BGT extract for each region.
func (p *Pipeline) DownloadStage(ctx context.Context, in Seq) Seq {
	roiStem := stem(p.Cfg.ROI.Source)
	prefix := p.Cfg.ArchivePrefix
	if prefix != "" {
		prefix += "_"
	}
	types := p.featureTypes()

	return p.stage(ctx, "download", in, func(ctx context.Context, item model.RegionItem) (model.RegionItem, error) {
		if err := os.MkdirAll(p.Cfg.DstDir, 0o755); err != nil {
			return item, err
		}
		item.Archive = filepath.Join(p.Cfg.DstDir, fmt.Sprintf("%s%s_%s.zip", prefix, roiStem, item.FeatureID))
		if err := p.Downloader.Download(ctx, item.Boundary, item.Archive, types, p.Cfg.PDOK.Format); err != nil {
			return item, fmt.Errorf("region %s: %w", item.FeatureID, err)
		}
		return item, nil
	})
}

// ConvertStage unpacks and converts each region's archive, clipping to
// the region boundary.
func (p *Pipeline) ConvertStage(ctx context.Context, in Seq) Seq {
	return p.stage(ctx, "convert", in, func(_ context.Context, item model.RegionItem) (model.RegionItem, error) {
		item.WorkDir = strings.TrimSuffix(item.Archive, filepath.Ext(item.Archive))
		if err := os.MkdirAll(item.WorkDir, 0o755); err != nil {
			return item, err
		}
		layers, err := p.Convert(item.Archive, item.WorkDir, convert.Options{
			ClipWKT:     wkt.MarshalString(item.Boundary),
			Placeholder: true,
			CleanUp:     true,
			Logger:      p.Logger,
		})
		if err != nil {
			return item, fmt.Errorf("region %s: %w", item.FeatureID, err)
		}
		item.Layers = layers
		return item, nil
	})
}

// PrepareStage harmonizes every converted layer in place.
func (p *Pipeline) PrepareStage(ctx context.Context, in Seq) Seq {
	return p.stage(ctx, "prepare", in, func(_ context.Context, item model.RegionItem) (model.RegionItem, error) {
		for layerName, path := range item.Layers {
			rule, ok := p.classes[layerName]
			if !ok {
				rule = classmap.Rule{Value: p.Cfg.Prepare.NoData}
			}
			if rule.Alter != nil {
				if err := harmonize.Alter(path, "", *rule.Alter); err != nil {
					return item, fmt.Errorf("region %s alter %q: %w", item.FeatureID, layerName, err)
				}
			}
			err := harmonize.Prepare(path, harmonize.Params{
				GeomTypes:   p.Cfg.Prepare.GeomTypes,
				ClassAttr:   p.Cfg.Prepare.ClassAttr,
				Rule:        rule,
				DefaultFill: p.Cfg.Prepare.NoData,
				SortBy:      p.Cfg.Prepare.SortBy,
				SortAsc:     p.Cfg.Prepare.SortAsc,
				Logger:      p.Logger,
			})
			if err != nil {
				return item, fmt.Errorf("region %s: %w", item.FeatureID, err)
			}
		}
		return item, nil
	})
}

// BAGStage replaces the pand layer with 3D BAG lod12 footprints:
// stream by bbox, clip to the exact boundary, filter, harmonize.
func (p *Pipeline) BAGStage(ctx context.Context, in Seq) Seq {
	return p.stage(ctx, "bag", in, func(ctx context.Context, item model.RegionItem) (model.RegionItem, error) {
		pandPath := filepath.Join(item.WorkDir, "bag_pand.gpkg")
		bbox := model.BBoxFromBound(item.Boundary.Bound(), fmt.Sprintf("%d", model.RDNewEPSG))

		err := p.Streamer.StreamToFile(ctx, wfs.StreamParams{
			TypeName:    p.Cfg.WFS.TypeName,
			BBox:        &bbox,
			SRSName:     fmt.Sprintf("urn:ogc:def:crs:EPSG::%d", model.RDNewEPSG),
			SRSID:       model.RDNewEPSG,
			PageSize:    p.Cfg.WFS.PageSize,
			Destination: pandPath,
			Layer:       "pand",
		})
		if err != nil {
			return item, fmt.Errorf("region %s: %w", item.FeatureID, err)
		}

		// bbox streaming overshoots the region; re-translate with the
		// exact polygon clip through a temp name, then swap it in
		tmp := filepath.Join(item.WorkDir, uuid.New().String()+".gpkg")
		err = p.Translate(pandPath, tmp, "GPKG", "", "",
			"-clipsrc", wkt.MarshalString(item.Boundary),
			"-nlt", "CONVERT_TO_LINEAR",
			"-nlt", "PROMOTE_TO_MULTI",
			"-dim", "XY",
			"-makevalid",
		)
		if err != nil {
			return item, fmt.Errorf("region %s clip bag: %w", item.FeatureID, err)
		}
		if err := os.Rename(tmp, pandPath); err != nil {
			return item, err
		}

		if p.Cfg.BAG.Filter != "" {
			if err := harmonize.ExecSQL(pandPath, p.Cfg.BAG.Filter); err != nil {
				return item, fmt.Errorf("region %s bag filter: %w", item.FeatureID, err)
			}
		}

		pandRule, ok := p.classes["pand"]
		if !ok {
			pandRule = classmap.Rule{Value: p.Cfg.Prepare.NoData}
		}
		err = harmonize.Prepare(pandPath, harmonize.Params{
			GeomTypes:     []string{"MultiPolygon"},
			InferDatetime: map[string]string{"oorspronkelijkbouwjaar": p.Cfg.BAG.YearLayout},
			ClassAttr:     p.Cfg.Prepare.ClassAttr,
			Rule:          pandRule,
			DefaultFill:   p.Cfg.Prepare.NoData,
			SortAsc:       true,
			Logger:        p.Logger,
		})
		if err != nil {
			return item, fmt.Errorf("region %s: %w", item.FeatureID, err)
		}

		if item.Layers == nil {
			item.Layers = map[string]string{}
		}
		item.Layers["pand"] = pandPath
		return item, nil
	})
}

// stage lifts a per-item function into a lazy stage with timing and
// outcome metrics. Incoming errors pass straight through.
func (p *Pipeline) stage(ctx context.Context, name string, in Seq, fn func(context.Context, model.RegionItem) (model.RegionItem, error)) Seq {
	return func(yield func(model.RegionItem, error) bool) {
		for item, err := range in {
			if err != nil {
				yield(item, err)
				return
			}
			if ctx.Err() != nil {
				yield(item, ctx.Err())
				return
			}
			start := time.Now()
			out, err := fn(ctx, item)
			elapsed := time.Since(start)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			observability.ObserveStage(name, outcome, elapsed.Seconds())
			p.Logger.Info("stage", "stage", name, "region", item.FeatureID, "outcome", outcome, "elapsed", elapsed)
			if !yield(out, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
