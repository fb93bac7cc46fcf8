package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"

	"github.com/geonl/bgtlabel/internal/config"
	"github.com/geonl/bgtlabel/internal/convert"
	"github.com/geonl/bgtlabel/internal/geopkg"
	"github.com/geonl/bgtlabel/internal/model"
	"github.com/geonl/bgtlabel/internal/observability"
	"github.com/geonl/bgtlabel/internal/wfs"
)

const roiJSON = `{"type":"FeatureCollection","features":[
	{"type":"Feature","properties":{"City":"Delft"},
	 "geometry":{"type":"Polygon","coordinates":[[[84000,444000],[86000,444000],[86000,446000],[84000,446000],[84000,444000]]]}},
	{"type":"Feature","properties":{"City":"Den Haag"},
	 "geometry":{"type":"Polygon","coordinates":[[[78000,450000],[80000,450000],[80000,452000],[78000,452000],[78000,450000]]]}},
	{"type":"Feature","properties":{},
	 "geometry":{"type":"Point","coordinates":[0,0]}}
]}`

type fakeDownloader struct {
	calls []string
	fail  map[string]error
}

func (d *fakeDownloader) Download(_ context.Context, _ orb.Polygon, dst string, types []string, _ string) error {
	d.calls = append(d.calls, dst)
	for _, tname := range types {
		if tname == "pand" {
			return errors.New("pand should come from the bag stage")
		}
	}
	if err := d.fail[filepath.Base(dst)]; err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("zip"), 0o644)
}

type fakeStreamer struct {
	years []int64
}

func (s *fakeStreamer) StreamToFile(_ context.Context, p wfs.StreamParams) error {
	ds, err := geopkg.Create(p.Destination)
	if err != nil {
		return err
	}
	defer ds.Close()
	fields := []geopkg.Field{{Name: "oorspronkelijkbouwjaar", Type: "MEDIUMINT"}}
	if err := ds.CreateLayer(p.Layer, "geom", p.SRSID, "MULTIPOLYGON", fields); err != nil {
		return err
	}
	tbl := &geopkg.Table{Layer: p.Layer, GeomColumn: "geom", SRSID: p.SRSID, Fields: fields}
	for _, year := range s.years {
		g := orb.MultiPolygon{{{{84100, 444100}, {84200, 444100}, {84200, 444200}, {84100, 444100}}}}
		blob, err := geopkg.EncodeGeometry(g, p.SRSID)
		if err != nil {
			return err
		}
		tbl.Rows = append(tbl.Rows, geopkg.Row{Geom: blob, Values: map[string]any{"oorspronkelijkbouwjaar": year}})
	}
	return ds.ReplaceRows(p.Layer, tbl)
}

// fakeConvert fabricates one harmonizable wegdeel layer per region.
func fakeConvert(t *testing.T) ConvertFunc {
	t.Helper()
	return func(archive, dstDir string, _ convert.Options) (map[string]string, error) {
		path := filepath.Join(dstDir, "bgt_wegdeel.gpkg")
		ds, err := geopkg.Create(path)
		if err != nil {
			return nil, err
		}
		defer ds.Close()
		fields := []geopkg.Field{
			{Name: "bgt-functie", Type: "TEXT"},
			{Name: "relatieveHoogteligging", Type: "MEDIUMINT"},
		}
		if err := ds.CreateLayer("wegdeel", "geom", model.RDNewEPSG, "MULTIPOLYGON", fields); err != nil {
			return nil, err
		}
		g := orb.MultiPolygon{{{{84000, 444000}, {84500, 444000}, {84500, 444500}, {84000, 444000}}}}
		blob, err := geopkg.EncodeGeometry(g, model.RDNewEPSG)
		if err != nil {
			return nil, err
		}
		tbl := &geopkg.Table{
			Layer: "wegdeel", GeomColumn: "geom", SRSID: model.RDNewEPSG, Fields: fields,
			Rows: []geopkg.Row{
				{Geom: blob, Values: map[string]any{"bgt-functie": "voetpad", "relatieveHoogteligging": int64(0)}},
			},
		}
		if err := ds.ReplaceRows("wegdeel", tbl); err != nil {
			return nil, err
		}
		return map[string]string{"wegdeel": path}, nil
	}
}

func copyTranslate(src, dst, _, _, _ string, _ ...string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func testConfig(t *testing.T, roi string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ROI.Source = roi
	cfg.ROI.IDAttr = "City"
	cfg.DstDir = t.TempDir()
	return cfg
}

func writeROI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cities.geojson")
	if err := os.WriteFile(path, []byte(roiJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessRunsAllStages(t *testing.T) {
	cfg := testConfig(t, writeROI(t))
	dl := &fakeDownloader{}
	p := New(cfg, dl, &fakeStreamer{years: []int64{1990, 2024}}, observability.NewLogger("error"))
	p.Convert = fakeConvert(t)
	p.Translate = copyTranslate

	items, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 polygon regions (point skipped)", len(items))
	}
	if items[0].FeatureID != "Delft" || items[1].FeatureID != "Den-Haag" {
		t.Fatalf("feature ids = %q, %q", items[0].FeatureID, items[1].FeatureID)
	}
	if base := filepath.Base(items[0].Archive); base != "bgt_cities_Delft.zip" {
		t.Fatalf("archive name = %q", base)
	}

	for _, item := range items {
		if item.Layers["wegdeel"] == "" || item.Layers["pand"] == "" {
			t.Fatalf("region %s layers = %v", item.FeatureID, item.Layers)
		}
		// wegdeel harmonized with class codes
		ds, err := geopkg.Open(item.Layers["wegdeel"])
		if err != nil {
			t.Fatalf("open wegdeel: %v", err)
		}
		tbl, err := ds.ReadTable("wegdeel")
		ds.Close()
		if err != nil {
			t.Fatalf("read wegdeel: %v", err)
		}
		if len(tbl.Rows) != 1 || tbl.Rows[0].Values["DN"] != int64(60) {
			t.Fatalf("region %s wegdeel rows = %+v", item.FeatureID, tbl.Rows)
		}

		// pand filtered (2024 removed) and coerced
		ds, err = geopkg.Open(item.Layers["pand"])
		if err != nil {
			t.Fatalf("open pand: %v", err)
		}
		tbl, err = ds.ReadTable("pand")
		ds.Close()
		if err != nil {
			t.Fatalf("read pand: %v", err)
		}
		if len(tbl.Rows) != 1 {
			t.Fatalf("region %s pand rows = %d, want 1 after year filter", item.FeatureID, len(tbl.Rows))
		}
		if tbl.Rows[0].Values["DN"] != int64(81) {
			t.Fatalf("pand DN = %v, want 81", tbl.Rows[0].Values["DN"])
		}
		if got := asString(tbl.Rows[0].Values["oorspronkelijkbouwjaar"]); got != "1990-01-01T00:00:00Z" {
			t.Fatalf("bouwjaar = %q, want coerced timestamp", got)
		}
	}
}

func TestProcessFailsFast(t *testing.T) {
	cfg := testConfig(t, writeROI(t))
	dl := &fakeDownloader{fail: map[string]error{"bgt_cities_Delft.zip": errors.New("service down")}}
	converted := 0
	p := New(cfg, dl, &fakeStreamer{}, observability.NewLogger("error"))
	p.Convert = func(archive, dstDir string, o convert.Options) (map[string]string, error) {
		converted++
		return fakeConvert(t)(archive, dstDir, o)
	}
	p.Translate = copyTranslate

	_, err := p.Process(context.Background())
	if !errors.Is(err, dl.fail["bgt_cities_Delft.zip"]) {
		t.Fatalf("Process should surface the download error, got %v", err)
	}
	if converted != 0 {
		t.Fatalf("convert ran %d times after a failed download", converted)
	}
	if len(dl.calls) != 1 {
		t.Fatalf("downloads = %d, the second region should never start", len(dl.calls))
	}
}

func TestFeatureTypesExcludePandWithBAG(t *testing.T) {
	cfg := testConfig(t, "roi.gpkg")
	p := New(cfg, nil, nil, observability.NewLogger("error"))
	for _, ft := range p.featureTypes() {
		if ft == "pand" {
			t.Fatal("pand requested although buildings come from the bag")
		}
	}

	cfg.BAG.Enabled = false
	p = New(cfg, nil, nil, observability.NewLogger("error"))
	found := false
	for _, ft := range p.featureTypes() {
		if ft == "pand" {
			found = true
		}
	}
	if !found {
		t.Fatal("pand missing without bag sourcing")
	}
}

func TestFeatureIDFingerprintFallback(t *testing.T) {
	cfg := testConfig(t, "roi.gpkg")
	p := New(cfg, nil, nil, observability.NewLogger("error"))
	poly := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}

	id := p.featureID(map[string]any{}, "3", poly)
	if id == "3" || len(id) != 16 {
		t.Fatalf("missing id attr should fingerprint, got %q", id)
	}
	if again := p.featureID(map[string]any{}, "9", poly); again != id {
		t.Fatalf("fingerprint not stable: %q vs %q", id, again)
	}

	cfg.ROI.IDAttr = ""
	p = New(cfg, nil, nil, observability.NewLogger("error"))
	if id := p.featureID(map[string]any{}, "3", poly); id != "3" {
		t.Fatalf("without id attr the feature id is used, got %q", id)
	}
}

func asString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}
