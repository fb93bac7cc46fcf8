package raster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTileWindowsClipToRaster(t *testing.T) {
	wins := TileWindows(10, 7, 4, 3)
	want := []Window{
		{0, 0, 4, 3}, {4, 0, 4, 3}, {8, 0, 2, 3},
		{0, 3, 4, 3}, {4, 3, 4, 3}, {8, 3, 2, 3},
		{0, 6, 4, 1}, {4, 6, 4, 1}, {8, 6, 2, 1},
	}
	if len(wins) != len(want) {
		t.Fatalf("windows = %d, want %d", len(wins), len(want))
	}
	var area int
	for i, w := range wins {
		if w != want[i] {
			t.Errorf("window %d = %+v, want %+v", i, w, want[i])
		}
		area += w.Width * w.Height
	}
	if area != 70 {
		t.Fatalf("windows cover %d pixels, want 70", area)
	}
}

func TestTileWindowsWholeImage(t *testing.T) {
	wins := TileWindows(256, 128, 0, 0)
	if len(wins) != 1 || wins[0] != (Window{0, 0, 256, 128}) {
		t.Fatalf("windows = %v, want one covering the image", wins)
	}
}

func TestTileTransform(t *testing.T) {
	// north-up raster at (1000, 2000), 0.5m pixels
	gt := [6]float64{1000, 0.5, 0, 2000, 0, -0.5}
	got := TileTransform(gt, Window{Col: 10, Row: 20, Width: 4, Height: 4})
	want := [6]float64{1005, 0.5, 0, 1990, 0, -0.5}
	if got != want {
		t.Fatalf("tile transform = %v, want %v", got, want)
	}

	// rotation terms shift the origin too
	gt = [6]float64{0, 1, 0.1, 0, 0.2, -1}
	got = TileTransform(gt, Window{Col: 5, Row: 3})
	if got[0] != 5.3 || got[3] != -2.0 {
		t.Fatalf("rotated origin = (%v, %v), want (5.3, -2)", got[0], got[3])
	}
}

func TestDTypeCheckValues(t *testing.T) {
	cases := []struct {
		dtype  DType
		values []float64
		ok     bool
	}{
		{Byte, []float64{0, 84, 255}, true},
		{Byte, []float64{256}, false},
		{Byte, []float64{-1}, false},
		{Int16, []float64{-32768, 32767}, true},
		{UInt16, []float64{-1}, false},
		{Int32, []float64{11, 84}, true},
		{Int32, []float64{1.5}, false},
		{Float32, []float64{1.5}, true},
	}
	for _, c := range cases {
		err := c.dtype.CheckValues(c.values)
		if (err == nil) != c.ok {
			t.Errorf("%s.CheckValues(%v) err=%v, want ok=%v", c.dtype, c.values, err, c.ok)
		}
	}
}

func TestDTypeGDALUnknown(t *testing.T) {
	if _, err := DType("int12").GDAL(); err == nil {
		t.Fatal("unknown dtype should be rejected")
	}
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{}
	if err := o.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if o.Mode != ModeBurn || o.DType != Int32 || o.Driver != "GTiff" {
		t.Fatalf("defaults = %+v", o)
	}
	if o.bandCount(5) != 1 {
		t.Fatalf("burn mode should use one band")
	}
	o.Mode = ModeStack
	if o.bandCount(5) != 5 {
		t.Fatalf("stack mode should use one band per input")
	}
	o.Mode = "melt"
	if err := o.normalize(); err == nil {
		t.Fatal("unknown mode should be rejected")
	}
}

func TestWritePAM(t *testing.T) {
	rat := ClassRAT(
		map[int]string{11: "waterdeel", 81: "pand"},
		ColorMap{11: {0, 0, 255, 255}, 81: {255, 0, 0, 255}},
	)
	image := filepath.Join(t.TempDir(), "labels.tif")
	if err := WritePAM(image, []*RAT{rat}); err != nil {
		t.Fatalf("WritePAM: %v", err)
	}

	data, err := os.ReadFile(image + ".aux.xml")
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	doc := string(data)
	for _, want := range []string{
		`<PAMRasterBand band="1">`,
		`tableType="thematic"`,
		`<Name>VALUE</Name>`,
		`<Name>CLASS</Name>`,
		`<F>waterdeel</F>`,
		`<F>pand</F>`,
		`<Row index="0">`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("sidecar missing %q:\n%s", want, doc)
		}
	}
	// codes in ascending order: waterdeel (11) before pand (81)
	if strings.Index(doc, "waterdeel") > strings.Index(doc, "pand") {
		t.Error("rows not sorted by class code")
	}
}

func TestWritePAMNoTables(t *testing.T) {
	image := filepath.Join(t.TempDir(), "labels.tif")
	if err := WritePAM(image, []*RAT{nil}); err != nil {
		t.Fatalf("WritePAM: %v", err)
	}
	if _, err := os.Stat(image + ".aux.xml"); !os.IsNotExist(err) {
		t.Fatal("sidecar should not be written without tables")
	}
}

func TestNewRATRejectsDuplicateFields(t *testing.T) {
	_, err := NewRAT(
		RATField{Name: "VALUE", Type: FieldInteger, Usage: UsageMinMax},
		RATField{Name: "VALUE", Type: FieldString, Usage: UsageName},
	)
	if err == nil {
		t.Fatal("duplicate field names should be rejected")
	}
}

func TestRATAddRowChecksArity(t *testing.T) {
	rat := &RAT{Fields: []RATField{{Name: "VALUE", Type: FieldInteger, Usage: UsageMinMax}}}
	if err := rat.AddRow("1", "extra"); err == nil {
		t.Fatal("row wider than schema should be rejected")
	}
	if err := rat.AddRow("1"); err != nil {
		t.Fatalf("AddRow: %v", err)
	}
}

func TestOutputName(t *testing.T) {
	cases := []struct {
		image, driver, want string
	}{
		{"/data/images/tile_001.tif", "GTiff", "tile_001.tif"},
		{"ortho.jp2", "GTiff", "ortho.tif"},
		{"scene.img", "PNG", "scene.png"},
	}
	for _, c := range cases {
		if got := OutputName(c.image, c.driver); got != c.want {
			t.Errorf("OutputName(%q, %q) = %q, want %q", c.image, c.driver, got, c.want)
		}
	}
}
