package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.PDOK.BaseURL != "https://api.pdok.nl" {
		t.Fatalf("pdok base url = %q", cfg.PDOK.BaseURL)
	}
	if cfg.WFS.TypeName != "BAG3D:lod12" || cfg.WFS.PageSize != 1000 {
		t.Fatalf("wfs defaults = %+v", cfg.WFS)
	}
	if !cfg.BAG.Enabled {
		t.Fatal("bag sourcing should default on")
	}
	if cfg.Prepare.ClassAttr != "DN" || cfg.Prepare.SortBy[0] != "relatieveHoogteligging" {
		t.Fatalf("prepare defaults = %+v", cfg.Prepare)
	}
	if len(cfg.ClassTable()) != 10 {
		t.Fatalf("built-in class table has %d layers, want 10", len(cfg.ClassTable()))
	}
}

func TestLoadTOMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
log_level = "debug"
dst_dir = "/srv/labels"

[roi]
source = "rois.gpkg"
id_attr = "gemeente"

[wfs]
page_size = 250

[bag]
enabled = false

[classes.waterdeel]
value = 11

[classes.wegdeel]
from = "bgt-functie"
[classes.wegdeel.map]
voetpad = 60
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.DstDir != "/srv/labels" {
		t.Fatalf("top level overlay = %q %q", cfg.LogLevel, cfg.DstDir)
	}
	if cfg.ROI.Source != "rois.gpkg" || cfg.ROI.IDAttr != "gemeente" {
		t.Fatalf("roi overlay = %+v", cfg.ROI)
	}
	if cfg.WFS.PageSize != 250 {
		t.Fatalf("wfs page size = %d", cfg.WFS.PageSize)
	}
	// untouched fields keep their defaults
	if cfg.WFS.URL != "https://data.3dbag.nl/api/BAG3D/wfs" {
		t.Fatalf("wfs url lost its default: %q", cfg.WFS.URL)
	}
	if cfg.BAG.Enabled {
		t.Fatal("bag overlay not applied")
	}

	table := cfg.ClassTable()
	if len(table) != 2 {
		t.Fatalf("class override has %d layers, want 2", len(table))
	}
	if table["wegdeel"].Map["voetpad"] != 60 {
		t.Fatalf("wegdeel override = %+v", table["wegdeel"])
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`log_level = "warn"`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WFS_PAGE_SIZE", "50")
	t.Setenv("BAG_ENABLED", "no")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env should win over file, got %q", cfg.LogLevel)
	}
	if cfg.WFS.PageSize != 50 {
		t.Fatalf("wfs page size = %d", cfg.WFS.PageSize)
	}
	if cfg.BAG.Enabled {
		t.Fatal("BAG_ENABLED=no not applied")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[wfs]\npage_size = 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("page_size = 0 should be rejected")
	}

	if err := os.WriteFile(path, []byte("[classes.wegdeel]\nfrom = \"bgt-functie\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("mapping rule without values should be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("missing config file should error")
	}
}
