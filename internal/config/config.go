// Package config assembles the pipeline configuration: built-in
// defaults, an optional TOML file, then environment overrides, in that
// order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/geonl/bgtlabel/internal/classmap"
)

type ROICfg struct {
	// Source is the region-of-interest dataset (GeoPackage or GeoJSON).
	Source string `toml:"source"`
	Layer  string `toml:"layer"`
	// IDAttr names the ROI attribute used in archive file names; a
	// missing attribute falls back to a fingerprint of the geometry.
	IDAttr string `toml:"id_attr"`
}

type PDOKCfg struct {
	BaseURL      string        `toml:"base_url"`
	Format       string        `toml:"format"`
	PollInterval time.Duration `toml:"poll_interval"`
	ChunkSize    int           `toml:"chunk_size"`
}

type WFSCfg struct {
	URL      string  `toml:"url"`
	TypeName string  `toml:"type_name"`
	PageSize int     `toml:"page_size"`
	RateRPS  float64 `toml:"rate_rps"`
}

type BAGCfg struct {
	// Enabled swaps the BGT pand layer for 3D BAG footprints.
	Enabled bool `toml:"enabled"`
	// Filter is a SQL template run against the streamed layer before
	// harmonization; {layer} is substituted. Empty disables filtering.
	Filter string `toml:"filter"`
	// YearLayout parses oorspronkelijkbouwjaar during harmonization.
	YearLayout string `toml:"year_layout"`
}

type PrepareCfg struct {
	ClassAttr string   `toml:"class_attr"`
	GeomTypes []string `toml:"geom_types"`
	SortBy    []string `toml:"sort_by"`
	SortAsc   bool     `toml:"sort_asc"`
	// NoData doubles as the default class fill and raster background.
	NoData int `toml:"nodata"`
}

type RasterCfg struct {
	Mode       string `toml:"mode"`
	TileWidth  int    `toml:"tile_width"`
	TileHeight int    `toml:"tile_height"`
	DType      string `toml:"dtype"`
	Driver     string `toml:"driver"`
	AllTouched bool   `toml:"all_touched"`
	Additive   bool   `toml:"additive"`
}

type OpsCfg struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type Config struct {
	LogLevel   string `toml:"log_level"`
	LogConsole bool   `toml:"log_console"`

	// DstDir receives per-region working directories and archives.
	DstDir string `toml:"dst_dir"`
	// ArchivePrefix prefixes downloaded archive names.
	ArchivePrefix string `toml:"archive_prefix"`

	ROI     ROICfg     `toml:"roi"`
	PDOK    PDOKCfg    `toml:"pdok"`
	WFS     WFSCfg     `toml:"wfs"`
	BAG     BAGCfg     `toml:"bag"`
	Prepare PrepareCfg `toml:"prepare"`
	Raster  RasterCfg  `toml:"raster"`
	Ops     OpsCfg     `toml:"ops"`

	// Classes overrides the built-in layer/class table when non-empty.
	Classes map[string]classmap.Rule `toml:"classes"`
}

// ClassTable returns the configured class table or the built-in one.
func (c Config) ClassTable() map[string]classmap.Rule {
	if len(c.Classes) > 0 {
		return c.Classes
	}
	return classmap.Defaults()
}

func Default() Config {
	return Config{
		LogLevel:      "info",
		LogConsole:    false,
		DstDir:        "data",
		ArchivePrefix: "bgt",
		ROI: ROICfg{
			IDAttr: "City",
		},
		PDOK: PDOKCfg{
			BaseURL:      "https://api.pdok.nl",
			Format:       "gmllight",
			PollInterval: 2 * time.Second,
			ChunkSize:    32 * 1024,
		},
		WFS: WFSCfg{
			URL:      "https://data.3dbag.nl/api/BAG3D/wfs",
			TypeName: "BAG3D:lod12",
			PageSize: 1000,
			RateRPS:  4,
		},
		BAG: BAGCfg{
			Enabled:    true,
			Filter:     `DELETE FROM {layer} WHERE "oorspronkelijkbouwjaar" > 2022;`,
			YearLayout: "2006",
		},
		Prepare: PrepareCfg{
			ClassAttr: "DN",
			GeomTypes: []string{"MultiPolygon"},
			SortBy:    []string{"relatieveHoogteligging"},
			SortAsc:   true,
			NoData:    0,
		},
		Raster: RasterCfg{
			Mode:   "burn",
			DType:  "int32",
			Driver: "GTiff",
		},
		Ops: OpsCfg{
			Enabled: false,
			Addr:    ":8090",
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file
// at path, and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load without a file.
func FromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogConsole = getbool("LOG_CONSOLE", cfg.LogConsole)
	cfg.DstDir = getenv("DST_DIR", cfg.DstDir)
	cfg.ArchivePrefix = getenv("ARCHIVE_PREFIX", cfg.ArchivePrefix)

	cfg.ROI.Source = getenv("ROI_SOURCE", cfg.ROI.Source)
	cfg.ROI.Layer = getenv("ROI_LAYER", cfg.ROI.Layer)
	cfg.ROI.IDAttr = getenv("ROI_ID_ATTR", cfg.ROI.IDAttr)

	cfg.PDOK.BaseURL = getenv("PDOK_BASE_URL", cfg.PDOK.BaseURL)
	cfg.PDOK.Format = getenv("PDOK_FORMAT", cfg.PDOK.Format)
	cfg.PDOK.PollInterval = getduration("PDOK_POLL_INTERVAL", cfg.PDOK.PollInterval)
	cfg.PDOK.ChunkSize = getint("PDOK_CHUNK_SIZE", cfg.PDOK.ChunkSize)

	cfg.WFS.URL = getenv("WFS_URL", cfg.WFS.URL)
	cfg.WFS.TypeName = getenv("WFS_TYPE_NAME", cfg.WFS.TypeName)
	cfg.WFS.PageSize = getint("WFS_PAGE_SIZE", cfg.WFS.PageSize)
	cfg.WFS.RateRPS = getfloat("WFS_RATE_RPS", cfg.WFS.RateRPS)

	cfg.BAG.Enabled = getbool("BAG_ENABLED", cfg.BAG.Enabled)
	cfg.BAG.Filter = getenv("BAG_FILTER", cfg.BAG.Filter)
	cfg.BAG.YearLayout = getenv("BAG_YEAR_LAYOUT", cfg.BAG.YearLayout)

	cfg.Prepare.ClassAttr = getenv("CLASS_ATTR", cfg.Prepare.ClassAttr)
	cfg.Prepare.NoData = getint("NODATA", cfg.Prepare.NoData)

	cfg.Raster.Mode = getenv("RASTER_MODE", cfg.Raster.Mode)
	cfg.Raster.TileWidth = getint("RASTER_TILE_WIDTH", cfg.Raster.TileWidth)
	cfg.Raster.TileHeight = getint("RASTER_TILE_HEIGHT", cfg.Raster.TileHeight)
	cfg.Raster.DType = getenv("RASTER_DTYPE", cfg.Raster.DType)
	cfg.Raster.Driver = getenv("RASTER_DRIVER", cfg.Raster.Driver)

	cfg.Ops.Enabled = getbool("OPS_ENABLED", cfg.Ops.Enabled)
	cfg.Ops.Addr = getenv("OPS_ADDR", cfg.Ops.Addr)
}

func (c Config) validate() error {
	if c.WFS.PageSize <= 0 {
		return fmt.Errorf("wfs page_size must be positive, got %d", c.WFS.PageSize)
	}
	if c.PDOK.ChunkSize <= 0 {
		return fmt.Errorf("pdok chunk_size must be positive, got %d", c.PDOK.ChunkSize)
	}
	for layer, rule := range c.Classes {
		if !rule.Constant() && len(rule.Map) == 0 {
			return fmt.Errorf("class rule for %q maps over %q but has no values", layer, rule.From)
		}
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
