package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/airbusgeo/godal"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/geonl/bgtlabel/internal/classmap"
	"github.com/geonl/bgtlabel/internal/config"
	"github.com/geonl/bgtlabel/internal/httpclient"
	"github.com/geonl/bgtlabel/internal/logger"
	"github.com/geonl/bgtlabel/internal/metrics"
	"github.com/geonl/bgtlabel/internal/ops"
	"github.com/geonl/bgtlabel/internal/pdok"
	"github.com/geonl/bgtlabel/internal/pipeline"
	"github.com/geonl/bgtlabel/internal/progress"
	"github.com/geonl/bgtlabel/internal/raster"
	"github.com/geonl/bgtlabel/internal/wfs"
)

var Version = "dev"

var (
	configPath string
	logLevel   string
	console    bool
)

func main() {
	root := &cobra.Command{
		Use:           "bgtlabel",
		Short:         "Download, harmonize and rasterize BGT training labels",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			godal.RegisterAll()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&console, "console", false, "human-readable log output")

	root.AddCommand(processCmd(), rasterizeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup(component string) (config.Config, *slog.Logger, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
	} else {
		cfg = config.FromEnv()
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if console {
		cfg.LogConsole = true
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: component,
	}, os.Stdout)
	appLog := logger.NewSlog(&zl).With("run_id", logger.NewID())
	return cfg, appLog, nil
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Download BGT extracts per region and harmonize the layers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, appLog, err := setup("process")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Ops.Enabled {
				prov := metrics.Init(metrics.BuildInfo{Version: Version})
				go func() {
					if err := ops.Run(ctx, cfg.Ops.Addr, appLog, prov); err != nil {
						appLog.Error("ops server exited", "err", err)
					}
				}()
			}

			appLog.Info("starting run",
				"version", Version,
				"roi", cfg.ROI.Source,
				"dst", cfg.DstDir,
				"bag", cfg.BAG.Enabled)

			sink := progress.NewLogSink(appLog, 64)
			httpClient := httpclient.NewOutbound()

			dl := pdok.NewClient(httpClient, appLog, sink)
			dl.BaseURL = cfg.PDOK.BaseURL
			dl.PollInterval = cfg.PDOK.PollInterval
			dl.ChunkSize = cfg.PDOK.ChunkSize

			streamer := wfs.NewClient(cfg.WFS.URL, httpClient, appLog, sink)
			if cfg.WFS.RateRPS > 0 {
				streamer.Limiter = rate.NewLimiter(rate.Limit(cfg.WFS.RateRPS), 1)
			}

			items, err := pipeline.New(cfg, dl, streamer, appLog).Process(ctx)
			if err != nil {
				return err
			}
			for _, item := range items {
				appLog.Info("region complete", "region", item.FeatureID, "layers", len(item.Layers), "dir", item.WorkDir)
			}
			return nil
		},
	}
}

func rasterizeCmd() *cobra.Command {
	var (
		regionDir string
		vectors   []string
		images    string
		dstDir    string
		attr      string
		withRAT   bool
	)
	cmd := &cobra.Command{
		Use:   "rasterize",
		Short: "Burn harmonized layers into label rasters on reference image grids",
		RunE: func(*cobra.Command, []string) error {
			cfg, appLog, err := setup("rasterize")
			if err != nil {
				return err
			}

			if attr == "" {
				attr = cfg.Prepare.ClassAttr
			}
			srcs, err := vectorSources(regionDir, vectors)
			if err != nil {
				return err
			}
			imgs, err := filepath.Glob(images)
			if err != nil {
				return fmt.Errorf("bad image glob %q: %w", images, err)
			}
			if len(imgs) == 0 {
				return fmt.Errorf("no images match %q", images)
			}
			sort.Strings(imgs)

			opts := raster.Options{
				Mode:       cfg.Raster.Mode,
				TileWidth:  cfg.Raster.TileWidth,
				TileHeight: cfg.Raster.TileHeight,
				Fill:       float64(cfg.Prepare.NoData),
				AllTouched: cfg.Raster.AllTouched,
				Additive:   cfg.Raster.Additive,
				DType:      raster.DType(cfg.Raster.DType),
				Driver:     cfg.Raster.Driver,
				Logger:     appLog,
			}
			if withRAT && opts.Mode == raster.ModeBurn {
				names := classNames(cfg.ClassTable())
				opts.ColorMaps = []raster.ColorMap{defaultPalette}
				opts.RATs = []*raster.RAT{raster.ClassRAT(names, defaultPalette)}
			}

			appLog.Info("rasterizing", "images", len(imgs), "vectors", len(srcs), "dst", dstDir)
			return raster.MakeLabels(raster.LabelParams{
				Vectors: srcs,
				Attr:    attr,
				Images:  imgs,
				DstDir:  dstDir,
				Options: opts,
				Sink:    progress.NewLogSink(appLog, 1),
				Logger:  appLog,
			})
		},
	}
	cmd.Flags().StringVar(&regionDir, "region-dir", "", "processed region directory; its *.gpkg layers are burned in name order, buildings last")
	cmd.Flags().StringArrayVar(&vectors, "vector", nil, "explicit layer GeoPackage to burn; repeat to control burn order")
	cmd.Flags().StringVar(&images, "images", "", "glob of reference images to produce labels for")
	cmd.Flags().StringVar(&dstDir, "dst", "labels", "directory receiving the label rasters")
	cmd.Flags().StringVar(&attr, "attr", "", "attribute carrying the class code (defaults to the configured one)")
	cmd.Flags().BoolVar(&withRAT, "rat", true, "attach class names and colors to the output")
	_ = cmd.MarkFlagRequired("images")
	return cmd
}

// vectorSources resolves the burn list. Later sources overwrite earlier
// ones, so building layers go last to stay on top of road surfaces.
func vectorSources(regionDir string, explicit []string) ([]raster.VectorSource, error) {
	paths := explicit
	if regionDir != "" {
		found, err := filepath.Glob(filepath.Join(regionDir, "*.gpkg"))
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no vector sources: pass --region-dir or --vector")
	}

	var rest, buildings []string
	for _, p := range paths {
		stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		if strings.HasSuffix(stem, "pand") {
			buildings = append(buildings, p)
		} else {
			rest = append(rest, p)
		}
	}
	srcs := make([]raster.VectorSource, 0, len(paths))
	for _, p := range append(rest, buildings...) {
		srcs = append(srcs, raster.VectorSource{Path: p})
	}
	return srcs, nil
}

// classNames flattens the class table to code -> display name for the
// attribute table; the first name per code (layer order, then mapped
// value order) wins.
func classNames(table map[string]classmap.Rule) map[int]string {
	names := make(map[int]string)
	for _, layerName := range classmap.LayerNames(table) {
		rule := table[layerName]
		if rule.Constant() {
			if _, ok := names[rule.Value]; !ok {
				names[rule.Value] = layerName
			}
			continue
		}
		keys := make([]string, 0, len(rule.Map))
		for k := range rule.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := names[rule.Map[k]]; !ok {
				names[rule.Map[k]] = k
			}
		}
	}
	return names
}

var defaultPalette = raster.ColorMap{
	11: {52, 120, 196, 255},
	12: {110, 166, 219, 255},
	21: {56, 148, 58, 255},
	31: {189, 169, 124, 255},
	51: {120, 70, 150, 255},
	52: {95, 95, 95, 255},
	56: {170, 40, 40, 255},
	57: {200, 80, 60, 255},
	58: {220, 120, 80, 255},
	60: {235, 200, 120, 255},
	61: {225, 185, 100, 255},
	63: {160, 160, 180, 255},
	64: {240, 220, 160, 255},
	65: {150, 120, 90, 255},
	67: {130, 130, 130, 255},
	69: {60, 60, 60, 255},
	81: {205, 60, 60, 255},
	82: {225, 100, 100, 255},
	83: {90, 90, 110, 255},
	84: {110, 110, 130, 255},
}
