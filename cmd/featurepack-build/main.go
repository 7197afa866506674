// Package main implements featurepack-build, the offline snapshot builder.
// It reads GeoJSON or CityJSONSeq input, writes an immutable snapshot
// artifact, uploads it to object storage and registers it in the catalog.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/featurepack/featurepack/internal/app"
	"github.com/featurepack/featurepack/internal/catalog"
	"github.com/featurepack/featurepack/internal/config"
	"github.com/featurepack/featurepack/internal/ingest"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/publish"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

type buildFlags struct {
	configFile    string
	dataDir       string
	collection    string
	input         string
	format        string
	idProperty    string
	lod           string
	srid          uint
	indexedFields string
	fanout        int
	out           string
	activate      bool
	title         string
	keepRetired   int
}

func main() {
	var f buildFlags
	var showVersion bool

	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for catalog and storage")
	flag.StringVar(&f.collection, "collection", "", "Collection identifier (required)")
	flag.StringVar(&f.input, "input", "", "Input file: GeoJSON (.json, .geojson) or CityJSONSeq (.jsonl, .city.jsonl) (required)")
	flag.StringVar(&f.format, "format", "", "Input format: geojson or cjseq (default: from file extension)")
	flag.StringVar(&f.idProperty, "id-property", "", "GeoJSON property holding the feature identifier")
	flag.StringVar(&f.lod, "lod", "", "CityJSON level of detail to keep (default: first geometry)")
	flag.UintVar(&f.srid, "srid", 0, "Override the EPSG code of the input geometries")
	flag.StringVar(&f.indexedFields, "indexed-fields", "", "Comma-separated attribute fields to index")
	flag.IntVar(&f.fanout, "fanout", 0, "R-tree node fanout (default: from config)")
	flag.StringVar(&f.out, "out", "", "Keep the built artifact at this path")
	flag.BoolVar(&f.activate, "activate", true, "Activate the snapshot after upload")
	flag.StringVar(&f.title, "title", "", "Collection title")
	flag.IntVar(&f.keepRetired, "keep-retired", -1, "Retired snapshots kept per collection (default: from config)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "featurepack-build - build and publish a snapshot\n\n")
		fmt.Fprintf(os.Stderr, "Usage: featurepack-build --collection <id> --input <file> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  featurepack-build --collection buildings --input panden.geojson --indexed-fields status,bouwjaar\n")
		fmt.Fprintf(os.Stderr, "  featurepack-build --collection 3dbag --input tile.city.jsonl --lod 2.2 --activate=false\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("featurepack-build version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}
	if f.collection == "" || f.input == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load(".env")

	cfg, err := loadConfig(&f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &f, logger); err != nil {
		logger.Error("build failed", "collection", f.collection, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f *buildFlags, logger *slog.Logger) error {
	start := time.Now()

	features, err := ingest.ReadFile(f.input, ingest.Options{
		Format:     f.format,
		IDProperty: f.idProperty,
		SRID:       uint32(f.srid),
		LOD:        f.lod,
	})
	if err != nil {
		return err
	}
	logger.Info("input read", "file", f.input, "features", len(features))

	opts := cfg.BuildOptions(f.collection)
	opts.Source = filepath.Base(f.input)
	opts.Logger = logger

	outPath := f.out
	if outPath == "" {
		tmpDir, err := os.MkdirTemp("", "featurepack-build-*")
		if err != nil {
			return fmt.Errorf("failed to create build directory: %w", err)
		}
		defer os.RemoveAll(tmpDir)
		outPath = filepath.Join(tmpDir, f.collection+".fpk")
	}

	meta, err := snapshot.BuildFile(ctx, outPath, features, opts)
	if err != nil {
		return err
	}
	logger.Info("snapshot built",
		"snapshot_id", meta.SnapshotID,
		"features", meta.FeatureCount,
		"indexed_fields", meta.IndexedFields,
		"duration", time.Since(start))

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	store, err := app.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	cat, err := catalog.NewCatalog(cfg.Catalog.Path, catalog.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer cat.Close()

	artifacts := storage.NewArtifacts(store, logger)
	res, err := publish.NewPublisher(artifacts, cat, logger).Publish(ctx, outPath, meta, publish.Options{
		Title:    f.title,
		Activate: f.activate,
	})
	if err != nil {
		return err
	}

	if f.activate {
		gc := publish.NewGarbageCollector(cat, artifacts, cfg.Catalog.KeepRetired, logger)
		if _, err := gc.Collect(ctx, f.collection); err != nil {
			logger.Warn("retired snapshot cleanup failed", "collection", f.collection, "error", err)
		}
	}

	fmt.Printf("snapshot %s published to %s (status %s, retired %q)\n",
		res.Record.SnapshotID, res.Record.ObjectKey, res.Record.Status, res.Retired)
	return nil
}

// loadConfig applies the config file, then the environment, then flags.
func loadConfig(f *buildFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.indexedFields != "" {
		cfg.Store.IndexedFields = splitList(f.indexedFields)
	}
	if f.fanout != 0 {
		fanout, err := config.FanoutFromInt(f.fanout)
		if err != nil {
			return nil, err
		}
		cfg.Store.Fanout = fanout
	}
	if f.keepRetired >= 0 {
		cfg.Catalog.KeepRetired = f.keepRetired
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
