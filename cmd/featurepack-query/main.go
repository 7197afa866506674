// Package main implements featurepack-query, which runs one query against a
// local snapshot artifact and writes the result to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/featurepack/featurepack/internal/config"
	"github.com/featurepack/featurepack/internal/crs"
	"github.com/featurepack/featurepack/internal/format"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/query/executor"
	"github.com/featurepack/featurepack/internal/query/planner"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

type queryFlags struct {
	configFile string
	snapshot   string
	bbox       string
	bboxCRS    string
	id         string
	filter     string
	limit      int
	offset     int
	format     string
	explain    bool
}

func main() {
	var f queryFlags
	var showVersion bool

	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.snapshot, "snapshot", "", "Path to a snapshot artifact (required)")
	flag.StringVar(&f.bbox, "bbox", "", "Bounding box: minx,miny,maxx,maxy")
	flag.StringVar(&f.bboxCRS, "bbox-crs", "", "CRS of the bounding box (EPSG code or URI)")
	flag.StringVar(&f.id, "id", "", "Feature identifier")
	flag.StringVar(&f.filter, "filter", "", "Attribute filter, e.g. \"status = 'Pand in gebruik' and bouwjaar > 1990\"")
	flag.IntVar(&f.limit, "limit", 0, "Maximum number of features (default: from config)")
	flag.IntVar(&f.offset, "offset", 0, "Number of matching features to skip")
	flag.StringVar(&f.format, "f", format.JSON, "Output format: json, cityjson, cjseq, obj")
	flag.BoolVar(&f.explain, "explain", false, "Print the query plan and counters to stderr")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "featurepack-query - query a snapshot artifact\n\n")
		fmt.Fprintf(os.Stderr, "Usage: featurepack-query --snapshot <file> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  featurepack-query --snapshot buildings.fpk --bbox 84000,446000,85000,447000 --limit 10\n")
		fmt.Fprintf(os.Stderr, "  featurepack-query --snapshot buildings.fpk --filter \"bouwjaar >= 2000\" -f cjseq --explain\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("featurepack-query version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}
	if f.snapshot == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load(".env")

	cfg, err := loadConfig(f.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &f, logger); err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f *queryFlags, logger *slog.Logger) error {
	req := planner.Request{
		ID:     f.id,
		Filter: f.filter,
		Limit:  f.limit,
		Offset: f.offset,
	}
	if f.bbox != "" {
		b, err := types.ParseBBox(f.bbox)
		if err != nil {
			return err
		}
		req.BBox = &b
	}
	if f.bboxCRS != "" {
		code, err := crs.ParseCode(f.bboxCRS)
		if err != nil {
			return err
		}
		req.BBoxCRS = code
	}

	enc, err := format.New(f.format)
	if err != nil {
		return err
	}

	snap, err := snapshot.Open(f.snapshot, snapshot.WithLogger(logger))
	if err != nil {
		return err
	}
	defer snap.Close()

	exec := executor.New(planner.New(cfg.PlannerConfig(), crs.NewRegistry()), executor.WithLogger(logger))
	res, err := exec.Execute(ctx, snap, req)
	if err != nil {
		return err
	}

	meta := snap.Meta()
	hdr := format.Header{
		Collection: meta.CollectionID,
		CRS:        meta.CRS,
		Extent:     meta.Extent,
		ObjectType: format.DefaultObjectType,
	}
	n, err := format.Stream(os.Stdout, enc, hdr, res.Features)
	if err != nil {
		return err
	}

	if f.explain {
		fmt.Fprintln(os.Stderr, res.Plan.Explain())
		fmt.Fprintf(os.Stderr, "returned=%d candidates=%d confirmed=%d skipped=%d decoded=%d duration=%s\n",
			n, res.Stats.Candidates, res.Stats.Confirmed, res.Stats.Skipped, res.Stats.Decoded, res.Stats.Duration)
	}
	return nil
}

func loadConfig(configFile string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
