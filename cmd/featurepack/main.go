// Package main implements the featurepack server binary. It serves the
// active snapshot of every collection in the catalog over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/featurepack/featurepack/internal/app"
	"github.com/featurepack/featurepack/internal/config"
	"github.com/featurepack/featurepack/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		httpAddr    string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Environment file loaded before FEATUREPACK_ variables are read")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for catalog, storage and cache")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "featurepack - read-optimized spatial feature server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: featurepack [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  featurepack --data-dir /data/featurepack\n")
		fmt.Fprintf(os.Stderr, "  featurepack --config /etc/featurepack/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  FEATUREPACK_DATA_DIR                 Base directory\n")
		fmt.Fprintf(os.Stderr, "  FEATUREPACK_HTTP_ADDR                HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  FEATUREPACK_STORAGE_TYPE             Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  FEATUREPACK_S3_BUCKET                S3 bucket of snapshot artifacts\n")
		fmt.Fprintf(os.Stderr, "  FEATUREPACK_CATALOG_RELOAD_INTERVAL  Catalog poll interval (0 disables)\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("featurepack version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A missing .env file is not an error.
	_ = godotenv.Load(envFile)

	cfg, err := loadConfig(configFile, dataDir, httpAddr, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting featurepack",
		"version", version,
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Type,
		"http_addr", cfg.HTTP.Addr)

	if err := run(cfg, logger); err != nil {
		logger.Error("featurepack failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return err
	}
	return application.WaitForShutdown(ctx)
}

// loadConfig applies the config file, then the environment, then flags.
func loadConfig(configFile, dataDir, httpAddr, logLevel string) (*config.Config, error) {
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

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}
