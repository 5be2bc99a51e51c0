// Package main implements the chronicle binary: an event-sourced ledger
// engine with a state projection, dead-letter replay, integrity
// verification, and snapshot export.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/chronicleworks/chronicle/internal/app"
	"github.com/chronicleworks/chronicle/internal/config"
	"github.com/chronicleworks/chronicle/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		replayDLQ   bool
		verify      bool
		snapshot    bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "Ops API listen address")
	flag.BoolVar(&replayDLQ, "replay-dlq", false, "Replay dead-lettered events into the ledger and exit")
	flag.BoolVar(&verify, "verify", false, "Verify ledger hash chain integrity and exit")
	flag.BoolVar(&snapshot, "snapshot", false, "Export a ledger snapshot to object storage and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Chronicle - Event-Sourced Ledger and State Projection Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: chronicle [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chronicle --data-dir /data/chronicle\n")
		fmt.Fprintf(os.Stderr, "  chronicle --config /etc/chronicle/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  chronicle --data-dir /data/chronicle --verify\n")
		fmt.Fprintf(os.Stderr, "  chronicle --data-dir /data/chronicle --replay-dlq\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CHRONICLE_DATA_DIR          Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  CHRONICLE_STORE_ASYNC_MODE  Use the background writer (true/false)\n")
		fmt.Fprintf(os.Stderr, "  CHRONICLE_HTTP_ADDR         Ops API listen address\n")
		fmt.Fprintf(os.Stderr, "  CHRONICLE_STORAGE_TYPE      Snapshot storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("chronicle version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A .env in the working directory is optional
	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded environment from .env")
	}

	cfg, err := loadConfig(configFile, dataDir, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	// One-shot maintenance modes run against the started engine and exit
	if replayDLQ || verify || snapshot {
		code := runMaintenance(ctx, application, replayDLQ, verify, snapshot)
		if err := application.Stop(context.Background()); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		os.Exit(code)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// runMaintenance executes the requested one-shot operations in a fixed
// order: replay first, then verify, then snapshot.
func runMaintenance(ctx context.Context, application *app.App, replayDLQ, verify, snapshot bool) int {
	code := 0

	if replayDLQ {
		report, err := application.Store().ReplayDLQ(ctx)
		if err != nil {
			log.Printf("Dead-letter replay failed: %v", err)
			code = 1
		} else {
			log.Printf("Dead-letter replay: replayed=%d skipped=%d failed=%d",
				report.Replayed, report.Skipped, report.Failed)
			if report.Failed > 0 {
				code = 1
			}
		}
	}

	if verify {
		var count int64
		err := application.Store().Stream(ctx, func(types.Event) error {
			count++
			return nil
		})
		if err != nil {
			log.Printf("Ledger verification FAILED: %v", err)
			code = 1
		} else {
			log.Printf("Ledger verification OK: %d events, chain intact", count)
		}
	}

	if snapshot {
		result, err := application.Archiver().Snapshot(ctx)
		if err != nil {
			log.Printf("Snapshot failed: %v", err)
			code = 1
		} else {
			log.Printf("Snapshot exported: %s (%d events, %d bytes)",
				result.ObjectPath, result.EventCount, result.SizeBytes)
		}
	}

	return code
}

// loadConfig merges file, environment, and command line configuration, with
// flags taking the highest priority.
func loadConfig(configFile, dataDir, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with a configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                       CHRONICLE                           ║")
	log.Printf("║     Event-Sourced Ledger and State Projection Engine      ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Data Dir:     %s", cfg.DataDir)
	log.Printf("  Async Writes: %v", cfg.Store.AsyncMode)
	log.Printf("  Verify Chain: %v", cfg.Ledger.VerifyChain)
	log.Printf("  Storage:      %s", cfg.Archive.Storage.Type)
	if cfg.HTTP.Addr != "" {
		log.Printf("  Ops API:      %s", cfg.HTTP.Addr)
	}
	log.Printf("")
}
