// Command exportctl drives one export run from the command line: exit
// code 0 on success, 1 on a fatal error, 2 on interruption (checkpoint
// saved, resumable), 3 on a configuration error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/dedupe"
	"github.com/relaydocs/spacesync/internal/httpapi"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/orchestrator"
	"github.com/relaydocs/spacesync/internal/transform"
)

const (
	exitSuccess = 0
	exitFatal   = 1
	exitSignal  = 2
	exitConfig  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	exportID := flag.String("export-id", "", "unique id for this export run")
	outputDir := flag.String("output-dir", "", "directory to write export output under")
	format := flag.String("format", "", "output format: jsonl, markdown, or csv")
	sections := flag.String("sections", "", "comma-separated section run order, overriding the default")
	configPath := flag.String("config", "", "optional YAML config file; flags override its fields")
	baseURL := flag.String("base-url", os.Getenv("SPACESYNC_BASE_URL"), "workspace API base URL")
	token := flag.String("token", os.Getenv("SPACESYNC_TOKEN"), "workspace API bearer token")
	dedupeDir := flag.String("dedupe-dir", "", "directory holding the per-export dedupe SQLite index")
	flag.Parse()

	log, err := logger.NewLogger(logger.LogConfig{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "exportctl: failed to initialize logger: %v\n", err)
		return exitConfig
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadYAML(*configPath)
		if err != nil {
			log.Error("load config %s: %v", *configPath, err)
			return exitConfig
		}
		cfg = loaded
	}
	if *exportID != "" {
		cfg.ExportID = *exportID
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *format != "" {
		cfg.Format = *format
	}
	if *sections != "" {
		cfg.Sections = strings.Split(*sections, ",")
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration: %v", err)
		return exitConfig
	}

	var dd *dedupe.Index
	if cfg.DedupeEnabled {
		path := *dedupeDir
		if path == "" {
			path = cfg.OutputDir
		}
		dd, err = dedupe.Open(path+"/."+cfg.ExportID+".dedupe.db", log)
		if err != nil {
			log.Error("open dedupe index: %v", err)
			return exitConfig
		}
		defer dd.Close()
	}

	client := httpapi.NewClient(*baseURL, *token)

	orch := orchestrator.New(cfg, log, dd)
	orch.BuildSource = client.SectionSource
	orch.BuildTransform = transform.Default
	orch.StatusOf = httpapi.StatusOf

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	interrupted := false
	go func() {
		<-sigCh
		log.Info("received shutdown signal, saving checkpoint and exiting")
		interrupted = true
		cancel()
	}()

	runErr := orch.Run(ctx)
	signal.Stop(sigCh)

	if runErr == nil {
		log.Info("export %s complete", cfg.ExportID)
		return exitSuccess
	}

	if interrupted || errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "interrupted; checkpoint saved at %s\n", cfg.CheckpointPath())
		return exitSignal
	}

	log.Error("export %s failed: %v", cfg.ExportID, runErr)
	return exitFatal
}
