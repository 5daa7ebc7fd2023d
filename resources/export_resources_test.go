package resources

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/orchestrator"
	"github.com/relaydocs/spacesync/internal/source"
	"github.com/relaydocs/spacesync/models"
)

func testConfig(t *testing.T, outputDir string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ExportID = "res-export-1"
	cfg.OutputDir = outputDir
	cfg.Sections = []string{"pages"}
	cfg.AutoSaveInterval = 0
	return cfg
}

func TestReadResourceRejectsUnknownScheme(t *testing.T) {
	h := NewExportResourceHandler(orchestrator.NewManager(nil, nil, nil), "")
	if _, err := h.ReadResource(context.Background(), "pdf://x/status"); err == nil {
		t.Fatal("expected an error for a non-spacesync URI")
	}
}

func TestReadResourceRejectsUnknownPath(t *testing.T) {
	outputDir := t.TempDir()
	manager := orchestrator.NewManager(logger.NewNoOpLogger(), func(section string) source.ListFunc {
		return func(ctx context.Context, args source.Args) (source.Page, error) {
			return source.Page{}, nil
		}
	}, nil)
	cfg := testConfig(t, outputDir)
	if err := manager.Start(cfg); err != nil {
		t.Fatal(err)
	}

	h := NewExportResourceHandler(manager, outputDir)
	if _, err := h.ReadResource(context.Background(), "spacesync://"+cfg.ExportID+"/unknown"); err == nil {
		t.Fatal("expected an error for an unrecognized resource path")
	}
}

func TestReadResourceReturnsStatusJSON(t *testing.T) {
	outputDir := t.TempDir()
	manager := orchestrator.NewManager(logger.NewNoOpLogger(), func(section string) source.ListFunc {
		return func(ctx context.Context, args source.Args) (source.Page, error) {
			cursor, _ := args["startCursor"].(string)
			if cursor != "" {
				return source.Page{}, nil
			}
			return source.Page{Results: []models.ExportItem{{ID: "a"}}}, nil
		}
	}, nil)

	cfg := testConfig(t, outputDir)
	if err := manager.Start(cfg); err != nil {
		t.Fatal(err)
	}

	h := NewExportResourceHandler(manager, outputDir)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := h.ReadResource(context.Background(), "spacesync://"+cfg.ExportID+"/status")
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Contents) != 1 {
			t.Fatalf("got %d contents, want 1", len(res.Contents))
		}
		var snap map[string]any
		if err := json.Unmarshal([]byte(res.Contents[0].Text), &snap); err != nil {
			t.Fatal(err)
		}
		if snap["exportId"] == cfg.ExportID {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("status resource never reflected the started export")
}
