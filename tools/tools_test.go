package tools

import (
	"context"
	"testing"
	"time"

	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/orchestrator"
	"github.com/relaydocs/spacesync/internal/source"
	"github.com/relaydocs/spacesync/models"
)

func fakeManager() *orchestrator.Manager {
	return orchestrator.NewManager(logger.NewNoOpLogger(), func(section string) source.ListFunc {
		return func(ctx context.Context, args source.Args) (source.Page, error) {
			cursor, _ := args["startCursor"].(string)
			if cursor != "" {
				return source.Page{}, nil
			}
			return source.Page{Results: []models.ExportItem{{ID: "item-1"}}}, nil
		}
	}, nil)
}

func TestStartExportToolHandlerStartsAndStatusReflectsIt(t *testing.T) {
	manager := fakeManager()
	log := logger.NewNoOpLogger()

	_, startResp, err := StartExportToolHandler(context.Background(), nil, StartExportQuery{
		ExportID:  "tool-export-1",
		OutputDir: t.TempDir(),
		Sections:  []string{"pages"},
	}, manager, log)
	if err != nil {
		t.Fatal(err)
	}
	if !startResp.Started {
		t.Fatalf("expected Started=true, got %+v", startResp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, statusResp, err := ExportStatusToolHandler(context.Background(), nil, ExportStatusQuery{
			ExportID: "tool-export-1",
		}, manager, log)
		if err != nil {
			t.Fatal(err)
		}
		if !statusResp.Running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("export did not finish within the test deadline")
}

func TestStartExportToolHandlerSurfacesDuplicateStartError(t *testing.T) {
	manager := orchestrator.NewManager(logger.NewNoOpLogger(), func(section string) source.ListFunc {
		return func(ctx context.Context, args source.Args) (source.Page, error) {
			<-ctx.Done()
			return source.Page{}, ctx.Err()
		}
	}, nil)
	log := logger.NewNoOpLogger()

	query := StartExportQuery{ExportID: "tool-export-2", OutputDir: t.TempDir(), Sections: []string{"pages"}}
	if _, resp, err := StartExportToolHandler(context.Background(), nil, query, manager, log); err != nil || resp.Error != "" {
		t.Fatalf("first start should succeed, got resp=%+v err=%v", resp, err)
	}

	_, resp, err := StartExportToolHandler(context.Background(), nil, query, manager, log)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Fatal("expected the duplicate start to report an error")
	}

	_ = manager.Cancel("tool-export-2")
}

func TestExportStatusToolHandlerUnknownExport(t *testing.T) {
	manager := fakeManager()
	log := logger.NewNoOpLogger()

	_, resp, err := ExportStatusToolHandler(context.Background(), nil, ExportStatusQuery{ExportID: "never-started"}, manager, log)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Fatal("expected an error message for an unknown export id")
	}
}
