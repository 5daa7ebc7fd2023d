package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/source"
)

func waitUntilDone(t *testing.T, m *Manager, exportID string) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status(exportID, "")
		if err == nil && !st.Running {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("export %s did not finish in time", exportID)
	return Status{}
}

func TestManagerStartRunsToCompletion(t *testing.T) {
	cfg := config.Default()
	cfg.ExportID = "mgr-1"
	cfg.OutputDir = t.TempDir()
	cfg.Sections = []string{"pages"}
	cfg.AutoSaveInterval = 0

	m := NewManager(nil, fixedSource(map[string][]string{"pages": {"p1"}}), nil)
	if err := m.Start(cfg); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	st := waitUntilDone(t, m, "mgr-1")
	if st.Err != nil {
		t.Fatalf("run error: %v", st.Err)
	}
}

func TestManagerStartRejectsDuplicateRunningExport(t *testing.T) {
	cfg := config.Default()
	cfg.ExportID = "mgr-2"
	cfg.OutputDir = t.TempDir()
	cfg.Sections = []string{"pages"}
	cfg.AutoSaveInterval = 0

	blocking := make(chan struct{})
	m := NewManager(nil, func(section string) source.ListFunc {
		return func(ctx context.Context, args source.Args) (source.Page, error) {
			<-blocking
			return source.Page{}, nil
		}
	}, nil)

	if err := m.Start(cfg); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer close(blocking)

	if err := m.Start(cfg); err == nil {
		t.Fatal("expected a second Start for the same export id to be rejected")
	}

	if err := m.Cancel("mgr-2"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
}

func TestManagerStatusUnknownExportErrors(t *testing.T) {
	m := NewManager(nil, fixedSource(nil), nil)
	if _, err := m.Status("nope", ""); err == nil {
		t.Fatal("expected an error for an unknown export id")
	}
}
