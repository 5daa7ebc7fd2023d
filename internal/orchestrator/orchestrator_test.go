package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/pipeline"
	"github.com/relaydocs/spacesync/internal/source"
	"github.com/relaydocs/spacesync/models"
)

// fixedSource returns a ListFunc that yields ids in one page and then
// signals exhaustion, regardless of which section it backs.
func fixedSource(ids map[string][]string) SectionSource {
	return func(section string) source.ListFunc {
		return func(ctx context.Context, args source.Args) (source.Page, error) {
			cursor, _ := args["startCursor"].(string)
			if cursor != "" {
				return source.Page{}, nil
			}
			var items []models.ExportItem
			for _, id := range ids[section] {
				items = append(items, models.ExportItem{ID: id})
			}
			return source.Page{Results: items}, nil
		}
	}
}

func passthroughTransform(section string) pipeline.Transform {
	return func(ctx context.Context, item models.ExportItem) (map[string]any, error) {
		return map[string]any{"id": item.ID}, nil
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ExportID = "test-export"
	cfg.OutputDir = t.TempDir()
	cfg.Sections = []string{"pages", "users"}
	cfg.AutoSaveInterval = 0
	return cfg
}

func TestRunCompletesAllSectionsAndRemovesCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, nil, nil)
	o.BuildSource = fixedSource(map[string][]string{
		"pages": {"p1", "p2"},
		"users": {"u1"},
	})
	o.BuildTransform = passthroughTransform

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	for _, s := range o.Sections() {
		if s.State != models.SectionCompleted {
			t.Fatalf("section %s in state %s, want completed", s.Name, s.State)
		}
	}

	if _, err := os.Stat(cfg.CheckpointPath()); !os.IsNotExist(err) {
		t.Fatalf("expected checkpoint to be removed after a successful run, stat err=%v", err)
	}

	pagesOut := filepath.Join(cfg.OutputDir, "pages.jsonl")
	if _, err := os.Stat(pagesOut); err != nil {
		t.Fatalf("expected a pages output file, got stat error: %v", err)
	}
}

func TestRunSkipsSectionsAlreadyInCompletedSections(t *testing.T) {
	cfg := testConfig(t)

	// Pre-seed a checkpoint with "pages" already completed so Run must
	// not re-source it.
	seed := fmt.Sprintf(`{"exportId":%q,"outputPath":%q,"completedSections":["pages"],"currentSection":"","errors":[],"metadata":{}}`,
		cfg.ExportID, cfg.OutputDir)
	if err := os.WriteFile(cfg.CheckpointPath(), []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	calledSections := map[string]bool{}
	o := New(cfg, nil, nil)
	o.BuildSource = func(section string) source.ListFunc {
		calledSections[section] = true
		return fixedSource(map[string][]string{"users": {"u1"}})(section)
	}
	o.BuildTransform = passthroughTransform

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if calledSections["pages"] {
		t.Fatal("expected the already-completed pages section not to be re-sourced")
	}
	if !calledSections["users"] {
		t.Fatal("expected the users section to run")
	}
}

// TestRunResumeSkipsItemsThroughLastProcessedID seeds a checkpoint mid
// "pages" section (lastProcessedId="p2", processedCount=2) and asserts
// the resumed run never transforms p1/p2 again, per spec.md §4.11 step
// 1 ("skip items strictly preceding it"), rather than relying solely on
// dedupe to mask the re-fetch.
func TestRunResumeSkipsItemsThroughLastProcessedID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sections = []string{"pages"}

	seed := fmt.Sprintf(`{"exportId":%q,"outputPath":%q,"processedCount":2,"lastProcessedId":"p2","completedSections":[],"currentSection":"pages","errors":[],"metadata":{}}`,
		cfg.ExportID, cfg.OutputDir)
	if err := os.WriteFile(cfg.CheckpointPath(), []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var transformed []string
	o := New(cfg, nil, nil)
	o.BuildSource = fixedSource(map[string][]string{"pages": {"p1", "p2", "p3", "p4"}})
	o.BuildTransform = func(section string) pipeline.Transform {
		return func(ctx context.Context, item models.ExportItem) (map[string]any, error) {
			mu.Lock()
			transformed = append(transformed, item.ID)
			mu.Unlock()
			return map[string]any{"id": item.ID}, nil
		}
	}

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	seen := map[string]bool{}
	for _, id := range transformed {
		seen[id] = true
	}
	if seen["p1"] || seen["p2"] {
		t.Fatalf("expected p1/p2 to be skipped on resume, got transformed=%v", transformed)
	}
	if !seen["p3"] || !seen["p4"] {
		t.Fatalf("expected p3/p4 to be processed on resume, got transformed=%v", transformed)
	}
}

func TestRunPropagatesFatalTransformError(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, nil, nil)
	o.BuildSource = fixedSource(map[string][]string{"pages": {"p1"}, "users": {"u1"}})
	o.BuildTransform = func(section string) pipeline.Transform {
		return func(ctx context.Context, item models.ExportItem) (map[string]any, error) {
			return nil, pipeline.FatalErr{Err: fmt.Errorf("disk full")}
		}
	}

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to surface the fatal transform error")
	}

	if _, statErr := os.Stat(cfg.CheckpointPath()); statErr != nil {
		t.Fatalf("expected checkpoint to survive a failed run for resumability, stat err=%v", statErr)
	}

	found := false
	for _, s := range o.Sections() {
		if s.Name == "pages" && s.State == models.SectionFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the pages section to be marked failed")
	}
}

func TestRunRespectsCancellation(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, nil, nil)
	o.BuildSource = fixedSource(map[string][]string{"pages": {"p1"}, "users": {"u1"}})
	o.BuildTransform = passthroughTransform

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := o.Run(ctx); err == nil {
		t.Fatal("expected Run to report an error for an already-cancelled context")
	}
}

func TestPauseThenResumeAllowsRunToProceed(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, nil, nil)
	o.BuildSource = fixedSource(map[string][]string{"pages": {"p1"}, "users": {"u1"}})
	o.BuildTransform = passthroughTransform
	o.Pause()
	o.Resume()

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}
