package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/relaydocs/spacesync/internal/concurrency"
	"github.com/relaydocs/spacesync/internal/queue"
	"github.com/relaydocs/spacesync/models"
)

type fakeSink struct {
	mu      sync.Mutex
	written map[string]map[string]any
}

func newFakeSink() *fakeSink { return &fakeSink{written: map[string]map[string]any{}} }

func (f *fakeSink) WriteLine(id string, record map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[id] = record
	return nil
}

type fakeCheckpoint struct {
	mu     sync.Mutex
	errors []string
}

func (f *fakeCheckpoint) UpdateProgress(section string, countInSection int, lastID string) {}
func (f *fakeCheckpoint) RecordError(operation string, err error, objectID string, retryCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, objectID)
}

func enqueueAll(t *testing.T, q *queue.BoundedQueue[models.ExportItem], ids []string) {
	t.Helper()
	go func() {
		for _, id := range ids {
			_ = q.Enqueue(context.Background(), models.ExportItem{ID: id, Kind: models.ClassPages})
		}
		q.Close()
	}()
}

func TestSmallRunSinkReceivesExactlyTheSourceItems(t *testing.T) {
	q := queue.New[models.ExportItem](10)
	enqueueAll(t, q, []string{"A", "B", "C"})

	snk := newFakeSink()
	cp := &fakeCheckpoint{}
	pool := &Pool{
		Queue:      q,
		Limiter:    concurrency.NewLimiterSet(models.DefaultConcurrencyBudget()),
		Checkpoint: cp,
		Sink:       snk,
		Transform: func(ctx context.Context, item models.ExportItem) (map[string]any, error) {
			return map[string]any{"id": item.ID}, nil
		},
		Section: "pages",
		Workers: 3,
	}

	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	snk.mu.Lock()
	defer snk.mu.Unlock()
	if len(snk.written) != 3 {
		t.Fatalf("got %d written records, want 3", len(snk.written))
	}
	for _, id := range []string{"A", "B", "C"} {
		if _, ok := snk.written[id]; !ok {
			t.Fatalf("missing record %s", id)
		}
	}
}

func TestTransformErrorOnOneItemSkipsOnlyThatItem(t *testing.T) {
	q := queue.New[models.ExportItem](10)
	enqueueAll(t, q, []string{"A", "B", "C"})

	snk := newFakeSink()
	cp := &fakeCheckpoint{}
	pool := &Pool{
		Queue:      q,
		Limiter:    concurrency.NewLimiterSet(models.DefaultConcurrencyBudget()),
		Checkpoint: cp,
		Sink:       snk,
		Transform: func(ctx context.Context, item models.ExportItem) (map[string]any, error) {
			if item.ID == "B" {
				return nil, fmt.Errorf("transform failed for B")
			}
			return map[string]any{"id": item.ID}, nil
		},
		Section: "pages",
		Workers: 1,
	}

	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	snk.mu.Lock()
	_, hasB := snk.written["B"]
	count := len(snk.written)
	snk.mu.Unlock()
	if hasB {
		t.Fatal("expected B to be skipped")
	}
	if count != 2 {
		t.Fatalf("got %d written records, want 2", count)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.errors) != 1 || cp.errors[0] != "B" {
		t.Fatalf("expected exactly one ErrorRecord for B, got %v", cp.errors)
	}
}

func TestFatalErrorAbortsPoolShutdown(t *testing.T) {
	q := queue.New[models.ExportItem](10)
	enqueueAll(t, q, []string{"A", "B", "C", "D", "E"})

	snk := newFakeSink()
	cp := &fakeCheckpoint{}
	pool := &Pool{
		Queue:      q,
		Limiter:    concurrency.NewLimiterSet(models.DefaultConcurrencyBudget()),
		Checkpoint: cp,
		Sink:       snk,
		Transform: func(ctx context.Context, item models.ExportItem) (map[string]any, error) {
			if item.ID == "C" {
				return nil, FatalErr{Err: fmt.Errorf("disk full")}
			}
			return map[string]any{"id": item.ID}, nil
		},
		Section: "pages",
		Workers: 1,
	}

	err := pool.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to propagate the fatal error")
	}
}

func TestDedupeSkipsAlreadySeenItems(t *testing.T) {
	q := queue.New[models.ExportItem](10)
	enqueueAll(t, q, []string{"A", "B"})

	snk := newFakeSink()
	cp := &fakeCheckpoint{}
	dd := &fakeDedupe{seen: map[string]bool{"A": true}}
	pool := &Pool{
		Queue:      q,
		Limiter:    concurrency.NewLimiterSet(models.DefaultConcurrencyBudget()),
		Checkpoint: cp,
		Sink:       snk,
		Dedupe:     dd,
		Transform: func(ctx context.Context, item models.ExportItem) (map[string]any, error) {
			return map[string]any{"id": item.ID}, nil
		},
		Section: "pages",
		Workers: 1,
	}

	if err := pool.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	snk.mu.Lock()
	defer snk.mu.Unlock()
	if _, ok := snk.written["A"]; ok {
		t.Fatal("expected A to be skipped as already-seen")
	}
	if _, ok := snk.written["B"]; !ok {
		t.Fatal("expected B to be written")
	}
}

type fakeDedupe struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *fakeDedupe) Seen(ctx context.Context, section, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *fakeDedupe) Mark(ctx context.Context, section, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[id] = true
	return nil
}
