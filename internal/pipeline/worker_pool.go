// Package pipeline implements the worker pool (C7): N workers sharing
// one bounded queue, each running dequeue -> transform (rate-limited,
// per-class) -> sink write -> checkpoint update, with per-item failures
// recorded and skipped and fatal failures propagated to the caller.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/relaydocs/spacesync/internal/concurrency"
	"github.com/relaydocs/spacesync/internal/queue"
	"github.com/relaydocs/spacesync/models"
)

// FatalErr wraps an error that must abort the whole pool rather than
// being skipped as a per-item SoftItem failure (auth failure, disk
// write failure, checkpoint persistence failure).
type FatalErr struct{ Err error }

func (f FatalErr) Error() string { return fmt.Sprintf("fatal: %v", f.Err) }
func (f FatalErr) Unwrap() error { return f.Err }

// Transform converts a queued item into the record a Sink writes.
// Returning a FatalErr aborts the pool; any other error is recorded as
// a per-item SoftItem failure and processing continues.
type Transform func(ctx context.Context, item models.ExportItem) (map[string]any, error)

// Sink is the subset of sink.Sink the pool writes through.
type Sink interface {
	WriteLine(id string, record map[string]any) error
}

// Checkpoint is the subset of checkpoint.Tracker the pool reports
// progress and errors through.
type Checkpoint interface {
	UpdateProgress(section string, countInSection int, lastID string)
	RecordError(operation string, err error, objectID string, retryCount int)
}

// Dedupe is the subset of dedupe.Index the pool consults, optional.
type Dedupe interface {
	Seen(ctx context.Context, section, id string) (bool, error)
	Mark(ctx context.Context, section, id string) error
}

// Pool is the worker pool (C7).
type Pool struct {
	Queue      *queue.BoundedQueue[models.ExportItem]
	Limiter    *concurrency.LimiterSet
	Checkpoint Checkpoint
	Sink       Sink
	Dedupe     Dedupe // nil disables dedupe lookups
	Transform  Transform
	Section    string
	Workers    int
	// InitialProcessed seeds the in-section processed counter when
	// resuming a section that was already partway done before an
	// interruption, so Checkpoint.UpdateProgress reports a running
	// total rather than restarting from zero.
	InitialProcessed int
}

// Run drains Queue with Workers goroutines until it is closed and
// empty, or ctx is cancelled, or a FatalErr aborts the pool. It returns
// the first fatal error, if any.
func (p *Pool) Run(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	processed := int64(p.InitialProcessed)
	var fatalOnce sync.Once
	var fatalErr error

	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := p.Queue.Dequeue(workerCtx)
				if err != nil {
					return
				}
				if err := p.process(workerCtx, item, &processed); err != nil {
					var fe FatalErr
					if asFatal(err, &fe) {
						fatalOnce.Do(func() {
							fatalErr = fe
							cancel()
						})
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if fatalErr != nil {
		return fatalErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func asFatal(err error, out *FatalErr) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if fe, ok := e.(FatalErr); ok {
			*out = fe
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (p *Pool) process(ctx context.Context, item models.ExportItem, processed *int64) error {
	if p.Dedupe != nil {
		seen, err := p.Dedupe.Seen(ctx, p.Section, item.ID)
		if err == nil && seen {
			return nil
		}
	}

	var record map[string]any
	runErr := p.Limiter.Run(ctx, item.Kind, 0, func(ctx context.Context) error {
		rec, err := p.Transform(ctx, item)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})

	if runErr != nil {
		var fe FatalErr
		if asFatal(runErr, &fe) {
			return fe
		}
		p.Checkpoint.RecordError("transform", runErr, item.ID, 0)
		return nil
	}

	if err := p.Sink.WriteLine(item.ID, record); err != nil {
		return FatalErr{Err: fmt.Errorf("write sink record %s: %w", item.ID, err)}
	}
	if p.Dedupe != nil {
		_ = p.Dedupe.Mark(ctx, p.Section, item.ID)
	}

	n := atomic.AddInt64(processed, 1)
	p.Checkpoint.UpdateProgress(p.Section, int(n), item.ID)
	return nil
}
