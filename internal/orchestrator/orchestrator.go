// Package orchestrator implements the export orchestrator (C11): it
// wires the adaptive controller, concurrency limiter, bounded queue,
// paginated source, worker pool, checkpoint tracker, and ETA estimator
// together, drives the fixed section order, and owns the single
// cancellation token for a run.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaydocs/spacesync/internal/checkpoint"
	"github.com/relaydocs/spacesync/internal/concurrency"
	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/dedupe"
	"github.com/relaydocs/spacesync/internal/eta"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/pipeline"
	"github.com/relaydocs/spacesync/internal/queue"
	"github.com/relaydocs/spacesync/internal/ratelimit"
	"github.com/relaydocs/spacesync/internal/retry"
	"github.com/relaydocs/spacesync/internal/sink"
	"github.com/relaydocs/spacesync/internal/source"
	"github.com/relaydocs/spacesync/models"
)

// SectionSource builds the listFn-backed source for one section. The
// caller (typically internal/httpapi) supplies one per section name;
// the orchestrator augments it with the shared controller and retry
// policy rather than constructing transport details itself.
type SectionSource func(section string) source.ListFunc

// Transform converts one raw ExportItem for a section into the record
// a Sink writes. Supplied per section by the caller, since attachment
// inspection (PDF page counts on Properties) only applies to some.
type Transform func(section string) pipeline.Transform

// Section tracks one run's progress through the Pending -> Running ->
// Completed state machine, with a terminal Failed on a fatal error.
// Pause does not move a section to Paused; see Pause.
type Section struct {
	Name  string
	State models.SectionState
}

// Orchestrator drives one export run end to end.
type Orchestrator struct {
	Config     config.Config
	Log        logger.Logger
	Checkpoint *checkpoint.Tracker
	Dedupe     *dedupe.Index // nil when config.DedupeEnabled is false

	BuildSource    SectionSource
	BuildTransform Transform
	// StatusOf extracts an HTTP-equivalent status code from an error
	// ListFn/the section source returned, so internal/retry's
	// Classifier can use the real classification table (429/401/403/
	// 404/422 etc.) instead of falling through to the generic
	// network/other branch. Typically httpapi.StatusOf. Nil is
	// tolerated (every error classifies as CategoryOther/Network).
	StatusOf func(err error) int

	mu       sync.Mutex
	sections []Section
	paused   chan struct{} // non-nil and open while paused; closed/nil while running
}

// New builds an Orchestrator for cfg. dd may be nil to disable the
// dedupe optimization even when cfg.DedupeEnabled is true (e.g. the
// CLI failed to open the SQLite index); callers decide that policy.
func New(cfg config.Config, log logger.Logger, dd *dedupe.Index) *Orchestrator {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	tracker := checkpoint.New(cfg.ExportID, cfg.OutputDir, cfg.CheckpointPath(), cfg.AutoSaveInterval, log)

	sections := make([]Section, len(cfg.Sections))
	for i, name := range cfg.Sections {
		sections[i] = Section{Name: name, State: models.SectionPending}
	}

	return &Orchestrator{
		Config:     cfg,
		Log:        log,
		Checkpoint: tracker,
		Dedupe:     dd,
		sections:   sections,
	}
}

// Sections returns a copy-on-read snapshot of every section's state.
func (o *Orchestrator) Sections() []Section {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Section, len(o.sections))
	copy(out, o.sections)
	return out
}

func (o *Orchestrator) setSectionState(name string, state models.SectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.sections {
		if o.sections[i].Name == name {
			o.sections[i].State = state
			return
		}
	}
}

// Pause requests that the run suspend after its current in-flight
// section work settles at the next section boundary. It is a
// cooperative signal, not a preemption: Run only observes it between
// sections. A section already running finishes as Running; the next
// section stays Pending until Resume, and no section state is ever set
// to Paused.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused == nil {
		o.paused = make(chan struct{})
	}
}

// Resume clears a pending Pause request.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused != nil {
		close(o.paused)
		o.paused = nil
	}
}

func (o *Orchestrator) waitIfPaused(ctx context.Context) error {
	o.mu.Lock()
	ch := o.paused
	o.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives every section named in Config.Sections, in order,
// skipping sections already present in the checkpoint's
// CompletedSections (the resume path). It returns nil only when every
// section reached Completed; any other outcome (cancellation, a fatal
// per-section error) leaves the checkpoint saved and resumable.
func (o *Orchestrator) Run(ctx context.Context) error {
	resumed, err := o.Checkpoint.Initialize()
	if err != nil {
		return fmt.Errorf("initialize checkpoint: %w", err)
	}
	if resumed {
		o.Log.Info("resuming export %s from checkpoint", o.Config.ExportID)
	} else {
		o.Log.Info("starting export %s", o.Config.ExportID)
	}
	defer func() {
		if err := o.Checkpoint.Cleanup(); err != nil {
			o.Log.Error("checkpoint cleanup: %v", err)
		}
	}()

	completed := map[string]bool{}
	for _, name := range o.Checkpoint.Snapshot().CompletedSections {
		completed[name] = true
	}
	for _, name := range o.Checkpoint.Snapshot().CompletedSections {
		o.setSectionState(name, models.SectionCompleted)
	}

	for _, sect := range o.Config.Sections {
		if completed[sect] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return o.abortRun(err)
		}
		if err := o.waitIfPaused(ctx); err != nil {
			return o.abortRun(err)
		}

		o.setSectionState(sect, models.SectionRunning)

		if err := o.runSection(ctx, sect); err != nil {
			o.setSectionState(sect, models.SectionFailed)
			if saveErr := o.Checkpoint.Save(); saveErr != nil {
				o.Log.Error("save checkpoint after section failure: %v", saveErr)
			}
			return fmt.Errorf("section %s: %w", sect, err)
		}

		if err := o.Checkpoint.CompleteSection(sect); err != nil {
			o.setSectionState(sect, models.SectionFailed)
			return fmt.Errorf("complete section %s: %w", sect, err)
		}
		o.setSectionState(sect, models.SectionCompleted)
	}

	if err := o.Checkpoint.Save(); err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	if err := o.Checkpoint.Remove(); err != nil {
		return fmt.Errorf("remove checkpoint on success: %w", err)
	}
	o.Log.Info("export %s complete", o.Config.ExportID)
	return nil
}

// abortRun persists the checkpoint on a cancellation path so the run
// remains resumable, then returns the triggering error.
func (o *Orchestrator) abortRun(cause error) error {
	if err := o.Checkpoint.Save(); err != nil {
		o.Log.Error("save checkpoint on abort: %v", err)
	}
	return cause
}

// runSection constructs one section's source, queue, and worker pool,
// streams it to exhaustion or cancellation, and returns any fatal
// error the pool or source propagated.
func (o *Orchestrator) runSection(ctx context.Context, section string) error {
	class := classForSection(section)
	budget := o.Config.Budget
	if budget == nil {
		budget = models.DefaultConcurrencyBudget()
	}
	controller := ratelimit.New(o.Config.Controller, o.Log)
	limiter := concurrency.NewLimiterSet(budget)

	policy := retry.Policy{
		Classifier:  retry.Classifier{StatusFunc: o.StatusOf},
		MaxAttempts: o.Config.RetryMaxAttempts,
		BaseDelay:   o.Config.RetryBaseDelay,
	}

	listFn := o.BuildSource(section)
	src := source.New(listFn, controller, source.Config{
		PageSize:       o.Config.PageSize,
		MaxMemoryItems: o.Config.MaxMemoryItems,
		Policy:         policy,
	})

	out := sink.New(sink.Format(o.Config.Format), o.Config.OutputDir, section)
	if err := out.Open(); err != nil {
		return pipeline.FatalErr{Err: fmt.Errorf("open sink for section %s: %w", section, err)}
	}
	defer func() {
		if err := out.Close(); err != nil {
			o.Log.Error("close sink for section %s: %v", section, err)
		}
	}()

	q := queue.New[models.ExportItem](o.Config.QueueCapacity)
	items := make(chan models.ExportItem, o.Config.MaxMemoryItems)

	sectionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Resuming mid-section: skip items strictly preceding the saved
	// high-water mark instead of re-queuing the whole already-processed
	// prefix (spec.md §4.11 step 1). Only applies to the section that
	// was actually in progress when the run was interrupted; a section
	// not yet reached has no lastProcessedId to honor.
	snap := o.Checkpoint.Snapshot()
	var filter *resumeFilter
	initialProcessed := 0
	if snap.CurrentSection == section && snap.LastProcessedID != "" {
		filter = newResumeFilter(snap.LastProcessedID, snap.ProcessedCount)
		initialProcessed = snap.ProcessedCount
		o.Log.Info("resuming section %s after id %s (%d items already processed)", section, snap.LastProcessedID, snap.ProcessedCount)
	}

	var streamErr error
	var streamWG sync.WaitGroup
	streamWG.Add(1)
	go func() {
		defer streamWG.Done()
		streamErr = src.Stream(sectionCtx, items)
	}()

	var feedErr error
	var feedWG sync.WaitGroup
	feedWG.Add(1)
	go func() {
		defer feedWG.Done()
		for item := range items {
			if filter != nil && filter.skip(item.ID) {
				continue
			}
			item.Kind = class
			if err := q.Enqueue(sectionCtx, item); err != nil {
				feedErr = err
				cancel()
				return
			}
		}
		q.Close()
	}()

	transform := o.BuildTransform(section)
	pool := &pipeline.Pool{
		Queue:            q,
		Limiter:          limiter,
		Checkpoint:       o.Checkpoint,
		Sink:             out,
		Dedupe:           o.dedupeOrNil(),
		Transform:        transform,
		Section:          section,
		Workers:          controller.RecommendedConcurrency(),
		InitialProcessed: initialProcessed,
	}
	if pool.Workers <= 0 {
		pool.Workers = 1
	}

	estimator := eta.New(o.estimatedTotalFor(section))
	progressDone := make(chan struct{})
	go o.logProgress(sectionCtx, section, estimator, out, progressDone)

	runErr := pool.Run(sectionCtx)
	cancel()
	streamWG.Wait()
	feedWG.Wait()
	close(progressDone)

	if runErr != nil {
		if fe, ok := asFatal(runErr); ok {
			return fe
		}
		return runErr
	}
	if feedErr != nil {
		return feedErr
	}
	if streamErr != nil && streamErr != context.Canceled {
		return streamErr
	}
	return ctx.Err()
}

func asFatal(err error) (pipeline.FatalErr, bool) {
	fe, ok := err.(pipeline.FatalErr)
	return fe, ok
}

func (o *Orchestrator) dedupeOrNil() pipeline.Dedupe {
	if o.Dedupe == nil || !o.Config.DedupeEnabled {
		return nil
	}
	return o.Dedupe
}

// estimatedTotalFor returns the checkpoint's TotalEstimate when set, or
// 0 (unknown) so the ETA estimator reports an Unknown estimate rather
// than a misleading one.
func (o *Orchestrator) estimatedTotalFor(section string) int {
	return o.Checkpoint.Snapshot().TotalEstimate
}

// logProgress periodically folds the checkpoint's processed count
// through the ETA estimator and logs a progress line, until done is
// closed. It never blocks section completion: it observes, it doesn't
// gate anything.
func (o *Orchestrator) logProgress(ctx context.Context, section string, estimator *eta.Estimator, out sink.Sink, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := o.Checkpoint.Snapshot()
			est := estimator.Update(snap.ProcessedCount)
			if est.Unknown {
				o.Log.Debug("section %s: %d processed (%d words), eta unknown", section, snap.ProcessedCount, out.WordCount())
			} else {
				o.Log.Debug("section %s: %d processed (%d words), eta %s (confidence %.2f)", section, snap.ProcessedCount, out.WordCount(), est.ETA.Round(time.Second), est.Confidence)
			}
		}
	}
}

// classForSection maps a section name to the concurrency budget class
// it draws from. Each built-in section uses the class of the same name;
// unrecognized sections fall back to ClassDefault.
func classForSection(section string) models.OperationClass {
	switch section {
	case "pages":
		return models.ClassPages
	case "databases":
		return models.ClassDatabases
	case "users":
		return models.ClassUsers
	case "blocks":
		return models.ClassBlocks
	case "comments":
		return models.ClassComments
	case "properties":
		return models.ClassProperties
	default:
		return models.ClassDefault
	}
}
