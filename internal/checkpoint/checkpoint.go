// Package checkpoint implements the checkpoint tracker (C8): a
// single-writer, durably-persisted record of an export run's progress,
// sufficient to resume after an interruption.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/models"
)

const errorRingCap = 100

// Tracker owns the single in-memory Checkpoint and serializes every
// mutation and save against the orchestrator's single-writer discipline.
type Tracker struct {
	mu    sync.Mutex
	path  string
	cp    models.Checkpoint
	dirty bool
	saved bool

	autoSaveInterval time.Duration
	stopAutoSave     chan struct{}
	autoSaveDone     chan struct{}

	log logger.Logger
}

// New builds a Tracker for the given export. path is the checkpoint
// file's final location; autoSaveInterval <= 0 disables the timer.
func New(exportID, outputPath, path string, autoSaveInterval time.Duration, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Tracker{
		path: path,
		cp: models.Checkpoint{
			ExportID:   exportID,
			OutputPath: outputPath,
			Metadata:   map[string]any{},
		},
		autoSaveInterval: autoSaveInterval,
		log:              log,
	}
}

// Initialize loads an existing checkpoint file if one parses, or writes
// a fresh one and returns false. The bool return mirrors the original
// contract: true means this run is resuming prior progress.
func (t *Tracker) Initialize() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.tryLoad(); ok {
		t.cp = existing
		t.saved = true
		t.log.Info("resuming export %s from checkpoint (processed=%d, section=%s)", t.cp.ExportID, t.cp.ProcessedCount, t.cp.CurrentSection)
		t.startAutoSave()
		return true, nil
	}

	t.cp.StartTimeMs = wallClockMs()
	t.cp.LastUpdateMs = t.cp.StartTimeMs
	t.dirty = true
	if err := t.saveLocked(); err != nil {
		return false, errors.WithStack(err)
	}
	t.startAutoSave()
	return false, nil
}

func (t *Tracker) tryLoad() (models.Checkpoint, bool) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return models.Checkpoint{}, false
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		t.log.Warn("checkpoint file %s did not parse, starting fresh: %v", t.path, err)
		return models.Checkpoint{}, false
	}
	return cp, true
}

// UpdateProgress records the worker pool's high-water mark for a
// section. It never blocks on disk I/O; Save does that separately.
func (t *Tracker) UpdateProgress(section string, countInSection int, lastID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cp.CurrentSection = section
	t.cp.ProcessedCount = countInSection
	if lastID != "" {
		t.cp.LastProcessedID = lastID
	}
	t.cp.LastUpdateMs = wallClockMs()
	t.dirty = true
}

// CompleteSection marks a section done, idempotently, and commits
// immediately (a section boundary is a natural durability point).
func (t *Tracker) CompleteSection(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.cp.CompletedSections {
		if s == name {
			return nil
		}
	}
	t.cp.CompletedSections = append(t.cp.CompletedSections, name)
	t.dirty = true
	return t.saveLocked()
}

// RecordError appends an ErrorRecord, evicting the oldest entry once
// the ring exceeds errorRingCap (newest-N-retained).
func (t *Tracker) RecordError(operation string, err error, objectID string, retryCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := models.ErrorRecord{
		TimestampMs: wallClockMs(),
		Operation:   operation,
		ObjectID:    objectID,
		Message:     err.Error(),
		RetryCount:  retryCount,
	}
	if stack := stackOrNil(err); stack != nil {
		rec.StackOrNil = stack
	}

	t.cp.Errors = append(t.cp.Errors, rec)
	if len(t.cp.Errors) > errorRingCap {
		t.cp.Errors = t.cp.Errors[len(t.cp.Errors)-errorRingCap:]
	}
	t.dirty = true
}

// stackOrNil renders a pkg/errors stack trace as a %+v string, if err
// carries one. Errors that never passed through errors.WithStack (e.g.
// a bare fmt.Errorf) yield nil rather than an empty stack.
func stackOrNil(err error) *string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	var st stackTracer
	cause := err
	for cause != nil {
		if s, ok := cause.(stackTracer); ok {
			st = s
			break
		}
		u, ok := cause.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cause = u.Unwrap()
	}
	if st == nil {
		return nil
	}
	s := fmt.Sprintf("%v%+v", errors.Cause(err), st.StackTrace())
	return &s
}

// SetTotalEstimate records the ETA estimator's current total guess.
func (t *Tracker) SetTotalEstimate(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.TotalEstimate = n
	t.dirty = true
}

// SetMetadata sets one metadata key. Callers are responsible for never
// placing secrets here; the tracker does not inspect values.
func (t *Tracker) SetMetadata(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cp.Metadata == nil {
		t.cp.Metadata = map[string]any{}
	}
	t.cp.Metadata[key] = value
	t.dirty = true
}

// Snapshot returns a copy-on-read view of the current checkpoint.
func (t *Tracker) Snapshot() models.Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

func (t *Tracker) copyLocked() models.Checkpoint {
	cp := t.cp
	cp.CompletedSections = append([]string(nil), t.cp.CompletedSections...)
	cp.Errors = append([]models.ErrorRecord(nil), t.cp.Errors...)
	meta := make(map[string]any, len(t.cp.Metadata))
	for k, v := range t.cp.Metadata {
		meta[k] = v
	}
	cp.Metadata = meta
	return cp
}

// Save writes the checkpoint to disk if dirty (or this is the first
// save), via the temp-file-then-rename pattern so readers never observe
// a truncated file.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	if !t.dirty && t.saved {
		return nil
	}

	raw, err := json.Marshal(t.cp)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}

	// Route the document through gjson/sjson so the on-disk encoding
	// is path-addressable (and pretty-printed) rather than a bare
	// json.Marshal dump; this is also where a caller-supplied
	// metadata patch would be layered in via sjson.SetRaw.
	doc := string(raw)
	doc, err = sjson.Set(doc, "lastUpdateMs", wallClockMs())
	if err != nil {
		return errors.Wrap(err, "set lastUpdateMs")
	}
	if !gjson.Valid(doc) {
		return errors.New("checkpoint: generated document is not valid JSON")
	}

	formatted := pretty.Pretty([]byte(doc))

	dir := filepath.Dir(t.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create checkpoint directory")
		}
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, formatted, 0o644); err != nil {
		return errors.Wrap(err, "write temp checkpoint")
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return errors.Wrap(err, "rename checkpoint into place")
	}

	t.dirty = false
	t.saved = true
	return nil
}

// Load returns the on-disk checkpoint, or ok=false if it is absent or
// unparseable.
func Load(path string) (models.Checkpoint, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Checkpoint{}, false
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return models.Checkpoint{}, false
	}
	return cp, true
}

// Remove deletes the checkpoint file; absence is not an error.
func (t *Tracker) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove checkpoint")
	}
	return nil
}

// Cleanup stops the auto-save timer and performs one final save.
func (t *Tracker) Cleanup() error {
	t.mu.Lock()
	stop := t.stopAutoSave
	done := t.autoSaveDone
	t.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return t.Save()
}

// startAutoSave launches the periodic save timer. Caller must hold t.mu.
func (t *Tracker) startAutoSave() {
	if t.autoSaveInterval <= 0 || t.stopAutoSave != nil {
		return
	}
	t.stopAutoSave = make(chan struct{})
	t.autoSaveDone = make(chan struct{})

	go func() {
		defer close(t.autoSaveDone)
		ticker := time.NewTicker(t.autoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.mu.Lock()
				dirty := t.dirty
				t.mu.Unlock()
				if dirty {
					if err := t.Save(); err != nil {
						t.log.Error("auto-save failed: %v", err)
					}
				}
			case <-t.stopAutoSave:
				return
			}
		}
	}()
}

// wallClockMs is deliberately wall-clock, not monotonic: every call site
// above feeds a user-facing timestamp (error records, lastUpdateMs) that
// must survive process restarts and be meaningful read back from disk, per
// the design notes' wall-clock-for-user-facing-timestamps split. Scheduling
// decisions use ratelimit's monotonicMs instead.
func wallClockMs() int64 {
	return time.Now().UnixMilli()
}
