package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaydocs/spacesync/internal/checkpoint"
	"github.com/relaydocs/spacesync/internal/config"
	"github.com/relaydocs/spacesync/internal/dedupe"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/internal/transform"
	"github.com/relaydocs/spacesync/models"
)

// Status is the copy-on-read progress snapshot the MCP tools and the
// CLI's status command both read.
type Status struct {
	ExportID string
	Sections []Section
	Running  bool
	Err      error
	Snapshot models.Checkpoint
}

type run struct {
	orch   *Orchestrator
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager tracks every export run started in this process, keyed by
// export id, so a control surface (MCP tools, a CLI status command)
// can query or resume a run without holding its own reference.
type Manager struct {
	mu   sync.Mutex
	runs map[string]*run

	log         logger.Logger
	buildSource SectionSource
	buildDedupe func(cfg config.Config) (*dedupe.Index, error)

	// StatusOf is threaded onto every Orchestrator this Manager
	// starts, the same way BuildSource/BuildTransform are. Typically
	// set to httpapi.StatusOf by the caller after NewManager returns;
	// nil is tolerated (see Orchestrator.StatusOf).
	StatusOf func(err error) int
}

// NewManager builds a Manager. buildSource constructs the section
// ListFunc (normally httpapi.Client.SectionSource); buildDedupe opens
// the per-export dedupe index, or may be nil to always disable it.
func NewManager(log logger.Logger, buildSource SectionSource, buildDedupe func(cfg config.Config) (*dedupe.Index, error)) *Manager {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Manager{
		runs:        map[string]*run{},
		log:         log,
		buildSource: buildSource,
		buildDedupe: buildDedupe,
	}
}

// Start launches a new export run for cfg, or returns an error if one
// is already running under the same export id. It returns immediately;
// the run proceeds in the background.
func (m *Manager) Start(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.runs[cfg.ExportID]; ok {
		m.mu.Unlock()
		select {
		case <-existing.done:
			// Previous run finished; fall through to start a fresh one.
		default:
			return fmt.Errorf("export %s is already running", cfg.ExportID)
		}
		m.mu.Lock()
	}
	m.mu.Unlock()

	var dd *dedupe.Index
	if cfg.DedupeEnabled && m.buildDedupe != nil {
		var err error
		dd, err = m.buildDedupe(cfg)
		if err != nil {
			return fmt.Errorf("open dedupe index: %w", err)
		}
	}

	orch := New(cfg, m.log, dd)
	orch.BuildSource = m.buildSource
	orch.BuildTransform = transform.Default
	orch.StatusOf = m.StatusOf

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{orch: orch, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.runs[cfg.ExportID] = r
	m.mu.Unlock()

	go func() {
		defer close(r.done)
		defer func() {
			if dd != nil {
				_ = dd.Close()
			}
		}()
		r.err = orch.Run(ctx)
	}()

	return nil
}

// Resume is Start under another name: a fresh Orchestrator.Run always
// resumes from whatever checkpoint exists on disk, so starting and
// resuming an export id are the same operation from the Manager's
// point of view.
func (m *Manager) Resume(cfg config.Config) error {
	return m.Start(cfg)
}

// Pause requests a cooperative pause for a running export.
func (m *Manager) Pause(exportID string) error {
	m.mu.Lock()
	r, ok := m.runs[exportID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such export: %s", exportID)
	}
	r.orch.Pause()
	return nil
}

// Cancel requests cancellation for a running export; the run persists
// its checkpoint and exits rather than vanishing mid-section.
func (m *Manager) Cancel(exportID string) error {
	m.mu.Lock()
	r, ok := m.runs[exportID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such export: %s", exportID)
	}
	r.cancel()
	return nil
}

// Status reports a run's current state. It works for a run this
// process started (live Sections()) as well as one only known via its
// on-disk checkpoint (e.g. after a process restart), falling back to
// Load in the latter case.
func (m *Manager) Status(exportID, checkpointPath string) (Status, error) {
	m.mu.Lock()
	r, ok := m.runs[exportID]
	m.mu.Unlock()

	if ok {
		running := false
		select {
		case <-r.done:
		default:
			running = true
		}
		return Status{
			ExportID: exportID,
			Sections: r.orch.Sections(),
			Running:  running,
			Err:      r.err,
			Snapshot: r.orch.Checkpoint.Snapshot(),
		}, nil
	}

	cp, found := checkpoint.Load(checkpointPath)
	if !found {
		return Status{}, fmt.Errorf("no known export %s", exportID)
	}
	return Status{ExportID: exportID, Snapshot: cp}, nil
}
