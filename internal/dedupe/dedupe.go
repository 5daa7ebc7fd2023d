// Package dedupe keeps a per-section SQLite index of already-emitted
// object ids, letting the worker pool skip re-invoking a sink for ids a
// previous run already flushed. This is an optimization layered on top
// of, not a replacement for, the checkpoint's lastProcessedId
// high-water mark: losing the index only costs redundant work, never
// correctness.
package dedupe

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaydocs/spacesync/internal/logger"
)

// Index is a SQLite-backed seen-id set, scoped per section.
type Index struct {
	db  *sql.DB
	log logger.Logger
}

// Open creates or reopens the dedupe index at dbPath.
func Open(dbPath string, log logger.Logger) (*Index, error) {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open dedupe index: %w", err)
	}

	idx := &Index{db: db, log: log}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize dedupe schema: %w", err)
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS seen_ids (
			section TEXT NOT NULL,
			object_id TEXT NOT NULL,
			PRIMARY KEY (section, object_id)
		);
	`)
	return err
}

// Seen reports whether id has already been recorded for section.
func (idx *Index) Seen(ctx context.Context, section, id string) (bool, error) {
	var exists bool
	err := idx.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM seen_ids WHERE section = ? AND object_id = ?)
	`, section, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check seen id: %w", err)
	}
	return exists, nil
}

// Mark records id as emitted for section. Safe to call more than once
// for the same (section, id) pair.
func (idx *Index) Mark(ctx context.Context, section, id string) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO seen_ids (section, object_id) VALUES (?, ?)
	`, section, id)
	if err != nil {
		return fmt.Errorf("mark seen id: %w", err)
	}
	return nil
}

// ClearSection drops every recorded id for section, used when a
// section is being re-run from scratch rather than resumed.
func (idx *Index) ClearSection(ctx context.Context, section string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM seen_ids WHERE section = ?`, section)
	if err != nil {
		return fmt.Errorf("clear section %s: %w", section, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	if idx.db != nil {
		return idx.db.Close()
	}
	return nil
}
