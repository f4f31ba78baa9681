// Package warehouse writes cleaned records to the processed store.
//
// Target tables are created on first write from the recipe's declared
// columns and appended to afterwards. All rows of one file, valid and
// quarantined, are written inside a single transaction (see FileLoad), so a
// file that fails halfway leaves no rows behind. Loading a file again
// replaces the rows an earlier load of the same content hash committed.
package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/cleaner"
	"github.com/roach88/rawlake/internal/content"
)

// QuarantineTable is the shared sink for rejected rows.
const QuarantineTable = "quarantined_records"

// Writer is the processed store.
type Writer interface {
	// Begin starts loading the file identified by hash into table. Rows
	// previously committed for hash, in table and in the quarantine sink,
	// are removed inside the same transaction.
	Begin(ctx context.Context, hash content.ContentHash, table string, cols []catalog.ColumnSpec) (FileLoad, error)

	// Count returns the number of rows in table, or 0 if it does not exist.
	Count(ctx context.Context, table string) (int, error)

	// Quarantined returns the quarantined rows of one file.
	Quarantined(ctx context.Context, hash content.ContentHash) ([]cleaner.Quarantined, error)

	Close() error
}

// FileLoad is an open per-file write. Exactly one of Commit or Rollback
// must be called.
type FileLoad interface {
	// Load appends records. Zero records is a no-op.
	Load(ctx context.Context, records []cleaner.Record) (int, error)

	// Quarantine upserts rejected rows keyed by (content_hash, row_index).
	Quarantine(ctx context.Context, rows []cleaner.Quarantined) (int, error)

	Commit() error
	Rollback() error
}

// LoadError reports a write the store rejected.
type LoadError struct {
	Table string
	Op    string
	Err   error

	transient bool
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Table, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the write may succeed.
func (e *LoadError) Transient() bool {
	return e.transient
}

// IsLoadError reports whether err is or wraps a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// Load writes the records of the file identified by hash to table in its
// own transaction.
func Load(ctx context.Context, w Writer, hash content.ContentHash, table string, cols []catalog.ColumnSpec, records []cleaner.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	fl, err := w.Begin(ctx, hash, table, cols)
	if err != nil {
		return 0, err
	}
	n, err := fl.Load(ctx, records)
	if err != nil {
		fl.Rollback()
		return 0, err
	}
	if err := fl.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
