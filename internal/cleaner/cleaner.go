// Package cleaner validates and coerces parsed rows into typed records.
//
// Each recipe names a cleaner by id; ids resolve through a registry filled
// at init time. A row that fails coercion or lacks a required field is
// quarantined with a reason and never aborts the rest of the file.
package cleaner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/content"
	"github.com/roach88/rawlake/internal/parser"
)

// Record is one cleaned row. Values hold nil, string, int64, bool,
// *apd.Decimal or a civil date as time.Time at UTC midnight.
type Record struct {
	ContentHash content.ContentHash
	RowIndex    int
	Values      map[string]any
}

// Quarantined is a row that failed validation.
type Quarantined struct {
	ContentHash content.ContentHash `json:"content_hash"`
	RowIndex    int                 `json:"row_index"`
	Line        int                 `json:"line"`
	TargetTable string              `json:"target_table"`
	Reason      string              `json:"reason"`
	Raw         map[string]string   `json:"raw"`
}

// ValidationFailure explains why one row was rejected.
type ValidationFailure struct {
	Field   string
	Missing bool
	Msg     string
}

func (e *ValidationFailure) Error() string {
	if e.Missing {
		return fmt.Sprintf("missing required field %q", e.Field)
	}
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Msg)
}

// ErrSkipRow tells Clean to drop a row without quarantining it, for rows
// that are not data (subtotals, footers).
var ErrSkipRow = errors.New("skip row")

// Result is the outcome of cleaning a batch.
type Result struct {
	Valid       []Record
	Quarantined []Quarantined
	Skipped     int
}

// Cleaner applies one recipe's cleaner to rows.
type Cleaner struct {
	recipe catalog.Recipe
	fn     CleanFunc
}

// New resolves the recipe's cleaner id.
func New(recipe catalog.Recipe) (*Cleaner, error) {
	id := recipe.CleanerID
	if id == "" {
		id = DefaultID
	}
	fn, ok := Lookup(id)
	if !ok {
		return nil, fmt.Errorf("unknown cleaner %q (registered: %v)", id, IDs())
	}
	return &Cleaner{recipe: recipe, fn: fn}, nil
}

// Clean splits rows into valid records and quarantined rows.
func (c *Cleaner) Clean(hash content.ContentHash, rows []parser.Row) Result {
	var res Result
	for _, row := range rows {
		values, err := c.fn(row, c.recipe)
		if err == nil {
			err = checkRequired(values, c.recipe.RequiredFields)
		}
		switch {
		case errors.Is(err, ErrSkipRow):
			res.Skipped++
		case err != nil:
			res.Quarantined = append(res.Quarantined, Quarantined{
				ContentHash: hash,
				RowIndex:    row.Index,
				Line:        row.Line,
				TargetTable: c.recipe.TargetTable,
				Reason:      err.Error(),
				Raw:         row.Fields,
			})
		default:
			res.Valid = append(res.Valid, Record{ContentHash: hash, RowIndex: row.Index, Values: values})
		}
	}
	return res
}

// Clean is a one-shot form of New followed by Cleaner.Clean.
func Clean(hash content.ContentHash, rows []parser.Row, recipe catalog.Recipe) (Result, error) {
	c, err := New(recipe)
	if err != nil {
		return Result{}, err
	}
	return c.Clean(hash, rows), nil
}

func checkRequired(values map[string]any, required []string) error {
	// Stable order so the reported field is deterministic.
	fields := append([]string(nil), required...)
	sort.Strings(fields)
	for _, f := range fields {
		if v, ok := values[f]; !ok || v == nil {
			return &ValidationFailure{Field: f, Missing: true}
		}
	}
	return nil
}
