package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/cleaner"
	"github.com/roach88/rawlake/internal/content"
)

// Store is a Writer backed by database/sql.
type Store struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

// Open connects to the processed store. driver is "sqlite3" or "duckdb";
// for duckdb an empty dsn opens an in-memory database.
func Open(driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := openDB(d, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, d: d, now: time.Now}
	if err := s.createQuarantineTable(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Driver returns the driver name.
func (s *Store) Driver() string {
	return s.d.name()
}

// DB exposes the connection for read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin implements Writer.
func (s *Store) Begin(ctx context.Context, hash content.ContentHash, table string, cols []catalog.ColumnSpec) (FileLoad, error) {
	if !catalog.ValidIdentifier(table) || table == QuarantineTable {
		return nil, &LoadError{Table: table, Op: "begin", Err: fmt.Errorf("invalid table name %q", table)}
	}
	for _, c := range cols {
		if !catalog.ValidIdentifier(c.Name) {
			return nil, &LoadError{Table: table, Op: "begin", Err: fmt.Errorf("invalid column name %q", c.Name)}
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.loadError(table, "begin", err)
	}
	if err := s.clearFile(ctx, tx, hash, table); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &fileLoad{s: s, tx: tx, table: table, cols: cols}, nil
}

// clearFile deletes what an earlier load of hash committed, so a file
// recovered after a crash between commit and manifest update is not
// loaded twice.
func (s *Store) clearFile(ctx context.Context, tx *sql.Tx, hash content.ContentHash, table string) error {
	existing, err := s.existingColumns(ctx, tx, table)
	if err != nil {
		return s.loadError(table, "inspect", err)
	}
	if len(existing) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+quote(table)+` WHERE content_hash = ?`, string(hash)); err != nil {
			return s.loadError(table, "clear", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+QuarantineTable+` WHERE content_hash = ?`, string(hash)); err != nil {
		return s.loadError(QuarantineTable, "clear", err)
	}
	return nil
}

// Count implements Writer.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if !catalog.ValidIdentifier(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	existing, err := s.existingColumns(ctx, s.db, table)
	if err != nil {
		return 0, err
	}
	if len(existing) == 0 {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quote(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Quarantined implements Writer.
func (s *Store) Quarantined(ctx context.Context, hash content.ContentHash) ([]cleaner.Quarantined, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_index, line, target_table, reason, raw_json
		FROM `+QuarantineTable+`
		WHERE content_hash = ?
		ORDER BY row_index
	`, string(hash))
	if err != nil {
		return nil, fmt.Errorf("query quarantined rows: %w", err)
	}
	defer rows.Close()

	out := []cleaner.Quarantined{}
	for rows.Next() {
		q := cleaner.Quarantined{ContentHash: hash}
		var raw string
		if err := rows.Scan(&q.RowIndex, &q.Line, &q.TargetTable, &q.Reason, &raw); err != nil {
			return nil, fmt.Errorf("scan quarantined row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &q.Raw); err != nil {
			return nil, fmt.Errorf("decode quarantined row %d: %w", q.RowIndex, err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantined rows: %w", err)
	}
	return out, nil
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) existingColumns(ctx context.Context, q execQueryer, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, s.d.columnsQuery(), table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("inspect %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// ensureTable creates table if absent and adds declared columns missing
// from an existing table.
func (s *Store) ensureTable(ctx context.Context, q execQueryer, table string, cols []catalog.ColumnSpec) error {
	existing, err := s.existingColumns(ctx, q, table)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		defs := []string{"content_hash VARCHAR NOT NULL", "row_index BIGINT NOT NULL"}
		if s.d.name() == DriverSQLite {
			defs = []string{"content_hash TEXT NOT NULL", "row_index INTEGER NOT NULL"}
		}
		for _, c := range cols {
			defs = append(defs, quote(c.Name)+" "+s.d.columnType(c.Type))
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(table), strings.Join(defs, ", "))
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		return nil
	}

	for _, c := range cols {
		if existing[c.Name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(table), quote(c.Name), s.d.columnType(c.Type))
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

func (s *Store) createQuarantineTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+QuarantineTable+` (
			content_hash   VARCHAR NOT NULL,
			row_index      BIGINT NOT NULL,
			line           BIGINT NOT NULL,
			target_table   VARCHAR NOT NULL,
			reason         VARCHAR NOT NULL,
			raw_json       VARCHAR NOT NULL,
			quarantined_at VARCHAR NOT NULL,
			PRIMARY KEY (content_hash, row_index)
		)
	`)
	if err != nil {
		return fmt.Errorf("create %s: %w", QuarantineTable, err)
	}
	return nil
}

func (s *Store) loadError(table, op string, err error) *LoadError {
	return &LoadError{Table: table, Op: op, Err: err, transient: s.d.transient(err)}
}

func quote(ident string) string {
	return `"` + ident + `"`
}

type fileLoad struct {
	s      *Store
	tx     *sql.Tx
	table  string
	cols   []catalog.ColumnSpec
	ready  bool
	insert *sql.Stmt
}

func (f *fileLoad) Load(ctx context.Context, records []cleaner.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if !f.ready {
		if err := f.s.ensureTable(ctx, f.tx, f.table, f.cols); err != nil {
			return 0, f.s.loadError(f.table, "prepare table", err)
		}
		names := []string{"content_hash", "row_index"}
		marks := []string{"?", "?"}
		for _, c := range f.cols {
			names = append(names, quote(c.Name))
			marks = append(marks, "?")
		}
		stmt, err := f.tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			quote(f.table), strings.Join(names, ", "), strings.Join(marks, ", ")))
		if err != nil {
			return 0, f.s.loadError(f.table, "prepare insert", err)
		}
		f.insert = stmt
		f.ready = true
	}

	args := make([]any, 2+len(f.cols))
	for i, rec := range records {
		args[0] = string(rec.ContentHash)
		args[1] = int64(rec.RowIndex)
		for j, c := range f.cols {
			v, err := f.s.d.value(c.Type, rec.Values[c.Name])
			if err != nil {
				return i, &LoadError{Table: f.table, Op: "convert", Err: fmt.Errorf("row %d column %s: %w", rec.RowIndex, c.Name, err)}
			}
			args[2+j] = v
		}
		if _, err := f.insert.ExecContext(ctx, args...); err != nil {
			return i, f.s.loadError(f.table, "insert", err)
		}
	}
	return len(records), nil
}

func (f *fileLoad) Quarantine(ctx context.Context, rows []cleaner.Quarantined) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	now := f.s.now().UTC().Format(time.RFC3339Nano)
	for i, q := range rows {
		raw, err := json.Marshal(q.Raw)
		if err != nil {
			return i, &LoadError{Table: QuarantineTable, Op: "encode", Err: err}
		}
		_, err = f.tx.ExecContext(ctx, `
			INSERT INTO `+QuarantineTable+` (content_hash, row_index, line, target_table, reason, raw_json, quarantined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (content_hash, row_index) DO UPDATE SET
				line = excluded.line,
				target_table = excluded.target_table,
				reason = excluded.reason,
				raw_json = excluded.raw_json,
				quarantined_at = excluded.quarantined_at
		`, string(q.ContentHash), int64(q.RowIndex), int64(q.Line), q.TargetTable, q.Reason, string(raw), now)
		if err != nil {
			return i, f.s.loadError(QuarantineTable, "upsert", err)
		}
	}
	return len(rows), nil
}

func (f *fileLoad) Commit() error {
	if f.insert != nil {
		f.insert.Close()
	}
	if err := f.tx.Commit(); err != nil {
		return f.s.loadError(f.table, "commit", err)
	}
	return nil
}

func (f *fileLoad) Rollback() error {
	if f.insert != nil {
		f.insert.Close()
	}
	return f.tx.Rollback()
}
