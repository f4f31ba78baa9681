package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/rawlake/internal/content"
)

// Clock supplies timestamps for manifest mutations.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Entry is one row of the manifest.
type Entry struct {
	ContentHash  content.ContentHash `json:"content_hash"`
	OriginalPath string              `json:"original_path"`
	SourceSystem string              `json:"source_system"`
	Status       Status              `json:"status"`

	DiscoveryTime      time.Time  `json:"discovery_time"`
	IngestionTime      *time.Time `json:"ingestion_time,omitempty"`
	TransformStartTime *time.Time `json:"transform_start_time,omitempty"`
	TransformEndTime   *time.Time `json:"transform_end_time,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`

	ErrorMessage        string `json:"error_message,omitempty"`
	Fingerprint         string `json:"fingerprint,omitempty"`
	TargetTable         string `json:"target_table,omitempty"`
	ProcessedRowCount   int    `json:"processed_row_count"`
	QuarantinedRowCount int    `json:"quarantined_row_count"`
	RetryCount          int    `json:"retry_count"`
	SizeBytes           int64  `json:"size_bytes"`

	// RecipeDigest is the catalog.Recipe digest of the last transform
	// attempt whose outcome was deterministic; empty otherwise.
	RecipeDigest string `json:"recipe_digest,omitempty"`
}

// Event is one row of the audit trail.
type Event struct {
	ID      int64     `json:"id"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	RunID   string    `json:"run_id,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Sighting records one path a content hash was discovered under.
type Sighting struct {
	OriginalPath string    `json:"original_path"`
	SourceSystem string    `json:"source_system"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	SeenCount    int       `json:"seen_count"`
}

// Manifest reads and mutates manifest rows.
// Safe for concurrent use; each call runs in its own transaction.
type Manifest struct {
	db    *sql.DB
	clock Clock
	runID string
}

// New wraps a database opened by store.Open.
func New(db *sql.DB) *Manifest {
	return &Manifest{db: db, clock: systemClock{}}
}

// WithClock returns a copy of m that stamps times from c.
func (m *Manifest) WithClock(c Clock) *Manifest {
	cp := *m
	cp.clock = c
	return &cp
}

// WithRunID returns a copy of m that tags audit events with runID.
func (m *Manifest) WithRunID(runID string) *Manifest {
	cp := *m
	cp.runID = runID
	return &cp
}

// RunID returns the run tag applied to audit events.
func (m *Manifest) RunID() string {
	return m.runID
}

func (m *Manifest) now() time.Time {
	return m.clock.Now().UTC()
}

const entryColumns = `
	content_hash, original_path, source_system, status,
	discovery_time, ingestion_time, transform_start_time, transform_end_time, updated_at,
	error_message, fingerprint, target_table,
	processed_row_count, quarantined_row_count, retry_count, size_bytes,
	recipe_digest`

// Discover records a sighting of hash at path. The first sighting creates a
// DISCOVERED entry; later sightings leave the entry untouched and only
// update manifest_sightings. created reports whether the entry is new.
func (m *Manifest) Discover(ctx context.Context, hash content.ContentHash, path, source string, size int64) (entry Entry, created bool, err error) {
	if !hash.Valid() {
		return Entry{}, false, fmt.Errorf("discover: invalid content hash %q", hash)
	}
	now := formatTime(m.now())

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, fmt.Errorf("discover: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO manifest (content_hash, original_path, source_system, status, discovery_time, updated_at, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, string(hash), path, source, string(StatusDiscovered), now, now, size)
	if err != nil {
		return Entry{}, false, fmt.Errorf("discover: insert: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Entry{}, false, fmt.Errorf("discover: rows affected: %w", err)
	}
	created = rowsAffected > 0

	if created {
		if err := m.appendEvent(ctx, tx, hash, "", StatusDiscovered, "discovered at "+path, now); err != nil {
			return Entry{}, false, fmt.Errorf("discover: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO manifest_sightings (content_hash, original_path, source_system, first_seen, last_seen, seen_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(content_hash, original_path) DO UPDATE SET
			last_seen = excluded.last_seen,
			seen_count = seen_count + 1
	`, string(hash), path, source, now, now)
	if err != nil {
		return Entry{}, false, fmt.Errorf("discover: sighting: %w", err)
	}

	entry, err = getEntry(ctx, tx, hash)
	if err != nil {
		return Entry{}, false, fmt.Errorf("discover: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, false, fmt.Errorf("discover: commit: %w", err)
	}
	return entry, created, nil
}

// Get returns the entry for hash or ErrNotFound.
func (m *Manifest) Get(ctx context.Context, hash content.ContentHash) (Entry, error) {
	return getEntry(ctx, m.db, hash)
}

// ListByStatus returns entries in any of the given statuses (all entries when
// none are given), oldest discovery first.
func (m *Manifest) ListByStatus(ctx context.Context, statuses ...Status) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM manifest`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			if !s.Valid() {
				return nil, fmt.Errorf("list: unknown status %q", s)
			}
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY discovery_time ASC, content_hash COLLATE BINARY ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: iterate: %w", err)
	}
	return entries, nil
}

// Counts returns the number of entries per status. Every status is present.
func (m *Manifest) Counts(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}

	rows, err := m.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM manifest GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, fmt.Errorf("counts: scan: %w", err)
		}
		st, err := ParseStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("counts: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counts: iterate: %w", err)
	}
	return counts, nil
}

// Events returns the audit trail for hash in order.
func (m *Manifest) Events(ctx context.Context, hash content.ContentHash) ([]Event, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, from_status, to_status, run_id, message, at
		FROM manifest_events
		WHERE content_hash = ?
		ORDER BY id ASC
	`, string(hash))
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var from, to, at string
		if err := rows.Scan(&ev.ID, &from, &to, &ev.RunID, &ev.Message, &at); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		ev.From = Status(from)
		ev.To = Status(to)
		if ev.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: iterate: %w", err)
	}
	return events, nil
}

// Sightings returns every path hash has been discovered under.
func (m *Manifest) Sightings(ctx context.Context, hash content.ContentHash) ([]Sighting, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT original_path, source_system, first_seen, last_seen, seen_count
		FROM manifest_sightings
		WHERE content_hash = ?
		ORDER BY first_seen ASC, original_path COLLATE BINARY ASC
	`, string(hash))
	if err != nil {
		return nil, fmt.Errorf("sightings: %w", err)
	}
	defer rows.Close()

	out := []Sighting{}
	for rows.Next() {
		var s Sighting
		var first, last string
		if err := rows.Scan(&s.OriginalPath, &s.SourceSystem, &first, &last, &s.SeenCount); err != nil {
			return nil, fmt.Errorf("sightings: scan: %w", err)
		}
		if s.FirstSeen, err = parseTime(first); err != nil {
			return nil, fmt.Errorf("sightings: %w", err)
		}
		if s.LastSeen, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("sightings: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sightings: iterate: %w", err)
	}
	return out, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntry(ctx context.Context, q queryer, hash content.ContentHash) (Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM manifest WHERE content_hash = ?`, string(hash))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var hash, status, discovered, updated string
	var ingested, transformStart, transformEnd sql.NullString
	err := s.Scan(
		&hash, &e.OriginalPath, &e.SourceSystem, &status,
		&discovered, &ingested, &transformStart, &transformEnd, &updated,
		&e.ErrorMessage, &e.Fingerprint, &e.TargetTable,
		&e.ProcessedRowCount, &e.QuarantinedRowCount, &e.RetryCount, &e.SizeBytes,
		&e.RecipeDigest,
	)
	if err != nil {
		return Entry{}, err
	}

	e.ContentHash = content.ContentHash(hash)
	if e.Status, err = ParseStatus(status); err != nil {
		return Entry{}, err
	}
	if e.DiscoveryTime, err = parseTime(discovered); err != nil {
		return Entry{}, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return Entry{}, err
	}
	if e.IngestionTime, err = parseNullTime(ingested); err != nil {
		return Entry{}, err
	}
	if e.TransformStartTime, err = parseNullTime(transformStart); err != nil {
		return Entry{}, err
	}
	if e.TransformEndTime, err = parseNullTime(transformEnd); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
