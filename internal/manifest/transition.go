package manifest

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/rawlake/internal/content"
)

// Outcome is the terminal result of a transformation attempt.
type Outcome struct {
	Status          Status
	Fingerprint     string
	TargetTable     string
	RowsLoaded      int
	RowsQuarantined int
	Retries         int
	Err             error

	// RecipeDigest identifies the recipe the attempt ran with. Leave it
	// empty for failures a later attempt with the same recipe may fix.
	RecipeDigest string
}

// Transition moves hash to status to. The edge must be legal from the
// entry's current status, and the current status must still be what was
// read when the update lands; otherwise a *TransitionError is returned and
// nothing changes. mutate, when non-nil, may set metadata fields on the
// entry before it is written. Timestamps are maintained automatically.
func (m *Manifest) Transition(ctx context.Context, hash content.ContentHash, to Status, mutate func(*Entry), msg string) (Entry, error) {
	if !to.Valid() {
		return Entry{}, fmt.Errorf("transition: unknown status %q", to)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("transition: begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err := getEntry(ctx, tx, hash)
	if err != nil {
		return Entry{}, fmt.Errorf("transition %s: %w", hash.Short(), err)
	}
	from := entry.Status
	if !CanTransition(from, to) {
		return Entry{}, &TransitionError{Hash: hash, From: from, To: to}
	}

	now := m.now()
	entry.Status = to
	entry.UpdatedAt = now
	switch {
	case to == StatusRawIngested:
		if entry.IngestionTime == nil || from == StatusRawIngestionFailed {
			entry.IngestionTime = &now
		}
		entry.TransformStartTime = nil
		entry.TransformEndTime = nil
		entry.ErrorMessage = ""
	case to == StatusTransforming:
		entry.TransformStartTime = &now
		entry.TransformEndTime = nil
		entry.ErrorMessage = ""
	case to.Terminal() && from == StatusTransforming:
		entry.TransformEndTime = &now
	}
	if mutate != nil {
		mutate(&entry)
	}
	// Mutators may not redirect the transition.
	entry.Status = to
	entry.ContentHash = hash

	result, err := tx.ExecContext(ctx, `
		UPDATE manifest SET
			status = ?,
			ingestion_time = ?,
			transform_start_time = ?,
			transform_end_time = ?,
			updated_at = ?,
			error_message = ?,
			fingerprint = ?,
			target_table = ?,
			processed_row_count = ?,
			quarantined_row_count = ?,
			retry_count = ?,
			size_bytes = ?,
			recipe_digest = ?
		WHERE content_hash = ? AND status = ?
	`,
		string(to),
		nullTime(entry.IngestionTime),
		nullTime(entry.TransformStartTime),
		nullTime(entry.TransformEndTime),
		formatTime(entry.UpdatedAt),
		entry.ErrorMessage,
		entry.Fingerprint,
		entry.TargetTable,
		entry.ProcessedRowCount,
		entry.QuarantinedRowCount,
		entry.RetryCount,
		entry.SizeBytes,
		entry.RecipeDigest,
		string(hash), string(from),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("transition %s: update: %w", hash.Short(), err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("transition %s: rows affected: %w", hash.Short(), err)
	}
	if n == 0 {
		return Entry{}, &TransitionError{Hash: hash, From: from, To: to, Conflict: true}
	}

	if msg == "" {
		msg = entry.ErrorMessage
	}
	if err := m.appendEvent(ctx, tx, hash, from, to, msg, formatTime(now)); err != nil {
		return Entry{}, fmt.Errorf("transition %s: %w", hash.Short(), err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("transition %s: commit: %w", hash.Short(), err)
	}
	return entry, nil
}

func (m *Manifest) appendEvent(ctx context.Context, tx *sql.Tx, hash content.ContentHash, from, to Status, msg, at string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO manifest_events (content_hash, from_status, to_status, run_id, message, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(hash), string(from), string(to), m.runID, msg, at)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// MarkIngested records a successful blob write.
func (m *Manifest) MarkIngested(ctx context.Context, hash content.ContentHash) (Entry, error) {
	return m.Transition(ctx, hash, StatusRawIngested, nil, "raw blob stored")
}

// MarkIngestionFailed records a blob write or read that could not complete.
func (m *Manifest) MarkIngestionFailed(ctx context.Context, hash content.ContentHash, cause error) (Entry, error) {
	return m.Transition(ctx, hash, StatusRawIngestionFailed, func(e *Entry) {
		e.ErrorMessage = errMessage(cause)
	}, "")
}

// BeginTransform claims a RAW_INGESTED entry for transformation with the
// recipe identified by fingerprint. A Conflict error means another worker
// claimed it first.
func (m *Manifest) BeginTransform(ctx context.Context, hash content.ContentHash, fingerprint, targetTable string) (Entry, error) {
	return m.Transition(ctx, hash, StatusTransforming, func(e *Entry) {
		e.Fingerprint = fingerprint
		e.TargetTable = targetTable
		e.ProcessedRowCount = 0
		e.QuarantinedRowCount = 0
	}, "transform started")
}

// CompleteTransform records the terminal result of a transformation.
func (m *Manifest) CompleteTransform(ctx context.Context, hash content.ContentHash, out Outcome) (Entry, error) {
	switch out.Status {
	case StatusTransformedSuccess, StatusValidationError, StatusTransformationFailed, StatusRawIngestionFailed:
	default:
		return Entry{}, fmt.Errorf("complete transform: %s is not a transformation outcome", out.Status)
	}
	msg := ""
	if out.Status == StatusTransformedSuccess {
		msg = fmt.Sprintf("loaded %d rows into %s, quarantined %d", out.RowsLoaded, out.TargetTable, out.RowsQuarantined)
	}
	return m.Transition(ctx, hash, out.Status, func(e *Entry) {
		if out.Fingerprint != "" {
			e.Fingerprint = out.Fingerprint
		}
		if out.TargetTable != "" {
			e.TargetTable = out.TargetTable
		}
		e.ProcessedRowCount = out.RowsLoaded
		e.QuarantinedRowCount = out.RowsQuarantined
		e.RetryCount += out.Retries
		e.ErrorMessage = errMessage(out.Err)
		e.RecipeDigest = out.RecipeDigest
	}, msg)
}

// MarkQuarantined records that no recipe matches the file's fingerprint.
func (m *Manifest) MarkQuarantined(ctx context.Context, hash content.ContentHash, fingerprint, reason string) (Entry, error) {
	return m.Transition(ctx, hash, StatusQuarantined, func(e *Entry) {
		e.Fingerprint = fingerprint
		e.TargetTable = ""
		e.ErrorMessage = reason
	}, "")
}

// RecoverStuck moves every TRANSFORMING entry back to RAW_INGESTED. It must
// only be called while no workers are running, typically at the start of a
// transformation run. It returns the recovered hashes.
func (m *Manifest) RecoverStuck(ctx context.Context) ([]content.ContentHash, error) {
	stuck, err := m.ListByStatus(ctx, StatusTransforming)
	if err != nil {
		return nil, fmt.Errorf("recover stuck: %w", err)
	}
	var recovered []content.ContentHash
	for _, e := range stuck {
		_, err := m.Transition(ctx, e.ContentHash, StatusRawIngested, func(e *Entry) {
			e.RetryCount++
		}, "recovered from interrupted transform")
		if IsTransitionError(err) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("recover stuck: %w", err)
		}
		recovered = append(recovered, e.ContentHash)
	}
	return recovered, nil
}

// QueueReprocess moves the Reprocessable entries that match accepts back to
// RAW_INGESTED. A nil match queues none. It returns the queued hashes.
func (m *Manifest) QueueReprocess(ctx context.Context, match func(Entry) bool) ([]content.ContentHash, error) {
	candidates, err := m.ListByStatus(ctx, Reprocessable...)
	if err != nil {
		return nil, fmt.Errorf("queue reprocess: %w", err)
	}
	var queued []content.ContentHash
	for _, e := range candidates {
		if match == nil || !match(e) {
			continue
		}
		_, err := m.Transition(ctx, e.ContentHash, StatusRawIngested, func(e *Entry) {
			e.RetryCount++
		}, "queued for reprocess from "+string(e.Status))
		if IsTransitionError(err) {
			continue
		}
		if err != nil {
			return queued, fmt.Errorf("queue reprocess: %w", err)
		}
		queued = append(queued, e.ContentHash)
	}
	return queued, nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
