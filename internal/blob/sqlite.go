package blob

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/rawlake/internal/content"
)

// SQLiteStore keeps blobs in the raw_blobs table of the store database.
// It shares the connection with the manifest so both live in one file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps a database opened by store.Open.
// The caller owns db; Close on the blob store does not close it.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Put inserts the blob with ON CONFLICT DO NOTHING.
// Existing rows are never rewritten.
func (s *SQLiteStore) Put(ctx context.Context, hash content.ContentHash, data []byte) error {
	if err := verify("put", hash, data); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_blobs (content_hash, size, data, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`,
		string(hash),
		len(data),
		data,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}
	return nil
}

// Get returns the stored bytes or ErrNotFound. Bytes that no longer
// match hash are reported as a permanent *StorageError.
func (s *SQLiteStore) Get(ctx context.Context, hash content.ContentHash) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM raw_blobs WHERE content_hash = ?
	`, string(hash)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Hash: hash, Err: err}
	}
	if err := verify("get", hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Has reports whether a row exists for hash.
func (s *SQLiteStore) Has(ctx context.Context, hash content.ContentHash) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM raw_blobs WHERE content_hash = ?
	`, string(hash)).Scan(&count)
	if err != nil {
		return false, &StorageError{Op: "has", Hash: hash, Err: err}
	}
	return count > 0, nil
}

// Count returns the number of stored blobs.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_blobs`).Scan(&count); err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return count, nil
}

// Close is a no-op; the database belongs to the store package.
func (s *SQLiteStore) Close() error {
	return nil
}
