// Package blob implements the raw blob store: content-addressed, write-once
// storage of original file bytes.
//
// A blob is keyed by its content.ContentHash. Storing the same hash twice is a
// no-op, so there is at most one physical copy per distinct content no matter
// how many paths produced it.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rawlake/internal/content"
)

// ErrNotFound is returned by Get when no blob exists for the hash.
var ErrNotFound = errors.New("blob not found")

// Store is a content-addressed, write-once byte store.
type Store interface {
	// Put stores data under hash. A second Put with the same hash is a no-op.
	// Returns a *StorageError on I/O failure or when hash does not match data.
	Put(ctx context.Context, hash content.ContentHash, data []byte) error

	// Get returns the bytes stored under hash, or ErrNotFound. Stored bytes
	// are re-hashed; corruption is a permanent *StorageError.
	Get(ctx context.Context, hash content.ContentHash) ([]byte, error)

	// Has reports whether a blob exists for hash.
	Has(ctx context.Context, hash content.ContentHash) (bool, error)

	Close() error
}

// StorageError reports a blob store I/O failure.
type StorageError struct {
	Op   string
	Hash content.ContentHash
	Err  error

	// Permanent marks failures a retry cannot fix (hash mismatch, bad key).
	Permanent bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.Hash.Short(), e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the operation may succeed.
func (e *StorageError) Transient() bool {
	return !e.Permanent
}

// verify checks the caller-supplied hash against the data.
func verify(op string, hash content.ContentHash, data []byte) error {
	if !hash.Valid() {
		return &StorageError{Op: op, Hash: hash, Err: fmt.Errorf("invalid content hash %q", hash), Permanent: true}
	}
	if got := content.Hash(data); got != hash {
		return &StorageError{Op: op, Hash: hash, Err: fmt.Errorf("hash mismatch: data hashes to %s", got.Short()), Permanent: true}
	}
	return nil
}
