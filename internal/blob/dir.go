package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/roach88/rawlake/internal/content"
)

// DirStore keeps each blob as a file named by its hash, sharded by the
// first two hex characters: <root>/ab/abcdef....
//
// Writes go to a temp file in the shard directory, are fsynced, then renamed
// into place, so a reader never observes a partial blob.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed and returns a store rooted there.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) path(hash content.ContentHash) string {
	h := string(hash)
	return filepath.Join(d.root, h[:2], h)
}

// Put writes data unless a file for hash already exists.
func (d *DirStore) Put(ctx context.Context, hash content.ContentHash, data []byte) error {
	if err := verify("put", hash, data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}

	final := d.path(hash)
	if _, err := os.Stat(final); err == nil {
		return nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}
	if err := os.Chmod(tmpName, 0o444); err != nil {
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}
	if err := os.Rename(tmpName, final); err != nil {
		return &StorageError{Op: "put", Hash: hash, Err: err}
	}
	return nil
}

// Get reads the blob file or returns ErrNotFound. A file whose bytes no
// longer match hash is reported as a permanent *StorageError.
func (d *DirStore) Get(ctx context.Context, hash content.ContentHash) ([]byte, error) {
	if !hash.Valid() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(d.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
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

// Has reports whether the blob file exists.
func (d *DirStore) Has(ctx context.Context, hash content.ContentHash) (bool, error) {
	if !hash.Valid() {
		return false, nil
	}
	_, err := os.Stat(d.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "has", Hash: hash, Err: err}
	}
	return true, nil
}

func (d *DirStore) Close() error {
	return nil
}
