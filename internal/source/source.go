// Package source supplies discovery candidates: (original path, bytes)
// pairs with a source-system label.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Candidate is one discovered file.
type Candidate struct {
	Path   string
	Source string
	Data   []byte
}

// Iterator yields candidates until io.EOF.
type Iterator interface {
	Next(ctx context.Context) (Candidate, error)
}

// ReadError reports one file that could not be read. Iteration may
// continue past it.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// DirOptions filters a directory walk.
type DirOptions struct {
	// Extensions limits the walk to these suffixes (case-insensitive,
	// with the dot). Empty means every regular file.
	Extensions []string

	// MaxSize skips files larger than this many bytes. Zero means no limit.
	MaxSize int64
}

// Dir walks a directory tree in lexical order. Hidden files and
// directories (leading dot) are skipped. Files are read lazily.
type Dir struct {
	source string
	paths  []string
	pos    int
}

// NewDir lists the files under root. The listing is fixed at construction.
func NewDir(root, source string, opts DirOptions) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", root, err)
	}
	if !info.IsDir() {
		return &Dir{source: source, paths: []string{root}}, nil
	}

	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts[strings.ToLower(e)] = true
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != root && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(exts) > 0 && !exts[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		if opts.MaxSize > 0 {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			if fi.Size() > opts.MaxSize {
				return nil
			}
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", root, err)
	}
	sort.Strings(paths)
	return &Dir{source: source, paths: paths}, nil
}

// Len returns the number of files listed.
func (d *Dir) Len() int {
	return len(d.paths)
}

// Next implements Iterator.
func (d *Dir) Next(ctx context.Context) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	if d.pos >= len(d.paths) {
		return Candidate{}, io.EOF
	}
	path := d.paths[d.pos]
	d.pos++

	data, err := os.ReadFile(path)
	if err != nil {
		return Candidate{}, &ReadError{Path: path, Err: err}
	}
	return Candidate{Path: path, Source: d.source, Data: data}, nil
}

// Slice is an Iterator over candidates already in memory.
type Slice struct {
	items []Candidate
	pos   int
}

// FromSlice returns an Iterator over items.
func FromSlice(items ...Candidate) *Slice {
	return &Slice{items: items}
}

// Next implements Iterator.
func (s *Slice) Next(ctx context.Context) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	if s.pos >= len(s.items) {
		return Candidate{}, io.EOF
	}
	c := s.items[s.pos]
	s.pos++
	return c, nil
}

// IsReadError reports whether err is a per-file *ReadError.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}
