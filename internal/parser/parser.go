// Package parser turns raw file bytes into batches of rows according to a
// recipe's parser configuration.
//
// A Reader yields rows lazily in batches of bounded size and can be Reset to
// restart from the first data row. Structural problems (undecodable bytes,
// bad quoting, a row whose field count differs from the header, a declared
// column missing from the header) are reported as *ParseError and are fatal
// for the whole file.
package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/fingerprint"
	"github.com/roach88/rawlake/internal/textenc"
)

// DefaultBatchSize is used when Open is given a non-positive batch size.
const DefaultBatchSize = 1000

// Row is one data row keyed by canonical column name.
type Row struct {
	Index  int               // zero-based data row index within the file
	Line   int               // one-based line number in the source file
	Fields map[string]string // raw field text, declared columns only
}

// Batch is a contiguous run of rows.
type Batch struct {
	Rows []Row
}

// ParseError is a structural failure that invalidates the whole file.
type ParseError struct {
	Line int
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Msg)
	}
	return "parse error: " + e.Msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Reader produces batches of rows from one file.
type Reader struct {
	body       []byte // bytes after the preamble, header first
	bodyLine   int    // source line number of the header
	enc        encoding.Encoding
	delim      rune
	batchSize  int
	columns    []catalog.ColumnSpec
	header     []string
	fieldIndex []int // header position of each declared column

	csv   *csv.Reader
	index int
	done  bool
}

// Open prepares a Reader over data. cfg should already be resolved (see
// catalog.ParserConfig.Resolve); a negative HeaderSkip is treated as zero.
// The header row is read and validated immediately.
func Open(data []byte, cfg catalog.ParserConfig, batchSize int) (*Reader, error) {
	enc, err := textenc.Lookup(cfg.Encoding)
	if err != nil {
		return nil, &ParseError{Msg: err.Error(), Err: err}
	}
	delim, err := cfg.DelimiterRune()
	if err != nil {
		return nil, &ParseError{Msg: err.Error(), Err: err}
	}
	if len(cfg.DeclaredColumns) == 0 {
		return nil, &ParseError{Msg: "no declared columns"}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	skip := cfg.HeaderSkip
	if skip < 0 {
		skip = 0
	}
	body, ok := skipLines(textenc.StripBOM(data), skip)
	if !ok {
		return nil, &ParseError{Msg: fmt.Sprintf("file has fewer than %d lines before the header", skip+1)}
	}

	r := &Reader{
		body:      body,
		bodyLine:  skip + 1,
		enc:       enc,
		delim:     delim,
		batchSize: batchSize,
		columns:   cfg.DeclaredColumns,
	}
	if err := r.start(); err != nil {
		return nil, err
	}
	if err := r.bindColumns(); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the header fields as written in the file.
func (r *Reader) Header() []string {
	return append([]string(nil), r.header...)
}

// Next returns the next batch, or io.EOF once every row has been returned.
// After a *ParseError the Reader is exhausted.
func (r *Reader) Next() (Batch, error) {
	if r.done {
		return Batch{}, io.EOF
	}

	rows := make([]Row, 0, r.batchSize)
	for len(rows) < r.batchSize {
		rec, err := r.csv.Read()
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			r.done = true
			return Batch{}, r.wrapCSVError(err)
		}
		line, _ := r.csv.FieldPos(0)
		line += r.bodyLine - 1

		fields := make(map[string]string, len(r.columns))
		for i, col := range r.columns {
			v := rec[r.fieldIndex[i]]
			if !decodedCleanly(v) {
				r.done = true
				return Batch{}, &ParseError{
					Line: line,
					Msg:  fmt.Sprintf("column %q: bytes not valid %s", col.Source, encodingName(r.enc)),
					Err:  textenc.ErrUndecodable,
				}
			}
			fields[col.Name] = v
		}
		rows = append(rows, Row{Index: r.index, Line: line, Fields: fields})
		r.index++
	}

	if len(rows) == 0 {
		return Batch{}, io.EOF
	}
	return Batch{Rows: rows}, nil
}

// Reset restarts the Reader at the first data row.
func (r *Reader) Reset() error {
	return r.start()
}

// All drains the Reader into a single slice. Intended for small files and
// tests; the pipeline consumes batches.
func (r *Reader) All() ([]Row, error) {
	var out []Row
	for {
		b, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b.Rows...)
	}
}

func (r *Reader) start() error {
	cr := csv.NewReader(textenc.NewReader(bytes.NewReader(r.body), r.enc))
	cr.Comma = r.delim
	cr.FieldsPerRecord = 0
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return &ParseError{Line: r.bodyLine, Msg: "missing header row"}
	}
	if err != nil {
		return r.wrapCSVError(err)
	}
	for i, h := range header {
		if !decodedCleanly(h) {
			return &ParseError{
				Line: r.bodyLine,
				Msg:  fmt.Sprintf("header field %d: bytes not valid %s", i+1, encodingName(r.enc)),
				Err:  textenc.ErrUndecodable,
			}
		}
	}
	r.header = append(r.header[:0], header...)
	r.csv = cr
	r.index = 0
	r.done = false
	return nil
}

// bindColumns maps each declared column to its header position, matching
// names the same way the fingerprinter normalizes them.
func (r *Reader) bindColumns() error {
	pos := make(map[string]int, len(r.header))
	for i, h := range r.header {
		n := fingerprint.Normalize(h)
		if _, dup := pos[n]; !dup {
			pos[n] = i
		}
	}

	r.fieldIndex = make([]int, len(r.columns))
	var missing []string
	for i, col := range r.columns {
		idx, ok := pos[fingerprint.Normalize(col.Source)]
		if !ok {
			missing = append(missing, col.Source)
			continue
		}
		r.fieldIndex[i] = idx
	}
	if len(missing) > 0 {
		return &ParseError{
			Line: r.bodyLine,
			Msg:  fmt.Sprintf("declared columns not in header: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

func (r *Reader) wrapCSVError(err error) error {
	var ce *csv.ParseError
	if errors.As(err, &ce) {
		return &ParseError{Line: ce.StartLine + r.bodyLine - 1, Msg: ce.Err.Error(), Err: err}
	}
	return &ParseError{Msg: err.Error(), Err: err}
}

// skipLines drops the first n lines of data.
func skipLines(data []byte, n int) ([]byte, bool) {
	for i := 0; i < n; i++ {
		j := bytes.IndexByte(data, '\n')
		if j < 0 {
			return nil, false
		}
		data = data[j+1:]
	}
	return data, true
}

func decodedCleanly(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, utf8.RuneError)
}

func encodingName(enc encoding.Encoding) string {
	if name, err := htmlindex.Name(enc); err == nil {
		return name
	}
	return "text"
}
