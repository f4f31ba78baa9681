package fingerprint

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/roach88/rawlake/internal/textenc"
)

// ErrNotFound means no line in the scanned window looks like a header, or no
// candidate encoding could decode it.
var ErrNotFound = errors.New("fingerprint not found")

// DefaultKeywords are header words common in market and report exports.
// A keyword hit makes a line more plausible as the header.
var DefaultKeywords = []string{
	"date", "time", "code", "symbol", "ticker", "isin", "name",
	"open", "high", "low", "close", "price", "volume", "qty", "quantity",
	"amount", "value", "total", "account", "balance",
	"일자", "종목", "코드", "가격", "거래량", "日付", "銘柄", "日期", "代码",
}

// DefaultDelimiters are tried on every candidate line.
var DefaultDelimiters = []rune{',', ';', '\t', '|'}

// Options tunes header detection. Zero values take defaults.
type Options struct {
	ScanLines  int      // lines examined from the top of the file (default 20)
	MinColumns int      // minimum columns for a header candidate (default 2)
	Encodings  []string // candidate encodings in priority order
	Keywords   []string
	Delimiters []rune
}

// DefaultOptions returns options with every default filled in.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.ScanLines <= 0 {
		o.ScanLines = 20
	}
	if o.MinColumns <= 0 {
		o.MinColumns = 2
	}
	if len(o.Encodings) == 0 {
		o.Encodings = textenc.DefaultEncodings
	}
	if o.Keywords == nil {
		o.Keywords = DefaultKeywords
	}
	if len(o.Delimiters) == 0 {
		o.Delimiters = DefaultDelimiters
	}
	return o
}

// Result describes a detected header.
type Result struct {
	Fingerprint string
	HeaderLine  int // zero-based line index within the file
	Encoding    string
	Delimiter   rune
	Columns     []string // as written in the file, trimmed
}

// Detect finds the header of data and returns its fingerprint.
func Detect(data []byte, opts Options) (Result, error) {
	opts = opts.withDefaults()

	lines := headLines(textenc.StripBOM(data), opts.ScanLines)
	if len(lines) == 0 {
		return Result{}, fmt.Errorf("%w: empty input", ErrNotFound)
	}

	encName, decoded, err := decodeLines(lines, opts.Encodings)
	if err != nil {
		return Result{}, err
	}

	best := candidate{line: -1}
	for i, line := range decoded {
		c, ok := scoreLine(line, opts)
		if !ok {
			continue
		}
		c.line = i
		if best.line < 0 || c.beats(best) {
			best = c
		}
	}
	if best.line < 0 {
		return Result{}, fmt.Errorf("%w: no header-like line in first %d lines", ErrNotFound, len(lines))
	}

	return Result{
		Fingerprint: FromColumns(best.columns),
		HeaderLine:  best.line,
		Encoding:    encName,
		Delimiter:   best.delim,
		Columns:     best.columns,
	}, nil
}

// headLines returns up to n lines, without line terminators.
// A trailing line without a newline is kept only if it is the last line of data.
func headLines(data []byte, n int) [][]byte {
	var lines [][]byte
	for len(data) > 0 && len(lines) < n {
		i := bytes.IndexByte(data, '\n')
		var line []byte
		if i < 0 {
			line, data = data, nil
		} else {
			line, data = data[:i], data[i+1:]
		}
		lines = append(lines, bytes.TrimSuffix(line, []byte("\r")))
	}
	return lines
}

// decodeLines returns the first encoding, in priority order, that decodes
// every line without error. A legacy decode that fails textenc.Plausible is
// held back while later candidates are tried, and used only if none of them
// reads plausibly either.
func decodeLines(lines [][]byte, encodings []string) (string, []string, error) {
	var (
		tried        []string
		fallbackName string
		fallback     []string
	)
	for _, name := range encodings {
		enc, err := textenc.Lookup(name)
		if err != nil {
			return "", nil, err
		}
		canonical, err := textenc.Canonical(name)
		if err != nil {
			canonical = name
		}
		out := make([]string, len(lines))
		ok := true
		for i, l := range lines {
			s, err := textenc.Decode(enc, l)
			if err != nil {
				ok = false
				break
			}
			out[i] = s
		}
		if !ok {
			tried = append(tried, name)
			continue
		}
		if canonical == "utf-8" || textenc.Plausible(strings.Join(out, "\n")) {
			return canonical, out, nil
		}
		if fallback == nil {
			fallbackName, fallback = canonical, out
		}
	}
	if fallback != nil {
		return fallbackName, fallback, nil
	}
	return "", nil, fmt.Errorf("%w: no candidate encoding decodes header window (tried %s)",
		ErrNotFound, strings.Join(tried, ", "))
}

type candidate struct {
	line     int
	delim    rune
	columns  []string
	keywords int
}

// beats reports whether c is more plausible than other.
// Keyword hits first, then column count; earlier lines win ties because
// callers visit lines in order and only replace on a strict win.
func (c candidate) beats(other candidate) bool {
	if c.keywords != other.keywords {
		return c.keywords > other.keywords
	}
	return len(c.columns) > len(other.columns)
}

// scoreLine splits line on each delimiter and keeps the split with the most
// columns that passes the header heuristics.
func scoreLine(line string, opts Options) (candidate, bool) {
	var best candidate
	found := false
	for _, d := range opts.Delimiters {
		cols, ok := splitLine(line, d)
		if !ok || len(cols) < opts.MinColumns {
			continue
		}
		if !looksLikeHeader(cols) {
			continue
		}
		c := candidate{delim: d, columns: cols, keywords: keywordHits(cols, opts.Keywords)}
		if !found || len(c.columns) > len(best.columns) {
			best = c
			found = true
		}
	}
	return best, found
}

func splitLine(line string, delim rune) ([]string, bool) {
	if !strings.ContainsRune(line, delim) {
		return nil, false
	}
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return nil, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, true
}

// looksLikeHeader requires every column to be non-empty and at least half of
// them to be non-numeric words.
func looksLikeHeader(cols []string) bool {
	words := 0
	for _, c := range cols {
		if Normalize(c) == "" {
			return false
		}
		if !isNumericLike(c) {
			words++
		}
	}
	return words*2 >= len(cols) && words > 0
}

// isNumericLike reports tokens made only of digits and number/date punctuation,
// such as "1,234.5", "-3%", "2023-01-01" or "(12)".
func isNumericLike(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune("+-.,/:%()' ", r):
		default:
			return false
		}
	}
	return digits > 0
}

func keywordHits(cols []string, keywords []string) int {
	hits := 0
	for _, c := range cols {
		n := Normalize(c)
		for _, k := range keywords {
			if strings.Contains(n, Normalize(k)) {
				hits++
				break
			}
		}
	}
	return hits
}
