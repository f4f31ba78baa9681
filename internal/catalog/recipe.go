package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/rawlake/internal/fingerprint"
	"github.com/roach88/rawlake/internal/textenc"
)

// ColumnType is the declared type of a column.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeInteger ColumnType = "integer"
	TypeDecimal ColumnType = "decimal"
	TypeDate    ColumnType = "date"
	TypeBool    ColumnType = "bool"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeDecimal, TypeDate, TypeBool:
		return true
	}
	return false
}

// Calendars understood by date columns. Non-Gregorian calendars are
// expressed as a year offset from the Gregorian year.
const (
	CalendarGregorian = "gregorian"
	CalendarROC       = "roc"      // Minguo: Gregorian year - 1911
	CalendarBuddhist  = "buddhist" // Thai solar: Gregorian year + 543
)

// AutoHeader means the header line reported by the fingerprinter is used.
const AutoHeader = -1

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier reports whether s is usable as a table or column name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// ColumnSpec declares one column of a recipe.
type ColumnSpec struct {
	// Source is the header name as written in the file; matched after
	// fingerprint normalization.
	Source string `yaml:"source" json:"source"`

	// Name is the canonical column name in the target table.
	Name string `yaml:"name" json:"name"`

	Type     ColumnType `yaml:"type" json:"type"`
	Format   string     `yaml:"format,omitempty" json:"format,omitempty"`
	Calendar string     `yaml:"calendar,omitempty" json:"calendar,omitempty"`
}

// ParserConfig is the typed parser configuration of a recipe.
//
// Zero values mean "use what the fingerprinter detected": an empty Encoding or
// Delimiter, and HeaderSkip == AutoHeader.
type ParserConfig struct {
	Encoding        string       `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	Delimiter       string       `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
	HeaderSkip      int          `yaml:"header_skip_count" json:"header_skip_count"`
	DeclaredColumns []ColumnSpec `yaml:"declared_columns" json:"declared_columns"`
}

// Resolve fills detection-dependent defaults from a fingerprint result.
func (p ParserConfig) Resolve(det fingerprint.Result) ParserConfig {
	if p.Encoding == "" {
		p.Encoding = det.Encoding
	}
	if p.Delimiter == "" && det.Delimiter != 0 {
		p.Delimiter = string(det.Delimiter)
	}
	if p.HeaderSkip == AutoHeader {
		p.HeaderSkip = det.HeaderLine
	}
	if p.Encoding == "" {
		p.Encoding = "utf-8"
	}
	if p.Delimiter == "" {
		p.Delimiter = ","
	}
	if p.HeaderSkip < 0 {
		p.HeaderSkip = 0
	}
	return p
}

// DelimiterRune returns the delimiter as a rune. "tab" and `\t` mean TAB.
func (p ParserConfig) DelimiterRune() (rune, error) {
	switch p.Delimiter {
	case "", ",":
		return ',', nil
	case "tab", `\t`, "\t":
		return '\t', nil
	}
	r := []rune(p.Delimiter)
	if len(r) != 1 {
		return 0, fmt.Errorf("delimiter %q must be a single character", p.Delimiter)
	}
	if r[0] == '"' || r[0] == '\r' || r[0] == '\n' {
		return 0, fmt.Errorf("delimiter %q is not allowed", p.Delimiter)
	}
	return r[0], nil
}

// Column returns the declared column with canonical name.
func (p ParserConfig) Column(name string) (ColumnSpec, bool) {
	for _, c := range p.DeclaredColumns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// Recipe is the parse+clean+target configuration for one fingerprint.
type Recipe struct {
	Fingerprint    string       `yaml:"fingerprint" json:"fingerprint"`
	Description    string       `yaml:"description,omitempty" json:"description,omitempty"`
	TargetTable    string       `yaml:"target_table" json:"target_table"`
	Parser         ParserConfig `yaml:"parser" json:"parser"`
	CleanerID      string       `yaml:"cleaner_id,omitempty" json:"cleaner_id,omitempty"`
	RequiredFields []string     `yaml:"required_fields,omitempty" json:"required_fields,omitempty"`
}

// validate checks a recipe in isolation and fills derived defaults.
func (r *Recipe) validate(cleanerKnown func(string) bool) error {
	if r.CleanerID == "" {
		r.CleanerID = "default"
	}
	if !ValidIdentifier(r.TargetTable) {
		return fieldError("target_table", "invalid table name %q", r.TargetTable)
	}
	if len(r.Parser.DeclaredColumns) == 0 {
		return fieldError("parser.declared_columns", "at least one declared column is required")
	}
	if r.Parser.HeaderSkip < AutoHeader {
		return fieldError("parser.header_skip_count", "must be >= 0 (or omitted for auto)")
	}
	if r.Parser.Encoding != "" {
		if _, err := textenc.Lookup(r.Parser.Encoding); err != nil {
			return fieldError("parser.encoding", "%v", err)
		}
	}
	if _, err := r.Parser.DelimiterRune(); err != nil {
		return fieldError("parser.delimiter", "%v", err)
	}

	seen := make(map[string]bool)
	sources := make([]string, 0, len(r.Parser.DeclaredColumns))
	for i := range r.Parser.DeclaredColumns {
		c := &r.Parser.DeclaredColumns[i]
		if c.Source == "" {
			return fieldError("parser.declared_columns", "column %d: source is required", i)
		}
		if c.Name == "" {
			c.Name = Identifier(c.Source)
		}
		if !ValidIdentifier(c.Name) {
			return fieldError("parser.declared_columns", "column %d: invalid name %q", i, c.Name)
		}
		if c.Name == "content_hash" || c.Name == "row_index" {
			return fieldError("parser.declared_columns", "column name %q is reserved", c.Name)
		}
		if seen[c.Name] {
			return fieldError("parser.declared_columns", "duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		if c.Type == "" {
			c.Type = TypeString
		}
		if !c.Type.Valid() {
			return fieldError("parser.declared_columns", "column %q: unknown type %q", c.Name, c.Type)
		}
		switch c.Calendar {
		case "", CalendarGregorian, CalendarROC, CalendarBuddhist:
		default:
			return fieldError("parser.declared_columns", "column %q: unknown calendar %q", c.Name, c.Calendar)
		}
		sources = append(sources, c.Source)
	}

	for _, f := range r.RequiredFields {
		if !seen[f] {
			return fieldError("required_fields", "%q is not a declared column", f)
		}
	}

	if cleanerKnown != nil && !cleanerKnown(r.CleanerID) {
		return fieldError("cleaner_id", "unknown cleaner %q", r.CleanerID)
	}

	if r.Fingerprint == "" {
		r.Fingerprint = fingerprint.FromColumns(sources)
	}
	return nil
}

// Identifier derives a valid table or column name from free text such as
// a header name.
func Identifier(s string) string {
	n := fingerprint.Normalize(s)
	var b strings.Builder
	for _, r := range n {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "col_" + out
	}
	return out
}
