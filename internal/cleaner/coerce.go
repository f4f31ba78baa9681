package cleaner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/rawlake/internal/catalog"
)

// nullSentinels are field values that mean "no value".
var nullSentinels = map[string]bool{
	"":     true,
	"-":    true,
	"--":   true,
	"n/a":  true,
	"na":   true,
	"null": true,
	"#n/a": true,
}

// IsNull reports whether a trimmed field is a null sentinel.
func IsNull(s string) bool {
	return nullSentinels[strings.ToLower(s)]
}

// Coerce converts raw field text to the column's declared type.
// Null sentinels become nil for every type.
func Coerce(raw string, col catalog.ColumnSpec) (any, error) {
	s := strings.TrimSpace(raw)
	if IsNull(s) {
		return nil, nil
	}
	switch col.Type {
	case catalog.TypeString, "":
		return s, nil
	case catalog.TypeInteger:
		return ParseInteger(s)
	case catalog.TypeDecimal:
		return ParseDecimal(s)
	case catalog.TypeDate:
		return ParseDate(s, col.Format, col.Calendar)
	case catalog.TypeBool:
		return ParseBool(s)
	}
	return nil, fmt.Errorf("unsupported type %q", col.Type)
}

// numberSeparators are stripped from numeric text.
var numberSeparators = strings.NewReplacer(
	",", "",
	"_", "",
	" ", "",
	"'", "",
	"\u00a0", "",  // no-break space
	"\u202f", "",  // narrow no-break space
	"\u2212", "-", // minus sign
)

const currencySymbols = "$\u20ac\u00a3\u00a5\u20a9"

// normalizeNumber strips grouping separators, currency symbols and a
// trailing percent sign, and turns accounting parentheses into a sign.
func normalizeNumber(s string) (string, bool, error) {
	orig := s
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimLeft(s, currencySymbols)
	s = numberSeparators.Replace(s)
	if s == "" {
		return "", false, fmt.Errorf("invalid number %q", orig)
	}
	if negative {
		if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
			return "", false, fmt.Errorf("invalid number %q", orig)
		}
		s = "-" + s
	}
	return s, percent, nil
}

// ParseInteger parses an integer with thousands separators and accounting
// negatives, e.g. "1,234", "(1 234)".
func ParseInteger(s string) (int64, error) {
	n, percent, err := normalizeNumber(s)
	if err != nil {
		return 0, err
	}
	if percent {
		return 0, fmt.Errorf("invalid integer %q: percent not allowed", s)
	}
	v, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

// ParseDecimal parses an exact decimal. A trailing percent sign is dropped
// and the number kept as written ("12.5%" → 12.5).
func ParseDecimal(s string) (*apd.Decimal, error) {
	n, _, err := normalizeNumber(s)
	if err != nil {
		return nil, err
	}
	d, _, err := apd.NewFromString(n)
	if err != nil || d.Form != apd.Finite {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	return d, nil
}

// DefaultDateLayouts are tried in order when a column has no Format.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"20060102",
	"01/02/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// Calendar offsets added to a stored year to obtain the Gregorian year.
var calendarOffsets = map[string]int{
	catalog.CalendarROC:      1911,
	catalog.CalendarBuddhist: -543,
}

var (
	eraDateRe        = regexp.MustCompile(`^(\d{1,4})([-/.])(\d{1,2})([-/.])(\d{1,2})$`)
	eraCompactDateRe = regexp.MustCompile(`^(\d{3,4})(\d{2})(\d{2})$`)
)

// ParseDate parses a calendar date and returns it at UTC midnight.
// For the roc and buddhist calendars the year is converted to Gregorian;
// those accept y-m-d with -, / or . separators, or the compact yyymmdd form.
func ParseDate(s, layout, calendar string) (time.Time, error) {
	if offset, ok := calendarOffsets[calendar]; ok {
		return parseEraDate(s, offset)
	}
	if calendar != "" && calendar != catalog.CalendarGregorian {
		return time.Time{}, fmt.Errorf("unknown calendar %q", calendar)
	}

	layouts := DefaultDateLayouts
	if layout != "" {
		layouts = []string{layout}
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return civil(t.Year(), t.Month(), t.Day()), nil
		}
	}
	if layout != "" {
		return time.Time{}, fmt.Errorf("invalid date %q (want %s)", s, layout)
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func parseEraDate(s string, offset int) (time.Time, error) {
	var ys, ms, ds string
	if m := eraDateRe.FindStringSubmatch(s); m != nil && m[2] == m[4] {
		ys, ms, ds = m[1], m[3], m[5]
	} else if m := eraCompactDateRe.FindStringSubmatch(s); m != nil {
		ys, ms, ds = m[1], m[2], m[3]
	} else {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	y, _ := strconv.Atoi(ys)
	mo, _ := strconv.Atoi(ms)
	d, _ := strconv.Atoi(ds)

	t := civil(y+offset, time.Month(mo), d)
	// time.Date normalizes out-of-range values; reject instead.
	if t.Year() != y+offset || t.Month() != time.Month(mo) || t.Day() != d || t.Year() < 1 {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

func civil(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseBool accepts true/false, yes/no, y/n and 1/0, case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q", s)
}
