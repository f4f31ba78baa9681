package fingerprint

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/rawlake/internal/content"
)

// Separator joins sorted column names before hashing. The unit separator
// control character does not occur in real header text.
const Separator = "\x1f"

// Normalize canonicalizes one column name: NFC, BOM removed, trimmed,
// internal whitespace collapsed to one space, Unicode case-folded.
func Normalize(name string) string {
	name = strings.ReplaceAll(name, "\ufeff", "")
	name = norm.NFC.String(name)
	name = strings.Join(strings.Fields(name), " ")
	// cases.Caser is stateful; never share one across goroutines.
	return cases.Fold().String(name)
}

// NormalizeAll normalizes every name in cols.
func NormalizeAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = Normalize(c)
	}
	return out
}

// FromColumns computes the fingerprint of a header given its column names.
func FromColumns(cols []string) string {
	names := NormalizeAll(cols)
	sort.Strings(names)
	return content.HashString(strings.Join(names, Separator))
}
