package cleaner

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/parser"
)

// Built-in cleaner ids.
const (
	DefaultID         = "default"
	TrimOnlyID        = "trim-only"
	FinancialReportID = "financial-report"
)

func init() {
	Register(DefaultID, coerceDeclared)
	Register(TrimOnlyID, trimOnly)
	Register(FinancialReportID, financialReport)
}

// coerceDeclared converts every declared column to its declared type.
func coerceDeclared(row parser.Row, recipe catalog.Recipe) (map[string]any, error) {
	out := make(map[string]any, len(recipe.Parser.DeclaredColumns))
	for _, col := range recipe.Parser.DeclaredColumns {
		v, err := Coerce(row.Fields[col.Name], col)
		if err != nil {
			return nil, &ValidationFailure{Field: col.Name, Msg: err.Error()}
		}
		out[col.Name] = v
	}
	return out, nil
}

// trimOnly keeps every column as text, mapping sentinels to null.
func trimOnly(row parser.Row, recipe catalog.Recipe) (map[string]any, error) {
	out := make(map[string]any, len(recipe.Parser.DeclaredColumns))
	for _, col := range recipe.Parser.DeclaredColumns {
		s := strings.TrimSpace(row.Fields[col.Name])
		if IsNull(s) {
			out[col.Name] = nil
			continue
		}
		out[col.Name] = s
	}
	return out, nil
}

var subtotalLabels = []string{"total", "totals", "subtotal", "sub-total", "grand total", "합계", "소계", "총계", "合計", "小計", "合计", "小计"}

// isSubtotal reports whether s starts with a subtotal label as a whole
// word: "Total", "Total (KRW)" and "합계:" match, "TotalEnergies SE" does not.
func isSubtotal(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, label := range subtotalLabels {
		rest, ok := strings.CutPrefix(s, label)
		if !ok {
			continue
		}
		r, _ := utf8.DecodeRuneInString(rest)
		if rest == "" || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return true
		}
	}
	return false
}

// financialReport is coerceDeclared plus removal of subtotal and footer rows,
// recognized by the first declared column.
func financialReport(row parser.Row, recipe catalog.Recipe) (map[string]any, error) {
	if cols := recipe.Parser.DeclaredColumns; len(cols) > 0 {
		if isSubtotal(row.Fields[cols[0].Name]) {
			return nil, ErrSkipRow
		}
		if allNull(row, cols) {
			return nil, ErrSkipRow
		}
	}
	return coerceDeclared(row, recipe)
}

func allNull(row parser.Row, cols []catalog.ColumnSpec) bool {
	for _, c := range cols {
		if !IsNull(strings.TrimSpace(row.Fields[c.Name])) {
			return false
		}
	}
	return true
}
