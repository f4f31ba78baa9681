package cleaner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/content"
	"github.com/roach88/rawlake/internal/parser"
)

func salesRecipe(cleanerID string) catalog.Recipe {
	return catalog.Recipe{
		Fingerprint: "fp",
		TargetTable: "sales",
		CleanerID:   cleanerID,
		Parser: catalog.ParserConfig{
			DeclaredColumns: []catalog.ColumnSpec{
				{Source: "Item", Name: "item", Type: catalog.TypeString},
				{Source: "Qty", Name: "qty", Type: catalog.TypeInteger},
				{Source: "Date", Name: "date", Type: catalog.TypeDate},
			},
		},
		RequiredFields: []string{"qty", "date"},
	}
}

func row(i int, fields map[string]string) parser.Row {
	return parser.Row{Index: i, Line: i + 2, Fields: fields}
}

func TestClean_PartialValidity(t *testing.T) {
	h := content.Hash([]byte("file"))
	rows := []parser.Row{
		row(0, map[string]string{"item": "a", "qty": "10", "date": "2023-01-01"}),
		row(1, map[string]string{"item": "b", "qty": "-", "date": "2023-01-02"}),
		row(2, map[string]string{"item": "c", "qty": "1,200", "date": "2023/01/03"}),
	}

	res, err := Clean(h, rows, salesRecipe(""))
	require.NoError(t, err)

	require.Len(t, res.Valid, 2)
	assert.Equal(t, 0, res.Valid[0].RowIndex)
	assert.Equal(t, h, res.Valid[0].ContentHash)
	assert.Equal(t, int64(10), res.Valid[0].Values["qty"])
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), res.Valid[0].Values["date"])
	assert.Equal(t, int64(1200), res.Valid[1].Values["qty"])

	require.Len(t, res.Quarantined, 1)
	q := res.Quarantined[0]
	assert.Equal(t, 1, q.RowIndex)
	assert.Equal(t, 3, q.Line)
	assert.Equal(t, "sales", q.TargetTable)
	assert.Equal(t, `missing required field "qty"`, q.Reason)
	assert.Equal(t, "-", q.Raw["qty"])
}

func TestClean_CoercionFailureReason(t *testing.T) {
	rows := []parser.Row{row(0, map[string]string{"item": "a", "qty": "ten", "date": "2023-01-01"})}
	res, err := Clean(content.Hash(nil), rows, salesRecipe(DefaultID))
	require.NoError(t, err)
	require.Len(t, res.Quarantined, 1)
	assert.Equal(t, `field "qty": invalid integer "ten"`, res.Quarantined[0].Reason)
}

func TestClean_NullOptionalField(t *testing.T) {
	rows := []parser.Row{row(0, map[string]string{"item": "N/A", "qty": "1", "date": "20230101"})}
	res, err := Clean(content.Hash(nil), rows, salesRecipe(""))
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	assert.Nil(t, res.Valid[0].Values["item"])
}

func TestClean_UnknownCleaner(t *testing.T) {
	_, err := Clean(content.Hash(nil), nil, salesRecipe("does-not-exist"))
	assert.Error(t, err)
}

func TestClean_TrimOnly(t *testing.T) {
	rows := []parser.Row{row(0, map[string]string{"item": "  a ", "qty": " ten ", "date": "whenever"})}
	res, err := Clean(content.Hash(nil), rows, salesRecipe(TrimOnlyID))
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	assert.Equal(t, map[string]any{"item": "a", "qty": "ten", "date": "whenever"}, res.Valid[0].Values)
}

func TestClean_FinancialReportSkipsSubtotals(t *testing.T) {
	rows := []parser.Row{
		row(0, map[string]string{"item": "widgets", "qty": "3", "date": "2023-01-01"}),
		row(1, map[string]string{"item": "Total", "qty": "3", "date": ""}),
		row(2, map[string]string{"item": "합계", "qty": "3", "date": ""}),
		row(3, map[string]string{"item": "", "qty": "", "date": ""}),
	}
	res, err := Clean(content.Hash(nil), rows, salesRecipe(FinancialReportID))
	require.NoError(t, err)
	assert.Len(t, res.Valid, 1)
	assert.Empty(t, res.Quarantined)
	assert.Equal(t, 3, res.Skipped)
}

func TestClean_FinancialReportKeepsNamesStartingWithTotal(t *testing.T) {
	rows := []parser.Row{
		row(0, map[string]string{"item": "TotalEnergies SE", "qty": "5", "date": "2023-01-02"}),
		row(1, map[string]string{"item": "Totalmed", "qty": "2", "date": "2023-01-02"}),
		row(2, map[string]string{"item": "합계금액표", "qty": "1", "date": "2023-01-02"}),
		row(3, map[string]string{"item": "Total (KRW)", "qty": "8", "date": ""}),
		row(4, map[string]string{"item": "Grand total:", "qty": "8", "date": ""}),
	}
	res, err := Clean(content.Hash(nil), rows, salesRecipe(FinancialReportID))
	require.NoError(t, err)
	require.Len(t, res.Valid, 3)
	assert.Equal(t, "TotalEnergies SE", res.Valid[0].Values["item"])
	assert.Equal(t, "Totalmed", res.Valid[1].Values["item"])
	assert.Empty(t, res.Quarantined)
	assert.Equal(t, 2, res.Skipped)
}

func TestIsSubtotal(t *testing.T) {
	for in, want := range map[string]bool{
		"Total":            true,
		" TOTAL ":          true,
		"Totals":           true,
		"Sub-total: Q1":    true,
		"합계":               true,
		"合計(円)":            true,
		"TotalEnergies SE": false,
		"Totalmed":         false,
		"Total2":           false,
		"widgets":          false,
		"":                 false,
	} {
		assert.Equal(t, want, isSubtotal(in), in)
	}
}

func TestRegistry(t *testing.T) {
	assert.True(t, Known(DefaultID))
	assert.True(t, Known(TrimOnlyID))
	assert.True(t, Known(FinancialReportID))
	assert.False(t, Known("nope"))
	assert.Subset(t, IDs(), []string{DefaultID, FinancialReportID, TrimOnlyID})

	assert.Panics(t, func() { Register(DefaultID, coerceDeclared) })
	assert.Panics(t, func() { Register("", coerceDeclared) })
	assert.Panics(t, func() { Register("nil-func", nil) })
}

func TestParseInteger(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"10", 10, false},
		{"1,234", 1234, false},
		{"1 234 567", 1234567, false},
		{"1'000", 1000, false},
		{"1_000", 1000, false},
		{"(1,234)", -1234, false},
		{"-42", -42, false},
		{"+7", 7, false},
		{"−5", -5, false},
		{"$1,000", 1000, false},
		{"1.5", 0, true},
		{"5%", 0, true},
		{"(-5)", 0, true},
		{"abc", 0, true},
		{"()", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInteger(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1,234.50", "1234.50", false},
		{"(12.5)", "-12.5", false},
		{"12.5%", "12.5", false},
		{"0.1", "0.1", false},
		{"€3", "3", false},
		{"Infinity", "", true},
		{"NaN", "", true},
		{"1.2.3", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDecimal(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Text('f'))
		})
	}
}

func TestParseDate(t *testing.T) {
	jan5 := time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		in       string
		layout   string
		calendar string
		want     time.Time
		wantErr  bool
	}{
		{"iso", "2023-01-05", "", "", jan5, false},
		{"slashes", "2023/01/05", "", "", jan5, false},
		{"compact", "20230105", "", "", jan5, false},
		{"us", "01/05/2023", "", "", jan5, false},
		{"datetime", "2023-01-05 13:45:00", "", "", jan5, false},
		{"explicit layout", "05.01.2023", "02.01.2006", "", jan5, false},
		{"explicit layout mismatch", "2023-01-05", "02.01.2006", "", time.Time{}, true},
		{"roc", "112/01/05", "", "roc", jan5, false},
		{"roc compact", "1120105", "", "roc", jan5, false},
		{"buddhist", "2566-01-05", "", "buddhist", jan5, false},
		{"roc invalid day", "112/02/30", "", "roc", time.Time{}, true},
		{"roc mixed separators", "112/01-05", "", "roc", time.Time{}, true},
		{"garbage", "yesterday", "", "", time.Time{}, true},
		{"unknown calendar", "2023-01-05", "", "lunar", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDate(tt.in, tt.layout, tt.calendar)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerce_Sentinels(t *testing.T) {
	col := catalog.ColumnSpec{Name: "x", Type: catalog.TypeDecimal}
	for _, s := range []string{"", "  ", "-", "--", "N/A", "NA", "n/a", "null", "NULL", "#N/A"} {
		v, err := Coerce(s, col)
		require.NoError(t, err, "%q", s)
		assert.Nil(t, v, "%q", s)
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "Y", "yes", "1"} {
		v, err := ParseBool(s)
		require.NoError(t, err)
		assert.True(t, v, s)
	}
	for _, s := range []string{"FALSE", "n", "0"} {
		v, err := ParseBool(s)
		require.NoError(t, err)
		assert.False(t, v, s)
	}
	_, err := ParseBool("maybe")
	assert.Error(t, err)
}
