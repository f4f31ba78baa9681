package pipeline

import (
	"fmt"
	"strings"
)

// Summary counts per-file outcomes of a run.
type Summary struct {
	// Ingestion
	Ingested        int `json:"ingested"`
	Duplicates      int `json:"duplicates"`
	IngestionFailed int `json:"ingestion_failed"`
	Unreadable      int `json:"unreadable"`

	// Transformation
	Transformed      int `json:"transformed"`
	Quarantined      int `json:"quarantined"`
	ValidationErrors int `json:"validation_errors"`
	Failed           int `json:"failed"`
	Interrupted      int `json:"interrupted"`
	Recovered        int `json:"recovered"`
	Requeued         int `json:"requeued"`

	RowsLoaded      int `json:"rows_loaded"`
	RowsQuarantined int `json:"rows_quarantined"`
}

// HasFailures reports whether any file ended in a failure status.
// Files quarantined for an unknown format are an expected outcome and do
// not count.
func (s Summary) HasFailures() bool {
	return s.IngestionFailed+s.Unreadable+s.ValidationErrors+s.Failed > 0
}

// Add returns the field-wise sum of s and o.
func (s Summary) Add(o Summary) Summary {
	s.Ingested += o.Ingested
	s.Duplicates += o.Duplicates
	s.IngestionFailed += o.IngestionFailed
	s.Unreadable += o.Unreadable
	s.Transformed += o.Transformed
	s.Quarantined += o.Quarantined
	s.ValidationErrors += o.ValidationErrors
	s.Failed += o.Failed
	s.Interrupted += o.Interrupted
	s.Recovered += o.Recovered
	s.Requeued += o.Requeued
	s.RowsLoaded += o.RowsLoaded
	s.RowsQuarantined += o.RowsQuarantined
	return s
}

// String renders the non-zero counters, e.g. "ingested=3 transformed=2".
func (s Summary) String() string {
	fields := []struct {
		name string
		n    int
	}{
		{"ingested", s.Ingested},
		{"duplicates", s.Duplicates},
		{"ingestion_failed", s.IngestionFailed},
		{"unreadable", s.Unreadable},
		{"transformed", s.Transformed},
		{"quarantined", s.Quarantined},
		{"validation_errors", s.ValidationErrors},
		{"failed", s.Failed},
		{"interrupted", s.Interrupted},
		{"recovered", s.Recovered},
		{"requeued", s.Requeued},
		{"rows_loaded", s.RowsLoaded},
		{"rows_quarantined", s.RowsQuarantined},
	}
	var parts []string
	for _, f := range fields {
		if f.n != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", f.name, f.n))
		}
	}
	if len(parts) == 0 {
		return "nothing to do"
	}
	return strings.Join(parts, " ")
}
