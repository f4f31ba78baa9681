package manifest

import (
	"fmt"
)

// Status is the lifecycle state of a manifest entry.
type Status string

const (
	StatusDiscovered           Status = "DISCOVERED"
	StatusRawIngested          Status = "RAW_INGESTED"
	StatusTransforming         Status = "TRANSFORMING"
	StatusTransformedSuccess   Status = "TRANSFORMED_SUCCESS"
	StatusValidationError      Status = "VALIDATION_ERROR"
	StatusTransformationFailed Status = "TRANSFORMATION_FAILED"
	StatusQuarantined          Status = "QUARANTINED"
	StatusRawIngestionFailed   Status = "RAW_INGESTION_FAILED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDiscovered,
	StatusRawIngested,
	StatusTransforming,
	StatusTransformedSuccess,
	StatusValidationError,
	StatusTransformationFailed,
	StatusQuarantined,
	StatusRawIngestionFailed,
}

// ParseStatus converts a stored string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown manifest status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDiscovered, StatusRawIngested, StatusTransforming,
		StatusTransformedSuccess, StatusValidationError, StatusTransformationFailed,
		StatusQuarantined, StatusRawIngestionFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends the normal lifecycle.
// Terminal entries move again only through explicit reprocess or re-ingest.
func (s Status) Terminal() bool {
	switch s {
	case StatusDiscovered, StatusRawIngested, StatusTransforming:
		return false
	case StatusTransformedSuccess, StatusValidationError, StatusTransformationFailed,
		StatusQuarantined, StatusRawIngestionFailed:
		return true
	}
	panic(fmt.Sprintf("manifest: unrecognized status %q", string(s)))
}

func (s Status) String() string {
	return string(s)
}

// transitions is the complete set of legal edges.
var transitions = map[Status][]Status{
	StatusDiscovered: {
		StatusRawIngested,
		StatusRawIngestionFailed,
	},
	StatusRawIngested: {
		StatusTransforming,
		StatusQuarantined,
		StatusRawIngestionFailed,
	},
	StatusTransforming: {
		StatusTransformedSuccess,
		StatusValidationError,
		StatusTransformationFailed,
		StatusRawIngestionFailed,
		StatusRawIngested, // recovery of an interrupted run
	},
	// Explicit reprocess after the catalog changed.
	StatusQuarantined:          {StatusRawIngested},
	StatusTransformationFailed: {StatusRawIngested},
	StatusValidationError:      {StatusRawIngested},
	// Re-discovery after a failed blob write retries ingestion; a retry
	// that fails again records the new error in place.
	StatusRawIngestionFailed: {StatusRawIngested, StatusRawIngestionFailed},
	StatusTransformedSuccess: nil,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reprocessable lists the statuses an explicit reprocess pass considers.
var Reprocessable = []Status{StatusQuarantined, StatusTransformationFailed}
