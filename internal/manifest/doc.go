// Package manifest is the durable per-file state machine and audit trail.
//
// There is exactly one Entry per distinct content hash. Entries are created
// on first sighting, change only through Transition (which enforces the
// transition table in status.go), and are never deleted. Every transition
// runs in one SQLite transaction that compare-and-sets the status and appends
// a row to manifest_events, so concurrent readers never see a half-applied
// update and the event trail always explains the current status.
//
// Lifecycle:
//
//	DISCOVERED → RAW_INGESTED → TRANSFORMING → TRANSFORMED_SUCCESS
//	                                         ↘ VALIDATION_ERROR
//	                                         ↘ TRANSFORMATION_FAILED
//	RAW_INGESTED → QUARANTINED (no matching recipe)
//	any non-terminal → RAW_INGESTION_FAILED
//
// Recovery and reprocess edges lead back to RAW_INGESTED; see CanTransition.
package manifest
