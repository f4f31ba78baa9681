// Package pipeline drives files through ingestion and transformation.
//
// The Ingester hashes discovered bytes, stores each distinct content once in
// the blob store and advances the manifest to RAW_INGESTED. The Transformer
// reads the RAW_INGESTED entries once per run and hands each to a bounded
// worker pool. A worker fingerprints the file, looks up its recipe, parses,
// cleans and loads it, and records a terminal status. Per-file failures are
// written to the manifest and never stop sibling workers; only failures of
// the manifest itself abort a run.
package pipeline
