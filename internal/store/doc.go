// Package store opens the SQLite database that backs the manifest and the
// raw blob table.
//
// The database holds:
//   - raw_blobs: one row per distinct content hash (write-once)
//   - manifest: one row per distinct content hash with its lifecycle status
//   - manifest_events: append-only audit trail of every status transition
//   - manifest_sightings: every (content hash, path) pair a file was seen under
//
// Rows in manifest, manifest_events and manifest_sightings are never deleted.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: events and sightings must reference a manifest row
package store
