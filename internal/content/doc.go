// Package content computes the content identity used throughout rawlake.
//
// A ContentHash is the lowercase hex SHA-256 of a file's raw bytes. It is the
// raw blob key and the manifest primary key, so every stage that refers to a
// file refers to it by this value and never by path.
//
// The same algorithm hashes normalized header strings into format
// fingerprints (see internal/fingerprint).
package content
