// Package fingerprint derives a schema identity from a file's header.
//
// Detect scans the first lines of a file, picks the first candidate encoding
// that decodes all of them, finds the most plausible header line and hashes
// its normalized, sorted column names. The result does not depend on column
// order, letter case, surrounding or repeated whitespace, or a UTF-8 BOM.
//
// A file with no plausible header yields ErrNotFound. That is an expected
// outcome meaning "unknown format", not a malfunction.
package fingerprint
