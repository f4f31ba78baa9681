// Package catalog holds the recipe catalog: the human-curated mapping from a
// format fingerprint to the recipe that parses, cleans and loads files of
// that format.
//
// Catalogs are authored out of band and loaded once at the start of a run,
// either from a YAML file or from a directory of CUE files. A loaded Catalog
// is immutable and safe for concurrent Lookup. A miss is ErrNotFound, the
// normal outcome for a format nobody has registered yet.
package catalog
