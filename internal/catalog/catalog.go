package catalog

import (
	"errors"
	"fmt"
	"sort"

	"cuelang.org/go/cue/token"
)

// ErrNotFound is returned by Lookup when no recipe is registered for a
// fingerprint.
var ErrNotFound = errors.New("no recipe for fingerprint")

// Catalog is an immutable fingerprint → recipe map.
type Catalog struct {
	source  string
	recipes map[string]Recipe
}

// New builds a catalog from recipes, validating each one.
// cleanerKnown may be nil to skip cleaner ID checks.
func New(source string, recipes []Recipe, cleanerKnown func(string) bool) (*Catalog, error) {
	c := &Catalog{source: source, recipes: make(map[string]Recipe, len(recipes))}
	for i := range recipes {
		r := recipes[i]
		if err := r.validate(cleanerKnown); err != nil {
			return nil, withRecipe(err, i, r)
		}
		if prev, dup := c.recipes[r.Fingerprint]; dup {
			return nil, &LoadError{
				Code:    ErrCodeDuplicate,
				Message: fmt.Sprintf("recipe %d (%s): fingerprint %s already registered for %s", i, r.TargetTable, short(r.Fingerprint), prev.TargetTable),
			}
		}
		c.recipes[r.Fingerprint] = r
	}
	return c, nil
}

// Lookup returns the recipe for fp or ErrNotFound.
func (c *Catalog) Lookup(fp string) (Recipe, error) {
	r, ok := c.recipes[fp]
	if !ok {
		return Recipe{}, ErrNotFound
	}
	return r, nil
}

// Has reports whether fp has a recipe.
func (c *Catalog) Has(fp string) bool {
	_, ok := c.recipes[fp]
	return ok
}

// Len returns the number of recipes.
func (c *Catalog) Len() int {
	return len(c.recipes)
}

// Source is the path the catalog was loaded from.
func (c *Catalog) Source() string {
	return c.source
}

// Recipes returns all recipes ordered by target table, then fingerprint.
func (c *Catalog) Recipes() []Recipe {
	out := make([]Recipe, 0, len(c.recipes))
	for _, r := range c.recipes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetTable != out[j].TargetTable {
			return out[i].TargetTable < out[j].TargetTable
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Error codes for catalog load failures.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeNoFiles     = "E003" // No catalog files found
	ErrCodeParse       = "E004" // YAML/CUE parse failed
	ErrCodeBuildFailed = "E006" // CUE build or schema unification failed
	ErrCodeInvalid     = "E201" // Recipe failed validation
	ErrCodeDuplicate   = "E202" // Two recipes share a fingerprint
)

// LoadError reports why a catalog could not be loaded. Any LoadError is
// fatal for a run: no file is touched with a broken catalog.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type fieldErr struct {
	field string
	msg   string
}

func (e *fieldErr) Error() string {
	return e.field + ": " + e.msg
}

func fieldError(field, format string, args ...any) error {
	return &fieldErr{field: field, msg: fmt.Sprintf(format, args...)}
}

func withRecipe(err error, i int, r Recipe) *LoadError {
	name := r.TargetTable
	if name == "" {
		name = "?"
	}
	return &LoadError{
		Code:    ErrCodeInvalid,
		Message: fmt.Sprintf("recipe %d (%s): %v", i, name, err),
	}
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
