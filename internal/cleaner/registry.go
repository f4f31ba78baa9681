package cleaner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/parser"
)

// CleanFunc converts one parsed row into column values keyed by canonical
// name. It returns a *ValidationFailure to quarantine the row or ErrSkipRow
// to drop it.
type CleanFunc func(row parser.Row, recipe catalog.Recipe) (map[string]any, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]CleanFunc)
)

// Register makes a cleaner available under id.
// It panics if id is empty, fn is nil, or id is already registered.
func Register(id string, fn CleanFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if id == "" {
		panic("cleaner: Register with empty id")
	}
	if fn == nil {
		panic("cleaner: Register " + id + " with nil func")
	}
	if _, dup := registry[id]; dup {
		panic(fmt.Sprintf("cleaner: Register called twice for %q", id))
	}
	registry[id] = fn
}

// Lookup returns the cleaner registered under id.
func Lookup(id string) (CleanFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[id]
	return fn, ok
}

// Known reports whether id is registered. Suitable for catalog.Options.
func Known(id string) bool {
	_, ok := Lookup(id)
	return ok
}

// IDs returns registered ids in sorted order.
func IDs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
