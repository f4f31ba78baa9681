package manifest

import (
	"errors"
	"fmt"

	"github.com/roach88/rawlake/internal/content"
)

// ErrNotFound is returned when no entry exists for a content hash.
var ErrNotFound = errors.New("manifest entry not found")

// TransitionError reports an illegal or lost status transition.
type TransitionError struct {
	Hash content.ContentHash
	From Status
	To   Status

	// Conflict is set when the edge was legal but another writer changed the
	// status between read and write.
	Conflict bool
}

func (e *TransitionError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("manifest %s: status changed concurrently (expected %s, moving to %s)", e.Hash.Short(), e.From, e.To)
	}
	return fmt.Sprintf("manifest %s: illegal transition %s → %s", e.Hash.Short(), e.From, e.To)
}

// IsTransitionError reports whether err is a *TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
