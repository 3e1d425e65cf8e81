package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrPathEscapes is returned when a relative path resolves outside the
	// workspace root.
	ErrPathEscapes = errors.New("path escapes workspace")

	// ErrStaleRead is returned when an agent edits a file whose content
	// changed since the agent last read it, or which the agent never read.
	ErrStaleRead = errors.New("stale read")

	// ErrPatternNotFound is returned when an edit's search text does not
	// appear verbatim in the current file content.
	ErrPatternNotFound = errors.New("search text not found")
)

// StaleReadError wraps ErrStaleRead with the detail an agent needs to
// recover: re-read the path and retry.
func staleReadError(path, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrStaleRead, path, detail)
}
