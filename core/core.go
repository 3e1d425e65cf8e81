// Package core contains the shared kernel of CodeSwarm: the structured action
// vocabulary agents emit, the role descriptors that parameterize agent
// behavior, and the collaborator interfaces the coordination substrate
// consumes but does not implement.
package core

import "github.com/google/uuid"

// NewID generates a new unique identifier.
//
// Returns a string representation of a new UUID.
func NewID() string { return uuid.NewString() }

// NewShortID generates a compact 8 character identifier used for tasks and
// approval requests where a full UUID is unwieldy in chat transcripts.
func NewShortID() string { return uuid.NewString()[:8] }
