package store

import "github.com/google/uuid"

// newRunID generates a new unique run identifier.
func newRunID() string {
	return uuid.NewString()
}
