// Package uuid issues pipeline run IDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements crawler.IDGenerator with UUIDv7, so run IDs sort by
// start time in the run store and in artifact paths.
type Generator struct{}

// NewUUIDGenerator returns a run ID generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a new run ID.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}
