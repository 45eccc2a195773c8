// Package uuid generates run and decision identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, so run IDs sort by start time.
type Generator struct {
	prefix string
}

// New creates a Generator. A non-empty prefix is prepended to every ID.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID implements catalog.IDGenerator.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
