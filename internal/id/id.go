// Package id generates challenge identifiers.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, which sort by creation time.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	v, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return v.String(), nil
}

// Parse validates a challenge ID and returns its canonical form.
func Parse(raw string) (string, error) {
	v, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse challenge id: %w", err)
	}
	return v.String(), nil
}
