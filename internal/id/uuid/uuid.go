// Package uuid generates time-ordered identifiers for runs and stored objects.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, optionally prefixed (for example "run_").
type Generator struct {
	prefix string
}

// New returns a Generator that emits bare UUIDv7 strings.
func New() *Generator {
	return &Generator{}
}

// NewPrefixed returns a Generator whose ids start with prefix.
func NewPrefixed(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a new UUIDv7 string with the configured prefix.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}

// Timestamp extracts the creation time embedded in an id produced by g.
func (g *Generator) Timestamp(id string) (time.Time, error) {
	if len(id) < len(g.prefix) || id[:len(g.prefix)] != g.prefix {
		return time.Time{}, fmt.Errorf("id %q lacks prefix %q", id, g.prefix)
	}
	parsed, err := uuid.Parse(id[len(g.prefix):])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse uuid: %w", err)
	}
	if parsed.Version() != 7 {
		return time.Time{}, fmt.Errorf("id %q is not a v7 uuid", id)
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
