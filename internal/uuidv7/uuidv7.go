// Package uuidv7 issues time-ordered request identifiers.
package uuidv7

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a UUIDv7 or panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns New in canonical form.
func NewString() string {
	return New().String()
}

// FromHeader reuses a caller supplied request id when it is a well formed
// UUID, so ids survive proxies, and mints a fresh UUIDv7 otherwise.
func FromHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 64 {
		return NewString()
	}
	id, err := uuid.Parse(value)
	if err != nil || id == uuid.Nil {
		return NewString()
	}
	return id.String()
}
