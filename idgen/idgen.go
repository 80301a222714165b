// Package idgen generates identifiers for detector sessions, tool requests
// and history events. Generators are plain funcs so callers can swap the strategy in
// tests without touching the detector.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so session IDs in logs order by start time.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// (e.g. "ses_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Session is the generator used for detector session IDs.
var Session Generator = Prefixed("ses_", UUIDv7())
