// Package credentials resolves the connection secrets the write path
// needs at startup — the Postgres DSN and the broker URL — from an
// ordered chain of sources: a gocloud.dev runtimevar backend, the
// process environment, and a literal fallback for local development.
//
// The resolved value is treated as an opaque connection string; this
// package never parses or logs it unmasked.
package credentials

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a provider has no value for the requested
// credential. ChainProvider uses it to fall through to the next source.
var ErrNotFound = errors.New("credential not found")

// Credential is one resolved connection secret.
type Credential struct {
	// Value is the connection string itself (DSN, URL, token).
	Value string

	// Source names where the value came from, for startup logging.
	Source string

	// ExpiresAt bounds the value's validity; zero means it does not
	// expire.
	ExpiresAt time.Time
}

// Expired reports whether the credential's validity window has passed.
func (c Credential) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Provider resolves one credential. Implementations must be safe for
// concurrent use.
type Provider interface {
	Resolve(ctx context.Context) (Credential, error)
	Close() error
}
