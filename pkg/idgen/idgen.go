// Package idgen generates the 128-bit sortable identifiers used for
// event ids, outbox ids, and aggregate ids. ULIDs are lexicographically
// sortable by creation time, unlike random UUIDv4,
// which makes event_id ordering roughly correlate with created_at
// without leaking an extra column.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a package-level, mutex-guarded monotonic entropy source so
// concurrent NewULID calls never produce colliding or out-of-order ids
// within the same millisecond.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new, time-sortable 128-bit identifier.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAggregateID is NewULID under a name that documents intent at call
// sites that mint a fresh aggregate identity.
func NewAggregateID() string {
	return NewULID()
}
