// Package codec serializes domain event payloads and metadata to and from
// the canonical string form stored by the event store, and computes the
// integrity checksum recorded on each envelope.
//
// Payloads are encoded as JSON rather than a schema-compiled wire
// format, matching the plain json.Marshal-based codecs common across
// Go event-sourcing implementations: a string form plus a SHA-256
// checksum, with no generated registry to keep in sync.
package codec

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ledgerforge/eventledger/pkg/domain"
)

// Codec serializes event payloads and metadata for persistence.
type Codec interface {
	// EncodeEvent serializes an event's payload to its canonical string
	// form. Returns domain.ErrSerialization on failure.
	EncodeEvent(eventType string, payload any) (string, error)

	// DecodeEvent deserializes a payload previously produced by
	// EncodeEvent for the given eventType. Returns domain.ErrDeserialization
	// if eventType is unregistered or the payload does not match the
	// registered shape; callers on the load path must fall back to a
	// domain.GenericEventCarrier rather than surface this error.
	DecodeEvent(eventType, data string) (any, error)

	// EncodeMetadata serializes an ordered metadata set. An empty set
	// encodes to "".
	EncodeMetadata(m domain.Metadata) (string, error)

	// DecodeMetadata deserializes metadata. "" decodes to an empty set.
	DecodeMetadata(data string) (domain.Metadata, error)

	// Checksum returns the 64-hex-digit SHA-256 digest of the encoded
	// payload, used to detect silent corruption on read.
	Checksum(encoded string) string
}

// Register associates a concrete payload type with an event type name on
// a *JSONCodec. It is a package-level generic helper (rather than a
// method) so call sites read as a declarative registration table.
func Register[T any](c *JSONCodec, eventType string) {
	c.register(eventType, func() any { return new(T) })
}

// Sha256Hex is the checksum primitive shared by every Codec
// implementation.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
