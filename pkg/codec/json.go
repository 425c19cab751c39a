package codec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ledgerforge/eventledger/pkg/domain"
)

// JSONCodec is the default Codec: canonical form is compact JSON, and
// payload types are resolved through a per-eventType registry so that
// DecodeEvent can materialize the right concrete Go type.
//
// encoding/json does not guarantee map key order, so metadata is encoded
// as an ordered array of {key,value} pairs rather than a JSON object —
// preserving insertion order without depending on map iteration order
// for the checksum.
type JSONCodec struct {
	mu    sync.RWMutex
	types map[string]func() any
}

// NewJSONCodec creates an empty codec. Register payload types with
// codec.Register before use.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{types: make(map[string]func() any)}
}

func (c *JSONCodec) register(eventType string, factory func() any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[eventType] = factory
}

// EncodeEvent implements Codec.
func (c *JSONCodec) EncodeEvent(eventType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", domain.ErrSerialization, eventType, err)
	}
	return string(data), nil
}

// DecodeEvent implements Codec.
func (c *JSONCodec) DecodeEvent(eventType, data string) (any, error) {
	c.mu.RLock()
	factory, ok := c.types[eventType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no payload type registered for %q", domain.ErrDeserialization, eventType)
	}

	target := factory()
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrDeserialization, eventType, err)
	}
	return target, nil
}

// metadataPair is the wire shape of one ordered metadata entry.
type metadataPair struct {
	K string `json:"k"`
	V string `json:"v"`
}

// EncodeMetadata implements Codec.
func (c *JSONCodec) EncodeMetadata(m domain.Metadata) (string, error) {
	if m.IsEmpty() {
		return "", nil
	}
	entries := m.Entries()
	pairs := make([]metadataPair, len(entries))
	for i, e := range entries {
		pairs[i] = metadataPair{K: e.Key, V: e.Value}
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("%w: encode metadata: %v", domain.ErrSerialization, err)
	}
	return string(data), nil
}

// DecodeMetadata implements Codec.
func (c *JSONCodec) DecodeMetadata(data string) (domain.Metadata, error) {
	if data == "" {
		return domain.NewMetadata(), nil
	}
	var pairs []metadataPair
	if err := json.Unmarshal([]byte(data), &pairs); err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: decode metadata: %v", domain.ErrDeserialization, err)
	}
	entries := make([]domain.MetadataEntry, len(pairs))
	for i, p := range pairs {
		entries[i] = domain.MetadataEntry{Key: p.K, Value: p.V}
	}
	return domain.MetadataFromEntries(entries), nil
}

// Checksum implements Codec.
func (c *JSONCodec) Checksum(encoded string) string {
	return Sha256Hex(encoded)
}
