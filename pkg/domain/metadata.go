package domain

// Metadata is an ordered string-to-string mapping carried on events and
// outbox entries. Ordering is preserved because the codec's checksum must
// be deterministic given the same logical inputs.
type Metadata struct {
	keys   []string
	values map[string]string
}

// NewMetadata creates an empty ordered metadata set.
func NewMetadata() Metadata {
	return Metadata{values: make(map[string]string)}
}

// Set assigns a value to key, preserving the position of the first
// insertion if the key already exists.
func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it was present.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Len reports the number of entries.
func (m Metadata) Len() int {
	return len(m.keys)
}

// IsEmpty reports whether the metadata set carries no entries.
func (m Metadata) IsEmpty() bool {
	return len(m.keys) == 0
}

// Keys returns the keys in insertion order.
func (m Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Merge returns a new Metadata with other's entries appended after m's,
// existing keys in m taking precedence.
func (m Metadata) Merge(other Metadata) Metadata {
	merged := NewMetadata()
	for _, k := range m.keys {
		merged.Set(k, m.values[k])
	}
	for _, k := range other.keys {
		if _, exists := merged.values[k]; !exists {
			merged.Set(k, other.values[k])
		}
	}
	return merged
}

// WithCorrelation is a convenience setter used throughout the write path.
func (m Metadata) WithCorrelation(correlationID string) Metadata {
	m.Set("correlationId", correlationID)
	return m
}

// Entries returns a snapshot of the metadata as ordered key/value pairs,
// primarily useful to the codec and to tests.
func (m Metadata) Entries() []MetadataEntry {
	out := make([]MetadataEntry, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, MetadataEntry{Key: k, Value: m.values[k]})
	}
	return out
}

// MetadataEntry is a single ordered metadata pair.
type MetadataEntry struct {
	Key   string
	Value string
}

// MetadataFromEntries rebuilds an ordered Metadata from entries, e.g. after
// decoding. Later duplicate keys are ignored, matching Set's semantics.
func MetadataFromEntries(entries []MetadataEntry) Metadata {
	m := NewMetadata()
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

// Well-known metadata keys shared by events, outbox entries, and the
// logging context.
const (
	MetaCorrelationID = "correlationId"
	MetaCausationID   = "causationId"
	MetaTenantID      = "tenantId"
	MetaUserID        = "userId"
	MetaCommandID     = "commandId"
)
