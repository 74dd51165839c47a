package domain

import "time"

// DefaultMemoryType is the value type recorded when a caller omits one.
const DefaultMemoryType = "json"

// compressionThreshold is the deterministic cutoff above which an entry is
// flagged as compressed. The flag is metadata only; values are stored as
// written.
const compressionThreshold = 1024

// MemoryEntry is a namespaced key/value record with access tracking.
// (Namespace, Key) is unique; the empty namespace is valid.
type MemoryEntry struct {
	ID            string
	Namespace     string
	Key           string
	Value         string
	Type          string
	Metadata      string
	Size          int
	IsCompressed  bool
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	AccessedAt    *time.Time
	AccessCount   int
}

// ShouldCompress reports whether a value of the given byte length is flagged
// compressed. Deterministic for a given value.
func ShouldCompress(size int) bool {
	return size >= compressionThreshold
}
