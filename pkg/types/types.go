package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// KeyLength is the length in bytes of a segment content hash.
const KeyLength = 16

// SegmentKey is the fixed-length content hash identifying a segment.
// It doubles as the remote object-store key and the local cache
// filename (hex encoded).
type SegmentKey [KeyLength]byte

// ParseSegmentKey decodes a hex-encoded segment key.
func ParseSegmentKey(s string) (SegmentKey, error) {
	var key SegmentKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid segment key %q: %w", s, err)
	}
	if len(raw) != KeyLength {
		return key, fmt.Errorf("invalid segment key %q: want %d bytes, got %d", s, KeyLength, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// String returns the hex encoding of the key.
func (k SegmentKey) String() string {
	return hex.EncodeToString(k[:])
}

// Location describes where a segment's authoritative copy lives.
// A segment is never simultaneously Local and Remote.
type Location int

const (
	// LocationAbsent means the segment exists in neither store.
	LocationAbsent Location = iota
	// LocationLocal means the segment's bytes are in the cache directory.
	LocationLocal
	// LocationRemote means the segment lives in the remote object store.
	LocationRemote
)

// String returns a human-readable location name.
func (l Location) String() string {
	switch l {
	case LocationLocal:
		return "local"
	case LocationRemote:
		return "remote"
	default:
		return "absent"
	}
}

// Segment describes one cached segment as seen by the eviction engine.
type Segment struct {
	// Key is the content hash of the segment.
	Key SegmentKey `json:"key"`

	// RefCount is the number of live references from the
	// deduplication layer. Supplied input, never computed here.
	RefCount int64 `json:"ref_count"`

	// LastTouched is the persisted last read/write hit time.
	LastTouched time.Time `json:"last_touched"`

	// StoredSize is the bytes the segment occupies locally after
	// compression. This is the unit space accounting tracks.
	StoredSize int64 `json:"stored_size"`
}

// EngineStats represents cache engine performance statistics.
type EngineStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Passthrough uint64  `json:"passthrough"`
	Resident    int     `json:"resident"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}
