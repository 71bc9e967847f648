package types

import (
	"context"
	"io"
)

// ObjectStore defines the remote object store contract the engine
// consumes. Keys share the segment content-hash key space. Calls are
// synchronous and block until completion or failure; retry policy is
// the implementation's concern, never the engine's.
type ObjectStore interface {
	// Get streams the object for key into sink.
	Get(ctx context.Context, key SegmentKey, sink io.Writer) error

	// Put stores size bytes read from source under key.
	Put(ctx context.Context, key SegmentKey, size int64, source io.Reader) error

	// Delete removes the object for key. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, key SegmentKey) error
}

// Codec defines the compression codec contract. Decompress must
// reproduce the exact byte range given to Compress.
type Codec interface {
	// Compress writes the compressed form of source[offset:offset+length)
	// to dest and returns the compressed size in bytes.
	Compress(sourcePath string, offset, length int64, destPath string) (int64, error)

	// Decompress expands a compressed blob back into a file region.
	Decompress(sourcePath, destPath string) error
}

// RefCountSource supplies per-segment reference counts from the
// deduplication layer. The engine consumes these values for eviction
// ordering; it never computes them.
type RefCountSource interface {
	RefCount(key SegmentKey) int64
}

// RefCountFunc adapts a plain function to a RefCountSource.
type RefCountFunc func(key SegmentKey) int64

// RefCount implements RefCountSource.
func (f RefCountFunc) RefCount(key SegmentKey) int64 {
	return f(key)
}
