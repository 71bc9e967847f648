// Package memory provides an in-memory object store used by tests and
// local development. It honors the same contract as the S3 store,
// including optional fault injection for exercising failure paths.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	segerrors "github.com/segcache/segcache/pkg/errors"
	"github.com/segcache/segcache/pkg/types"
)

// Store is a map-backed types.ObjectStore.
type Store struct {
	mu      sync.RWMutex
	objects map[types.SegmentKey][]byte

	// Fault injection hooks; nil means the call succeeds.
	GetErr    error
	PutErr    error
	DeleteErr error
}

// NewStore creates an empty in-memory object store.
func NewStore() *Store {
	return &Store{
		objects: make(map[types.SegmentKey][]byte),
	}
}

// Get streams the object for key into sink.
func (s *Store) Get(ctx context.Context, key types.SegmentKey, sink io.Writer) error {
	if s.GetErr != nil {
		return s.GetErr
	}

	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return segerrors.NewError(segerrors.ErrCodeObjectNotFound,
			fmt.Sprintf("object not found: %s", key)).WithComponent("memory-store")
	}

	_, err := sink.Write(data)
	return err
}

// Put stores size bytes read from source under key.
func (s *Store) Put(ctx context.Context, key types.SegmentKey, size int64, source io.Reader) error {
	if s.PutErr != nil {
		return s.PutErr
	}

	data, err := io.ReadAll(source)
	if err != nil {
		return segerrors.NewError(segerrors.ErrCodeRemotePut,
			fmt.Sprintf("reading source for %s: %v", key, err)).
			WithComponent("memory-store").WithCause(err)
	}
	if int64(len(data)) != size {
		return segerrors.NewError(segerrors.ErrCodeRemotePut,
			fmt.Sprintf("size mismatch for %s: declared %d, read %d", key, size, len(data))).
			WithComponent("memory-store")
	}

	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()

	return nil
}

// Delete removes the object for key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key types.SegmentKey) error {
	if s.DeleteErr != nil {
		return s.DeleteErr
	}

	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()

	return nil
}

// Contains reports whether key is stored.
func (s *Store) Contains(key types.SegmentKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// Object returns a copy of the stored bytes for key.
func (s *Store) Object(key types.SegmentKey) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
