package gateway

import (
	"sync"

	"github.com/segcache/segcache/pkg/types"
)

// keyedMutex serializes operations per segment key. At most one
// operation holds a given key at a time, so two concurrent downloads
// of the same missing segment coalesce: the second waits for the
// first's outcome and then observes the segment's new residency.
// Unrelated keys never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.SegmentKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key, blocking while another operation
// holds it.
func (k *keyedMutex) Lock(key types.SegmentKey) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[types.SegmentKey]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the mutex for key, dropping its bookkeeping entry
// once no operation is waiting.
func (k *keyedMutex) Unlock(key types.SegmentKey) {
	k.mu.Lock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
