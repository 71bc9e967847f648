// Package tracker attaches a persisted last-touched timestamp to each
// cached segment file, used for LRU ordering during eviction planning.
package tracker

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	segerrors "github.com/segcache/segcache/pkg/errors"
)

// xattrName is the extended attribute holding the last-touched time,
// encoded as big-endian nanoseconds since the Unix epoch. Living on
// the segment file itself, it survives process restart and follows the
// file through any metadata-preserving copy or move.
const xattrName = "user.segcache.timestamp"

// Tracker persists and reads per-segment last-touched timestamps. The
// zero value is not usable; construct with New.
type Tracker struct {
	now func() time.Time
}

// New creates a tracker using the wall clock.
func New() *Tracker {
	return &Tracker{now: time.Now}
}

// NewWithClock creates a tracker with an injected clock, for tests.
func NewWithClock(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

// Touch stamps path with the current time and returns it. A persist
// failure is a hard error for the calling operation: proceeding with
// stale ordering data would corrupt eviction fairness.
func (t *Tracker) Touch(path string) (time.Time, error) {
	ts := t.now()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
	if err := unix.Setxattr(path, xattrName, buf[:], 0); err != nil {
		return time.Time{}, segerrors.NewError(
			segerrors.ErrCodeMetadataWrite,
			fmt.Sprintf("persisting timestamp for %s: %v", path, err),
		).WithComponent("tracker").WithCause(err)
	}

	return ts, nil
}

// Read returns the persisted last-touched time of path.
func (t *Tracker) Read(path string) (time.Time, error) {
	var buf [8]byte
	n, err := unix.Getxattr(path, xattrName, buf[:])
	if err != nil {
		return time.Time{}, segerrors.NewError(
			segerrors.ErrCodeMetadataRead,
			fmt.Sprintf("reading timestamp for %s: %v", path, err),
		).WithComponent("tracker").WithCause(err)
	}
	if n != len(buf) {
		return time.Time{}, segerrors.NewError(
			segerrors.ErrCodeMetadataRead,
			fmt.Sprintf("timestamp for %s is %d bytes, want %d", path, n, len(buf)),
		).WithComponent("tracker")
	}

	nanos := int64(binary.BigEndian.Uint64(buf[:]))
	return time.Unix(0, nanos), nil
}
