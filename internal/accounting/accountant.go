// Package accounting tracks local cache capacity consumption. The
// Accountant is the single source of truth for "is there room": every
// byte a segment occupies locally is billed here, and nowhere else.
package accounting

import (
	"fmt"

	segerrors "github.com/segcache/segcache/pkg/errors"
)

// Accountant tracks total and remaining local cache capacity. It is
// pure bookkeeping: no I/O, no locking. The caller owns the critical
// section around every Reserve/Release pair (the gateway serializes
// accounting mutations behind its engine mutex).
//
// Remaining may transiently go negative after a local write completes,
// because the write happens before the accounting check. The operation
// that caused the deficit must restore Remaining to >= 0 before it
// returns, either by eviction or by reversing the write.
type Accountant struct {
	total     int64
	remaining int64
}

// New creates an accountant for a cache of total bytes with used bytes
// already occupied (e.g. from a warm cache directory at startup).
func New(total, used int64) *Accountant {
	return &Accountant{
		total:     total,
		remaining: total - used,
	}
}

// Reserve bills n bytes against the remaining capacity.
func (a *Accountant) Reserve(n int64) {
	a.remaining -= n
}

// Release returns n bytes to the remaining capacity. Releasing more
// than was ever reserved means the space invariant is already broken;
// that is reported as a fatal accounting error, never swallowed.
func (a *Accountant) Release(n int64) error {
	if a.remaining+n > a.total {
		return segerrors.NewError(
			segerrors.ErrCodeAccountingUnderflow,
			fmt.Sprintf("release of %d bytes exceeds total capacity: remaining %d, total %d", n, a.remaining, a.total),
		).WithComponent("accounting")
	}
	a.remaining += n
	return nil
}

// OverBudget reports whether more bytes are billed than the cache holds.
func (a *Accountant) OverBudget() bool {
	return a.remaining < 0
}

// HasRoom reports whether n more bytes fit without going over budget.
func (a *Accountant) HasRoom(n int64) bool {
	return a.remaining >= n
}

// Remaining returns the unbilled capacity in bytes. Negative while an
// operation is mid-flight resolving a deficit.
func (a *Accountant) Remaining() int64 {
	return a.remaining
}

// Total returns the fixed cache capacity in bytes.
func (a *Accountant) Total() int64 {
	return a.total
}

// Used returns the bytes currently billed.
func (a *Accountant) Used() int64 {
	return a.total - a.remaining
}
