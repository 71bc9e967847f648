// Package gateway implements the cache engine's operation surface:
// Download, Upload and Remove for content-addressed segments.
//
// Each operation runs a per-segment protocol over four internal
// collaborators (space accountant, timestamp tracker, eviction
// planner, compression codec) and the remote object store. Two
// invariants hold between operations:
//
//   - a segment is Local or Remote, never both
//   - remaining space equals capacity minus the bytes of all Local
//     segments
//
// Space may go transiently negative while an operation resolves a
// shortfall; it is restored before the operation returns, by eviction
// or by reversing the write that caused it.
package gateway
