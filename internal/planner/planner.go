// Package planner selects eviction victims under a
// reference-count-first, recency-second policy.
//
// The selection is greedy and priority-ordered, not an optimal
// knapsack: correctness of the reference-count ordering takes priority
// over minimizing the number of evictions. A segment more referenced
// than the one needing room is never evicted.
package planner

import (
	"bytes"
	"errors"
	"sort"

	"github.com/segcache/segcache/pkg/types"
)

// ErrInfeasible signals that no candidate can be evicted without
// evicting something more valuable than the protected segment. It is a
// normal outcome, not a failure: the caller falls back to serving the
// segment without caching it.
var ErrInfeasible = errors.New("eviction infeasible: protected segment is the unique minimum reference holder")

// Plan selects victims from candidates to free at least need bytes.
//
// keep is the segment causing the space shortfall; it must not appear
// among the candidates. Victims are chosen in this order:
//
//  1. Candidates referenced less than keep, ascending by reference
//     count, ties broken by last-touched time (oldest first).
//  2. If no such candidate exists but other candidates share keep's
//     (minimum) reference count, those, purely by last-touched time.
//  3. Otherwise keep is the unique minimum holder and nothing may be
//     evicted: ErrInfeasible.
//
// Accumulation stops as soon as the victims' combined stored size
// covers need, or the chosen partition is exhausted. An exhausted
// partition yields a partial plan; the caller decides whether the
// freed space suffices.
func Plan(keep types.Segment, candidates []types.Segment, need int64) ([]types.Segment, error) {
	var pool []types.Segment

	for _, c := range candidates {
		if c.RefCount < keep.RefCount {
			pool = append(pool, c)
		}
	}

	if len(pool) == 0 {
		// No under-referenced segments. Eviction is only fair among
		// candidates tied with keep at the minimum reference count.
		for _, c := range candidates {
			if c.RefCount == keep.RefCount {
				pool = append(pool, c)
			}
		}
		if len(pool) == 0 {
			return nil, ErrInfeasible
		}
	}

	sortVictims(pool)

	var victims []types.Segment
	var freed int64
	for _, c := range pool {
		if freed >= need {
			break
		}
		victims = append(victims, c)
		freed += c.StoredSize
	}

	return victims, nil
}

// sortVictims orders least-referenced first, then least-recently-used,
// then by key so that timestamp collisions break deterministically.
func sortVictims(pool []types.Segment) {
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].RefCount != pool[j].RefCount {
			return pool[i].RefCount < pool[j].RefCount
		}
		if !pool[i].LastTouched.Equal(pool[j].LastTouched) {
			return pool[i].LastTouched.Before(pool[j].LastTouched)
		}
		return bytes.Compare(pool[i].Key[:], pool[j].Key[:]) < 0
	})
}
