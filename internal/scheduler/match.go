package scheduler

import (
	"hash/fnv"
	"sort"

	"github.com/fluxworkflow/flux/internal/catalog"
)

// candidates returns every online worker eligible to run entry, unsorted.
func candidates(workers map[string]*Worker, entry catalog.Entry) []*Worker {
	var out []*Worker
	for _, w := range workers {
		if w.State != StateOnline {
			continue
		}
		if !w.registers(entry.Name, entry.Version) {
			continue
		}
		if !w.Resources.satisfies(entry.ResourceRequest) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// pick applies the spec.md §4.4 tie-break chain to a set of eligible workers:
// fewest active claims, then longest since last seen, then a stable hash of
// (worker name, execution id) so repeated sweeps over the same pending execution
// converge on the same worker instead of flapping between equally-ranked ties.
func pick(eligible []*Worker, executionID string) *Worker {
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.ActiveClaims != b.ActiveClaims {
			return a.ActiveClaims < b.ActiveClaims
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.Before(b.LastSeen)
		}
		return stableHash(a.Name, executionID) < stableHash(b.Name, executionID)
	})
	return eligible[0]
}

func stableHash(name, executionID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(executionID))
	return h.Sum64()
}
