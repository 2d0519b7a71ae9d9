// Package selector implements the Load-Based Selector: a pure function
// over a registry snapshot that picks the least-loaded backend.
package selector

import (
	"math/rand"
	"sort"

	"github.com/corewell/genforge/internal/observability"
	"github.com/corewell/genforge/internal/registry"
)

// Select picks a backend address from snapshot, or "" if snapshot is
// empty. The rule:
//  1. Filter to available backends.
//  2. If that filtered set is empty, fall back to the first entry of
//     the full (insertion-ordered) snapshot.
//  3. Randomly permute the filtered set to break ties uniformly.
//  4. Stable-sort ascending by total_load.
//  5. Return the first address.
func Select(snapshot []registry.Entry) string {
	if len(snapshot) == 0 {
		observability.SelectorDecisions.WithLabelValues("empty").Inc()
		return ""
	}

	available := make([]registry.Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if e.Status.Available {
			available = append(available, e)
		}
	}

	if len(available) == 0 {
		observability.SelectorDecisions.WithLabelValues("fallback").Inc()
		return snapshot[0].Address
	}

	rand.Shuffle(len(available), func(i, j int) {
		available[i], available[j] = available[j], available[i]
	})
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Status.TotalLoad() < available[j].Status.TotalLoad()
	})

	observability.SelectorDecisions.WithLabelValues("selected").Inc()
	return available[0].Address
}
