package mesh

import "sort"

// Reconcile compares two peer lists and returns the ids to connect to and
// the ids to tear down, both sorted. self never appears in either.
func Reconcile(old, next []string, self string) (added, removed []string) {
	before := make(map[string]struct{}, len(old))
	for _, id := range old {
		if id != self {
			before[id] = struct{}{}
		}
	}
	after := make(map[string]struct{}, len(next))
	for _, id := range next {
		if id != self {
			after[id] = struct{}{}
		}
	}

	for id := range after {
		if _, ok := before[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
