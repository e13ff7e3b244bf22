package correlation

import "slices"

// CountSequences returns how many disjoint, strictly increasing chains can
// be drawn greedily from the ordered index lists, one member per list.
//
// Each chain starts at the smallest unused index of the first list and
// takes, from every following list, the first unused index greater than
// the previous member. The first chain that cannot be completed ends the
// count; no later starting index is tried. A single list counts each of
// its indices as a chain.
//
// The input lists are not modified.
func CountSequences(lists [][]int) int {
	switch {
	case len(lists) == 0 || len(lists[0]) == 0:
		return 0
	case len(lists) == 1:
		return len(lists[0])
	}

	sorted := make([][]int, len(lists))
	for k, l := range lists {
		if slices.IsSorted(l) {
			sorted[k] = l
		} else {
			sorted[k] = slices.Sorted(slices.Values(l))
		}
	}

	// Chains are built in increasing order of their first member, and each
	// later member is the first unused index above its predecessor, so the
	// unused part of every list is always a suffix: one cursor per list
	// replaces removing consumed indices.
	cursors := make([]int, len(sorted))
	matches := 0
	for cursors[0] < len(sorted[0]) {
		chain := make([]int, len(sorted))
		chain[0] = cursors[0]
		prev := sorted[0][cursors[0]]

		for k := 1; k < len(sorted); k++ {
			l := sorted[k]
			i := cursors[k]
			for i < len(l) && l[i] <= prev {
				i++
			}
			if i == len(l) {
				return matches
			}
			chain[k] = i
			prev = l[i]
		}

		for k, i := range chain {
			cursors[k] = i + 1
		}
		matches++
	}
	return matches
}
