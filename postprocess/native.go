package postprocess

import (
	"sort"
)

// greedyKeep selects and suppresses within each group, then merges the groups.
//
// Returns positions into pairs, ordered by descending score then ascending Index.
// pairs is already in that order, so merging reduces to sorting positions.
func greedyKeep(pairs []Pair, c Candidates, p Params) []int {
	groups := make(map[int][]int)
	order := make([]int, 0)
	for i, pr := range pairs {
		g := pr.Label
		if p.ClassAgnostic {
			g = 0
		}
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], i)
	}

	kept := make([]int, 0, len(pairs))
	for _, g := range order {
		members := groups[g]
		used := make([]bool, len(members))
		for a := range members {
			if used[a] {
				continue
			}
			anchor := pairs[members[a]]
			kept = append(kept, members[a])
			for b := a + 1; b < len(members); b++ {
				if used[b] {
					continue
				}
				if c.Boxes[anchor.Box].IoU(c.Boxes[pairs[members[b]].Box]) > p.IoUThresh {
					used[b] = true
				}
			}
		}
	}

	sort.Ints(kept)
	return kept
}
