package postprocess

import (
	"sort"
)

// Pair is one (box, class) candidate that survived score thresholding.
type Pair struct {
	// Index is box*NumClasses + label, the position in the flattened score matrix.
	Index int
	Box   int
	Label int
	Score float32
}

// Select runs the selection stage shared by every strategy.
//
// Pairs scoring at least ScoreThresh are kept, ordered by descending score with
// ties resolved by ascending Index, then capped at limit. A limit of 0 keeps all.
//
// Arguments:
//   - c: The image's candidates.
//   - p: The suppression parameters.
//   - limit: The pair cap, usually p.Limit(kind).
//
// Returns:
//   - []Pair: The ordered, capped pairs. Empty when nothing passes the threshold.
//   - int: The number of passing pairs dropped by the cap.
func Select(c Candidates, p Params, limit int) ([]Pair, int) {
	pairs := make([]Pair, 0)
	for b := range c.Boxes {
		row := c.Scores[b*c.NumClasses : (b+1)*c.NumClasses]
		for label, s := range row {
			// NaN fails this comparison and is dropped.
			if s >= p.ScoreThresh {
				pairs = append(pairs, Pair{Index: b*c.NumClasses + label, Box: b, Label: label, Score: s})
			}
		}
	}

	// Pairs are generated in Index order, so a stable sort keeps ties by Index.
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Score > pairs[j].Score
	})

	if limit > 0 && len(pairs) > limit {
		return pairs[:limit], len(pairs) - limit
	}
	return pairs, 0
}

// sameGroup reports whether two pairs compete for suppression.
func sameGroup(a, b Pair, agnostic bool) bool {
	return agnostic || a.Label == b.Label
}
