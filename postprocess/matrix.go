package postprocess

import (
	"gorgonia.org/tensor"
)

// suppressionMatrix builds the [n, n] mask S where S[i, j] means pair i suppresses
// pair j if i is kept: j ranks after i, both share a group, and IoU(i, j) > IoUThresh.
func suppressionMatrix(pairs []Pair, c Candidates, p Params) []bool {
	n := len(pairs)
	iou := tensor.New(tensor.WithShape(n, n), tensor.Of(tensor.Float32))
	vals := iou.Data().([]float32)
	for i := 0; i < n; i++ {
		bi := c.Boxes[pairs[i].Box]
		for j := 0; j < n; j++ {
			vals[i*n+j] = bi.IoU(c.Boxes[pairs[j].Box])
		}
	}

	over, err := iou.GtScalar(p.IoUThresh, true)
	if err != nil {
		// A float32 matrix compared with a float32 scalar cannot fail.
		panic(err)
	}
	s := over.Data().([]bool)

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			s[i*n+j] = false
		}
		for j := i + 1; j < n; j++ {
			s[i*n+j] = s[i*n+j] && sameGroup(pairs[i], pairs[j], p.ClassAgnostic)
		}
	}
	return s
}

// matrixKeep runs the greedy mask reduction: every row i, in rank order, clears the
// columns it suppresses when pair i itself is still kept. The loop always runs n
// iterations with no data-dependent exit.
func matrixKeep(pairs []Pair, c Candidates, p Params) []int {
	n := len(pairs)
	s := suppressionMatrix(pairs, c, p)

	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < n; i++ {
		ki := keep[i]
		row := s[i*n : (i+1)*n]
		for j := range keep {
			keep[j] = keep[j] && !(ki && row[j])
		}
	}

	kept := make([]int, 0, n)
	for i, k := range keep {
		if k {
			kept = append(kept, i)
		}
	}
	return kept
}
