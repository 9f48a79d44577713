// Package evaluate scores decoded spots against ground truth and sweeps
// decoder thresholds for the best F1.
package evaluate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Point is a called or known molecule in global z,y,x microns.
type Point struct {
	ZYX  [3]float64
	Gene string
}

// Result holds match counts and the derived scores, rounded to three
// decimals.
type Result struct {
	F1             float64 `json:"f1"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
}

// F1 matches decoded points to ground truth within radius. Decoded points
// are visited in order; each takes the lowest-indexed unconsumed ground
// truth point of the same gene inside the radius. A decoded point without
// such a partner is a false positive, and unconsumed ground truth points
// are false negatives.
func F1(decoded, truth []Point, radius float64) Result {
	var res Result
	matched := make([]bool, len(truth))
	idx := newIndex(truth)
	for _, q := range decoded {
		found := false
		for _, i := range idx.within(q.ZYX, radius) {
			if matched[i] || truth[i].Gene != q.Gene {
				continue
			}
			matched[i] = true
			found = true
			break
		}
		if found {
			res.TruePositives++
		} else {
			res.FalsePositives++
		}
	}
	res.FalseNegatives = len(truth) - res.TruePositives

	res.Precision = ratio(res.TruePositives, res.TruePositives+res.FalsePositives)
	res.Recall = ratio(res.TruePositives, res.TruePositives+res.FalseNegatives)
	if res.Precision+res.Recall > 0 {
		res.F1 = 2 * res.Precision * res.Recall / (res.Precision + res.Recall)
	}
	res.Precision = round3(res.Precision)
	res.Recall = round3(res.Recall)
	res.F1 = round3(res.F1)
	return res
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// index is a kd-tree over ground truth coordinates. Points sharing a
// coordinate collapse to one tree node, so positions map back to every
// ground truth index at that spot.
type index struct {
	tree *kdtree.Tree
	at   map[[3]float64][]int
}

func newIndex(truth []Point) *index {
	idx := &index{at: make(map[[3]float64][]int, len(truth))}
	pts := make(kdtree.Points, 0, len(truth))
	for i, p := range truth {
		if _, ok := idx.at[p.ZYX]; !ok {
			pts = append(pts, kdtree.Point{p.ZYX[0], p.ZYX[1], p.ZYX[2]})
		}
		idx.at[p.ZYX] = append(idx.at[p.ZYX], i)
	}
	if len(pts) > 0 {
		idx.tree = kdtree.New(pts, false)
	}
	return idx
}

// within returns ground truth indices no farther than r from q, ascending.
func (idx *index) within(q [3]float64, r float64) []int {
	if idx.tree == nil {
		return nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	idx.tree.NearestSet(keep, kdtree.Point{q[0], q[1], q[2]})
	var out []int
	for _, c := range keep.Heap {
		p, ok := c.Comparable.(kdtree.Point)
		if !ok || c.Dist > r*r {
			continue
		}
		out = append(out, idx.at[[3]float64{p[0], p[1], p[2]}]...)
	}
	sort.Ints(out)
	return out
}
