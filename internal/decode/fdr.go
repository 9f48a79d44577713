package decode

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"merfish3d/internal/experiment"
)

// Spot scoring models.
const (
	ModelLogistic  = "logistic"
	ModelHeuristic = "heuristic"
)

// l2Penalty regularises the logistic fit.
const l2Penalty = 1e-3

// heuristicScore ranks a spot without a trained model.
func heuristicScore(sp experiment.DecodedSpot) float64 {
	return (1 - sp.MeanDistance) * sp.MeanMagnitude * math.Log1p(float64(sp.Area))
}

func features(sp experiment.DecodedSpot) []float64 {
	return []float64{math.Log1p(float64(sp.Area)), sp.MeanDistance, sp.MinDistance, sp.MeanMagnitude}
}

// score returns a copy of spots with Score set. With both target and decoy
// calls present, the score is the probability of the target class from a
// logistic regression on spot features; otherwise it is heuristicScore.
func score(spots []experiment.DecodedSpot) ([]experiment.DecodedSpot, string) {
	out := append([]experiment.DecodedSpot(nil), spots...)
	var nDecoy int
	for _, sp := range out {
		if sp.Blank {
			nDecoy++
		}
	}
	if nDecoy == 0 || nDecoy == len(out) {
		for i := range out {
			out[i].Score = heuristicScore(out[i])
		}
		return out, ModelHeuristic
	}

	x, y := standardized(out)
	w, ok := fitLogistic(x, y)
	if !ok {
		for i := range out {
			out[i].Score = heuristicScore(out[i])
		}
		return out, ModelHeuristic
	}
	for i := range out {
		out[i].Score = sigmoid(dot(w, x[i]))
	}
	return out, ModelLogistic
}

// standardized returns z-scored features with a trailing intercept column
// and the labels, 1 for target calls.
func standardized(spots []experiment.DecodedSpot) ([][]float64, []float64) {
	nf := len(features(experiment.DecodedSpot{}))
	raw := make([][]float64, len(spots))
	y := make([]float64, len(spots))
	for i, sp := range spots {
		raw[i] = features(sp)
		if !sp.Blank {
			y[i] = 1
		}
	}
	col := make([]float64, len(spots))
	x := make([][]float64, len(spots))
	for i := range x {
		x[i] = make([]float64, nf+1)
		x[i][nf] = 1
	}
	for f := 0; f < nf; f++ {
		for i := range raw {
			col[i] = raw[i][f]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i := range raw {
			x[i][f] = (raw[i][f] - mean) / std
		}
	}
	return x, y
}

// fitLogistic minimises the class-balanced negative log likelihood.
func fitLogistic(x [][]float64, y []float64) ([]float64, bool) {
	var pos float64
	for _, v := range y {
		pos += v
	}
	n := float64(len(y))
	wPos, wNeg := n/(2*pos), n/(2*(n-pos))
	dim := len(x[0])

	problem := optimize.Problem{
		Func: func(w []float64) float64 {
			var loss float64
			for i, xi := range x {
				z := dot(w, xi)
				if y[i] == 1 {
					loss += wPos * softplus(-z)
				} else {
					loss += wNeg * softplus(z)
				}
			}
			var reg float64
			for _, v := range w[:dim-1] {
				reg += v * v
			}
			return loss/n + l2Penalty*reg
		},
		Grad: func(grad, w []float64) {
			for j := range grad {
				grad[j] = 0
			}
			for i, xi := range x {
				p := sigmoid(dot(w, xi))
				g := wNeg * p
				if y[i] == 1 {
					g = wPos * (p - 1)
				}
				for j, v := range xi {
					grad[j] += g * v
				}
			}
			for j := range grad {
				grad[j] /= n
				if j < dim-1 {
					grad[j] += 2 * l2Penalty * w[j]
				}
			}
		},
	}
	// A stalled line search still reports a usable location.
	result, _ := optimize.Minimize(problem, make([]float64, dim), nil, &optimize.LBFGS{})
	if result == nil {
		return nil, false
	}
	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return result.X, true
}

// fdrThreshold walks spots from the highest score down and returns the
// lowest score at which the decoy-estimated FDR,
// (decoys above / nDecoyCodes) * nTargetCodes / targets above,
// is still within target. When no cutoff qualifies the threshold is
// math.MaxFloat64 and nothing is kept.
func fdrThreshold(spots []experiment.DecodedSpot, nDecoyCodes, nTargetCodes int, target float64) (threshold, estimated float64, decoys int) {
	order := make([]int, len(spots))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return spots[order[a]].Score > spots[order[b]].Score })

	threshold = math.MaxFloat64
	var nd, nt int
	for k, i := range order {
		if spots[i].Blank {
			nd++
		} else {
			nt++
		}
		// Only evaluate cutoffs between distinct scores.
		if k+1 < len(order) && spots[order[k+1]].Score == spots[i].Score {
			continue
		}
		if nt == 0 {
			continue
		}
		est := float64(nd) / float64(nDecoyCodes) * float64(nTargetCodes) / float64(nt)
		if est <= target {
			threshold, estimated, decoys = spots[i].Score, est, nd
		}
	}
	return threshold, estimated, decoys
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

// softplus is log(1+e^z) without overflow.
func softplus(z float64) float64 {
	if z > 30 {
		return z
	}
	return math.Log1p(math.Exp(z))
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
