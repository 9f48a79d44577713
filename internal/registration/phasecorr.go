// Package registration aligns the rounds of a tile to its reference round:
// Richardson-Lucy deconvolution, phase-correlation rigid shifts and an
// optional block-wise optical-flow refinement.
package registration

import (
	"fmt"
	"math"

	"merfish3d/internal/volume"
)

// Estimate is a translation with its match quality.
type Estimate struct {
	Shift   [3]float64 // voxels, applied as out(p) = mov(p - Shift)
	Quality float64    // Pearson correlation over the overlap after shifting
}

// PhaseCorrelate finds the translation that maps mov onto ref.
func PhaseCorrelate(ref, mov *volume.Volume) (Estimate, error) {
	if ref.Shape != mov.Shape {
		return Estimate{}, fmt.Errorf("shape mismatch %s vs %s", ref.Shape, mov.Shape)
	}
	if ref.IsZero() || mov.IsZero() {
		return Estimate{}, nil
	}
	a := demean(ref)
	b := demean(mov)
	corr := volume.CrossPower(volume.FFT(a), volume.FFT(b)).IFFT().Real()

	best, bestVal := 0, float32(math.Inf(-1))
	for i, v := range corr.Data {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	z, y, x := corr.Coords(best)
	sh := corr.Shape
	peak := [3]int{z, y, x}
	dims := [3]int{sh.Z, sh.Y, sh.X}

	var shift [3]float64
	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		shift[axis] = float64(volume.SignedOffset(peak[axis], n))
		if n < 3 {
			continue
		}
		l, r := peak, peak
		l[axis] = (peak[axis] - 1 + n) % n
		r[axis] = (peak[axis] + 1) % n
		shift[axis] += volume.ParabolicPeak(
			float64(corr.At(l[0], l[1], l[2])),
			float64(bestVal),
			float64(corr.At(r[0], r[1], r[2])),
		)
	}
	return Estimate{Shift: shift, Quality: OverlapCorrelation(ref, mov, shift)}, nil
}

// OverlapCorrelation scores ref against mov shifted by s, over the voxels
// both volumes cover.
func OverlapCorrelation(ref, mov *volume.Volume, s [3]float64) float64 {
	shifted := mov.Shift(s)
	mask := make([]bool, len(ref.Data))
	sh := ref.Shape
	for z := 0; z < sh.Z; z++ {
		if !inside(float64(z)-s[0], sh.Z) {
			continue
		}
		for y := 0; y < sh.Y; y++ {
			if !inside(float64(y)-s[1], sh.Y) {
				continue
			}
			for x := 0; x < sh.X; x++ {
				if inside(float64(x)-s[2], sh.X) {
					mask[ref.Index(z, y, x)] = true
				}
			}
		}
	}
	return volume.Correlation(ref, shifted, mask)
}

func inside(p float64, n int) bool { return p >= 0 && p <= float64(n-1) }

func demean(v *volume.Volume) *volume.Volume {
	out := v.Clone()
	mean := float32(v.Sum() / float64(len(v.Data)))
	for i := range out.Data {
		out.Data[i] -= mean
	}
	return out
}
