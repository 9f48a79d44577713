package registration

import (
	"context"
	"math"

	"merfish3d/internal/experiment"
	"merfish3d/internal/volume"
)

// EstimateFlow measures a coarse displacement field by phase correlating
// corresponding blocks of ref and mov. Blocks with poor correlation or
// displacements beyond half a block are left at zero.
func EstimateFlow(ctx context.Context, ref, mov *volume.Volume, block [3]int, minQuality float64) (*experiment.FlowField, error) {
	sh := ref.Shape
	dims := [3]int{sh.Z, sh.Y, sh.X}
	for i := range block {
		if block[i] < 1 || block[i] > dims[i] {
			block[i] = dims[i]
		}
	}
	grid := volume.Shape{
		Z: ceilDiv(sh.Z, block[0]),
		Y: ceilDiv(sh.Y, block[1]),
		X: ceilDiv(sh.X, block[2]),
	}
	field := &experiment.FlowField{
		Grid:  grid,
		Block: block,
		DZ:    make([]float32, grid.Len()),
		DY:    make([]float32, grid.Len()),
		DX:    make([]float32, grid.Len()),
	}
	bshape := volume.Shape{Z: block[0], Y: block[1], X: block[2]}
	for gz := 0; gz < grid.Z; gz++ {
		for gy := 0; gy < grid.Y; gy++ {
			for gx := 0; gx < grid.X; gx++ {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				origin := [3]int{
					min(gz*block[0], sh.Z-block[0]),
					min(gy*block[1], sh.Y-block[1]),
					min(gx*block[2], sh.X-block[2]),
				}
				est, err := PhaseCorrelate(ref.Crop(origin, bshape), mov.Crop(origin, bshape))
				if err != nil {
					return nil, err
				}
				if est.Quality < minQuality || tooLarge(est.Shift, block) {
					continue
				}
				i := (gz*grid.Y+gy)*grid.X + gx
				field.DZ[i] = float32(est.Shift[0])
				field.DY[i] = float32(est.Shift[1])
				field.DX[i] = float32(est.Shift[2])
			}
		}
	}
	return field, nil
}

// ApplyFlow warps v by the interpolated displacement field.
func ApplyFlow(v *volume.Volume, f *experiment.FlowField) *volume.Volume {
	if f == nil {
		return v.Clone()
	}
	dz, _ := volume.FromData(f.Grid, f.DZ)
	dy, _ := volume.FromData(f.Grid, f.DY)
	dx, _ := volume.FromData(f.Grid, f.DX)
	out := volume.New(v.Shape)
	sh := v.Shape
	for z := 0; z < sh.Z; z++ {
		gz := gridCoord(z, f.Block[0], f.Grid.Z)
		for y := 0; y < sh.Y; y++ {
			gy := gridCoord(y, f.Block[1], f.Grid.Y)
			for x := 0; x < sh.X; x++ {
				gx := gridCoord(x, f.Block[2], f.Grid.X)
				ddz, _ := dz.Sample(gz, gy, gx)
				ddy, _ := dy.Sample(gz, gy, gx)
				ddx, _ := dx.Sample(gz, gy, gx)
				val, _ := v.Sample(float64(z)-float64(ddz), float64(y)-float64(ddy), float64(x)-float64(ddx))
				out.Set(z, y, x, val)
			}
		}
	}
	return out
}

// gridCoord maps a voxel to a fractional block-centre coordinate, clamped
// to the grid.
func gridCoord(p, block, n int) float64 {
	g := (float64(p)+0.5)/float64(block) - 0.5
	return math.Max(0, math.Min(g, float64(n-1)))
}

func tooLarge(s [3]float64, block [3]int) bool {
	for i := range s {
		if math.Abs(s[i]) > float64(block[i])/2 {
			return true
		}
	}
	return false
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
