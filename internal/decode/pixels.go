package decode

import (
	"context"
	"math"

	"merfish3d/internal/experiment"
	"merfish3d/internal/volume"
)

// noCall marks a pixel that failed a gate.
const noCall = -1

// pixelCalls holds the per-voxel match of a tile.
type pixelCalls struct {
	gene []int32
	dist []float32
	mag  []float32
}

func normalize(raw float32, bg, fg float64) float64 {
	return math.Max(float64(raw)-bg, 0) / fg
}

// matchPixels assigns each voxel the codeword nearest to its unit
// normalized intensity vector. Voxels outside the magnitude range, beyond
// the distance threshold or, when enabled, below the spot probability
// threshold are left uncalled.
func (d *Decoder) matchPixels(ctx context.Context, s *stack, norm *experiment.NormVectors) (*pixelCalls, error) {
	n := s.shape.Len()
	nb := len(s.bits)
	px := &pixelCalls{
		gene: make([]int32, n),
		dist: make([]float32, n),
		mag:  make([]float32, n),
	}
	vec := make([]float64, nb)
	plane := s.shape.Y * s.shape.X
	for i := 0; i < n; i++ {
		if i%plane == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		px.gene[i] = noCall
		if s.prob != nil && maxProb(s.prob, i) < d.cfg.UFishThreshold {
			continue
		}
		var m float64
		for b := 0; b < nb; b++ {
			vec[b] = normalize(s.bits[b].Data[i], norm.Background[b], norm.Foreground[b])
			m += vec[b] * vec[b]
		}
		m = math.Sqrt(m)
		px.mag[i] = float32(m)
		if m == 0 || m < d.cfg.MagnitudeMin || (d.cfg.MagnitudeMax > 0 && m > d.cfg.MagnitudeMax) {
			continue
		}
		gene, dist := nearest(vec, m, d.codes)
		if gene < 0 || dist > d.cfg.DistanceThreshold {
			continue
		}
		px.gene[i] = int32(gene)
		px.dist[i] = float32(dist)
	}
	return px, nil
}

// nearest returns the codeword with the smallest L2 distance to vec/mag.
// Ties resolve to the lower codebook row.
func nearest(vec []float64, mag float64, codes [][]float64) (int, float64) {
	best, bestD := -1, math.Inf(1)
	for g, code := range codes {
		var d2 float64
		for b, c := range code {
			diff := vec[b]/mag - c
			d2 += diff * diff
		}
		if d2 < bestD {
			best, bestD = g, d2
		}
	}
	return best, math.Sqrt(bestD)
}

func maxProb(prob []*volume.Volume, i int) float64 {
	var m float32
	for _, p := range prob {
		if p.Data[i] > m {
			m = p.Data[i]
		}
	}
	return float64(m)
}

// component is a 26-connected group of voxels called as the same gene.
type component struct {
	gene    int
	voxels  []int
	sumDist float64
	minDist float64
	sumMag  float64
}

// components groups called voxels and drops groups with fewer than
// minPixels voxels. Output order follows the first voxel of each group in
// raster order.
func components(px *pixelCalls, shape volume.Shape, minPixels int) []component {
	n := shape.Len()
	seen := make([]bool, n)
	ref := &volume.Volume{Shape: shape}
	var out []component
	var queue []int
	for start := 0; start < n; start++ {
		if seen[start] || px.gene[start] == noCall {
			continue
		}
		gene := px.gene[start]
		c := component{gene: int(gene), minDist: math.Inf(1)}
		seen[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			c.voxels = append(c.voxels, i)
			dist := float64(px.dist[i])
			c.sumDist += dist
			c.sumMag += float64(px.mag[i])
			c.minDist = math.Min(c.minDist, dist)

			z, y, x := ref.Coords(i)
			for dz := -1; dz <= 1; dz++ {
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nz, ny, nx := z+dz, y+dy, x+dx
						if !ref.In(nz, ny, nx) {
							continue
						}
						j := ref.Index(nz, ny, nx)
						if seen[j] || px.gene[j] != gene {
							continue
						}
						seen[j] = true
						queue = append(queue, j)
					}
				}
			}
		}
		if len(c.voxels) >= minPixels {
			out = append(out, c)
		}
	}
	return out
}
