package experiment

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"merfish3d/internal/volume"
)

// FlowField is a coarse dense displacement field sampled on a block grid.
// Displacements are in voxels and follow the same convention as Shift.
type FlowField struct {
	Grid  volume.Shape `json:"grid"`
	Block [3]int       `json:"block"`
	DZ    []float32    `json:"dz"`
	DY    []float32    `json:"dy"`
	DX    []float32    `json:"dx"`
}

// LocalTransform maps one round of a tile onto the reference round. Applying
// it moves content by Shift voxels (out(p) = in(p - Shift)), then by Flow.
type LocalTransform struct {
	Tile    int        `json:"tile"`
	Round   int        `json:"round"`
	Shift   [3]float64 `json:"shift_zyx"`
	Quality float64    `json:"quality"`
	Flow    *FlowField `json:"flow,omitempty"`
}

// Identity reports whether the transform leaves images untouched.
func (t LocalTransform) Identity() bool {
	return t.Shift == [3]float64{} && t.Flow == nil
}

// GlobalTransform maps tile voxel indices into the shared micron frame:
// world = Affine * (Origin + index * Spacing). Affine is homogeneous z,y,x.
type GlobalTransform struct {
	Tile    int           `json:"tile"`
	Affine  [4][4]float64 `json:"affine_zyx"`
	Origin  [3]float64    `json:"origin_zyx_um"`
	Spacing [3]float64    `json:"spacing_zyx_um"`
}

// IdentityAffine returns the 4x4 identity.
func IdentityAffine() [4][4]float64 {
	return [4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// TranslationAffine returns an affine that only translates by t (z,y,x).
func TranslationAffine(t [3]float64) [4][4]float64 {
	a := IdentityAffine()
	a[0][3], a[1][3], a[2][3] = t[0], t[1], t[2]
	return a
}

// Translation returns the affine's translation column.
func (g GlobalTransform) Translation() [3]float64 {
	return [3]float64{g.Affine[0][3], g.Affine[1][3], g.Affine[2][3]}
}

// Apply maps a fractional voxel index to global z,y,x microns.
func (g GlobalTransform) Apply(idx [3]float64) [3]float64 {
	var p [3]float64
	for i := range p {
		p[i] = g.Origin[i] + idx[i]*g.Spacing[i]
	}
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = g.Affine[r][0]*p[0] + g.Affine[r][1]*p[1] + g.Affine[r][2]*p[2] + g.Affine[r][3]
	}
	return out
}

// ApplyVector is Apply returning an r3 point (X,Y,Z fields hold x,y,z).
func (g GlobalTransform) ApplyVector(idx [3]float64) r3.Vector {
	w := g.Apply(idx)
	return r3.Vector{X: w[2], Y: w[1], Z: w[0]}
}

// Inverter maps global microns back to fractional tile voxel indices.
type Inverter struct {
	inv     *mat.Dense
	origin  [3]float64
	spacing [3]float64
}

// Inverse prepares the world-to-index mapping.
func (g GlobalTransform) Inverse() (*Inverter, error) {
	a := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a.Set(r, c, g.Affine[r][c])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("tile %d: singular affine: %w", g.Tile, err)
	}
	for i, s := range g.Spacing {
		if s == 0 {
			return nil, fmt.Errorf("tile %d: zero spacing on axis %d", g.Tile, i)
		}
	}
	return &Inverter{inv: &inv, origin: g.Origin, spacing: g.Spacing}, nil
}

// Index maps a world point to a fractional voxel index.
func (iv *Inverter) Index(world [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		p := iv.inv.At(r, 0)*world[0] + iv.inv.At(r, 1)*world[1] + iv.inv.At(r, 2)*world[2] + iv.inv.At(r, 3)
		out[r] = (p - iv.origin[r]) / iv.spacing[r]
	}
	return out
}

// Bounds returns the world-space axis-aligned bounding box of a tile.
func (g GlobalTransform) Bounds(shape volume.Shape) (lo, hi [3]float64) {
	first := true
	for _, z := range []float64{0, float64(shape.Z - 1)} {
		for _, y := range []float64{0, float64(shape.Y - 1)} {
			for _, x := range []float64{0, float64(shape.X - 1)} {
				w := g.Apply([3]float64{z, y, x})
				for i := range w {
					if first || w[i] < lo[i] {
						lo[i] = w[i]
					}
					if first || w[i] > hi[i] {
						hi[i] = w[i]
					}
				}
				first = false
			}
		}
	}
	return lo, hi
}

// NormVectors are per-bit background and foreground scales.
type NormVectors struct {
	Background []float64 `json:"background"`
	Foreground []float64 `json:"foreground"`
	Iterations int       `json:"iterations"`
}

// Valid reports whether the vectors cover numBits with usable scales.
func (n *NormVectors) Valid(numBits int) bool {
	if n == nil || len(n.Background) != numBits || len(n.Foreground) != numBits {
		return false
	}
	for _, f := range n.Foreground {
		if f <= 0 {
			return false
		}
	}
	return true
}

// DecodedSpot is one molecule call.
type DecodedSpot struct {
	ID            int64      `json:"id"`
	Tile          int        `json:"tile"`
	Round         int        `json:"round"`
	GeneIndex     int        `json:"gene_index"`
	GeneID        string     `json:"gene_id"`
	Blank         bool       `json:"blank"`
	LocalZYX      [3]float64 `json:"local_zyx"`
	GlobalZYX     [3]float64 `json:"global_zyx_um"`
	Area          int        `json:"area"`
	MeanDistance  float64    `json:"mean_distance"`
	MinDistance   float64    `json:"min_distance"`
	MeanMagnitude float64    `json:"mean_magnitude"`
	Score         float64    `json:"score"`
}
