// Package volume holds the dense 3D image type shared by registration,
// fusion and decoding. Data is float32 in z,y,x row-major order.
package volume

import (
	"fmt"
	"math"
)

// Shape is a z,y,x voxel extent.
type Shape struct {
	Z int `json:"z"`
	Y int `json:"y"`
	X int `json:"x"`
}

// Len returns the voxel count.
func (s Shape) Len() int { return s.Z * s.Y * s.X }

// Valid reports whether every axis is positive.
func (s Shape) Valid() bool { return s.Z > 0 && s.Y > 0 && s.X > 0 }

func (s Shape) String() string { return fmt.Sprintf("(%d,%d,%d)", s.Z, s.Y, s.X) }

// Volume is a 3D intensity image.
type Volume struct {
	Shape Shape
	Data  []float32
}

// New allocates a zero-filled volume.
func New(shape Shape) *Volume {
	return &Volume{Shape: shape, Data: make([]float32, shape.Len())}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(shape Shape, data []float32) (*Volume, error) {
	if len(data) != shape.Len() {
		return nil, fmt.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	return &Volume{Shape: shape, Data: data}, nil
}

// Index returns the flat offset of z,y,x.
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Shape.Y+y)*v.Shape.X + x
}

// Coords is the inverse of Index.
func (v *Volume) Coords(i int) (z, y, x int) {
	plane := v.Shape.Y * v.Shape.X
	z = i / plane
	rem := i - z*plane
	y = rem / v.Shape.X
	x = rem - y*v.Shape.X
	return z, y, x
}

// In reports whether z,y,x lies inside the volume.
func (v *Volume) In(z, y, x int) bool {
	return z >= 0 && y >= 0 && x >= 0 && z < v.Shape.Z && y < v.Shape.Y && x < v.Shape.X
}

func (v *Volume) At(z, y, x int) float32 { return v.Data[v.Index(z, y, x)] }

func (v *Volume) Set(z, y, x int, val float32) { v.Data[v.Index(z, y, x)] = val }

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := New(v.Shape)
	copy(out.Data, v.Data)
	return out
}

// IsZero reports whether every voxel is zero. Placeholder volumes
// substituted for missing data are all-zero.
func (v *Volume) IsZero() bool {
	for _, val := range v.Data {
		if val != 0 {
			return false
		}
	}
	return true
}

// Sum returns the total intensity.
func (v *Volume) Sum() float64 {
	var s float64
	for _, val := range v.Data {
		s += float64(val)
	}
	return s
}

// Scale multiplies every voxel in place.
func (v *Volume) Scale(f float32) {
	for i := range v.Data {
		v.Data[i] *= f
	}
}

// Sample does trilinear interpolation at fractional voxel coordinates.
// Points outside the volume return 0 and ok=false.
func (v *Volume) Sample(z, y, x float64) (float32, bool) {
	if z < 0 || y < 0 || x < 0 ||
		z > float64(v.Shape.Z-1) || y > float64(v.Shape.Y-1) || x > float64(v.Shape.X-1) {
		return 0, false
	}
	z0, y0, x0 := int(z), int(y), int(x)
	z1, y1, x1 := min(z0+1, v.Shape.Z-1), min(y0+1, v.Shape.Y-1), min(x0+1, v.Shape.X-1)
	fz, fy, fx := float32(z-float64(z0)), float32(y-float64(y0)), float32(x-float64(x0))

	c00 := v.At(z0, y0, x0)*(1-fx) + v.At(z0, y0, x1)*fx
	c01 := v.At(z0, y1, x0)*(1-fx) + v.At(z0, y1, x1)*fx
	c10 := v.At(z1, y0, x0)*(1-fx) + v.At(z1, y0, x1)*fx
	c11 := v.At(z1, y1, x0)*(1-fx) + v.At(z1, y1, x1)*fx
	c0 := c00*(1-fy) + c01*fy
	c1 := c10*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz, true
}

// Shift translates the volume by d voxels: out(p) = in(p - d).
// Integer shifts are exact, fractional shifts are interpolated.
func (v *Volume) Shift(d [3]float64) *Volume {
	out := New(v.Shape)
	if d[0] == math.Trunc(d[0]) && d[1] == math.Trunc(d[1]) && d[2] == math.Trunc(d[2]) {
		dz, dy, dx := int(d[0]), int(d[1]), int(d[2])
		for z := 0; z < v.Shape.Z; z++ {
			sz := z - dz
			if sz < 0 || sz >= v.Shape.Z {
				continue
			}
			for y := 0; y < v.Shape.Y; y++ {
				sy := y - dy
				if sy < 0 || sy >= v.Shape.Y {
					continue
				}
				for x := 0; x < v.Shape.X; x++ {
					sx := x - dx
					if sx < 0 || sx >= v.Shape.X {
						continue
					}
					out.Data[out.Index(z, y, x)] = v.Data[v.Index(sz, sy, sx)]
				}
			}
		}
		return out
	}
	for z := 0; z < v.Shape.Z; z++ {
		for y := 0; y < v.Shape.Y; y++ {
			for x := 0; x < v.Shape.X; x++ {
				val, _ := v.Sample(float64(z)-d[0], float64(y)-d[1], float64(x)-d[2])
				out.Data[out.Index(z, y, x)] = val
			}
		}
	}
	return out
}

// Bin downsamples by integer factors using the block mean. Trailing voxels
// that do not fill a block are dropped.
func (v *Volume) Bin(f [3]int) *Volume {
	for i := range f {
		if f[i] < 1 {
			f[i] = 1
		}
	}
	if f == [3]int{1, 1, 1} {
		return v.Clone()
	}
	shape := Shape{Z: max(v.Shape.Z/f[0], 1), Y: max(v.Shape.Y/f[1], 1), X: max(v.Shape.X/f[2], 1)}
	out := New(shape)
	for z := 0; z < shape.Z; z++ {
		for y := 0; y < shape.Y; y++ {
			for x := 0; x < shape.X; x++ {
				var sum float32
				var n int
				for bz := z * f[0]; bz < min((z+1)*f[0], v.Shape.Z); bz++ {
					for by := y * f[1]; by < min((y+1)*f[1], v.Shape.Y); by++ {
						for bx := x * f[2]; bx < min((x+1)*f[2], v.Shape.X); bx++ {
							sum += v.At(bz, by, bx)
							n++
						}
					}
				}
				if n > 0 {
					out.Set(z, y, x, sum/float32(n))
				}
			}
		}
	}
	return out
}

// Crop copies the sub-volume starting at origin with the given shape.
// Voxels outside the source are zero.
func (v *Volume) Crop(origin [3]int, shape Shape) *Volume {
	out := New(shape)
	for z := 0; z < shape.Z; z++ {
		for y := 0; y < shape.Y; y++ {
			for x := 0; x < shape.X; x++ {
				sz, sy, sx := z+origin[0], y+origin[1], x+origin[2]
				if v.In(sz, sy, sx) {
					out.Set(z, y, x, v.At(sz, sy, sx))
				}
			}
		}
	}
	return out
}

// MaxProjection collapses z by taking the brightest voxel per column.
func (v *Volume) MaxProjection() *Volume {
	out := New(Shape{Z: 1, Y: v.Shape.Y, X: v.Shape.X})
	for i := range out.Data {
		out.Data[i] = float32(math.Inf(-1))
	}
	plane := v.Shape.Y * v.Shape.X
	for z := 0; z < v.Shape.Z; z++ {
		for i := 0; i < plane; i++ {
			if val := v.Data[z*plane+i]; val > out.Data[i] {
				out.Data[i] = val
			}
		}
	}
	if v.Shape.Z == 0 {
		for i := range out.Data {
			out.Data[i] = 0
		}
	}
	return out
}

// MinMax returns the intensity range.
func (v *Volume) MinMax() (lo, hi float32) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	lo, hi = v.Data[0], v.Data[0]
	for _, val := range v.Data[1:] {
		if val < lo {
			lo = val
		}
		if val > hi {
			hi = val
		}
	}
	return lo, hi
}

// Correlation is the Pearson correlation of two equally shaped volumes,
// restricted to voxels where mask is nil or true. Returns 0 when either
// side has no variance.
func Correlation(a, b *Volume, mask []bool) float64 {
	if a.Shape != b.Shape {
		return 0
	}
	var n, sa, sb float64
	for i := range a.Data {
		if mask != nil && !mask[i] {
			continue
		}
		sa += float64(a.Data[i])
		sb += float64(b.Data[i])
		n++
	}
	if n < 2 {
		return 0
	}
	ma, mb := sa/n, sb/n
	var cov, va, vb float64
	for i := range a.Data {
		if mask != nil && !mask[i] {
			continue
		}
		da := float64(a.Data[i]) - ma
		db := float64(b.Data[i]) - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
