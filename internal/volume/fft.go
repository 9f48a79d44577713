package volume

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum is a complex 3D array laid out like Volume.
type Spectrum struct {
	Shape Shape
	Data  []complex128
}

// NewSpectrum allocates a zero spectrum.
func NewSpectrum(shape Shape) *Spectrum {
	return &Spectrum{Shape: shape, Data: make([]complex128, shape.Len())}
}

// FFT returns the forward 3D transform of v.
func FFT(v *Volume) *Spectrum {
	s := NewSpectrum(v.Shape)
	for i, val := range v.Data {
		s.Data[i] = complex(float64(val), 0)
	}
	fft3InPlace(s, true)
	return s
}

// IFFT returns the normalized inverse transform.
func (s *Spectrum) IFFT() *Spectrum {
	out := &Spectrum{Shape: s.Shape, Data: make([]complex128, len(s.Data))}
	copy(out.Data, s.Data)
	fft3InPlace(out, false)
	n := complex(float64(s.Shape.Len()), 0)
	for i := range out.Data {
		out.Data[i] /= n
	}
	return out
}

// Real drops the imaginary part.
func (s *Spectrum) Real() *Volume {
	v := New(s.Shape)
	for i, c := range s.Data {
		v.Data[i] = float32(real(c))
	}
	return v
}

// Mul multiplies element-wise, conjugating o when conj is set.
func (s *Spectrum) Mul(o *Spectrum, conj bool) *Spectrum {
	out := NewSpectrum(s.Shape)
	for i := range s.Data {
		b := o.Data[i]
		if conj {
			b = cmplx.Conj(b)
		}
		out.Data[i] = s.Data[i] * b
	}
	return out
}

// CrossPower returns the normalized cross-power spectrum a*conj(b)/|a*conj(b)|.
// Its inverse transform peaks at the shift that maps b onto a.
func CrossPower(a, b *Spectrum) *Spectrum {
	out := a.Mul(b, true)
	for i, c := range out.Data {
		m := cmplx.Abs(c)
		if m < 1e-12 {
			out.Data[i] = 0
			continue
		}
		out.Data[i] = c / complex(m, 0)
	}
	return out
}

// fft3InPlace runs 1D transforms along x, then y, then z.
func fft3InPlace(s *Spectrum, forward bool) {
	sh := s.Shape
	run := func(f *fourier.CmplxFFT, buf []complex128) {
		if forward {
			f.Coefficients(buf, buf)
		} else {
			f.Sequence(buf, buf)
		}
	}

	if sh.X > 1 {
		xf := fourier.NewCmplxFFT(sh.X)
		row := make([]complex128, sh.X)
		for z := 0; z < sh.Z; z++ {
			for y := 0; y < sh.Y; y++ {
				off := (z*sh.Y + y) * sh.X
				copy(row, s.Data[off:off+sh.X])
				run(xf, row)
				copy(s.Data[off:off+sh.X], row)
			}
		}
	}
	if sh.Y > 1 {
		yf := fourier.NewCmplxFFT(sh.Y)
		col := make([]complex128, sh.Y)
		for z := 0; z < sh.Z; z++ {
			for x := 0; x < sh.X; x++ {
				for y := 0; y < sh.Y; y++ {
					col[y] = s.Data[(z*sh.Y+y)*sh.X+x]
				}
				run(yf, col)
				for y := 0; y < sh.Y; y++ {
					s.Data[(z*sh.Y+y)*sh.X+x] = col[y]
				}
			}
		}
	}
	if sh.Z > 1 {
		zf := fourier.NewCmplxFFT(sh.Z)
		line := make([]complex128, sh.Z)
		plane := sh.Y * sh.X
		for i := 0; i < plane; i++ {
			for z := 0; z < sh.Z; z++ {
				line[z] = s.Data[z*plane+i]
			}
			run(zf, line)
			for z := 0; z < sh.Z; z++ {
				s.Data[z*plane+i] = line[z]
			}
		}
	}
}

// PadCentered embeds a small kernel into shape with its center moved to the
// origin (ifftshift), ready for circular convolution.
func PadCentered(k *Volume, shape Shape) *Volume {
	out := New(shape)
	cz, cy, cx := k.Shape.Z/2, k.Shape.Y/2, k.Shape.X/2
	for z := 0; z < k.Shape.Z; z++ {
		for y := 0; y < k.Shape.Y; y++ {
			for x := 0; x < k.Shape.X; x++ {
				oz := mod(z-cz, shape.Z)
				oy := mod(y-cy, shape.Y)
				ox := mod(x-cx, shape.X)
				out.Data[out.Index(oz, oy, ox)] += k.At(z, y, x)
			}
		}
	}
	return out
}

// SignedOffset wraps a circular index into [-n/2, n/2).
func SignedOffset(i, n int) int {
	if i >= (n+1)/2 {
		return i - n
	}
	return i
}

// ParabolicPeak refines an integer peak using its two neighbours.
// It returns a sub-voxel offset in [-0.5, 0.5].
func ParabolicPeak(left, center, right float64) float64 {
	den := left - 2*center + right
	if den == 0 || math.IsNaN(den) {
		return 0
	}
	d := 0.5 * (left - right) / den
	if d > 0.5 {
		d = 0.5
	} else if d < -0.5 {
		d = -0.5
	}
	return d
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
