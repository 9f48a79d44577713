package volume

import (
	"math"
	"testing"
)

func ramp(shape Shape) *Volume {
	v := New(shape)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	return v
}

func TestIndexCoordsRoundTrip(t *testing.T) {
	v := New(Shape{Z: 3, Y: 4, X: 5})
	for i := range v.Data {
		z, y, x := v.Coords(i)
		if got := v.Index(z, y, x); got != i {
			t.Fatalf("expected index %d, got %d (z=%d y=%d x=%d)", i, got, z, y, x)
		}
	}
}

func TestFromDataRejectsLengthMismatch(t *testing.T) {
	if _, err := FromData(Shape{Z: 2, Y: 2, X: 2}, make([]float32, 7)); err == nil {
		t.Fatalf("expected error for short data")
	}
}

func TestShiftIntegerMovesContent(t *testing.T) {
	v := New(Shape{Z: 4, Y: 6, X: 6})
	v.Set(1, 2, 3, 7)
	out := v.Shift([3]float64{1, -1, 2})
	if got := out.At(2, 1, 5); got != 7 {
		t.Fatalf("expected shifted voxel at (2,1,5), got %v", got)
	}
	if out.Sum() != 7 {
		t.Fatalf("expected a single non-zero voxel, sum=%v", out.Sum())
	}
}

func TestShiftOutOfRangeZeroFills(t *testing.T) {
	v := ramp(Shape{Z: 2, Y: 3, X: 3})
	out := v.Shift([3]float64{0, 0, 5})
	if !out.IsZero() {
		t.Fatalf("expected shifted-out volume to be zero")
	}
}

func TestSampleTrilinear(t *testing.T) {
	v := New(Shape{Z: 2, Y: 2, X: 2})
	v.Set(1, 1, 1, 8)
	got, ok := v.Sample(0.5, 0.5, 0.5)
	if !ok {
		t.Fatalf("expected in-bounds sample")
	}
	if math.Abs(float64(got)-1) > 1e-6 {
		t.Fatalf("expected 1, got %v", got)
	}
	if _, ok := v.Sample(-0.1, 0, 0); ok {
		t.Fatalf("expected out-of-bounds sample")
	}
}

func TestBinAveragesBlocks(t *testing.T) {
	v := New(Shape{Z: 2, Y: 4, X: 4})
	for i := range v.Data {
		v.Data[i] = 2
	}
	v.Set(0, 0, 0, 10)
	b := v.Bin([3]int{2, 2, 2})
	if b.Shape != (Shape{Z: 1, Y: 2, X: 2}) {
		t.Fatalf("unexpected binned shape %v", b.Shape)
	}
	if got := b.At(0, 0, 0); got != 3 {
		t.Fatalf("expected block mean 3, got %v", got)
	}
	if got := b.At(0, 1, 1); got != 2 {
		t.Fatalf("expected block mean 2, got %v", got)
	}
}

func TestMaxProjection(t *testing.T) {
	v := New(Shape{Z: 3, Y: 2, X: 2})
	v.Set(2, 1, 0, 5)
	v.Set(0, 1, 0, 3)
	mip := v.MaxProjection()
	if mip.Shape.Z != 1 {
		t.Fatalf("expected single plane, got %v", mip.Shape)
	}
	if got := mip.At(0, 1, 0); got != 5 {
		t.Fatalf("expected 5, got %v", got)
	}
}

func TestCorrelation(t *testing.T) {
	a := ramp(Shape{Z: 2, Y: 3, X: 4})
	b := a.Clone()
	b.Scale(3)
	if c := Correlation(a, b, nil); math.Abs(c-1) > 1e-9 {
		t.Fatalf("expected correlation 1, got %v", c)
	}
	flat := New(a.Shape)
	if c := Correlation(a, flat, nil); c != 0 {
		t.Fatalf("expected 0 for constant volume, got %v", c)
	}
}

func TestFFTRoundTrip(t *testing.T) {
	v := ramp(Shape{Z: 4, Y: 5, X: 6})
	back := FFT(v).IFFT().Real()
	for i := range v.Data {
		if math.Abs(float64(v.Data[i]-back.Data[i])) > 1e-3 {
			t.Fatalf("voxel %d: expected %v, got %v", i, v.Data[i], back.Data[i])
		}
	}
}

func TestCrossPowerPeaksAtCircularShift(t *testing.T) {
	shape := Shape{Z: 8, Y: 16, X: 16}
	ref := New(shape)
	for i := range ref.Data {
		ref.Data[i] = float32((i*7919)%101) / 101
	}
	want := [3]int{2, -3, 5}
	mov := New(shape)
	for z := 0; z < shape.Z; z++ {
		for y := 0; y < shape.Y; y++ {
			for x := 0; x < shape.X; x++ {
				mov.Set(mod(z+want[0], shape.Z), mod(y+want[1], shape.Y), mod(x+want[2], shape.X), ref.At(z, y, x))
			}
		}
	}
	corr := CrossPower(FFT(mov), FFT(ref)).IFFT().Real()
	best, bestVal := 0, float32(math.Inf(-1))
	for i, val := range corr.Data {
		if val > bestVal {
			best, bestVal = i, val
		}
	}
	z, y, x := corr.Coords(best)
	got := [3]int{SignedOffset(z, shape.Z), SignedOffset(y, shape.Y), SignedOffset(x, shape.X)}
	if got != want {
		t.Fatalf("expected peak at %v, got %v", want, got)
	}
}

func TestPadCenteredMovesCenterToOrigin(t *testing.T) {
	k := New(Shape{Z: 3, Y: 3, X: 3})
	k.Set(1, 1, 1, 1)
	p := PadCentered(k, Shape{Z: 8, Y: 8, X: 8})
	if p.At(0, 0, 0) != 1 || p.Sum() != 1 {
		t.Fatalf("expected kernel center at origin")
	}
}

func TestParabolicPeak(t *testing.T) {
	if d := ParabolicPeak(1, 2, 1); d != 0 {
		t.Fatalf("expected symmetric peak offset 0, got %v", d)
	}
	if d := ParabolicPeak(1, 2, 1.5); d <= 0 {
		t.Fatalf("expected positive offset toward larger neighbour, got %v", d)
	}
}
