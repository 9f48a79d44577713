package experiment

import (
	"math"
	"testing"

	"merfish3d/internal/volume"
)

func TestGlobalTransformApplyAndInverse(t *testing.T) {
	g := GlobalTransform{
		Tile:    3,
		Affine:  TranslationAffine([3]float64{1, -2, 5}),
		Origin:  [3]float64{10, 20, 30},
		Spacing: [3]float64{0.5, 0.1, 0.1},
	}
	w := g.Apply([3]float64{2, 10, 20})
	want := [3]float64{12, 19, 37}
	for i := range w {
		if math.Abs(w[i]-want[i]) > 1e-9 {
			t.Fatalf("axis %d: expected %v, got %v", i, want[i], w[i])
		}
	}
	inv, err := g.Inverse()
	if err != nil {
		t.Fatalf("expected invertible transform, got %v", err)
	}
	idx := inv.Index(w)
	for i, v := range []float64{2, 10, 20} {
		if math.Abs(idx[i]-v) > 1e-9 {
			t.Fatalf("axis %d: expected index %v, got %v", i, v, idx[i])
		}
	}
	if p := g.ApplyVector([3]float64{0, 0, 0}); p.X != 35 || p.Z != 11 {
		t.Fatalf("unexpected r3 point %+v", p)
	}
}

func TestGlobalTransformSingular(t *testing.T) {
	g := GlobalTransform{Spacing: [3]float64{1, 1, 1}}
	if _, err := g.Inverse(); err == nil {
		t.Fatalf("expected singular affine error")
	}
}

func TestBoundsCoversTile(t *testing.T) {
	g := GlobalTransform{Affine: IdentityAffine(), Spacing: [3]float64{1, 2, 2}}
	lo, hi := g.Bounds(volume.Shape{Z: 3, Y: 5, X: 5})
	if lo != [3]float64{0, 0, 0} || hi != [3]float64{2, 8, 8} {
		t.Fatalf("unexpected bounds %v %v", lo, hi)
	}
}

func TestNormVectorsValid(t *testing.T) {
	n := &NormVectors{Background: []float64{0, 0}, Foreground: []float64{1, 2}}
	if !n.Valid(2) {
		t.Fatalf("expected valid vectors")
	}
	if n.Valid(3) {
		t.Fatalf("expected length mismatch to be invalid")
	}
	n.Foreground[1] = 0
	if n.Valid(2) {
		t.Fatalf("expected zero foreground to be invalid")
	}
	var missing *NormVectors
	if missing.Valid(2) {
		t.Fatalf("expected nil vectors to be invalid")
	}
}
