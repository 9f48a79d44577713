package stitch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"merfish3d/internal/config"
	"merfish3d/internal/experiment"
	"merfish3d/internal/registration"
	"merfish3d/internal/storage"
	"merfish3d/internal/volume"
)

var tileShape = volume.Shape{Z: 8, Y: 32, X: 32}

type memStore struct {
	mu         sync.Mutex
	images     map[storage.ImageKey]*volume.Volume
	transforms map[int]experiment.GlobalTransform
	meta       *storage.FusedMeta
}

func newMemStore() *memStore {
	return &memStore{
		images:     map[storage.ImageKey]*volume.Volume{},
		transforms: map[int]experiment.GlobalTransform{},
	}
}

func (m *memStore) Image(key storage.ImageKey) (*volume.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.images[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return v, nil
}

func (m *memStore) PutImage(key storage.ImageKey, v *volume.Volume) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[key] = v
	return 4 * len(v.Data), nil
}

func (m *memStore) PutGlobalTransform(t experiment.GlobalTransform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transforms[t.Tile] = t
	return nil
}

func (m *memStore) PutFusedMeta(meta storage.FusedMeta) error {
	m.meta = &meta
	return nil
}

func (m *memStore) putReference(tile int, v *volume.Volume) {
	m.images[storage.FiducialKey(storage.KindRegisteredFiducial, tile, registration.ReferenceRound)] = v
}

func twoTileExperiment(posB [3]float64) *experiment.Experiment {
	return &experiment.Experiment{
		VoxelSizeZYX:   [3]float64{0.3, 0.1, 0.1},
		TileShape:      [3]int{tileShape.Z, tileShape.Y, tileShape.X},
		NumRounds:      1,
		StagePositions: [][3]float64{{0, 0, 0}, posB},
	}
}

// world renders a field of gaussian blobs and returns a sampler in world
// voxel units.
func world(seed int64) func(z, y, x float64) float32 {
	rng := rand.New(rand.NewSource(seed))
	var centers [][3]float64
	for i := 0; i < 60; i++ {
		centers = append(centers, [3]float64{rng.Float64() * 8, rng.Float64() * 32, rng.Float64() * 64})
	}
	return func(z, y, x float64) float32 {
		var v float64
		for _, c := range centers {
			d2 := (z-c[0])*(z-c[0]) + (y-c[1])*(y-c[1]) + (x-c[2])*(x-c[2])
			v += 100 * math.Exp(-d2/(2*1.3*1.3))
		}
		return float32(v)
	}
}

func renderTile(w func(z, y, x float64) float32, offsetX int) *volume.Volume {
	v := volume.New(tileShape)
	for z := 0; z < tileShape.Z; z++ {
		for y := 0; y < tileShape.Y; y++ {
			for x := 0; x < tileShape.X; x++ {
				v.Set(z, y, x, w(float64(z), float64(y), float64(x+offsetX)))
			}
		}
	}
	return v
}

func singleStage(threshold float64) config.GlobalRegistration {
	return config.GlobalRegistration{
		Stages:              []config.RegistrationStage{{Binning: [3]int{1, 1, 1}, QualityThreshold: threshold, MaxShiftUM: 1}},
		ResidualThresholdUM: 2,
		PriorWeight:         0.01,
		MaxSolveIterations:  3,
	}
}

func TestRegisterRecoversPairOffset(t *testing.T) {
	w := world(7)
	store := newMemStore()
	store.putReference(0, renderTile(w, 0))
	store.putReference(1, renderTile(w, 16))

	// True offset is 16 voxels (1.6um); the stage reports 1.8um.
	exp := twoTileExperiment([3]float64{0, 0, 1.8})
	reg := NewRegistrar(store, exp, singleStage(0.2), nil)
	transforms, reports, err := reg.Register(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(reports) != 1 || reports[0].Accepted != 1 {
		t.Fatalf("expected one accepted pair, got %+v", reports)
	}
	pa := transforms[0].Apply([3]float64{})
	pb := transforms[1].Apply([3]float64{})
	if d := pb[2] - pa[2]; math.Abs(d-1.6) > 0.03 {
		t.Fatalf("expected x offset 1.6, got %v", d)
	}
	if math.Abs(pb[1]-pa[1]) > 0.03 || math.Abs(pb[0]-pa[0]) > 0.05 {
		t.Fatalf("expected no y/z offset, got %v %v", pa, pb)
	}
	if len(store.transforms) != 2 {
		t.Fatalf("expected 2 stored transforms, got %d", len(store.transforms))
	}
}

func TestRegisterKeepsPriorWithoutUsablePairs(t *testing.T) {
	store := newMemStore()
	store.putReference(0, renderTile(world(3), 0))
	// Tile 1 has no reference image and is treated as empty.
	exp := twoTileExperiment([3]float64{0, 0, 1.8})
	reg := NewRegistrar(store, exp, singleStage(0.2), nil)
	transforms, reports, err := reg.Register(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if reports[0].Accepted != 0 || reports[0].Rejected != 1 {
		t.Fatalf("expected the pair rejected, got %+v", reports[0])
	}
	if reports[0].Pairs[0].Reason != "empty image" {
		t.Fatalf("expected empty image reason, got %q", reports[0].Pairs[0].Reason)
	}
	for _, gt := range transforms {
		for a, v := range gt.Translation() {
			if math.Abs(v) > 1e-9 {
				t.Fatalf("tile %d moved from prior on axis %d: %v", gt.Tile, a, v)
			}
		}
	}
	if got := transforms[1].Apply([3]float64{}); math.Abs(got[2]-1.8) > 1e-9 {
		t.Fatalf("expected tile 1 at its stage position, got %v", got)
	}
}

func TestFootprintIntersects(t *testing.T) {
	voxel := [3]float64{0.3, 0.1, 0.1}
	a := Footprint([3]float64{0, 0, 0}, tileShape, voxel)
	b := Footprint([3]float64{0, 0, 1.6}, tileShape, voxel)
	c := Footprint([3]float64{0, 0, 10}, tileShape, voxel)
	if !a.Intersects(b) {
		t.Fatalf("expected overlapping footprints")
	}
	if a.Intersects(c) {
		t.Fatalf("expected disjoint footprints")
	}
}

func constant(val float32) *volume.Volume {
	v := volume.New(tileShape)
	for i := range v.Data {
		v.Data[i] = val
	}
	return v
}

func placed(exp *experiment.Experiment) []experiment.GlobalTransform {
	var out []experiment.GlobalTransform
	for _, t := range exp.Tiles() {
		out = append(out, experiment.GlobalTransform{
			Tile:    t.Index,
			Affine:  experiment.IdentityAffine(),
			Origin:  t.StageZYX(),
			Spacing: exp.VoxelSizeZYX,
		})
	}
	return out
}

func fusionConfig() config.Fusion {
	return config.Fusion{Downsample: [3]float64{1, 1, 1}, ChunkSize: 3, OverlapPixels: 8}
}

func TestFuseEqualTilesHasNoSeam(t *testing.T) {
	store := newMemStore()
	store.putReference(0, constant(5))
	store.putReference(1, constant(5))
	exp := twoTileExperiment([3]float64{0, 0, 1.6})

	out, meta, err := NewFuser(store, exp, fusionConfig(), 2, nil).Fuse(context.Background(), placed(exp))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := volume.Shape{Z: 8, Y: 32, X: 48}
	if out.Shape != want {
		t.Fatalf("expected shape %v, got %v", want, out.Shape)
	}
	for i, v := range out.Data {
		if math.Abs(float64(v)-5) > 1e-4 {
			z, y, x := out.Coords(i)
			t.Fatalf("voxel (%d,%d,%d): expected 5, got %v", z, y, x, v)
		}
	}
	if meta.Spacing != exp.VoxelSizeZYX || meta.Origin != [3]float64{} {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if store.meta == nil {
		t.Fatalf("expected fused meta stored")
	}
	if _, err := store.Image(FusedKey); err != nil {
		t.Fatalf("expected fused image stored, got %v", err)
	}
}

func TestFuseBlendsAcrossOverlap(t *testing.T) {
	store := newMemStore()
	store.putReference(0, constant(2))
	store.putReference(1, constant(4))
	exp := twoTileExperiment([3]float64{0, 0, 1.6})

	out, _, err := NewFuser(store, exp, fusionConfig(), 1, nil).Fuse(context.Background(), placed(exp))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	prev := float32(0)
	for x := 0; x < out.Shape.X; x++ {
		v := out.At(4, 16, x)
		if v < 2-1e-4 || v > 4+1e-4 {
			t.Fatalf("x=%d: value %v outside tile range", x, v)
		}
		if v < prev-1e-4 {
			t.Fatalf("x=%d: expected monotone blend, got %v after %v", x, v, prev)
		}
		prev = v
	}
	if out.At(4, 16, 0) != 2 || out.At(4, 16, out.Shape.X-1) != 4 {
		t.Fatalf("expected pure tile values at the edges, got %v and %v", out.At(4, 16, 0), out.At(4, 16, out.Shape.X-1))
	}
}

func TestFuseReadsReferenceRoundOnly(t *testing.T) {
	store := newMemStore()
	store.putReference(0, constant(5))
	store.images[storage.FiducialKey(storage.KindRegisteredFiducial, 1, registration.ReferenceRound+1)] = constant(9)
	exp := twoTileExperiment([3]float64{0, 0, 1.6})

	out, _, err := NewFuser(store, exp, fusionConfig(), 1, nil).Fuse(context.Background(), placed(exp))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i, v := range out.Data {
		if v > 5+1e-4 {
			z, y, x := out.Coords(i)
			t.Fatalf("voxel (%d,%d,%d): expected no data from a non-reference round, got %v", z, y, x, v)
		}
	}
}

func TestFuseRequiresTransforms(t *testing.T) {
	exp := twoTileExperiment([3]float64{0, 0, 1.6})
	if _, _, err := NewFuser(newMemStore(), exp, fusionConfig(), 1, nil).Fuse(context.Background(), nil); err == nil {
		t.Fatalf("expected error without transforms")
	}
}
