package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"

	"merfish3d/internal/config"
	"merfish3d/internal/experiment"
	"merfish3d/internal/storage"
	"merfish3d/internal/volume"
)

var testShape = volume.Shape{Z: 4, Y: 16, X: 16}

type memStore struct {
	mu     sync.Mutex
	images map[storage.ImageKey]*volume.Volume
	norms  map[string]experiment.NormVectors
	gts    map[int]experiment.GlobalTransform
	spots  map[string]map[int][]experiment.DecodedSpot
	states map[int][]string
}

func newMemStore() *memStore {
	return &memStore{
		images: map[storage.ImageKey]*volume.Volume{},
		norms:  map[string]experiment.NormVectors{},
		gts:    map[int]experiment.GlobalTransform{},
		spots:  map[string]map[int][]experiment.DecodedSpot{},
		states: map[int][]string{},
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

func (m *memStore) Normalization(kind string) (*experiment.NormVectors, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.norms[kind]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &n, nil
}

func (m *memStore) PutNormalization(kind string, n experiment.NormVectors) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.norms[kind] = n
	return nil
}

func (m *memStore) GlobalTransform(tile int) (experiment.GlobalTransform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gt, ok := m.gts[tile]
	if !ok {
		return gt, storage.ErrNotFound
	}
	return gt, nil
}

func (m *memStore) ReplaceSpots(stage string, tile int, spots []experiment.DecodedSpot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spots[stage] == nil {
		m.spots[stage] = map[int][]experiment.DecodedSpot{}
	}
	m.spots[stage][tile] = append([]experiment.DecodedSpot(nil), spots...)
	return nil
}

func (m *memStore) Spots(stage string, tile int) ([]experiment.DecodedSpot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spots[stage][tile], nil
}

func (m *memStore) SetTileState(tile int, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[tile] = append(m.states[tile], state)
	return nil
}

func (m *memStore) LockTile(int) func() { return func() {} }

// fourBitExperiment has two rounds of two readout channels and a codebook
// with two genes and two blanks.
func fourBitExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		VoxelSizeZYX: [3]float64{0.3, 0.1, 0.1},
		TileShape:    [3]int{testShape.Z, testShape.Y, testShape.X},
		NumRounds:    2,
		Channels:     []experiment.Channel{{Name: "fid", Fiducial: true}, {Name: "r1"}, {Name: "r2"}},
		Order: []experiment.OrderRow{
			{Round: 0, Bits: []int{1, 2}},
			{Round: 1, Bits: []int{3, 4}},
		},
		StagePositions: [][3]float64{{0, 10, 20}},
		Codebook: &experiment.Codebook{
			Genes: []string{"GeneA", "GeneB", "Blank-01", "Blank-02"},
			Codes: [][]uint8{{1, 1, 0, 0}, {0, 0, 1, 1}, {1, 0, 1, 0}, {0, 1, 0, 1}},
		},
	}
}

func testConfig() config.Decoding {
	return config.Decoding{
		MagnitudeMin:      1.0,
		MagnitudeMax:      10,
		DistanceThreshold: 0.5172,
		MinimumPixels:     9,
		UFishThreshold:    0.25,
		FDRTarget:         0.05,
		NRandomTiles:      1,
		NIterations:       5,
		ConvergenceTol:    1e-3,
		BackgroundPct:     10,
		ForegroundPct:     99.5,
	}
}

// cube writes val into bit's volume over a 3x3x3 block centred on c.
func cube(vols []*volume.Volume, bit int, c [3]int, val float32) {
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				vols[bit].Set(c[0]+dz, c[1]+dy, c[2]+dx, val)
			}
		}
	}
}

// seedTile stores one GeneA block (bits 0,1 at 100) and one GeneB block
// (bits 2,3 at 200) for tile 0.
func seedTile(m *memStore, exp *experiment.Experiment) {
	vols := make([]*volume.Volume, 4)
	for i := range vols {
		vols[i] = volume.New(testShape)
	}
	cube(vols, 0, [3]int{2, 4, 4}, 100)
	cube(vols, 1, [3]int{2, 4, 4}, 100)
	cube(vols, 2, [3]int{2, 11, 11}, 200)
	cube(vols, 3, [3]int{2, 11, 11}, 200)
	for _, src := range exp.BitMap() {
		m.images[storage.ReadoutKey(storage.KindRegisteredReadout, 0, src.Round, src.Bit)] = vols[src.Bit]
	}
}

func newTestDecoder(t *testing.T, m *memStore, exp *experiment.Experiment, cfg config.Decoding) *Decoder {
	t.Helper()
	d, err := New(m, exp, cfg, 1, slog.Default())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return d
}

func TestDecodeTileRequiresCalibration(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	d := newTestDecoder(t, m, exp, testConfig())

	_, err := d.DecodeTile(context.Background(), 0)
	var nc *NotCalibratedError
	if !errors.As(err, &nc) {
		t.Fatalf("expected NotCalibratedError, got %v", err)
	}
	if nc.Tile != 0 {
		t.Fatalf("expected tile 0, got %d", nc.Tile)
	}
	if len(m.spots) != 0 {
		t.Fatalf("expected nothing stored before calibration")
	}

	m.norms[storage.NormIterative] = experiment.NormVectors{Background: []float64{0, 0}, Foreground: []float64{1, 1}}
	if _, err := d.DecodeTile(context.Background(), 0); !errors.As(err, &nc) {
		t.Fatalf("expected NotCalibratedError for short vectors, got %v", err)
	}
	if _, _, err := d.DecodeTiles(context.Background(), []int{0}, 2); !errors.As(err, &nc) {
		t.Fatalf("expected DecodeTiles to fail uncalibrated, got %v", err)
	}
}

func TestDecodeTileCallsBlocks(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	m.norms[storage.NormIterative] = experiment.NormVectors{
		Background: []float64{0, 0, 0, 0},
		Foreground: []float64{50, 50, 100, 100},
	}
	d := newTestDecoder(t, m, exp, testConfig())

	spots, err := d.DecodeTile(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(spots) != 2 {
		t.Fatalf("expected 2 spots, got %d", len(spots))
	}
	a, b := spots[0], spots[1]
	if a.GeneID != "GeneA" || b.GeneID != "GeneB" {
		t.Fatalf("expected GeneA then GeneB, got %s %s", a.GeneID, b.GeneID)
	}
	if a.Area != 27 || a.MeanDistance > 1e-6 {
		t.Fatalf("unexpected GeneA spot %+v", a)
	}
	if a.LocalZYX != [3]float64{2, 4, 4} {
		t.Fatalf("expected centroid (2,4,4), got %v", a.LocalZYX)
	}
	// No global transform stored: placed at the stage position.
	want := [3]float64{0 + 2*0.3, 10 + 4*0.1, 20 + 4*0.1}
	for i := range want {
		if math.Abs(a.GlobalZYX[i]-want[i]) > 1e-9 {
			t.Fatalf("expected global %v, got %v", want, a.GlobalZYX)
		}
	}
	if a.Round != 0 || b.Round != 1 {
		t.Fatalf("expected rounds 0 and 1, got %d %d", a.Round, b.Round)
	}
	if got := m.states[0]; len(got) != 2 || got[0] != storage.TileNormalized || got[1] != storage.TileDecoded {
		t.Fatalf("unexpected state transitions %v", got)
	}
	if len(m.spots[storage.SpotsRaw][0]) != 2 {
		t.Fatalf("expected raw spots stored")
	}
}

func TestDecodeTileUsesGlobalTransform(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	m.norms[storage.NormIterative] = experiment.NormVectors{Background: []float64{0, 0, 0, 0}, Foreground: []float64{50, 50, 100, 100}}
	m.gts[0] = experiment.GlobalTransform{
		Tile:    0,
		Affine:  experiment.TranslationAffine([3]float64{1, 2, 3}),
		Origin:  [3]float64{0, 10, 20},
		Spacing: exp.VoxelSizeZYX,
	}
	spots, err := newTestDecoder(t, m, exp, testConfig()).DecodeTile(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	want := [3]float64{1 + 0.6, 12 + 0.4, 23 + 0.4}
	for i := range want {
		if math.Abs(spots[0].GlobalZYX[i]-want[i]) > 1e-9 {
			t.Fatalf("expected global %v, got %v", want, spots[0].GlobalZYX)
		}
	}
}

func TestMinimumPixelsDropsSmallGroups(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	m.norms[storage.NormIterative] = experiment.NormVectors{Background: []float64{0, 0, 0, 0}, Foreground: []float64{50, 50, 100, 100}}
	cfg := testConfig()
	cfg.MinimumPixels = 28
	spots, err := newTestDecoder(t, m, exp, cfg).DecodeTile(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(spots) != 0 {
		t.Fatalf("expected 27-voxel blocks dropped, got %d spots", len(spots))
	}
}

func TestUFishGateRejectsLowProbability(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	m.norms[storage.NormIterative] = experiment.NormVectors{Background: []float64{0, 0, 0, 0}, Foreground: []float64{50, 50, 100, 100}}
	cfg := testConfig()
	cfg.UseUFish = true
	d := newTestDecoder(t, m, exp, cfg)

	low := volume.New(testShape)
	for i := range low.Data {
		low.Data[i] = 0.1
	}
	for _, src := range exp.BitMap() {
		m.images[storage.ReadoutKey(storage.KindSpotProbability, 0, src.Round, src.Bit)] = low
	}
	spots, err := d.DecodeTile(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(spots) != 0 {
		t.Fatalf("expected no spots below the probability threshold, got %d", len(spots))
	}

	high := volume.New(testShape)
	for i := range high.Data {
		high.Data[i] = 0.9
	}
	m.images[storage.ReadoutKey(storage.KindSpotProbability, 0, 0, 0)] = high
	spots, err = d.DecodeTile(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(spots) != 2 {
		t.Fatalf("expected 2 spots with high probability on one bit, got %d", len(spots))
	}
}

func TestUFishGateSkipsTileWithoutProbability(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	m.norms[storage.NormIterative] = experiment.NormVectors{Background: []float64{0, 0, 0, 0}, Foreground: []float64{50, 50, 100, 100}}
	cfg := testConfig()
	cfg.UseUFish = true

	spots, err := newTestDecoder(t, m, exp, cfg).DecodeTile(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(spots) != 2 {
		t.Fatalf("expected ungated decode of 2 spots, got %d", len(spots))
	}
}

func TestNearestPicksBestCodeword(t *testing.T) {
	codes := fourBitExperiment().Codebook.UnitCodes()
	cases := []struct {
		vec  []float64
		want int
	}{
		{[]float64{1, 0.9, 0.1, 0}, 0},
		{[]float64{0, 0.1, 1.2, 1}, 1},
		{[]float64{1, 0, 0.8, 0.1}, 2},
		{[]float64{0.1, 1, 0, 1}, 3},
	}
	for _, tc := range cases {
		var m float64
		for _, v := range tc.vec {
			m += v * v
		}
		m = math.Sqrt(m)
		got, dist := nearest(tc.vec, m, codes)
		if got != tc.want {
			t.Fatalf("vec %v: expected code %d, got %d", tc.vec, tc.want, got)
		}
		for g := range codes {
			var d2 float64
			for b := range codes[g] {
				diff := tc.vec[b]/m - codes[g][b]
				d2 += diff * diff
			}
			if math.Sqrt(d2) < dist-1e-12 {
				t.Fatalf("vec %v: code %d is closer than the chosen one", tc.vec, g)
			}
		}
	}
}

func TestCalibrateConvergesToBlockIntensities(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	d := newTestDecoder(t, m, exp, testConfig())

	report, err := d.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !report.Converged {
		t.Fatalf("expected convergence, got %+v", report)
	}
	it, ok := m.norms[storage.NormIterative]
	if !ok || !it.Valid(4) {
		t.Fatalf("expected iterative vectors stored, got %+v", it)
	}
	if _, ok := m.norms[storage.NormGlobal]; !ok {
		t.Fatalf("expected global vectors stored")
	}
	want := []float64{100, 100, 200, 200}
	for b := range want {
		if math.Abs(it.Foreground[b]-want[b]) > 1e-6 || it.Background[b] != 0 {
			t.Fatalf("bit %d: expected fg %v bg 0, got fg %v bg %v", b, want[b], it.Foreground[b], it.Background[b])
		}
	}

	spots, err := d.DecodeTile(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected decode after calibration, got %v", err)
	}
	if len(spots) != 2 {
		t.Fatalf("expected 2 spots, got %d", len(spots))
	}
}

func TestCalibrateFailsWhenNothingDecodes(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	cfg := testConfig()
	cfg.MinimumPixels = 1000
	d := newTestDecoder(t, m, exp, cfg)

	if _, err := d.Calibrate(context.Background()); !errors.Is(err, ErrNoCalibrationPixels) {
		t.Fatalf("expected ErrNoCalibrationPixels, got %v", err)
	}
	if _, ok := m.norms[storage.NormIterative]; ok {
		t.Fatal("expected no iterative vectors after an empty calibration")
	}
}

func TestImportNormalization(t *testing.T) {
	exp := fourBitExperiment()
	ref := newMemStore()
	ref.norms[storage.NormIterative] = experiment.NormVectors{Background: []float64{1, 1, 1, 1}, Foreground: []float64{5, 5, 5, 5}}
	m := newMemStore()
	d := newTestDecoder(t, m, exp, testConfig())
	if err := d.ImportNormalization(ref); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n := m.norms[storage.NormIterative]; !n.Valid(4) || n.Foreground[0] != 5 {
		t.Fatalf("expected imported vectors, got %+v", n)
	}
	if err := d.ImportNormalization(newMemStore()); err == nil {
		t.Fatalf("expected error for empty reference")
	}
}

func TestSampleTilesIsSeeded(t *testing.T) {
	a := SampleTiles(20, 5, 42)
	b := SampleTiles(20, 5, 42)
	if len(a) != 5 || fmt.Sprint(a) != fmt.Sprint(b) {
		t.Fatalf("expected repeatable sample, got %v and %v", a, b)
	}
	if got := SampleTiles(3, 10, 1); len(got) != 3 {
		t.Fatalf("expected sample capped at tile count, got %v", got)
	}
}

func TestFDRThreshold(t *testing.T) {
	mk := func(score float64, blank bool) experiment.DecodedSpot {
		return experiment.DecodedSpot{Score: score, Blank: blank}
	}
	spots := []experiment.DecodedSpot{mk(0.5, false), mk(0.9, false), mk(0.7, true), mk(0.8, false), mk(0.6, false)}

	th, est, decoys := fdrThreshold(spots, 1, 1, 0.34)
	if th != 0.5 || math.Abs(est-0.25) > 1e-12 || decoys != 1 {
		t.Fatalf("expected threshold 0.5 est 0.25 decoys 1, got %v %v %v", th, est, decoys)
	}
	th, est, decoys = fdrThreshold(spots, 1, 1, 0.2)
	if th != 0.8 || est != 0 || decoys != 0 {
		t.Fatalf("expected threshold 0.8, got %v %v %v", th, est, decoys)
	}
	th, _, _ = fdrThreshold([]experiment.DecodedSpot{mk(0.9, true)}, 1, 1, 0.05)
	if th != math.MaxFloat64 {
		t.Fatalf("expected nothing kept, got threshold %v", th)
	}
}

// TestFilterSpotsBoundsFalseDiscoveries builds a population of true calls
// and uniformly mis-assigned calls, where the blanks see the same noise as
// the targets, and checks the retained false fraction.
func TestFilterSpotsBoundsFalseDiscoveries(t *testing.T) {
	cb := &experiment.Codebook{}
	for i := 0; i < 10; i++ {
		cb.Genes = append(cb.Genes, fmt.Sprintf("G%d", i))
		cb.Codes = append(cb.Codes, []uint8{1})
	}
	for i := 0; i < 10; i++ {
		cb.Genes = append(cb.Genes, fmt.Sprintf("Blank-%d", i))
		cb.Codes = append(cb.Codes, []uint8{1})
	}
	cfg := testConfig()
	cfg.BlankPrefix = experiment.DefaultBlankPrefix
	d := &Decoder{exp: &experiment.Experiment{Codebook: cb}, cfg: cfg, log: slog.Default()}

	rng := rand.New(rand.NewSource(1))
	var spots []experiment.DecodedSpot
	falseCall := map[int64]bool{}
	for i := 0; i < 600; i++ {
		dist := 0.15 + 0.05*rng.NormFloat64()
		spots = append(spots, experiment.DecodedSpot{
			ID: int64(len(spots)), GeneIndex: rng.Intn(10), Area: 9 + rng.Intn(20),
			MeanDistance: dist, MinDistance: dist - 0.05, MeanMagnitude: 3 + 0.5*rng.NormFloat64(),
		})
	}
	for i := 0; i < 400; i++ {
		gene := rng.Intn(20)
		dist := 0.4 + 0.05*rng.NormFloat64()
		sp := experiment.DecodedSpot{
			ID: int64(len(spots)), GeneIndex: gene, Blank: gene >= 10, Area: 9 + rng.Intn(4),
			MeanDistance: dist, MinDistance: dist - 0.05, MeanMagnitude: 1.8 + 0.3*rng.NormFloat64(),
		}
		falseCall[sp.ID] = true
		spots = append(spots, sp)
	}

	kept, report := d.FilterSpots(spots)
	if report.Model != ModelLogistic {
		t.Fatalf("expected logistic model, got %s", report.Model)
	}
	var fp int
	for _, sp := range kept {
		if sp.Blank {
			t.Fatalf("decoy spot %d retained", sp.ID)
		}
		if falseCall[sp.ID] {
			fp++
		}
	}
	if len(kept) < 500 {
		t.Fatalf("expected most true calls kept, got %d", len(kept))
	}
	if frac := float64(fp) / float64(len(kept)); frac > cfg.FDRTarget+0.03 {
		t.Fatalf("false discovery fraction %v exceeds target %v", frac, cfg.FDRTarget)
	}
}

func TestFilterSpotsWithoutBlankCodes(t *testing.T) {
	cb := &experiment.Codebook{Genes: []string{"A", "B"}, Codes: [][]uint8{{1, 0}, {0, 1}}}
	d := &Decoder{exp: &experiment.Experiment{Codebook: cb}, cfg: testConfig(), log: slog.Default()}
	d.cfg.BlankPrefix = experiment.DefaultBlankPrefix
	spots := []experiment.DecodedSpot{{GeneID: "A"}, {GeneID: "B"}}
	kept, report := d.FilterSpots(spots)
	if len(kept) != 2 || report.Model != "none" {
		t.Fatalf("expected all spots kept without decoys, got %d (%s)", len(kept), report.Model)
	}
}

func TestFilterTilesPersistsPerTile(t *testing.T) {
	m := newMemStore()
	exp := fourBitExperiment()
	seedTile(m, exp)
	m.norms[storage.NormIterative] = experiment.NormVectors{Background: []float64{0, 0, 0, 0}, Foreground: []float64{50, 50, 100, 100}}
	d := newTestDecoder(t, m, exp, testConfig())
	if _, failures, err := d.DecodeTiles(context.Background(), []int{0}, 1); err != nil || len(failures) != 0 {
		t.Fatalf("expected clean decode, got %v %v", failures, err)
	}
	kept, report, err := d.FilterTiles(context.Background(), []int{0})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(kept) != 2 || report.Kept != 2 || report.Model != ModelHeuristic {
		t.Fatalf("expected both target spots kept, got %d %+v", len(kept), report)
	}
	if len(m.spots[storage.SpotsFiltered][0]) != 2 {
		t.Fatalf("expected filtered spots stored")
	}
	states := m.states[0]
	if states[len(states)-1] != storage.TilePersisted || states[len(states)-2] != storage.TileFiltered {
		t.Fatalf("unexpected state sequence %v", states)
	}
}
