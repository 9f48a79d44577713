package evaluate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"merfish3d/internal/config"
	"merfish3d/internal/experiment"
)

func TestF1IdenticalPoint(t *testing.T) {
	pts := []Point{{ZYX: [3]float64{0, 0, 0}, Gene: "A"}}
	res := F1(pts, pts, 1.0)
	if res.TruePositives != 1 || res.FalsePositives != 0 || res.FalseNegatives != 0 {
		t.Fatalf("expected TP=1 FP=0 FN=0, got %+v", res)
	}
	if res.F1 != 1 || res.Precision != 1 || res.Recall != 1 {
		t.Fatalf("expected perfect scores, got %+v", res)
	}
}

func TestF1MismatchedGeneIsFalsePositive(t *testing.T) {
	decoded := []Point{{ZYX: [3]float64{0, 0, 0}, Gene: "A"}}
	truth := []Point{
		{ZYX: [3]float64{0, 0, 0.1}, Gene: "B"},
		{ZYX: [3]float64{0, 0, 5}, Gene: "A"},
	}
	res := F1(decoded, truth, 1.0)
	if res.TruePositives != 0 || res.FalsePositives != 1 || res.FalseNegatives != 2 {
		t.Fatalf("expected FP=1 FN=2, got %+v", res)
	}
	if res.F1 != 0 || res.Precision != 0 || res.Recall != 0 {
		t.Fatalf("expected zero scores, got %+v", res)
	}
}

func TestF1ZeroDenominators(t *testing.T) {
	res := F1(nil, nil, 1)
	if res != (Result{}) {
		t.Fatalf("expected zero result, got %+v", res)
	}
	res = F1(nil, []Point{{Gene: "A"}}, 1)
	if res.Precision != 0 || res.Recall != 0 || res.F1 != 0 || res.FalseNegatives != 1 {
		t.Fatalf("expected zeros with one FN, got %+v", res)
	}
	res = F1([]Point{{Gene: "A"}}, nil, 1)
	if res.FalsePositives != 1 || res.F1 != 0 {
		t.Fatalf("expected one FP, got %+v", res)
	}
}

func TestF1ConsumesGroundTruthOnce(t *testing.T) {
	decoded := []Point{
		{ZYX: [3]float64{0, 0, 0}, Gene: "A"},
		{ZYX: [3]float64{0, 0, 0.2}, Gene: "A"},
		{ZYX: [3]float64{0, 0, 0.4}, Gene: "A"},
	}
	truth := []Point{
		{ZYX: [3]float64{0, 0, 0.1}, Gene: "A"},
		{ZYX: [3]float64{0, 0, 0.1}, Gene: "A"},
	}
	res := F1(decoded, truth, 0.5)
	if res.TruePositives != 2 || res.FalsePositives != 1 || res.FalseNegatives != 0 {
		t.Fatalf("expected TP=2 FP=1 FN=0, got %+v", res)
	}
	if res.Precision != 0.667 || res.Recall != 1 || res.F1 != 0.8 {
		t.Fatalf("unexpected scores %+v", res)
	}
}

func TestF1RadiusBoundary(t *testing.T) {
	decoded := []Point{{ZYX: [3]float64{0, 0, 0}, Gene: "A"}}
	truth := []Point{{ZYX: [3]float64{0, 3, 4}, Gene: "A"}}
	if res := F1(decoded, truth, 5); res.TruePositives != 1 {
		t.Fatalf("expected match at exactly the radius, got %+v", res)
	}
	if res := F1(decoded, truth, 4.99); res.TruePositives != 0 {
		t.Fatalf("expected no match outside the radius, got %+v", res)
	}
}

func testCodebook() *experiment.Codebook {
	return &experiment.Codebook{Genes: []string{"A", "B", "Blank-1"}, Codes: [][]uint8{{1, 0}, {0, 1}, {1, 1}}}
}

func TestReadGroundTruthScalesVoxels(t *testing.T) {
	in := "Z,Y,X,Gene Label\n2,10,20,1\n0,0,0,0\n"
	pts, err := ReadGroundTruth(strings.NewReader(in), [3]float64{0.3, 0.1, 0.1}, testCodebook())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(pts) != 2 || pts[0].Gene != "B" || pts[1].Gene != "A" {
		t.Fatalf("unexpected points %+v", pts)
	}
	want := [3]float64{0.6, 1, 2}
	for a := range want {
		if d := pts[0].ZYX[a] - want[a]; d > 1e-9 || d < -1e-9 {
			t.Fatalf("expected %v, got %v", want, pts[0].ZYX)
		}
	}
}

func TestReadGroundTruthErrors(t *testing.T) {
	cases := map[string]string{
		"missing column": "Z,Y,Gene Label\n1,2,0\n",
		"bad label":      "Z,Y,X,Gene Label\n1,2,3,7\n",
		"bad number":     "Z,Y,X,Gene Label\n1,a,3,0\n",
	}
	for name, in := range cases {
		if _, err := ReadGroundTruth(strings.NewReader(in), [3]float64{1, 1, 1}, testCodebook()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestGroundTruthWriteRoundTrip(t *testing.T) {
	voxel := [3]float64{0.5, 0.25, 0.25}
	pts := []Point{{ZYX: [3]float64{1, 2.5, 0.75}, Gene: "B"}}
	var buf bytes.Buffer
	if err := WriteGroundTruth(&buf, pts, voxel, testCodebook()); err != nil {
		t.Fatal(err)
	}
	got, err := ReadGroundTruth(&buf, voxel, testCodebook())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != pts[0] {
		t.Fatalf("expected %+v, got %+v", pts, got)
	}
}

func TestGridMatchesExclusiveRanges(t *testing.T) {
	cfg := config.Evaluation{
		MagnitudeRange: [2]float64{0.5, 1.0},
		MagnitudeStep:  0.1,
		UFishRange:     [2]float64{0.05, 0.1},
		UFishStep:      0.01,
	}
	grid := Grid(cfg, Params{FDR: 0.05, MinPixels: 9})
	if len(grid) != 25 {
		t.Fatalf("expected 5x5 grid, got %d", len(grid))
	}
	if grid[0].UFish != 0.05 || grid[0].Magnitude != 0.5 || grid[4].Magnitude != 0.9 || grid[5].UFish != 0.06 {
		t.Fatalf("unexpected grid ordering %+v", grid[:6])
	}
	if got := grid[0].Key(); got != "fdr=0.05 min_pixels=9 mag_thresh=0.50 spotmap_threshold=0.05" {
		t.Fatalf("unexpected key %q", got)
	}
}

type recordStore struct{ got map[string]any }

func (r *recordStore) PutSweepResult(params string, result any) error {
	r.got[params] = result
	return nil
}

func TestSweepCapturesPerConfigurationErrors(t *testing.T) {
	truth := []Point{{ZYX: [3]float64{1, 1, 1}, Gene: "A"}}
	run := func(_ context.Context, p Params) ([]Point, error) {
		switch {
		case p.Magnitude == 0.6:
			return nil, errors.New("bad threshold combination")
		case p.Magnitude == 0.7:
			panic("index out of range")
		}
		return truth, nil
	}
	out := filepath.Join(t.TempDir(), "sweep.json")
	store := &recordStore{got: map[string]any{}}
	s := &Sweeper{Run: run, Truth: truth, Radius: 0.75, OutputPath: out, Store: store}
	grid := []Params{{Magnitude: 0.5}, {Magnitude: 0.6}, {Magnitude: 0.7}}

	entries, err := s.Sweep(context.Background(), grid)
	if err != nil {
		t.Fatalf("expected sweep to finish, got %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Result == nil || entries[0].Result.F1 != 1 {
		t.Fatalf("expected first config scored, got %+v", entries[0])
	}
	if entries[1].Error != "bad threshold combination" || entries[2].Error == "" {
		t.Fatalf("expected errors recorded, got %+v %+v", entries[1], entries[2])
	}
	if len(store.got) != 3 {
		t.Fatalf("expected 3 stored results, got %d", len(store.got))
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var file map[string]map[string]any
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatal(err)
	}
	if file[grid[1].Key()]["error"] != "bad threshold combination" {
		t.Fatalf("expected error entry in file, got %v", file[grid[1].Key()])
	}
	if file[grid[0].Key()]["f1"] != 1.0 {
		t.Fatalf("expected f1 in file, got %v", file[grid[0].Key()])
	}

	best, ok := Best(entries)
	if !ok || best.Params.Magnitude != 0.5 {
		t.Fatalf("expected best at 0.5, got %+v", best)
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Sweeper{Run: func(context.Context, Params) ([]Point, error) { return nil, nil }}
	if _, err := s.Sweep(ctx, []Params{{}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
