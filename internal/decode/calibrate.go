package decode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"merfish3d/internal/experiment"
	"merfish3d/internal/storage"
)

// maxPercentileSamples caps the voxels per bit fed to the percentile pass.
const maxPercentileSamples = 1 << 20

// minForeground keeps foreground scales strictly positive.
const minForeground = 1e-6

// CalibrationReport summarises a calibration run.
type CalibrationReport struct {
	Tiles      []int                  `json:"tiles"`
	Global     experiment.NormVectors `json:"global"`
	Iterative  experiment.NormVectors `json:"iterative"`
	Iterations int                    `json:"iterations"`
	Converged  bool                   `json:"converged"`
	Pixels     int                    `json:"pixels_last_iteration"`
}

// NormSource is anything holding normalization vectors, such as a
// read-only reference datastore.
type NormSource interface {
	Normalization(kind string) (*experiment.NormVectors, error)
}

// SampleTiles picks n distinct tiles with a seeded source.
func SampleTiles(numTiles, n int, seed int64) []int {
	if n <= 0 || n > numTiles {
		n = numTiles
	}
	rng := rand.New(rand.NewSource(seed))
	picked := rng.Perm(numTiles)[:n]
	sort.Ints(picked)
	return picked
}

// ErrNoCalibrationPixels is returned when the first calibration pass
// accepts no voxels, leaving nothing to refine the vectors from.
var ErrNoCalibrationPixels = errors.New("calibration decoded no pixels on the first pass")

// Calibrate initialises per-bit vectors from intensity percentiles over a
// random tile sample, then refines them by repeated decoding: each pass
// decodes the sample with the current vectors and re-estimates background
// as the median of off-bit intensities and foreground as the median on-bit
// intensity above background, over voxels of accepted spots. The loop
// stops after NIterations passes or once the largest relative change drops
// below ConvergenceTol. Both vector sets are persisted. The iterative set is
// not written when the first pass decodes nothing.
func (d *Decoder) Calibrate(ctx context.Context) (CalibrationReport, error) {
	var report CalibrationReport
	if d.exp.NumTiles() == 0 {
		return report, errors.New("experiment has no tiles")
	}
	report.Tiles = SampleTiles(d.exp.NumTiles(), d.cfg.NRandomTiles, d.seed)
	stacks := make([]*stack, len(report.Tiles))
	for i, tile := range report.Tiles {
		stacks[i] = d.loadStack(tile)
	}

	global := d.percentileVectors(stacks)
	report.Global = global
	if err := d.store.PutNormalization(storage.NormGlobal, global); err != nil {
		return report, err
	}
	d.log.Info("global normalization initialised", "tiles", report.Tiles)

	cur := global
	for it := 0; it < d.cfg.NIterations; it++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		next, pixels, err := d.refine(ctx, stacks, &cur)
		if err != nil {
			return report, err
		}
		report.Pixels = pixels
		if pixels == 0 {
			if it == 0 {
				return report, ErrNoCalibrationPixels
			}
			d.log.Warn("calibration pass decoded no pixels, keeping current vectors", "iteration", it+1)
			break
		}
		change := relativeChange(&cur, &next)
		cur = next
		cur.Iterations = it + 1
		report.Iterations = it + 1
		d.log.Info("calibration pass", "iteration", it+1, "pixels", pixels, "max_change", change)
		if change < d.cfg.ConvergenceTol {
			report.Converged = true
			break
		}
	}
	report.Iterative = cur
	if err := d.store.PutNormalization(storage.NormIterative, cur); err != nil {
		return report, err
	}
	return report, nil
}

// ImportNormalization copies the iterative vectors from another datastore.
func (d *Decoder) ImportNormalization(src NormSource) error {
	n, err := src.Normalization(storage.NormIterative)
	if err != nil {
		return fmt.Errorf("reference normalization: %w", err)
	}
	if !n.Valid(len(d.bitMap)) {
		return fmt.Errorf("reference normalization has %d bits, want %d", len(n.Foreground), len(d.bitMap))
	}
	return d.store.PutNormalization(storage.NormIterative, *n)
}

func (d *Decoder) percentileVectors(stacks []*stack) experiment.NormVectors {
	nb := len(d.bitMap)
	n := experiment.NormVectors{Background: make([]float64, nb), Foreground: make([]float64, nb)}
	for b := 0; b < nb; b++ {
		var total int
		for _, s := range stacks {
			total += len(s.bits[b].Data)
		}
		step := max(1, total/maxPercentileSamples)
		vals := make([]float64, 0, total/step+1)
		var k int
		for _, s := range stacks {
			for _, v := range s.bits[b].Data {
				if k%step == 0 {
					vals = append(vals, float64(v))
				}
				k++
			}
		}
		sort.Float64s(vals)
		bg := stat.Quantile(d.cfg.BackgroundPct/100, stat.Empirical, vals, nil)
		fg := stat.Quantile(d.cfg.ForegroundPct/100, stat.Empirical, vals, nil) - bg
		n.Background[b] = bg
		n.Foreground[b] = math.Max(fg, minForeground)
	}
	return n
}

// refine runs one decode pass over the sample and re-estimates vectors.
func (d *Decoder) refine(ctx context.Context, stacks []*stack, cur *experiment.NormVectors) (experiment.NormVectors, int, error) {
	nb := len(d.bitMap)
	on := make([][]float64, nb)
	off := make([][]float64, nb)
	var pixels int
	for _, s := range stacks {
		px, err := d.matchPixels(ctx, s, cur)
		if err != nil {
			return experiment.NormVectors{}, 0, err
		}
		for _, c := range components(px, s.shape, d.cfg.MinimumPixels) {
			code := d.exp.Codebook.Codes[c.gene]
			for _, i := range c.voxels {
				pixels++
				for b := 0; b < nb; b++ {
					v := float64(s.bits[b].Data[i])
					if code[b] > 0 {
						on[b] = append(on[b], v)
					} else {
						off[b] = append(off[b], v)
					}
				}
			}
		}
	}
	next := experiment.NormVectors{
		Background: append([]float64(nil), cur.Background...),
		Foreground: append([]float64(nil), cur.Foreground...),
	}
	if pixels == 0 {
		return next, 0, nil
	}
	for b := 0; b < nb; b++ {
		if len(off[b]) > 0 {
			sort.Float64s(off[b])
			next.Background[b] = stat.Quantile(0.5, stat.Empirical, off[b], nil)
		}
		if len(on[b]) > 0 {
			sort.Float64s(on[b])
			fg := stat.Quantile(0.5, stat.Empirical, on[b], nil) - next.Background[b]
			next.Foreground[b] = math.Max(fg, minForeground)
		}
	}
	return next, pixels, nil
}

// relativeChange is the largest relative difference between two vector
// sets across bits.
func relativeChange(a, b *experiment.NormVectors) float64 {
	var m float64
	rel := func(x, y float64) float64 {
		den := math.Max(math.Abs(x), minForeground)
		return math.Abs(x-y) / den
	}
	for i := range a.Foreground {
		m = math.Max(m, rel(a.Foreground[i], b.Foreground[i]))
		m = math.Max(m, rel(math.Max(a.Background[i], 1), math.Max(b.Background[i], 1)))
	}
	return m
}
