// Package stitch places tiles in the shared global frame and fuses them
// into one downsampled volume.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"

	"merfish3d/internal/config"
	"merfish3d/internal/experiment"
	"merfish3d/internal/registration"
	"merfish3d/internal/storage"
	"merfish3d/internal/volume"
)

// minOverlapVoxels is the smallest lateral overlap, in binned voxels, that
// is worth correlating.
const minOverlapVoxels = 4

// Store is the datastore surface global registration and fusion need.
type Store interface {
	Image(key storage.ImageKey) (*volume.Volume, error)
	PutImage(key storage.ImageKey, v *volume.Volume) (int, error)
	PutGlobalTransform(t experiment.GlobalTransform) error
	PutFusedMeta(m storage.FusedMeta) error
}

// PairResult is one pairwise tile alignment.
type PairResult struct {
	A, B     int
	Offset   [3]float64 // measured position of B minus position of A, microns
	Quality  float64
	Accepted bool
	Reason   string `json:",omitempty"`
}

// StageReport summarises one coarse-to-fine stage.
type StageReport struct {
	Binning  [3]int       `json:"binning"`
	Pairs    []PairResult `json:"pairs"`
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
}

// Registrar computes per-tile global transforms.
type Registrar struct {
	store Store
	exp   *experiment.Experiment
	cfg   config.GlobalRegistration
	log   *slog.Logger
}

// NewRegistrar builds a registrar.
func NewRegistrar(store Store, exp *experiment.Experiment, cfg config.GlobalRegistration, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{store: store, exp: exp, cfg: cfg, log: logger}
}

// Register runs every configured stage in order, each seeded with the
// previous stage's positions, starting from the stage positions. The
// resulting transforms are persisted.
func (r *Registrar) Register(ctx context.Context) ([]experiment.GlobalTransform, []StageReport, error) {
	tiles := r.exp.Tiles()
	if len(tiles) == 0 {
		return nil, nil, errors.New("experiment has no tiles")
	}
	images := make([]*volume.Volume, len(tiles))
	for i, t := range tiles {
		images[i] = r.referenceImage(t.Index)
	}

	pos := make([][3]float64, len(tiles))
	for i, t := range tiles {
		pos[i] = t.StageZYX()
	}

	var reports []StageReport
	for _, stage := range r.cfg.Stages {
		if err := ctx.Err(); err != nil {
			return nil, reports, err
		}
		next, report, err := r.runStage(ctx, stage, images, pos)
		if err != nil {
			return nil, reports, err
		}
		r.log.Info("global registration stage complete",
			"binning", stage.Binning, "accepted", report.Accepted, "rejected", report.Rejected)
		reports = append(reports, report)
		pos = next
	}

	out := make([]experiment.GlobalTransform, len(tiles))
	for i, t := range tiles {
		stageZYX := t.StageZYX()
		var delta [3]float64
		for a := range delta {
			delta[a] = pos[i][a] - stageZYX[a]
		}
		out[i] = experiment.GlobalTransform{
			Tile:    t.Index,
			Affine:  experiment.TranslationAffine(delta),
			Origin:  stageZYX,
			Spacing: r.exp.VoxelSizeZYX,
		}
		if err := r.store.PutGlobalTransform(out[i]); err != nil {
			return nil, reports, fmt.Errorf("store global transform tile=%d: %w", t.Index, err)
		}
	}
	return out, reports, nil
}

// referenceImage loads the registered reference-round fiducial, or zeros.
func (r *Registrar) referenceImage(tile int) *volume.Volume {
	shape := r.exp.Shape()
	v, err := r.store.Image(storage.FiducialKey(storage.KindRegisteredFiducial, tile, registration.ReferenceRound))
	if err != nil || v.Shape != shape {
		r.log.Warn("reference fiducial unavailable, tile keeps its prior", "tile", tile, "error", err)
		return volume.New(shape)
	}
	return v
}

func (r *Registrar) runStage(ctx context.Context, stage config.RegistrationStage, images []*volume.Volume, prior [][3]float64) ([][3]float64, StageReport, error) {
	report := StageReport{Binning: stage.Binning}
	voxel := r.exp.VoxelSizeZYX
	var binnedVoxel [3]float64
	for a := range binnedVoxel {
		binnedVoxel[a] = voxel[a] * float64(stage.Binning[a])
	}
	binned := make([]*volume.Volume, len(images))
	for i, img := range images {
		binned[i] = img.Bin(stage.Binning)
	}
	shape := r.exp.Shape()

	bounds := make([]orb.Bound, len(images))
	for i, p := range prior {
		bounds[i] = Footprint(p, shape, voxel)
	}

	for i := range images {
		for j := i + 1; j < len(images); j++ {
			if err := ctx.Err(); err != nil {
				return nil, report, err
			}
			if !bounds[i].Intersects(bounds[j]) {
				continue
			}
			pr := r.alignPair(i, j, binned[i], binned[j], prior[i], prior[j], binnedVoxel, stage)
			if pr.Reason == "no overlap" {
				continue
			}
			report.Pairs = append(report.Pairs, pr)
		}
	}

	solved, err := r.solve(prior, report.Pairs)
	if err != nil {
		return nil, report, err
	}
	for _, p := range report.Pairs {
		if p.Accepted {
			report.Accepted++
		} else {
			report.Rejected++
		}
	}
	return solved, report, nil
}

// alignPair correlates the overlap of tiles i and j at their prior positions.
func (r *Registrar) alignPair(i, j int, a, b *volume.Volume, pa, pb, v [3]float64, stage config.RegistrationStage) PairResult {
	pr := PairResult{A: r.exp.Tiles()[i].Index, B: r.exp.Tiles()[j].Index}
	for ax := range pr.Offset {
		pr.Offset[ax] = pb[ax] - pa[ax]
	}
	if a.IsZero() || b.IsZero() {
		pr.Reason = "empty image"
		return pr
	}
	// World-space overlap in z,y,x.
	var lo, hi [3]float64
	dims := [3]int{a.Shape.Z, a.Shape.Y, a.Shape.X}
	for ax := 0; ax < 3; ax++ {
		lo[ax] = math.Max(pa[ax], pb[ax])
		hi[ax] = math.Min(pa[ax]+float64(dims[ax])*v[ax], pb[ax]+float64(dims[ax])*v[ax])
	}
	var n [3]int
	for ax := 0; ax < 3; ax++ {
		n[ax] = int(math.Floor((hi[ax] - lo[ax]) / v[ax]))
	}
	size := volume.Shape{Z: n[0], Y: n[1], X: n[2]}
	if size.Z < 1 || size.Y < minOverlapVoxels || size.X < minOverlapVoxels {
		pr.Reason = "no overlap"
		return pr
	}
	originA := [3]int{}
	originB := [3]int{}
	for ax := 0; ax < 3; ax++ {
		originA[ax] = int(math.Round((lo[ax] - pa[ax]) / v[ax]))
		originB[ax] = int(math.Round((lo[ax] - pb[ax]) / v[ax]))
	}
	cropA := a.Crop(originA, size)
	cropB := b.Crop(originB, size)

	est, err := registration.PhaseCorrelate(cropA, cropB)
	if err != nil {
		pr.Reason = err.Error()
		return pr
	}
	pr.Quality = est.Quality
	var shiftUM float64
	for ax := 0; ax < 3; ax++ {
		measured := (float64(originA[ax]-originB[ax]) + est.Shift[ax]) * v[ax]
		d := measured - pr.Offset[ax]
		pr.Offset[ax] = measured
		shiftUM += d * d
	}
	shiftUM = math.Sqrt(shiftUM)
	switch {
	case est.Quality < stage.QualityThreshold:
		pr.Reason = "low quality"
	case stage.MaxShiftUM > 0 && shiftUM > stage.MaxShiftUM:
		pr.Reason = "shift too large"
	default:
		pr.Accepted = true
	}
	if !pr.Accepted {
		r.log.Debug("pair rejected", "a", pr.A, "b", pr.B, "quality", est.Quality, "shift_um", shiftUM, "reason", pr.Reason)
	}
	return pr
}

// solve finds positions minimising pairwise offset error plus a weighted
// pull to the prior, dropping the worst pair while its residual exceeds
// the threshold. Tiles without accepted pairs stay at their prior.
func (r *Registrar) solve(prior [][3]float64, pairs []PairResult) ([][3]float64, error) {
	index := map[int]int{}
	for i, t := range r.exp.Tiles() {
		index[t.Index] = i
	}
	lambda := r.cfg.PriorWeight
	if lambda <= 0 {
		lambda = 1e-3
	}
	iters := max(r.cfg.MaxSolveIterations, 1)

	for it := 0; ; it++ {
		pos, err := solveLeastSquares(prior, pairs, index, lambda)
		if err != nil {
			return nil, err
		}
		worst, worstRes := -1, 0.0
		for k, p := range pairs {
			if !p.Accepted {
				continue
			}
			res := residual(pos[index[p.A]], pos[index[p.B]], p.Offset)
			if res > worstRes {
				worst, worstRes = k, res
			}
		}
		if worst < 0 || r.cfg.ResidualThresholdUM <= 0 || worstRes <= r.cfg.ResidualThresholdUM || it+1 >= iters {
			return pos, nil
		}
		r.log.Debug("dropping inconsistent pair", "a", pairs[worst].A, "b", pairs[worst].B, "residual_um", worstRes)
		pairs[worst].Accepted = false
		pairs[worst].Reason = "residual"
	}
}

func solveLeastSquares(prior [][3]float64, pairs []PairResult, index map[int]int, lambda float64) ([][3]float64, error) {
	n := len(prior)
	var accepted []PairResult
	for _, p := range pairs {
		if p.Accepted {
			accepted = append(accepted, p)
		}
	}
	rows := len(accepted) + n
	w := math.Sqrt(lambda)
	out := make([][3]float64, n)
	for ax := 0; ax < 3; ax++ {
		A := mat.NewDense(rows, n, nil)
		B := mat.NewVecDense(rows, nil)
		for k, p := range accepted {
			A.Set(k, index[p.B], 1)
			A.Set(k, index[p.A], -1)
			B.SetVec(k, p.Offset[ax])
		}
		for i := 0; i < n; i++ {
			A.Set(len(accepted)+i, i, w)
			B.SetVec(len(accepted)+i, w*prior[i][ax])
		}
		var qr mat.QR
		qr.Factorize(A)
		var x mat.VecDense
		if err := qr.SolveVecTo(&x, false, B); err != nil {
			return nil, fmt.Errorf("global solve axis %d: %w", ax, err)
		}
		for i := 0; i < n; i++ {
			out[i][ax] = x.AtVec(i)
		}
	}
	return out, nil
}

func residual(a, b, offset [3]float64) float64 {
	var s float64
	for ax := 0; ax < 3; ax++ {
		d := b[ax] - a[ax] - offset[ax]
		s += d * d
	}
	return math.Sqrt(s)
}

// Footprint is the lateral extent of a tile at pos (z,y,x microns). Bound
// X and Y hold the stage x and y axes.
func Footprint(pos [3]float64, shape volume.Shape, voxel [3]float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{pos[2], pos[1]},
		Max: orb.Point{pos[2] + float64(shape.X)*voxel[2], pos[1] + float64(shape.Y)*voxel[1]},
	}
}
