package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"merfish3d/internal/config"
	"merfish3d/internal/experiment"
	"merfish3d/internal/logging"
	"merfish3d/internal/storage"
	"merfish3d/internal/volume"
)

// ReferenceRound is the round every other round is aligned to.
const ReferenceRound = 0

// Store is the datastore surface local registration needs.
type Store interface {
	Image(key storage.ImageKey) (*volume.Volume, error)
	PutImage(key storage.ImageKey, v *volume.Volume) (int, error)
	PSF(channel string) (*volume.Volume, error)
	LocalTransform(tile, round int) (experiment.LocalTransform, error)
	PutLocalTransform(t experiment.LocalTransform) error
	LockTile(tile int) func()
}

// Engine registers the rounds of each tile to the reference round.
type Engine struct {
	store Store
	exp   *experiment.Experiment
	cfg   config.LocalRegistration
	bits  int // parallel per-bit workers
	log   *slog.Logger

	psfMu sync.Mutex
	psfs  map[string]*volume.Volume
}

// NewEngine builds an engine. parallelBits bounds per-bit concurrency.
func NewEngine(store Store, exp *experiment.Experiment, cfg config.LocalRegistration, parallelBits int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if parallelBits < 1 {
		parallelBits = 1
	}
	return &Engine{store: store, exp: exp, cfg: cfg, bits: parallelBits, log: logger, psfs: map[string]*volume.Volume{}}
}

// TileReport summarises one tile's registration.
type TileReport struct {
	Tile       int                         `json:"tile"`
	Registered []int                       `json:"registered_rounds"`
	Cached     []int                       `json:"cached_rounds"`
	Transforms []experiment.LocalTransform `json:"transforms"`
}

// RegisterTile aligns every round of tile to the reference round, applies
// the transforms to the deconvolved readout bits and persists the results.
// Rounds with a stored transform are skipped unless overwrite is set.
func (e *Engine) RegisterTile(ctx context.Context, tile int) (TileReport, error) {
	unlock := e.store.LockTile(tile)
	defer unlock()

	report := TileReport{Tile: tile}
	var pending []int
	for round := 0; round < e.exp.NumRounds; round++ {
		if !e.cfg.Overwrite {
			if t, err := e.store.LocalTransform(tile, round); err == nil {
				report.Cached = append(report.Cached, round)
				report.Transforms = append(report.Transforms, t)
				continue
			} else if !errors.Is(err, storage.ErrNotFound) {
				return report, err
			}
		}
		pending = append(pending, round)
	}
	if len(pending) == 0 {
		e.log.Debug("tile already registered", "tile", tile)
		return report, nil
	}

	fidPSF, err := e.psf(e.fiducialName())
	if err != nil {
		return report, err
	}
	refRaw := e.loadOrZero(storage.FiducialKey(storage.KindCorrectedFiducial, tile, ReferenceRound))
	ref, err := Deconvolve(ctx, refRaw, fidPSF, e.cfg.DeconIters, e.cfg.DeconBackground)
	if err != nil {
		return report, err
	}

	for _, round := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		t := experiment.LocalTransform{Tile: tile, Round: round, Quality: 1}
		registeredFid := ref
		if round != ReferenceRound {
			mov := e.loadOrZero(storage.FiducialKey(storage.KindCorrectedFiducial, tile, round))
			movDecon, err := Deconvolve(ctx, mov, fidPSF, e.cfg.DeconIters, e.cfg.DeconBackground)
			if err != nil {
				return report, err
			}
			t, registeredFid, err = e.align(ctx, tile, round, ref, movDecon)
			if err != nil {
				return report, err
			}
		}

		if round == ReferenceRound || e.cfg.SaveAllFiducials {
			n, err := e.store.PutImage(storage.FiducialKey(storage.KindRegisteredFiducial, tile, round), registeredFid)
			if err != nil {
				return report, err
			}
			logging.LogStored(e.log, fmt.Sprintf("registered fiducial tile=%d round=%d", tile, round), n)
		}
		if err := e.registerReadouts(ctx, tile, round, t); err != nil {
			return report, err
		}
		// The transform is written last: its presence marks the round complete.
		if err := e.store.PutLocalTransform(t); err != nil {
			return report, err
		}
		report.Registered = append(report.Registered, round)
		report.Transforms = append(report.Transforms, t)
	}
	return report, nil
}

// align estimates the rigid shift (and optional flow) of one round.
func (e *Engine) align(ctx context.Context, tile, round int, ref, mov *volume.Volume) (experiment.LocalTransform, *volume.Volume, error) {
	t := experiment.LocalTransform{Tile: tile, Round: round}
	if ref.IsZero() || mov.IsZero() {
		e.log.Warn("empty fiducial, keeping identity transform", "tile", tile, "round", round)
		return t, mov, nil
	}
	est, err := PhaseCorrelate(ref, mov)
	if err != nil {
		return t, nil, err
	}
	if est.Quality < e.cfg.MinQuality {
		e.log.Warn("rigid registration below quality threshold, keeping identity",
			"tile", tile, "round", round, "quality", est.Quality, "shift", est.Shift)
		t.Quality = est.Quality
		return t, mov, nil
	}
	t.Shift, t.Quality = est.Shift, est.Quality
	out := mov.Shift(est.Shift)
	if e.cfg.OpticalFlow {
		field, err := EstimateFlow(ctx, ref, out, e.cfg.FlowBlock, e.cfg.MinQuality)
		if err != nil {
			return t, nil, err
		}
		t.Flow = field
		out = ApplyFlow(out, field)
	}
	e.log.Debug("round registered", "tile", tile, "round", round, "shift", t.Shift, "quality", t.Quality)
	return t, out, nil
}

// Apply warps an image by a local transform.
func Apply(v *volume.Volume, t experiment.LocalTransform) *volume.Volume {
	if t.Identity() {
		return v.Clone()
	}
	out := v.Shift(t.Shift)
	if t.Flow != nil {
		out = ApplyFlow(out, t.Flow)
	}
	return out
}

// registerReadouts deconvolves and warps every bit imaged in round, in
// parallel bounded by the engine's bit concurrency.
func (e *Engine) registerReadouts(ctx context.Context, tile, round int, t experiment.LocalTransform) error {
	readouts := e.exp.ReadoutChannels()
	bits := e.exp.RoundBits(round)

	sem := make(chan struct{}, e.bits)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for ch, bit := range bits {
		wg.Add(1)
		go func(ch, bit int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := e.registerBit(ctx, tile, round, bit, readouts[ch].Name, t)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(ch, bit)
	}
	wg.Wait()
	return firstErr
}

func (e *Engine) registerBit(ctx context.Context, tile, round, bit int, channel string, t experiment.LocalTransform) error {
	psf, err := e.psf(channel)
	if err != nil {
		return err
	}
	raw := e.loadOrZero(storage.ReadoutKey(storage.KindCorrectedReadout, tile, round, bit))
	decon, err := Deconvolve(ctx, raw, psf, e.cfg.DeconIters, e.cfg.DeconBackground)
	if err != nil {
		return fmt.Errorf("deconvolve tile=%d bit=%d: %w", tile, bit, err)
	}
	n, err := e.store.PutImage(storage.ReadoutKey(storage.KindRegisteredReadout, tile, round, bit), Apply(decon, t))
	if err != nil {
		return err
	}
	logging.LogStored(e.log, fmt.Sprintf("registered readout tile=%d bit=%d", tile, bit), n)
	return nil
}

// loadOrZero returns the stored image, or a zero volume of the expected
// shape when it is missing or has the wrong shape.
func (e *Engine) loadOrZero(key storage.ImageKey) *volume.Volume {
	shape := e.exp.Shape()
	v, err := e.store.Image(key)
	if err != nil {
		e.log.Warn("image unavailable, substituting zeros", "key", key.String(), "error", err)
		return volume.New(shape)
	}
	if v.Shape != shape {
		e.log.Warn("image shape mismatch, substituting zeros", "key", key.String(), "shape", v.Shape.String(), "expected", shape.String())
		return volume.New(shape)
	}
	return v
}

// psf returns a cached channel PSF. A missing PSF disables deconvolution
// for that channel.
func (e *Engine) psf(channel string) (*volume.Volume, error) {
	e.psfMu.Lock()
	defer e.psfMu.Unlock()
	if p, ok := e.psfs[channel]; ok {
		return p, nil
	}
	p, err := e.store.PSF(channel)
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Warn("no PSF for channel, skipping deconvolution", "channel", channel)
		p, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.psfs[channel] = p
	return p, nil
}

func (e *Engine) fiducialName() string {
	if i := e.exp.FiducialChannel(); i >= 0 {
		return e.exp.Channels[i].Name
	}
	return ""
}
