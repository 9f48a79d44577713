// Package decode turns registered readout stacks into gene calls: per-bit
// normalization, per-pixel codebook matching, spot aggregation, FDR
// filtering and placement in the global frame.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"merfish3d/internal/config"
	"merfish3d/internal/experiment"
	"merfish3d/internal/logging"
	"merfish3d/internal/storage"
	"merfish3d/internal/volume"
)

// NotCalibratedError is returned when a tile is decoded before usable
// normalization vectors exist.
type NotCalibratedError struct {
	Tile int
}

func (e *NotCalibratedError) Error() string {
	return fmt.Sprintf("tile %d: normalization vectors not calibrated", e.Tile)
}

// Store is the datastore surface the decoder needs.
type Store interface {
	Image(key storage.ImageKey) (*volume.Volume, error)
	Normalization(kind string) (*experiment.NormVectors, error)
	PutNormalization(kind string, n experiment.NormVectors) error
	GlobalTransform(tile int) (experiment.GlobalTransform, error)
	ReplaceSpots(stage string, tile int, spots []experiment.DecodedSpot) error
	Spots(stage string, tile int) ([]experiment.DecodedSpot, error)
	SetTileState(tile int, state string) error
	LockTile(tile int) func()
}

// Decoder decodes tiles of one experiment.
type Decoder struct {
	store Store
	exp   *experiment.Experiment
	cfg   config.Decoding
	seed  int64
	log   *slog.Logger

	codes  [][]float64
	bitMap []experiment.BitSource
}

// New builds a decoder. seed drives calibration tile sampling.
func New(store Store, exp *experiment.Experiment, cfg config.Decoding, seed int64, logger *slog.Logger) (*Decoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exp.Codebook == nil {
		return nil, errors.New("experiment has no codebook")
	}
	if exp.Codebook.NumBits() != exp.NumBits() {
		return nil, fmt.Errorf("codebook has %d bits, experiment has %d", exp.Codebook.NumBits(), exp.NumBits())
	}
	if cfg.BlankPrefix == "" {
		cfg.BlankPrefix = experiment.DefaultBlankPrefix
	}
	return &Decoder{
		store:  store,
		exp:    exp,
		cfg:    cfg,
		seed:   seed,
		log:    logger,
		codes:  exp.Codebook.UnitCodes(),
		bitMap: exp.BitMap(),
	}, nil
}

// Config returns the decoding parameters in use.
func (d *Decoder) Config() config.Decoding { return d.cfg }

// stack is one tile's registered readouts, one volume per bit, plus the
// optional spot probability volumes.
type stack struct {
	shape volume.Shape
	bits  []*volume.Volume
	prob  []*volume.Volume
}

// loadStack reads every registered readout bit of tile. Missing or
// mismatched images become zeros.
func (d *Decoder) loadStack(tile int) *stack {
	shape := d.exp.Shape()
	s := &stack{shape: shape, bits: make([]*volume.Volume, len(d.bitMap))}
	for _, src := range d.bitMap {
		s.bits[src.Bit] = d.loadOrZero(storage.ReadoutKey(storage.KindRegisteredReadout, tile, src.Round, src.Bit))
	}
	if d.cfg.UseUFish {
		s.prob = d.loadProbability(tile)
	}
	return s
}

// loadProbability reads the spot probability volumes of tile. A tile with
// none stored is not gated; individual missing bits read as zeros.
func (d *Decoder) loadProbability(tile int) []*volume.Volume {
	shape := d.exp.Shape()
	prob := make([]*volume.Volume, len(d.bitMap))
	found := 0
	for _, src := range d.bitMap {
		v, err := d.store.Image(storage.ReadoutKey(storage.KindSpotProbability, tile, src.Round, src.Bit))
		if err != nil || v.Shape != shape {
			prob[src.Bit] = volume.New(shape)
			continue
		}
		prob[src.Bit] = v
		found++
	}
	if found == 0 {
		d.log.Warn("no spot probability volumes, gate disabled for tile", "tile", tile)
		return nil
	}
	return prob
}

func (d *Decoder) loadOrZero(key storage.ImageKey) *volume.Volume {
	shape := d.exp.Shape()
	v, err := d.store.Image(key)
	if err != nil || v.Shape != shape {
		d.log.Warn("image unavailable, substituting zeros", "key", key.String(), "error", err)
		return volume.New(shape)
	}
	return v
}

// norm returns the frozen iterative vectors or a NotCalibratedError.
func (d *Decoder) norm(tile int) (*experiment.NormVectors, error) {
	n, err := d.store.Normalization(storage.NormIterative)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if !n.Valid(len(d.bitMap)) {
		return nil, &NotCalibratedError{Tile: tile}
	}
	return n, nil
}

// DecodeTile decodes one tile with the calibrated vectors and stores the
// unfiltered spots. Spot coordinates are placed through the tile's global
// transform, or its stage position when global registration has not run.
func (d *Decoder) DecodeTile(ctx context.Context, tile int) ([]experiment.DecodedSpot, error) {
	norm, err := d.norm(tile)
	if err != nil {
		return nil, err
	}
	unlock := d.store.LockTile(tile)
	defer unlock()

	s := d.loadStack(tile)
	if err := d.store.SetTileState(tile, storage.TileNormalized); err != nil {
		return nil, err
	}
	px, err := d.matchPixels(ctx, s, norm)
	if err != nil {
		return nil, err
	}
	comps := components(px, s.shape, d.cfg.MinimumPixels)

	gt, err := d.placement(tile)
	if err != nil {
		return nil, err
	}
	spots := make([]experiment.DecodedSpot, 0, len(comps))
	for i, c := range comps {
		sp := d.spotFrom(tile, c, s, norm)
		sp.ID = int64(i)
		sp.GlobalZYX = gt.Apply(sp.LocalZYX)
		spots = append(spots, sp)
	}
	if err := d.store.ReplaceSpots(storage.SpotsRaw, tile, spots); err != nil {
		return nil, err
	}
	if err := d.store.SetTileState(tile, storage.TileDecoded); err != nil {
		return nil, err
	}
	d.log.Info("tile decoded", "tile", tile, "spots", len(spots))
	return spots, nil
}

func (d *Decoder) placement(tile int) (experiment.GlobalTransform, error) {
	gt, err := d.store.GlobalTransform(tile)
	if err == nil {
		return gt, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return gt, err
	}
	if tile < 0 || tile >= d.exp.NumTiles() {
		return gt, fmt.Errorf("tile %d out of range", tile)
	}
	d.log.Warn("no global transform, placing spots at stage position", "tile", tile)
	return experiment.GlobalTransform{
		Tile:    tile,
		Affine:  experiment.IdentityAffine(),
		Origin:  d.exp.Tiles()[tile].StageZYX(),
		Spacing: d.exp.VoxelSizeZYX,
	}, nil
}

// spotFrom summarises a component. The round is the round of the bit with
// the highest mean normalized intensity among the codeword's on bits.
func (d *Decoder) spotFrom(tile int, c component, s *stack, norm *experiment.NormVectors) experiment.DecodedSpot {
	cb := d.exp.Codebook
	sp := experiment.DecodedSpot{
		Tile:          tile,
		GeneIndex:     c.gene,
		GeneID:        cb.Genes[c.gene],
		Blank:         cb.IsBlank(c.gene, d.cfg.BlankPrefix),
		Area:          len(c.voxels),
		MinDistance:   c.minDist,
		MeanDistance:  c.sumDist / float64(len(c.voxels)),
		MeanMagnitude: c.sumMag / float64(len(c.voxels)),
	}
	for _, i := range c.voxels {
		z, y, x := s.bits[0].Coords(i)
		sp.LocalZYX[0] += float64(z)
		sp.LocalZYX[1] += float64(y)
		sp.LocalZYX[2] += float64(x)
	}
	for a := range sp.LocalZYX {
		sp.LocalZYX[a] /= float64(len(c.voxels))
	}
	best, bestVal := -1, -1.0
	for b, on := range cb.Codes[c.gene] {
		if on == 0 {
			continue
		}
		var sum float64
		for _, i := range c.voxels {
			sum += normalize(s.bits[b].Data[i], norm.Background[b], norm.Foreground[b])
		}
		if sum > bestVal {
			best, bestVal = b, sum
		}
	}
	if best >= 0 {
		sp.Round = d.bitMap[best].Round
	}
	sp.Score = heuristicScore(sp)
	return sp
}

// TileFailure is a tile that could not be decoded.
type TileFailure struct {
	Tile int
	Err  error
}

// DecodeTiles decodes tiles with bounded parallelism. A missing
// calibration aborts the whole call; any other per-tile error is logged and
// reported while the remaining tiles continue.
func (d *Decoder) DecodeTiles(ctx context.Context, tiles []int, parallel int) ([]experiment.DecodedSpot, []TileFailure, error) {
	if _, err := d.norm(-1); err != nil {
		var nc *NotCalibratedError
		if errors.As(err, &nc) && len(tiles) > 0 {
			nc.Tile = tiles[0]
		}
		return nil, nil, err
	}
	parallel = max(parallel, 1)
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []experiment.DecodedSpot
	var failures []TileFailure
	for _, tile := range tiles {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tile int) {
			defer wg.Done()
			defer func() { <-sem }()
			spots, err := d.DecodeTile(ctx, tile)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.LogTileFailure(d.log, "decode", tile, err)
				failures = append(failures, TileFailure{Tile: tile, Err: err})
				return
			}
			all = append(all, spots...)
		}(tile)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, failures, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Tile < all[j].Tile })
	return all, failures, nil
}

// FilterReport summarises the global FDR pass.
type FilterReport struct {
	Threshold float64 `json:"threshold"`
	Raw       int     `json:"raw"`
	Kept      int     `json:"kept"`
	Decoys    int     `json:"decoys_above_threshold"`
	Estimated float64 `json:"estimated_fdr"`
	Model     string  `json:"model"`
}

// FilterTiles applies the FDR threshold across the raw spots of all given
// tiles at once, stores the retained target spots per tile and advances
// each tile to PERSISTED.
func (d *Decoder) FilterTiles(ctx context.Context, tiles []int) ([]experiment.DecodedSpot, FilterReport, error) {
	var raw []experiment.DecodedSpot
	for _, tile := range tiles {
		spots, err := d.store.Spots(storage.SpotsRaw, tile)
		if err != nil {
			return nil, FilterReport{}, err
		}
		raw = append(raw, spots...)
	}
	kept, report := d.FilterSpots(raw)
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}
	byTile := map[int][]experiment.DecodedSpot{}
	for _, sp := range kept {
		byTile[sp.Tile] = append(byTile[sp.Tile], sp)
	}
	for _, tile := range tiles {
		if err := d.store.SetTileState(tile, storage.TileFiltered); err != nil {
			return nil, report, err
		}
		unlock := d.store.LockTile(tile)
		err := d.store.ReplaceSpots(storage.SpotsFiltered, tile, byTile[tile])
		unlock()
		if err != nil {
			return nil, report, err
		}
		if err := d.store.SetTileState(tile, storage.TilePersisted); err != nil {
			return nil, report, err
		}
	}
	d.log.Info("FDR filter applied", "raw", report.Raw, "kept", report.Kept, "threshold", report.Threshold, "estimated_fdr", report.Estimated)
	return kept, report, nil
}

// FilterSpots scores spots and keeps the target calls above the FDR
// threshold. Decoy calls never appear in the output.
func (d *Decoder) FilterSpots(spots []experiment.DecodedSpot) ([]experiment.DecodedSpot, FilterReport) {
	nDecoy, nTarget := d.exp.Codebook.CountBlank(d.cfg.BlankPrefix)
	report := FilterReport{Raw: len(spots)}
	if nDecoy == 0 {
		d.log.Warn("codebook has no blank barcodes, FDR filter disabled", "prefix", d.cfg.BlankPrefix)
		report.Model = "none"
		out := make([]experiment.DecodedSpot, 0, len(spots))
		for _, sp := range spots {
			if !sp.Blank {
				out = append(out, sp)
			}
		}
		report.Kept = len(out)
		return out, report
	}
	scored, model := score(spots)
	report.Model = model
	th, est, decoys := fdrThreshold(scored, nDecoy, nTarget, d.cfg.FDRTarget)
	report.Threshold, report.Estimated, report.Decoys = th, est, decoys
	var out []experiment.DecodedSpot
	for _, sp := range scored {
		if !sp.Blank && sp.Score >= th {
			out = append(out, sp)
		}
	}
	report.Kept = len(out)
	return out, report
}
