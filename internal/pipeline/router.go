package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"merfish3d/internal/config"
	"merfish3d/internal/decode"
	"merfish3d/internal/evaluate"
	"merfish3d/internal/experiment"
	"merfish3d/internal/export"
	"merfish3d/internal/logging"
	"merfish3d/internal/registration"
	"merfish3d/internal/simulate"
	"merfish3d/internal/stitch"
	"merfish3d/internal/storage"
)

// BarrierError reports a stage started before the stage it depends on.
type BarrierError struct {
	Stage string
	Flag  string
}

func (e *BarrierError) Error() string {
	return fmt.Sprintf("%s requires %s to be complete", e.Stage, e.Flag)
}

// router implements Processor and routes jobs to their stage handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   *config.Config
	// openReference opens a read-only datastore to seed calibration.
	openReference func(path string) (*storage.Store, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) *router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{log: logger, store: store, cfg: cfg, openReference: storage.OpenReadOnly}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if r.store == nil {
		return Result{Job: job, Error: errors.New("no datastore configured")}
	}
	switch job.Type {
	case JobSimulate:
		return r.handleSimulate(ctx, job)
	case JobLocalRegister:
		return r.handleLocalRegister(ctx, job)
	case JobGlobalRegister:
		return r.handleGlobalRegister(ctx, job)
	case JobFuse:
		return r.handleFuse(ctx, job)
	case JobCalibrate:
		return r.handleCalibrate(ctx, job)
	case JobDecode:
		return r.handleDecode(ctx, job)
	case JobEvaluate:
		return r.handleEvaluate(ctx, job)
	case JobSweep:
		return r.handleSweep(ctx, job)
	case JobExport:
		return r.handleExport(ctx, job)
	case JobRun:
		return r.handleRun(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// experiment loads the experiment definition, importing it from the
// configured file on first use.
func (r *router) experiment() (*experiment.Experiment, error) {
	exp, err := r.store.Experiment()
	if err == nil {
		return exp, nil
	}
	if !errors.Is(err, storage.ErrNotFound) || r.cfg.Paths.ExperimentFile == "" {
		return nil, err
	}
	exp, err = experiment.Load(r.cfg.Paths.ExperimentFile)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveExperiment(exp); err != nil {
		return nil, err
	}
	r.log.Info("experiment imported", "file", r.cfg.Paths.ExperimentFile, "tiles", exp.NumTiles(), "rounds", exp.NumRounds)
	return exp, nil
}

// require fails with a BarrierError unless flag is set.
func (r *router) require(stage, flag string) error {
	done, err := r.store.Flag(flag)
	if err != nil {
		return err
	}
	if !done {
		return &BarrierError{Stage: stage, Flag: flag}
	}
	return nil
}

// forEachTile runs fn over tiles with ParallelTiles workers. A failing tile
// is logged and marked incomplete; the rest continue. Only cancellation is
// returned as an error.
func (r *router) forEachTile(ctx context.Context, stage string, tiles []int, fn func(ctx context.Context, tile int) error) ([]int, error) {
	sem := make(chan struct{}, max(r.cfg.Processing.ParallelTiles, 1))
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []int
	)
	for _, tile := range tiles {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tile int) {
			defer wg.Done()
			defer func() { <-sem }()
			err := runTile(ctx, tile, fn)
			if err == nil {
				return
			}
			r.markFailed(stage, tile, err)
			mu.Lock()
			failed = append(failed, tile)
			mu.Unlock()
		}(tile)
	}
	wg.Wait()
	return failed, ctx.Err()
}

func runTile(ctx context.Context, tile int, fn func(ctx context.Context, tile int) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError(rec)
		}
	}()
	return fn(ctx, tile)
}

func (r *router) markFailed(stage string, tile int, err error) {
	logging.LogTileFailure(r.log, stage, tile, err)
	if mErr := r.store.MarkTileIncomplete(tile, fmt.Sprintf("%s: %v", stage, err)); mErr != nil {
		r.log.Warn("could not mark tile incomplete", "tile", tile, "error", mErr)
	}
}

func panicError(v any) error { return fmt.Errorf("panic: %v", v) }

// tilesFor returns the tiles named in the job, or every tile.
func tilesFor(job Job, exp *experiment.Experiment) []int {
	if ts := intsOption(job.Options, "tiles"); len(ts) > 0 {
		return ts
	}
	all := make([]int, exp.NumTiles())
	for i := range all {
		all[i] = i
	}
	return all
}

func without(tiles, drop []int) []int {
	skip := make(map[int]bool, len(drop))
	for _, t := range drop {
		skip[t] = true
	}
	var out []int
	for _, t := range tiles {
		if !skip[t] {
			out = append(out, t)
		}
	}
	return out
}

func (r *router) handleSimulate(ctx context.Context, job Job) Result {
	opts := simulate.DefaultOptions()
	opts.Tiles = intOption(job.Options, "num_tiles", opts.Tiles)
	opts.Rounds = intOption(job.Options, "rounds", opts.Rounds)
	opts.Molecules = intOption(job.Options, "molecules", opts.Molecules)
	opts.Seed = int64(intOption(job.Options, "seed", int(r.cfg.Processing.Seed)))
	ds, err := simulate.Generate(opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	n, err := ds.Write(r.store)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"tiles":     ds.Experiment.NumTiles(),
		"rounds":    ds.Experiment.NumRounds,
		"bits":      ds.Experiment.NumBits(),
		"molecules": len(ds.Truth),
		"stored":    humanize.Bytes(uint64(n)),
	}
	if job.Output != "" {
		if err := writeTruth(job.Output, ds); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["ground_truth"] = job.Output
	}
	return Result{Job: job, Meta: meta}
}

func writeTruth(path string, ds *simulate.Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := evaluate.WriteGroundTruth(f, ds.Truth, ds.Experiment.VoxelSizeZYX, ds.Experiment.Codebook); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *router) handleLocalRegister(ctx context.Context, job Job) Result {
	start := time.Now()
	if err := r.require(string(job.Type), storage.FlagCorrected); err != nil {
		return Result{Job: job, Error: err}
	}
	exp, err := r.experiment()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	cfg := r.cfg.LocalRegistration
	if boolOption(job.Options, "overwrite") {
		cfg.Overwrite = true
	}
	engine := registration.NewEngine(r.store, exp, cfg, r.cfg.Processing.ParallelBits, r.log)
	tiles := tilesFor(job, exp)

	var mu sync.Mutex
	var registered, cached int
	failed, err := r.forEachTile(ctx, string(job.Type), tiles, func(ctx context.Context, tile int) error {
		rep, err := engine.RegisterTile(ctx, tile)
		if err != nil {
			return err
		}
		mu.Lock()
		registered += len(rep.Registered)
		cached += len(rep.Cached)
		mu.Unlock()
		return nil
	})
	meta := map[string]any{
		"tiles":             len(tiles),
		"rounds_registered": registered,
		"rounds_cached":     cached,
		"failed_tiles":      failed,
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	if len(failed) == len(tiles) {
		return Result{Job: job, Error: errors.New("no tile could be registered"), Meta: meta}
	}
	if err := r.store.SetFlag(storage.FlagLocalRegistered, true); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	logging.LogStage(r.log, "local registration", "complete", start, meta)
	return Result{Job: job, Meta: meta}
}

func (r *router) handleGlobalRegister(ctx context.Context, job Job) Result {
	start := time.Now()
	if err := r.require(string(job.Type), storage.FlagLocalRegistered); err != nil {
		return Result{Job: job, Error: err}
	}
	exp, err := r.experiment()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	transforms, reports, err := stitch.NewRegistrar(r.store, exp, r.cfg.GlobalRegistration, r.log).Register(ctx)
	meta := map[string]any{"tiles": len(transforms), "stages": reports}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	if err := r.store.SetFlag(storage.FlagGlobalRegistered, true); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	logging.LogStage(r.log, "global registration", "complete", start, map[string]any{"tiles": len(transforms)})
	return Result{Job: job, Meta: meta}
}

func (r *router) globalTransforms(exp *experiment.Experiment) ([]experiment.GlobalTransform, error) {
	out := make([]experiment.GlobalTransform, 0, exp.NumTiles())
	for tile := 0; tile < exp.NumTiles(); tile++ {
		gt, err := r.store.GlobalTransform(tile)
		if errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("tile has no global transform", "tile", tile)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, gt)
	}
	return out, nil
}

func (r *router) handleFuse(ctx context.Context, job Job) Result {
	start := time.Now()
	if err := r.require(string(job.Type), storage.FlagGlobalRegistered); err != nil {
		return Result{Job: job, Error: err}
	}
	exp, err := r.experiment()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	transforms, err := r.globalTransforms(exp)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	fused, fm, err := stitch.NewFuser(r.store, exp, r.cfg.Fusion, r.cfg.Processing.ParallelTiles, r.log).Fuse(ctx, transforms)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"shape":   fused.Shape.String(),
		"origin":  fm.Origin,
		"spacing": fm.Spacing,
	}
	if err := r.store.SetFlag(storage.FlagFused, true); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	logging.LogStage(r.log, "fusion", "complete", start, meta)
	return Result{Job: job, Meta: meta}
}

// decoder builds a decoder over the stored experiment with dec settings.
func (r *router) decoder(dec config.Decoding) (*decode.Decoder, *experiment.Experiment, error) {
	exp, err := r.experiment()
	if err != nil {
		return nil, nil, err
	}
	d, err := decode.New(r.store, exp, dec, r.cfg.Processing.Seed, r.log)
	return d, exp, err
}

func (r *router) decodingConfig(job Job) config.Decoding {
	dec := r.cfg.Decoding
	dec.MagnitudeMin = floatOption(job.Options, "magnitude_min", dec.MagnitudeMin)
	dec.UFishThreshold = floatOption(job.Options, "ufish_threshold", dec.UFishThreshold)
	dec.MinimumPixels = intOption(job.Options, "minimum_pixels", dec.MinimumPixels)
	dec.FDRTarget = floatOption(job.Options, "fdr_target", dec.FDRTarget)
	return dec
}

func (r *router) handleCalibrate(ctx context.Context, job Job) Result {
	start := time.Now()
	if err := r.require(string(job.Type), storage.FlagLocalRegistered); err != nil {
		return Result{Job: job, Error: err}
	}
	d, _, err := r.decoder(r.decodingConfig(job))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	ref := stringOption(job.Options, "reference", r.cfg.Paths.ReferenceDatastore)
	var meta map[string]any
	if ref != "" {
		src, err := r.openReference(ref)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		err = d.ImportNormalization(src)
		src.Close()
		if err != nil {
			return Result{Job: job, Error: err}
		}
		meta = map[string]any{"reference": ref}
	} else {
		report, err := d.Calibrate(ctx)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		meta = map[string]any{
			"tiles":      report.Tiles,
			"iterations": report.Iterations,
			"converged":  report.Converged,
			"pixels":     report.Pixels,
		}
	}
	if err := r.store.SetFlag(storage.FlagCalibrated, true); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	logging.LogStage(r.log, "calibration", "complete", start, meta)
	return Result{Job: job, Meta: meta}
}

// decodeAll decodes and FDR-filters tiles with d, marking failures.
func (r *router) decodeAll(ctx context.Context, d *decode.Decoder, tiles []int) ([]experiment.DecodedSpot, decode.FilterReport, []int, error) {
	_, failures, err := d.DecodeTiles(ctx, tiles, r.cfg.Processing.ParallelTiles)
	if err != nil {
		return nil, decode.FilterReport{}, nil, err
	}
	failed := make([]int, 0, len(failures))
	for _, f := range failures {
		if mErr := r.store.MarkTileIncomplete(f.Tile, "decode: "+f.Err.Error()); mErr != nil {
			r.log.Warn("could not mark tile incomplete", "tile", f.Tile, "error", mErr)
		}
		// Calls from an earlier run were made with other thresholds.
		for _, stage := range []string{storage.SpotsRaw, storage.SpotsFiltered} {
			if err := r.store.ReplaceSpots(stage, f.Tile, nil); err != nil {
				return nil, decode.FilterReport{}, nil, fmt.Errorf("clear spots of tile %d: %w", f.Tile, err)
			}
		}
		failed = append(failed, f.Tile)
	}
	ok := without(tiles, failed)
	if len(ok) == 0 {
		return nil, decode.FilterReport{}, failed, errors.New("no tile could be decoded")
	}
	kept, report, err := d.FilterTiles(ctx, ok)
	return kept, report, failed, err
}

func (r *router) handleDecode(ctx context.Context, job Job) Result {
	start := time.Now()
	if err := r.require(string(job.Type), storage.FlagCalibrated); err != nil {
		return Result{Job: job, Error: err}
	}
	d, exp, err := r.decoder(r.decodingConfig(job))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	tiles := tilesFor(job, exp)
	if err := r.store.SetFlag(storage.FlagDecoded, false); err != nil {
		return Result{Job: job, Error: err}
	}
	kept, report, failed, err := r.decodeAll(ctx, d, tiles)
	meta := map[string]any{
		"tiles":        len(tiles),
		"failed_tiles": failed,
		"spots":        len(kept),
		"filter":       report,
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	for _, f := range []string{storage.FlagDecoded, storage.FlagFiltered} {
		if err := r.store.SetFlag(f, true); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
	}
	logging.LogStage(r.log, "decoding", "complete", start, meta)
	return Result{Job: job, Meta: meta}
}

// filteredSpots gathers the persisted spots of every tile.
func (r *router) filteredSpots(exp *experiment.Experiment) ([]experiment.DecodedSpot, error) {
	var all []experiment.DecodedSpot
	for tile := 0; tile < exp.NumTiles(); tile++ {
		spots, err := r.store.Spots(storage.SpotsFiltered, tile)
		if err != nil {
			return nil, err
		}
		all = append(all, spots...)
	}
	return all, nil
}

func (r *router) radius(job Job) float64 {
	return floatOption(job.Options, "radius", r.cfg.Evaluation.SearchRadiusUM)
}

func (r *router) handleEvaluate(ctx context.Context, job Job) Result {
	if err := r.require(string(job.Type), storage.FlagFiltered); err != nil {
		return Result{Job: job, Error: err}
	}
	exp, err := r.experiment()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	truth, err := evaluate.LoadGroundTruth(job.InputPath, exp.VoxelSizeZYX, exp.Codebook)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	spots, err := r.filteredSpots(exp)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	res := evaluate.F1(evaluate.FromSpots(spots), truth, r.radius(job))
	meta := map[string]any{
		"f1":              res.F1,
		"precision":       res.Precision,
		"recall":          res.Recall,
		"true_positives":  res.TruePositives,
		"false_positives": res.FalsePositives,
		"false_negatives": res.FalseNegatives,
		"ground_truth":    job.InputPath,
	}
	return Result{Job: job, Meta: meta}
}

// sweepRun returns a RunFunc that recalibrates and decodes every tile with
// the configuration's thresholds.
func (r *router) sweepRun(tiles []int) evaluate.RunFunc {
	return func(ctx context.Context, p evaluate.Params) ([]evaluate.Point, error) {
		dec := r.cfg.Decoding
		dec.FDRTarget = p.FDR
		dec.MinimumPixels = p.MinPixels
		dec.MagnitudeMin = p.Magnitude
		dec.UFishThreshold = p.UFish
		d, _, err := r.decoder(dec)
		if err != nil {
			return nil, err
		}
		if _, err := d.Calibrate(ctx); err != nil {
			return nil, err
		}
		kept, _, _, err := r.decodeAll(ctx, d, tiles)
		if err != nil {
			return nil, err
		}
		return evaluate.FromSpots(kept), nil
	}
}

func (r *router) handleSweep(ctx context.Context, job Job) Result {
	start := time.Now()
	if err := r.require(string(job.Type), storage.FlagLocalRegistered); err != nil {
		return Result{Job: job, Error: err}
	}
	exp, err := r.experiment()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	truth, err := evaluate.LoadGroundTruth(job.InputPath, exp.VoxelSizeZYX, exp.Codebook)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out := job.Output
	if out == "" {
		out = filepath.Join(r.cfg.Paths.OutputDir, "sweep_results.json")
	}
	dec := r.cfg.Decoding
	grid := evaluate.Grid(r.cfg.Evaluation, evaluate.Params{FDR: dec.FDRTarget, MinPixels: dec.MinimumPixels, Magnitude: dec.MagnitudeMin, UFish: dec.UFishThreshold})
	run := r.sweepRun(tilesFor(job, exp))
	sw := &evaluate.Sweeper{
		Run:        run,
		Truth:      truth,
		Radius:     r.radius(job),
		OutputPath: out,
		Store:      r.store,
		Log:        r.log,
	}
	entries, err := sw.Sweep(ctx, grid)
	meta := map[string]any{"configurations": len(entries), "output": out}
	best, found := evaluate.Best(entries)
	if found {
		meta["best"] = best.Params.Key()
		meta["best_f1"] = best.Result.F1
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	// Each configuration overwrote the vectors and filtered spots; leave
	// the datastore at the winner.
	if found {
		if _, err := run(ctx, best.Params); err != nil {
			return Result{Job: job, Error: fmt.Errorf("restore best configuration: %w", err), Meta: meta}
		}
		meta["stored"] = best.Params.Key()
	}
	logging.LogStage(r.log, "sweep", "complete", start, meta)
	return Result{Job: job, Meta: meta}
}

func (r *router) handleExport(ctx context.Context, job Job) Result {
	exp, err := r.experiment()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dir := job.Output
	if dir == "" {
		dir = r.cfg.Paths.OutputDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{}
	if done, _ := r.store.Flag(storage.FlagFused); done {
		fused, err := r.store.Image(stitch.FusedKey)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		fm, err := r.store.FusedMeta()
		if err != nil {
			return Result{Job: job, Error: err}
		}
		w, err := export.NewMIPWriter(stringOption(job.Options, "backend", r.cfg.Export.Backend))
		if err != nil {
			return Result{Job: job, Error: err}
		}
		path := filepath.Join(dir, "fused_fiducial_mip.tif")
		if err := w.WriteMIP(path, fused, fm.Spacing); err != nil {
			return Result{Job: job, Error: err}
		}
		meta["mip"] = path
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	if done, _ := r.store.Flag(storage.FlagFiltered); done {
		spots, err := r.filteredSpots(exp)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		path := filepath.Join(dir, "decoded_spots.csv")
		if err := export.WriteSpotsFile(path, spots); err != nil {
			return Result{Job: job, Error: err}
		}
		meta["spots"] = path
		meta["spot_count"] = len(spots)
	}
	if len(meta) == 0 {
		return Result{Job: job, Error: errors.New("nothing to export: no fused volume or filtered spots")}
	}
	return Result{Job: job, Meta: meta}
}

// runStages are the stages a full run executes, in order.
var runStages = []JobType{JobLocalRegister, JobGlobalRegister, JobFuse, JobCalibrate, JobDecode, JobExport}

// handleRun executes every stage after correction, stopping at the first
// failure. The stage results are nested in the meta by job type.
func (r *router) handleRun(ctx context.Context, job Job) Result {
	meta := map[string]any{}
	for _, t := range runStages {
		stage := Job{ID: job.ID, Type: t, Options: job.Options}
		if t == JobExport {
			stage.Output = job.Output
		}
		res := r.Process(ctx, stage)
		meta[string(t)] = res.Meta
		if res.Error != nil {
			return Result{Job: job, Error: fmt.Errorf("%s: %w", t, res.Error), Meta: meta}
		}
	}
	return Result{Job: job, Meta: meta}
}

// Option helpers accept both native values and the float64/[]any shapes
// produced by decoding JSON.
func boolOption(options map[string]any, key string) bool {
	v, _ := options[key].(bool)
	return v
}

func intOption(options map[string]any, key string, def int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func floatOption(options map[string]any, key string, def float64) float64 {
	switch v := options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func stringOption(options map[string]any, key, def string) string {
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intsOption(options map[string]any, key string) []int {
	switch v := options[key].(type) {
	case []int:
		return v
	case []any:
		out := make([]int, 0, len(v))
		for _, x := range v {
			if f, ok := x.(float64); ok {
				out = append(out, int(f))
			}
		}
		return out
	}
	return nil
}
