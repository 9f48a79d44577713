package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"merfish3d/internal/config"
)

// Params is one decoder threshold configuration.
type Params struct {
	FDR       float64 `json:"fdr"`
	MinPixels int     `json:"min_pixels"`
	Magnitude float64 `json:"mag_thresh"`
	UFish     float64 `json:"spotmap_threshold"`
}

// Key is the stable string a configuration is recorded under.
func (p Params) Key() string {
	return fmt.Sprintf("fdr=%.2f min_pixels=%d mag_thresh=%.2f spotmap_threshold=%.2f", p.FDR, p.MinPixels, p.Magnitude, p.UFish)
}

// RunFunc decodes with p and returns the filtered calls.
type RunFunc func(ctx context.Context, p Params) ([]Point, error)

// ResultStore records sweep outcomes.
type ResultStore interface {
	PutSweepResult(params string, result any) error
}

// Entry is the outcome of one configuration. Exactly one of Result and
// Error is set.
type Entry struct {
	Params Params  `json:"params"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Grid expands the configured ranges, upper bounds exclusive, with the
// spot probability threshold as the outer loop. base supplies the fixed
// FDR target and minimum pixels.
func Grid(cfg config.Evaluation, base Params) []Params {
	var out []Params
	for _, u := range steps(cfg.UFishRange, cfg.UFishStep) {
		for _, m := range steps(cfg.MagnitudeRange, cfg.MagnitudeStep) {
			p := base
			p.Magnitude, p.UFish = m, u
			out = append(out, p)
		}
	}
	return out
}

func steps(r [2]float64, step float64) []float64 {
	if step <= 0 {
		return []float64{round2(r[0])}
	}
	n := int(math.Ceil((r[1]-r[0])/step - 1e-9))
	out := make([]float64, 0, max(n, 0))
	for i := 0; i < n; i++ {
		out = append(out, round2(r[0]+float64(i)*step))
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Sweeper runs a threshold grid against fixed ground truth.
type Sweeper struct {
	Run    RunFunc
	Truth  []Point
	Radius float64
	// OutputPath, when set, is rewritten with all results after every
	// configuration.
	OutputPath string
	Store      ResultStore
	Log        *slog.Logger
}

// Sweep evaluates every configuration. A failing configuration is recorded
// with its error and the sweep moves on; only cancellation stops it early.
func (s *Sweeper) Sweep(ctx context.Context, grid []Params) ([]Entry, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	file := map[string]any{}
	var entries []Entry
	for _, p := range grid {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		e := s.runOne(ctx, p)
		entries = append(entries, e)
		var record any = e.Result
		if e.Error != "" {
			record = map[string]string{"error": e.Error}
			log.Warn("sweep configuration failed", "params", p.Key(), "error", e.Error)
		} else {
			log.Info("sweep configuration scored", "params", p.Key(), "f1", e.Result.F1)
		}
		file[p.Key()] = record
		if s.Store != nil {
			if err := s.Store.PutSweepResult(p.Key(), record); err != nil {
				return entries, err
			}
		}
		if s.OutputPath != "" {
			if err := writeJSON(s.OutputPath, file); err != nil {
				return entries, err
			}
		}
	}
	return entries, nil
}

func (s *Sweeper) runOne(ctx context.Context, p Params) (e Entry) {
	e.Params = p
	defer func() {
		if r := recover(); r != nil {
			e.Result = nil
			e.Error = fmt.Sprintf("panic: %v", r)
		}
	}()
	calls, err := s.Run(ctx, p)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	res := F1(calls, s.Truth, s.Radius)
	e.Result = &res
	return e
}

// Best returns the successful entry with the highest F1.
func Best(entries []Entry) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range entries {
		if e.Result == nil {
			continue
		}
		if !found || e.Result.F1 > best.Result.F1 {
			best, found = e, true
		}
	}
	return best, found
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
