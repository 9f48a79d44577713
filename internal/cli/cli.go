package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"merfish3d/internal/agent"
	"merfish3d/internal/config"
	"merfish3d/internal/grpcserver"
	"merfish3d/internal/pipeline"
	"merfish3d/internal/server"
	"merfish3d/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// remoteClient is the subset of agent.Agent the remote commands use.
type remoteClient interface {
	Flags(ctx context.Context) (map[string]bool, error)
	Tiles(ctx context.Context) ([]storage.TileStatus, error)
	Jobs(ctx context.Context, limit int) ([]storage.JobRecord, error)
	Submit(ctx context.Context, job pipeline.Job) (string, error)
	WatchJobs(ctx context.Context, fn func(grpcserver.JobEvent) error) error
	Close() error
}

type remoteFactory func(addr string) (remoteClient, error)

type serverFunc func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP and gRPC surfaces until ctx ends or either
// one fails.
func defaultServe(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	n := 1
	go func() {
		errCh <- server.Serve(ctx, cfg.Server.HTTPAddr, store, pipe, cfg.Server.WatchDir, log)
	}()
	if cfg.Server.GRPCAddr != "" {
		n++
		go func() {
			errCh <- grpcserver.New(store, pipe, log).Start(ctx, cfg.Server.GRPCAddr)
		}()
	}
	var first error
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

func defaultRemote(addr string) (remoteClient, error) {
	a, err := agent.New(&agent.Config{ServerAddress: addr, SkipTLSVerify: true})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	serveFn  serverFunc
	remoteFn remoteFactory
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
		serveFn:  defaultServe,
		remoteFn: defaultRemote,
	}
	// A nil *Pipeline must stay a nil interface.
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

// runJob queues job, waits for its result and prints the result metadata.
func (r *Root) runJob(ctx context.Context, job pipeline.Job) error {
	if r.pipeline == nil {
		return errors.New("no pipeline available")
	}
	if job.ID == "" {
		job.ID = pipeline.NewJobID(job.Type)
	}
	if job.Options == nil {
		job.Options = map[string]any{}
	}
	job.Options["source"] = "cli"

	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if _, err := r.pipeline.Submit(job); err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID != job.ID {
				continue
			}
			r.printMeta(string(job.Type), res.Meta)
			return res.Error
		}
	}
}

func (r *Root) printMeta(stage string, meta map[string]any) {
	if len(meta) == 0 {
		return
	}
	fmt.Fprintf(r.out, "%s:\n", stage)
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := meta[k]
		if nested, ok := v.(map[string]any); ok {
			r.printMeta("  "+k, nested)
			continue
		}
		fmt.Fprintf(r.out, "  %s: %v\n", k, v)
	}
}

// printStatus writes stage flags and per-tile decode states.
func (r *Root) printStatus(flags map[string]bool, tiles []storage.TileStatus) {
	fmt.Fprintln(r.out, "Stages:")
	for _, f := range storage.AllFlags {
		mark := " "
		if flags[f] {
			mark = "x"
		}
		fmt.Fprintf(r.out, "  [%s] %s\n", mark, f)
	}
	if len(tiles) == 0 {
		return
	}
	fmt.Fprintln(r.out, "Tiles:")
	for _, t := range tiles {
		line := fmt.Sprintf("  %d: %s", t.Tile, t.State)
		if t.Incomplete {
			line += " (incomplete: " + t.Reason + ")"
		}
		fmt.Fprintln(r.out, line)
	}
}

// printStorage writes the stored volume sizes and spot counts.
func (r *Root) printStorage() {
	kinds := []storage.ImageKind{
		storage.KindCorrectedFiducial,
		storage.KindCorrectedReadout,
		storage.KindRegisteredFiducial,
		storage.KindRegisteredReadout,
		storage.KindSpotProbability,
		storage.KindFused,
	}
	fmt.Fprintln(r.out, "Volumes:")
	for _, k := range kinds {
		n, err := r.store.ImageBytes(k)
		if err != nil {
			r.log.Warn("could not size volumes", "kind", k, "error", err)
			continue
		}
		fmt.Fprintf(r.out, "  %-20s %s\n", k, humanize.Bytes(uint64(n)))
	}
	for _, stage := range []string{storage.SpotsRaw, storage.SpotsFiltered} {
		n, err := r.store.CountSpots(stage)
		if err == nil {
			fmt.Fprintf(r.out, "Spots (%s): %s\n", stage, humanize.Comma(int64(n)))
		}
	}
}

// parseRange reads "lo:hi" into a two-element range.
func parseRange(s string) ([2]float64, error) {
	var out [2]float64
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return out, fmt.Errorf("range %q must be lo:hi", s)
	}
	if _, err := fmt.Sscanf(lo, "%g", &out[0]); err != nil {
		return out, fmt.Errorf("range %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(hi, "%g", &out[1]); err != nil {
		return out, fmt.Errorf("range %q: %w", s, err)
	}
	if out[1] < out[0] {
		return out, fmt.Errorf("range %q is reversed", s)
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
