package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"merfish3d/internal/config"
	"merfish3d/internal/grpcserver"
	"merfish3d/internal/pipeline"
	"merfish3d/internal/simulate"
	"merfish3d/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "merfish3d",
		Short: "merfish3d processes 3D MERFISH acquisitions into decoded transcripts",
		Long: `merfish3d registers, stitches and fuses tiled multi-round fluorescence data,
decodes transcripts pixel by pixel with FDR control and scores the result
against ground truth.`,
		SilenceUsage: true,
	}

	// Processing stages
	rootCmd.AddCommand(newSimulateCmd(root))
	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newFuseCmd(root))
	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newDecodeCmd(root))
	rootCmd.AddCommand(newEvaluateCmd(root))
	rootCmd.AddCommand(newSweepCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newRunCmd(root))

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	// Remote commands
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))

	return rootCmd
}

// decodeFlags are the decoding overrides shared by calibrate and decode.
type decodeFlags struct {
	magnitudeMin   float64
	ufishThreshold float64
	minimumPixels  int
	fdrTarget      float64
}

func (f *decodeFlags) bind(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().Float64Var(&f.magnitudeMin, "magnitude-min", cfg.Decoding.MagnitudeMin, "minimum normalized pixel magnitude")
	cmd.Flags().Float64Var(&f.ufishThreshold, "ufish-threshold", cfg.Decoding.UFishThreshold, "minimum spot probability")
	cmd.Flags().IntVar(&f.minimumPixels, "minimum-pixels", cfg.Decoding.MinimumPixels, "minimum barcode size in pixels")
	cmd.Flags().Float64Var(&f.fdrTarget, "fdr-target", cfg.Decoding.FDRTarget, "false discovery rate target")
}

// apply copies only the flags the user set, leaving the rest to the
// configuration the pipeline was built with.
func (f *decodeFlags) apply(cmd *cobra.Command, opts map[string]any) {
	if cmd.Flags().Changed("magnitude-min") {
		opts["magnitude_min"] = f.magnitudeMin
	}
	if cmd.Flags().Changed("ufish-threshold") {
		opts["ufish_threshold"] = f.ufishThreshold
	}
	if cmd.Flags().Changed("minimum-pixels") {
		opts["minimum_pixels"] = f.minimumPixels
	}
	if cmd.Flags().Changed("fdr-target") {
		opts["fdr_target"] = f.fdrTarget
	}
}

func tileOptions(tiles []int) map[string]any {
	opts := map[string]any{}
	if len(tiles) > 0 {
		opts["tiles"] = tiles
	}
	return opts
}

func newSimulateCmd(root *Root) *cobra.Command {
	var (
		numTiles  int
		rounds    int
		molecules int
		seed      int64
	)

	cmd := &cobra.Command{
		Use:   "simulate [ground_truth.csv]",
		Short: "Write a synthetic acquisition into the datastore",
		Long: `Generate a small tiled acquisition with known transcript positions, store it
as corrected data and optionally write the ground truth table.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{}
			if cmd.Flags().Changed("num-tiles") {
				opts["num_tiles"] = numTiles
			}
			if cmd.Flags().Changed("rounds") {
				opts["rounds"] = rounds
			}
			if cmd.Flags().Changed("molecules") {
				opts["molecules"] = molecules
			}
			if cmd.Flags().Changed("seed") {
				opts["seed"] = seed
			}
			job := pipeline.Job{Type: pipeline.JobSimulate, Options: opts}
			if len(args) > 0 {
				job.Output = args[0]
			}
			return root.runJob(cmd.Context(), job)
		},
	}

	defaults := simulate.DefaultOptions()
	cmd.Flags().IntVar(&numTiles, "num-tiles", defaults.Tiles, "number of tiles")
	cmd.Flags().IntVar(&rounds, "rounds", defaults.Rounds, "number of imaging rounds")
	cmd.Flags().IntVar(&molecules, "molecules", defaults.Molecules, "transcripts per tile")
	cmd.Flags().Int64Var(&seed, "seed", root.cfg.Processing.Seed, "random seed")

	return cmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		tiles     []int
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register every round of each tile to its reference round",
		Long: `Deconvolve fiducials, estimate rigid and optional deformable round-to-reference
transforms per tile and warp the readout channels into reference space.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := tileOptions(tiles)
			if cmd.Flags().Changed("overwrite") {
				opts["overwrite"] = overwrite
			}
			return root.runJob(cmd.Context(), pipeline.Job{Type: pipeline.JobLocalRegister, Options: opts})
		},
	}

	cmd.Flags().IntSliceVar(&tiles, "tiles", nil, "tiles to register (default: all)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", root.cfg.LocalRegistration.Overwrite, "recompute existing registrations")

	return cmd
}

func newStitchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:     "stitch",
		Aliases: []string{"global-register"},
		Short:   "Place all tiles in a common world frame",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{Type: pipeline.JobGlobalRegister})
		},
	}
}

func newFuseCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "fuse",
		Short: "Blend registered fiducial tiles into one volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{Type: pipeline.JobFuse})
		},
	}
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var (
		reference string
		flags     decodeFlags
	)

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Estimate per-bit background and foreground scale factors",
		Long: `Iteratively estimate background and foreground vectors from a random subset of
tiles, or import them from a reference datastore with --reference.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{}
			if reference != "" {
				opts["reference"] = reference
			}
			flags.apply(cmd, opts)
			return root.runJob(cmd.Context(), pipeline.Job{Type: pipeline.JobCalibrate, Options: opts})
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "datastore to import normalization vectors from")
	flags.bind(cmd, root.cfg)

	return cmd
}

func newDecodeCmd(root *Root) *cobra.Command {
	var (
		tiles []int
		flags decodeFlags
	)

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode barcodes pixel by pixel and filter to the FDR target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := tileOptions(tiles)
			flags.apply(cmd, opts)
			return root.runJob(cmd.Context(), pipeline.Job{Type: pipeline.JobDecode, Options: opts})
		},
	}

	cmd.Flags().IntSliceVar(&tiles, "tiles", nil, "tiles to decode (default: all)")
	flags.bind(cmd, root.cfg)

	return cmd
}

func newEvaluateCmd(root *Root) *cobra.Command {
	var radius float64

	cmd := &cobra.Command{
		Use:   "evaluate <ground_truth.csv>",
		Short: "Score filtered spots against ground truth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{}
			if cmd.Flags().Changed("radius") {
				opts["radius"] = radius
			}
			return root.runJob(cmd.Context(), pipeline.Job{Type: pipeline.JobEvaluate, InputPath: args[0], Options: opts})
		},
	}

	cmd.Flags().Float64Var(&radius, "radius", root.cfg.Evaluation.SearchRadiusUM, "match radius in microns")

	return cmd
}

func newSweepCmd(root *Root) *cobra.Command {
	var (
		output         string
		tiles          []int
		magnitudeRange string
		magnitudeStep  float64
		ufishRange     string
		ufishStep      float64
	)

	cmd := &cobra.Command{
		Use:   "sweep <ground_truth.csv>",
		Short: "Grid-search decoding thresholds against ground truth",
		Long: `Decode and score every combination of magnitude and spot probability threshold,
writing one F1 result per configuration to a JSON file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The grid is read from the configuration the pipeline shares.
			ev := &root.cfg.Evaluation
			if magnitudeRange != "" {
				r, err := parseRange(magnitudeRange)
				if err != nil {
					return err
				}
				ev.MagnitudeRange = r
			}
			if ufishRange != "" {
				r, err := parseRange(ufishRange)
				if err != nil {
					return err
				}
				ev.UFishRange = r
			}
			if cmd.Flags().Changed("magnitude-step") {
				ev.MagnitudeStep = magnitudeStep
			}
			if cmd.Flags().Changed("ufish-step") {
				ev.UFishStep = ufishStep
			}
			job := pipeline.Job{Type: pipeline.JobSweep, InputPath: args[0], Output: output, Options: tileOptions(tiles)}
			return root.runJob(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "results file (default: <output_dir>/sweep_results.json)")
	cmd.Flags().IntSliceVar(&tiles, "tiles", nil, "tiles to decode per configuration (default: all)")
	cmd.Flags().StringVar(&magnitudeRange, "magnitude-range", "", "magnitude thresholds as lo:hi")
	cmd.Flags().Float64Var(&magnitudeStep, "magnitude-step", root.cfg.Evaluation.MagnitudeStep, "magnitude threshold step")
	cmd.Flags().StringVar(&ufishRange, "ufish-range", "", "spot probability thresholds as lo:hi")
	cmd.Flags().Float64Var(&ufishStep, "ufish-step", root.cfg.Evaluation.UFishStep, "spot probability threshold step")

	return cmd
}

func newExportCmd(root *Root) *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "export [output_dir]",
		Short: "Write the fused max projection and decoded spot table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{Type: pipeline.JobExport, Options: map[string]any{}}
			if len(args) > 0 {
				job.Output = args[0]
			}
			if backend != "" {
				job.Options["backend"] = backend
			}
			return root.runJob(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "projection writer: native or imagick (default from config)")

	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "run [output_dir]",
		Short: "Run every stage from local registration to export",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{Type: pipeline.JobRun}
			if len(args) > 0 {
				job.Output = args[0]
			}
			return root.runJob(cmd.Context(), job)
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		watchDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve datastore state and job control over HTTP and gRPC",
		Long: `Start the HTTP API, the websocket job feed and the gRPC service. With --watch,
ground truth tables dropped into the directory are evaluated automatically.

Examples:
  merfish3d serve --addr :8080 --grpc-addr :9090
  merfish3d serve --watch /data/ground_truth`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.pipeline == nil {
				return fmt.Errorf("pipeline unavailable for server startup")
			}
			cfg := *root.cfg
			cfg.Server.HTTPAddr = addr
			cfg.Server.GRPCAddr = grpcAddr
			cfg.Server.WatchDir = watchDir

			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"watch_dir", watchDir,
			)
			return root.serveFn(cmd.Context(), &cfg, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address, empty to disable")
	cmd.Flags().StringVar(&watchDir, "watch", root.cfg.Server.WatchDir, "directory to watch for ground truth tables")

	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var (
		remote string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stage flags and tile states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				flags map[string]bool
				tiles []storage.TileStatus
				err   error
			)
			if remote != "" {
				client, err := root.remoteFn(remote)
				if err != nil {
					return err
				}
				defer client.Close()
				if flags, err = client.Flags(cmd.Context()); err != nil {
					return err
				}
				if tiles, err = client.Tiles(cmd.Context()); err != nil {
					return err
				}
			} else {
				if root.store == nil {
					return errors.New("no datastore open")
				}
				if flags, err = root.store.Flags(); err != nil {
					return err
				}
				if tiles, err = root.store.TileStatuses(); err != nil {
					return err
				}
			}
			if asJSON {
				return writeJSON(root.out, map[string]any{"flags": flags, "tiles": tiles})
			}
			root.printStatus(flags, tiles)
			if remote == "" {
				root.printStorage()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "query a gRPC server instead of the local datastore")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var (
		remote string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				jobs []storage.JobRecord
				err  error
			)
			if remote != "" {
				client, cerr := root.remoteFn(remote)
				if cerr != nil {
					return cerr
				}
				defer client.Close()
				jobs, err = client.Jobs(cmd.Context(), limit)
			} else if root.store != nil {
				jobs, err = root.store.RecentJobs(limit)
			} else {
				return errors.New("no datastore open")
			}
			if err != nil {
				return err
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%s  %-10s %-14s %s", j.CreatedAt.Format("2006-01-02 15:04:05"), j.Status, j.JobType, j.ID)
				if j.Error != "" {
					line += "  " + j.Error
				}
				fmt.Fprintln(root.out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "gRPC server address")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs")

	return cmd
}

// parseOptions turns key=value pairs into job options. Values that parse
// as JSON keep their JSON type.
func parseOptions(pairs []string) (map[string]any, error) {
	opts := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q must be key=value", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			opts[k] = parsed
		} else {
			opts[k] = v
		}
	}
	return opts, nil
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		remote  string
		output  string
		options []string
	)

	cmd := &cobra.Command{
		Use:   "submit <job_type> [input]",
		Short: "Queue a job on a remote server",
		Long: `Queue a job on a running merfish3d server over gRPC and print its id.

Example:
  merfish3d submit decode --remote host:9090 --set tiles=[0,1] --set fdr_target=0.05`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote == "" {
				return errors.New("--remote is required")
			}
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			job := pipeline.Job{Type: pipeline.JobType(args[0]), Output: output, Options: opts}
			if len(args) > 1 {
				job.InputPath = args[1]
			}
			client, err := root.remoteFn(remote)
			if err != nil {
				return err
			}
			defer client.Close()
			id, err := client.Submit(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "gRPC server address")
	cmd.Flags().StringVar(&output, "output", "", "job output path")
	cmd.Flags().StringArrayVar(&options, "set", nil, "job option as key=value (repeatable)")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream finished jobs from a remote server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote == "" {
				return errors.New("--remote is required")
			}
			client, err := root.remoteFn(remote)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.WatchJobs(cmd.Context(), func(ev grpcserver.JobEvent) error {
				status := "ok"
				if ev.Error != "" {
					status = "error: " + ev.Error
				}
				fmt.Fprintf(root.out, "%s %s %s\n", ev.Type, ev.ID, status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "gRPC server address")

	return cmd
}
