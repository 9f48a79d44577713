package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"merfish3d/internal/config"
)

// Version is the release string printed by the version command.
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate merfish3d configuration",
	}

	var full bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if full {
				return yaml.NewEncoder(root.out).Encode(root.cfg)
			}
			return root.configShow()
		},
	}
	showCmd.Flags().BoolVar(&full, "full", false, "print every setting as YAML")

	validateCmd := &cobra.Command{
		Use:   "validate [config_file]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if len(args) > 0 {
				loaded, err := config.LoadFile(args[0])
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/merfish3d/config.json"
	}
	c := r.cfg
	fmt.Fprintf(r.out, "Config file: %s\n\n", cfgPath)
	fmt.Fprintf(r.out, "Datastore: %s (%s)\n", c.Paths.DatastorePath, c.Paths.DatabaseDriver)
	fmt.Fprintf(r.out, "Output Directory: %s\n", c.Paths.OutputDir)
	fmt.Fprintf(r.out, "Temp Directory: %s\n", c.Processing.TempDir)
	fmt.Fprintf(r.out, "Parallel Jobs/Tiles/Bits: %d/%d/%d\n", c.Processing.ParallelJobs, c.Processing.ParallelTiles, c.Processing.ParallelBits)
	fmt.Fprintf(r.out, "Log Level: %s\n", c.Logging.Level)
	fmt.Fprintf(r.out, "Log Format: %s\n", c.Logging.Format)
	fmt.Fprintf(r.out, "\nDecoding:\n")
	fmt.Fprintf(r.out, "  Magnitude: %g..%g\n", c.Decoding.MagnitudeMin, c.Decoding.MagnitudeMax)
	fmt.Fprintf(r.out, "  Distance Threshold: %g\n", c.Decoding.DistanceThreshold)
	fmt.Fprintf(r.out, "  Minimum Pixels: %d\n", c.Decoding.MinimumPixels)
	fmt.Fprintf(r.out, "  Spot Probability Gate: %t (%g)\n", c.Decoding.UseUFish, c.Decoding.UFishThreshold)
	fmt.Fprintf(r.out, "  FDR Target: %g\n", c.Decoding.FDRTarget)
	fmt.Fprintf(r.out, "\nServer: http %s, grpc %s\n", c.Server.HTTPAddr, c.Server.GRPCAddr)
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "merfish3d v%s\n", Version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
		},
	}
}
