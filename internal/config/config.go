package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/merfish3d/config.json"
	defaultParallel   = 4
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "MERFISH3D_CONFIG"

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing         Processing         `json:"processing" yaml:"processing"`
	Logging            Logging            `json:"logging" yaml:"logging"`
	Paths              Paths              `json:"paths" yaml:"paths"`
	LocalRegistration  LocalRegistration  `json:"local_registration" yaml:"local_registration"`
	GlobalRegistration GlobalRegistration `json:"global_registration" yaml:"global_registration"`
	Fusion             Fusion             `json:"fusion" yaml:"fusion"`
	Decoding           Decoding           `json:"decoding" yaml:"decoding"`
	Evaluation         Evaluation         `json:"evaluation" yaml:"evaluation"`
	Server             Server             `json:"server" yaml:"server"`
	Export             Export             `json:"export" yaml:"export"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs  int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	ParallelTiles int    `json:"parallel_tiles" yaml:"parallel_tiles"`
	ParallelBits  int    `json:"parallel_bits" yaml:"parallel_bits"`
	Seed          int64  `json:"seed" yaml:"seed"`
	TempDir       string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures datastore and output locations.
type Paths struct {
	DatastorePath      string `json:"datastore_path" yaml:"datastore_path"`
	DatabaseDriver     string `json:"database_driver" yaml:"database_driver"` // sqlite (pure Go) or sqlite3 (cgo)
	ReferenceDatastore string `json:"reference_datastore" yaml:"reference_datastore"`
	OutputDir          string `json:"output_dir" yaml:"output_dir"`
	ExperimentFile     string `json:"experiment_file" yaml:"experiment_file"`
}

// LocalRegistration configures round-to-reference alignment.
type LocalRegistration struct {
	DeconIters       int     `json:"decon_iters" yaml:"decon_iters"`
	DeconBackground  float64 `json:"decon_background" yaml:"decon_background"`
	OpticalFlow      bool    `json:"perform_optical_flow" yaml:"perform_optical_flow"`
	FlowBlock        [3]int  `json:"flow_block_zyx" yaml:"flow_block_zyx"`
	Overwrite        bool    `json:"overwrite_registered" yaml:"overwrite_registered"`
	SaveAllFiducials bool    `json:"save_all_fiducials" yaml:"save_all_fiducials"`
	MinQuality       float64 `json:"min_quality" yaml:"min_quality"`
}

// RegistrationStage is one coarse-to-fine global registration pass.
type RegistrationStage struct {
	Binning          [3]int  `json:"binning_zyx" yaml:"binning_zyx"`
	QualityThreshold float64 `json:"quality_threshold" yaml:"quality_threshold"`
	MaxShiftUM       float64 `json:"max_shift_um" yaml:"max_shift_um"`
}

// GlobalRegistration configures tile placement.
type GlobalRegistration struct {
	Stages              []RegistrationStage `json:"stages" yaml:"stages"`
	ResidualThresholdUM float64             `json:"residual_threshold_um" yaml:"residual_threshold_um"`
	PriorWeight         float64             `json:"prior_weight" yaml:"prior_weight"`
	MaxSolveIterations  int                 `json:"max_solve_iterations" yaml:"max_solve_iterations"`
	Overwrite           bool                `json:"overwrite" yaml:"overwrite"`
}

// Fusion configures blending of tiles into one volume.
type Fusion struct {
	Downsample    [3]float64 `json:"downsample_zyx" yaml:"downsample_zyx"`
	ChunkSize     int        `json:"chunk_size" yaml:"chunk_size"`
	OverlapPixels int        `json:"overlap_pixels" yaml:"overlap_pixels"`
}

// Decoding configures calibration, pixel decoding and FDR filtering.
type Decoding struct {
	MagnitudeMin      float64 `json:"magnitude_min" yaml:"magnitude_min"`
	MagnitudeMax      float64 `json:"magnitude_max" yaml:"magnitude_max"`
	DistanceThreshold float64 `json:"distance_threshold" yaml:"distance_threshold"`
	MinimumPixels     int     `json:"minimum_pixels" yaml:"minimum_pixels"`
	UseUFish          bool    `json:"use_ufish" yaml:"use_ufish"`
	UFishThreshold    float64 `json:"ufish_threshold" yaml:"ufish_threshold"`
	FDRTarget         float64 `json:"fdr_target" yaml:"fdr_target"`
	NRandomTiles      int     `json:"n_random_tiles" yaml:"n_random_tiles"`
	NIterations       int     `json:"n_iterations" yaml:"n_iterations"`
	ConvergenceTol    float64 `json:"convergence_tol" yaml:"convergence_tol"`
	BackgroundPct     float64 `json:"background_percentile" yaml:"background_percentile"`
	ForegroundPct     float64 `json:"foreground_percentile" yaml:"foreground_percentile"`
	BlankPrefix       string  `json:"blank_prefix" yaml:"blank_prefix"`
}

// Evaluation configures ground-truth scoring and threshold sweeps.
type Evaluation struct {
	SearchRadiusUM float64    `json:"search_radius_um" yaml:"search_radius_um"`
	MagnitudeRange [2]float64 `json:"magnitude_range" yaml:"magnitude_range"`
	MagnitudeStep  float64    `json:"magnitude_step" yaml:"magnitude_step"`
	UFishRange     [2]float64 `json:"ufish_range" yaml:"ufish_range"`
	UFishStep      float64    `json:"ufish_step" yaml:"ufish_step"`
}

// Server configures the network surfaces.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
	WatchDir string `json:"watch_dir" yaml:"watch_dir"`
}

// Export configures max-projection output.
type Export struct {
	Backend string `json:"backend" yaml:"backend"` // native, imagick
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads a JSON or YAML config over the defaults. A missing file
// yields the defaults.
func LoadFile(configPath string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.GlobalRegistration.Stages) == 0 {
		return errors.New("global_registration.stages must not be empty")
	}
	for i, st := range c.GlobalRegistration.Stages {
		for _, b := range st.Binning {
			if b < 1 {
				return fmt.Errorf("global_registration.stages[%d]: binning must be >= 1", i)
			}
		}
	}
	if c.Decoding.FDRTarget <= 0 || c.Decoding.FDRTarget >= 1 {
		return fmt.Errorf("decoding.fdr_target must be in (0,1), got %v", c.Decoding.FDRTarget)
	}
	if c.Decoding.MagnitudeMax > 0 && c.Decoding.MagnitudeMax < c.Decoding.MagnitudeMin {
		return errors.New("decoding.magnitude_max below magnitude_min")
	}
	if c.Fusion.OverlapPixels < 0 || c.Fusion.ChunkSize < 1 {
		return errors.New("fusion.overlap_pixels must be >= 0 and chunk_size >= 1")
	}
	switch c.Paths.DatabaseDriver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("paths.database_driver %q not supported", c.Paths.DatabaseDriver)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs:  defaultParallel,
			ParallelTiles: defaultParallel,
			ParallelBits:  runtime.NumCPU(),
			Seed:          42,
			TempDir:       os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatastorePath:  filepath.Join(os.TempDir(), "merfish3d.db"),
			DatabaseDriver: "sqlite",
			OutputDir:      "./output",
		},
		LocalRegistration: LocalRegistration{
			DeconIters:      10,
			DeconBackground: 0,
			OpticalFlow:     false,
			FlowBlock:       [3]int{8, 32, 32},
			MinQuality:      0.1,
		},
		GlobalRegistration: GlobalRegistration{
			Stages: []RegistrationStage{
				{Binning: [3]int{3, 9, 9}, QualityThreshold: 0.3, MaxShiftUM: 20},
				{Binning: [3]int{1, 3, 3}, QualityThreshold: 0.5, MaxShiftUM: 5},
			},
			ResidualThresholdUM: 2.0,
			PriorWeight:         0.01,
			MaxSolveIterations:  5,
		},
		Fusion: Fusion{
			Downsample:    [3]float64{1, 3.5, 3.5},
			ChunkSize:     128,
			OverlapPixels: 64,
		},
		Decoding: Decoding{
			MagnitudeMin:      1.5,
			MagnitudeMax:      10,
			DistanceThreshold: 0.5172,
			MinimumPixels:     9,
			UseUFish:          false,
			UFishThreshold:    0.25,
			FDRTarget:         0.05,
			NRandomTiles:      1,
			NIterations:       10,
			ConvergenceTol:    1e-3,
			BackgroundPct:     10,
			ForegroundPct:     99.5,
			BlankPrefix:       "Blank",
		},
		Evaluation: Evaluation{
			SearchRadiusUM: 0.75,
			MagnitudeRange: [2]float64{0.5, 1.0},
			MagnitudeStep:  0.1,
			UFishRange:     [2]float64{0.05, 0.1},
			UFishStep:      0.01,
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Export: Export{Backend: "native"},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
