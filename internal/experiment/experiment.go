// Package experiment describes a barcoded acquisition: channels, the
// round/channel to bit mapping, tile layout and the codebook.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"

	"merfish3d/internal/volume"
)

// ValidationError reports a violated model invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid experiment %s: %s", e.Field, e.Reason)
}

// Channel is one excitation/emission pair of the acquisition.
type Channel struct {
	Name         string  `yaml:"name" json:"name"`
	ExcitationNM float64 `yaml:"excitation_nm" json:"excitation_nm"`
	EmissionNM   float64 `yaml:"emission_nm" json:"emission_nm"`
	Fiducial     bool    `yaml:"fiducial" json:"fiducial"`
}

// OrderRow lists, for one round, the 1-based bit imaged by each readout
// channel. Zero marks an unused channel in that round.
type OrderRow struct {
	Round int   `yaml:"round" json:"round"`
	Bits  []int `yaml:"bits" json:"bits"`
}

// BitSource locates a bit in the acquisition.
type BitSource struct {
	Bit     int // 0-based
	Round   int
	Channel int // index into ReadoutChannels()
}

// Tile is one field of view with its stage position in microns.
type Tile struct {
	Index int       `json:"index"`
	Stage r3.Vector `json:"stage"` // X,Y,Z hold x,y,z microns
}

// StageZYX returns the stage position in z,y,x order.
func (t Tile) StageZYX() [3]float64 { return [3]float64{t.Stage.Z, t.Stage.Y, t.Stage.X} }

// Experiment is the normalized acquisition description consumed by the
// registration and decoding stages.
type Experiment struct {
	Name         string     `yaml:"name" json:"name"`
	VoxelSizeZYX [3]float64 `yaml:"voxel_size_zyx_um" json:"voxel_size_zyx_um"`
	TileShape    [3]int     `yaml:"tile_shape_zyx" json:"tile_shape_zyx"`
	NumRounds    int        `yaml:"num_rounds" json:"num_rounds"`
	Channels     []Channel  `yaml:"channels" json:"channels"`
	Order        []OrderRow `yaml:"experiment_order" json:"experiment_order"`
	// StagePositions are z,y,x microns, one per tile.
	StagePositions [][3]float64 `yaml:"stage_positions_zyx_um" json:"stage_positions_zyx_um"`
	CodebookPath   string       `yaml:"codebook" json:"codebook"`

	Codebook *Codebook `yaml:"-" json:"-"`
}

// Load reads a YAML (or JSON) experiment file and its codebook. A relative
// codebook path is resolved against the experiment file's directory.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment: %w", err)
	}
	var exp Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parse experiment: %w", err)
	}
	if exp.CodebookPath != "" {
		cbPath := exp.CodebookPath
		if !filepath.IsAbs(cbPath) {
			cbPath = filepath.Join(filepath.Dir(path), cbPath)
		}
		cb, err := LoadCodebook(cbPath)
		if err != nil {
			return nil, err
		}
		exp.Codebook = cb
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return &exp, nil
}

// Save writes the experiment as YAML.
func (e *Experiment) Save(path string) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Shape returns the expected per-tile volume shape.
func (e *Experiment) Shape() volume.Shape {
	return volume.Shape{Z: e.TileShape[0], Y: e.TileShape[1], X: e.TileShape[2]}
}

// NumTiles is the number of stage positions.
func (e *Experiment) NumTiles() int { return len(e.StagePositions) }

// Tiles lists all tiles with their stage positions.
func (e *Experiment) Tiles() []Tile {
	tiles := make([]Tile, len(e.StagePositions))
	for i, p := range e.StagePositions {
		tiles[i] = Tile{Index: i, Stage: r3.Vector{X: p[2], Y: p[1], Z: p[0]}}
	}
	return tiles
}

// FiducialChannel returns the index of the fiducial channel, or -1.
func (e *Experiment) FiducialChannel() int {
	for i, c := range e.Channels {
		if c.Fiducial {
			return i
		}
	}
	return -1
}

// ReadoutChannels returns the non-fiducial channels in order.
func (e *Experiment) ReadoutChannels() []Channel {
	var out []Channel
	for _, c := range e.Channels {
		if !c.Fiducial {
			out = append(out, c)
		}
	}
	return out
}

// NumBits counts the bits referenced by the experiment order.
func (e *Experiment) NumBits() int {
	n := 0
	for _, row := range e.Order {
		for _, b := range row.Bits {
			if b > 0 {
				n++
			}
		}
	}
	return n
}

// BitMap returns every bit's round and readout channel, sorted by bit.
func (e *Experiment) BitMap() []BitSource {
	out := make([]BitSource, e.NumBits())
	for _, row := range e.Order {
		for ch, b := range row.Bits {
			if b > 0 && b <= len(out) {
				out[b-1] = BitSource{Bit: b - 1, Round: row.Round, Channel: ch}
			}
		}
	}
	return out
}

// RoundBits returns the bits imaged in a round, keyed by readout channel.
func (e *Experiment) RoundBits(round int) map[int]int {
	out := map[int]int{}
	for _, row := range e.Order {
		if row.Round != round {
			continue
		}
		for ch, b := range row.Bits {
			if b > 0 {
				out[ch] = b - 1
			}
		}
	}
	return out
}

// Validate enforces the acquisition invariants: one fiducial channel, a
// positive tile shape and voxel size, every round ordered exactly once,
// bits unique and contiguous, and bit count equal to the codebook width.
func (e *Experiment) Validate() error {
	fid := 0
	for _, c := range e.Channels {
		if c.Fiducial {
			fid++
		}
	}
	if fid != 1 {
		return &ValidationError{Field: "channels", Reason: fmt.Sprintf("expected exactly one fiducial channel, found %d", fid)}
	}
	if !e.Shape().Valid() {
		return &ValidationError{Field: "tile_shape_zyx", Reason: "all axes must be positive"}
	}
	for i, v := range e.VoxelSizeZYX {
		if v <= 0 {
			return &ValidationError{Field: "voxel_size_zyx_um", Reason: fmt.Sprintf("axis %d must be positive", i)}
		}
	}
	if e.NumRounds <= 0 || len(e.Order) != e.NumRounds {
		return &ValidationError{Field: "experiment_order", Reason: fmt.Sprintf("expected %d rounds, got %d rows", e.NumRounds, len(e.Order))}
	}
	readouts := len(e.ReadoutChannels())
	seenRound := map[int]bool{}
	seenBit := map[int]bool{}
	for _, row := range e.Order {
		if row.Round < 0 || row.Round >= e.NumRounds || seenRound[row.Round] {
			return &ValidationError{Field: "experiment_order", Reason: fmt.Sprintf("round %d duplicated or out of range", row.Round)}
		}
		seenRound[row.Round] = true
		if len(row.Bits) != readouts {
			return &ValidationError{Field: "experiment_order", Reason: fmt.Sprintf("round %d lists %d bits for %d readout channels", row.Round, len(row.Bits), readouts)}
		}
		for _, b := range row.Bits {
			if b == 0 {
				continue
			}
			if b < 0 || seenBit[b] {
				return &ValidationError{Field: "experiment_order", Reason: fmt.Sprintf("bit %d duplicated or negative", b)}
			}
			seenBit[b] = true
		}
	}
	n := e.NumBits()
	for b := 1; b <= n; b++ {
		if !seenBit[b] {
			return &ValidationError{Field: "experiment_order", Reason: fmt.Sprintf("bit %d missing", b)}
		}
	}
	if e.Codebook != nil && e.Codebook.NumBits() != n {
		return &ValidationError{Field: "codebook", Reason: fmt.Sprintf("codebook has %d bits, experiment images %d", e.Codebook.NumBits(), n)}
	}
	return nil
}
