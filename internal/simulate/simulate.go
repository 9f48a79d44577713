// Package simulate builds synthetic barcoded acquisitions with known
// molecule positions, for exercising the pipeline end to end.
package simulate

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"merfish3d/internal/evaluate"
	"merfish3d/internal/experiment"
	"merfish3d/internal/storage"
	"merfish3d/internal/volume"
)

// Options controls the synthetic acquisition.
type Options struct {
	Tiles           int          // laid out along x
	Shape           volume.Shape // per tile
	Voxel           [3]float64   // z,y,x microns
	OverlapPixels   int          // lateral overlap between neighbours
	Rounds          int
	ReadoutChannels int // bits per round
	Genes           int
	Blanks          int
	Weight          int // on bits per barcode
	Molecules       int // across the whole field
	Beads           int // fiducial beads across the whole field
	DriftPixels     int // max per-round lateral drift
	StageErrorUM    float64
	Background      float32
	Noise           float32
	Seed            int64
}

// DefaultOptions is a small two-tile, 8-bit acquisition.
func DefaultOptions() Options {
	return Options{
		Tiles:           2,
		Shape:           volume.Shape{Z: 8, Y: 48, X: 48},
		Voxel:           [3]float64{0.31, 0.098, 0.098},
		OverlapPixels:   16,
		Rounds:          4,
		ReadoutChannels: 2,
		Genes:           6,
		Blanks:          4,
		Weight:          3,
		Molecules:       40,
		Beads:           60,
		DriftPixels:     2,
		StageErrorUM:    0.2,
		Background:      10,
		Noise:           2,
		Seed:            1,
	}
}

func (o Options) validate() error {
	switch {
	case o.Tiles < 1:
		return errors.New("tiles must be >= 1")
	case !o.Shape.Valid():
		return errors.New("tile shape must be positive")
	case o.Rounds < 1 || o.ReadoutChannels < 1:
		return errors.New("rounds and readout channels must be >= 1")
	case o.Weight < 1 || o.Weight > o.Rounds*o.ReadoutChannels:
		return fmt.Errorf("weight must be in [1, %d]", o.Rounds*o.ReadoutChannels)
	case o.OverlapPixels < 0 || o.OverlapPixels >= o.Shape.X:
		return errors.New("overlap must be smaller than the tile width")
	}
	for _, v := range o.Voxel {
		if v <= 0 {
			return errors.New("voxel size must be positive")
		}
	}
	return nil
}

// Dataset is a rendered acquisition.
type Dataset struct {
	Experiment *experiment.Experiment
	Fiducial   map[[2]int]*volume.Volume // tile, round
	Readout    map[[3]int]*volume.Volume // tile, round, bit
	PSFs       map[string]*volume.Volume
	Truth      []evaluate.Point
	// TrueStage is the exact stage position of each tile.
	TrueStage [][3]float64
	// Drift is the rendered lateral displacement of each tile and round,
	// in voxels.
	Drift map[[2]int][3]float64
}

// Gaussian spot widths in voxels.
var sigma = [3]float64{1.0, 1.3, 1.3}

// Generate renders a dataset.
func Generate(o Options) (*Dataset, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(o.Seed))
	nbits := o.Rounds * o.ReadoutChannels
	cb, err := makeCodebook(rng, nbits, o.Weight, o.Genes, o.Blanks)
	if err != nil {
		return nil, err
	}

	exp := &experiment.Experiment{
		Name:         "synthetic",
		VoxelSizeZYX: o.Voxel,
		TileShape:    [3]int{o.Shape.Z, o.Shape.Y, o.Shape.X},
		NumRounds:    o.Rounds,
		Codebook:     cb,
	}
	exp.Channels = append(exp.Channels, experiment.Channel{Name: "fiducial", ExcitationNM: 405, EmissionNM: 450, Fiducial: true})
	for c := 0; c < o.ReadoutChannels; c++ {
		exp.Channels = append(exp.Channels, experiment.Channel{
			Name:         fmt.Sprintf("readout%d", c+1),
			ExcitationNM: 561 + 77*float64(c),
			EmissionNM:   590 + 80*float64(c),
		})
	}
	for r := 0; r < o.Rounds; r++ {
		row := experiment.OrderRow{Round: r}
		for c := 0; c < o.ReadoutChannels; c++ {
			row.Bits = append(row.Bits, r*o.ReadoutChannels+c+1)
		}
		exp.Order = append(exp.Order, row)
	}

	ds := &Dataset{
		Experiment: exp,
		Fiducial:   map[[2]int]*volume.Volume{},
		Readout:    map[[3]int]*volume.Volume{},
		PSFs:       map[string]*volume.Volume{},
		Drift:      map[[2]int][3]float64{},
	}

	step := o.Shape.X - o.OverlapPixels
	worldX := step*(o.Tiles-1) + o.Shape.X
	for t := 0; t < o.Tiles; t++ {
		trueStage := [3]float64{0, 0, float64(t*step) * o.Voxel[2]}
		ds.TrueStage = append(ds.TrueStage, trueStage)
		reported := trueStage
		if t > 0 {
			reported[1] += (rng.Float64()*2 - 1) * o.StageErrorUM
			reported[2] += (rng.Float64()*2 - 1) * o.StageErrorUM
		}
		exp.StagePositions = append(exp.StagePositions, reported)
	}

	world := volume.Shape{Z: o.Shape.Z, Y: o.Shape.Y, X: worldX}
	beads := scatter(rng, world, o.Beads, 3)
	molecules := scatter(rng, world, o.Molecules, 5)
	genes := make([]int, len(molecules))
	for i := range molecules {
		genes[i] = rng.Intn(o.Genes) // blanks never appear as molecules
		ds.Truth = append(ds.Truth, evaluate.Point{
			ZYX: [3]float64{
				molecules[i][0] * o.Voxel[0],
				molecules[i][1] * o.Voxel[1],
				molecules[i][2] * o.Voxel[2],
			},
			Gene: cb.Genes[genes[i]],
		})
	}
	// Per-bit brightness differs so normalization has work to do.
	brightness := make([]float32, nbits)
	for b := range brightness {
		brightness[b] = 80 + 80*rng.Float32()
	}

	for t := 0; t < o.Tiles; t++ {
		offset := [3]float64{0, 0, float64(t * step)}
		for r := 0; r < o.Rounds; r++ {
			var drift [3]float64
			if r > 0 && o.DriftPixels > 0 {
				drift[1] = float64(rng.Intn(2*o.DriftPixels+1) - o.DriftPixels)
				drift[2] = float64(rng.Intn(2*o.DriftPixels+1) - o.DriftPixels)
			}
			ds.Drift[[2]int{t, r}] = drift
			shift := [3]float64{drift[0] - offset[0], drift[1] - offset[1], drift[2] - offset[2]}

			fid := o.backgroundVolume(rng)
			for _, p := range beads {
				render(fid, add(p, shift), 200)
			}
			ds.Fiducial[[2]int{t, r}] = fid

			for c := 0; c < o.ReadoutChannels; c++ {
				bit := r*o.ReadoutChannels + c
				img := o.backgroundVolume(rng)
				for i, p := range molecules {
					if cb.Codes[genes[i]][bit] == 0 {
						continue
					}
					render(img, add(p, shift), brightness[bit])
				}
				ds.Readout[[3]int{t, r, bit}] = img
			}
		}
	}

	psf := gaussianPSF()
	for _, ch := range exp.Channels {
		ds.PSFs[ch.Name] = psf
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func (o Options) backgroundVolume(rng *rand.Rand) *volume.Volume {
	v := volume.New(o.Shape)
	for i := range v.Data {
		v.Data[i] = o.Background + o.Noise*rng.Float32()
	}
	return v
}

// makeCodebook draws distinct weight-w barcodes; rows after the first
// genes are named as blanks.
func makeCodebook(rng *rand.Rand, nbits, weight, genes, blanks int) (*experiment.Codebook, error) {
	var all [][]uint8
	var rec func(start int, cur []int)
	rec = func(start int, cur []int) {
		if len(cur) == weight {
			code := make([]uint8, nbits)
			for _, b := range cur {
				code[b] = 1
			}
			all = append(all, code)
			return
		}
		for b := start; b < nbits; b++ {
			rec(b+1, append(cur, b))
		}
	}
	rec(0, nil)
	if genes+blanks > len(all) {
		return nil, fmt.Errorf("%d barcodes requested, only %d of weight %d over %d bits", genes+blanks, len(all), weight, nbits)
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	cb := &experiment.Codebook{}
	for i := 0; i < genes+blanks; i++ {
		name := fmt.Sprintf("Gene%02d", i+1)
		if i >= genes {
			name = fmt.Sprintf("%s-%02d", experiment.DefaultBlankPrefix, i-genes+1)
		}
		cb.Genes = append(cb.Genes, name)
		cb.Codes = append(cb.Codes, all[i])
	}
	return cb, nil
}

// scatter places n points inside shape, kept margin voxels from the lateral
// edges and at least margin apart.
func scatter(rng *rand.Rand, shape volume.Shape, n int, margin float64) [][3]float64 {
	var out [][3]float64
	for tries := 0; len(out) < n && tries < n*200; tries++ {
		p := [3]float64{
			1 + rng.Float64()*float64(shape.Z-2),
			margin + rng.Float64()*(float64(shape.Y)-2*margin),
			margin + rng.Float64()*(float64(shape.X)-2*margin),
		}
		ok := true
		for _, q := range out {
			dy, dx := p[1]-q[1], p[2]-q[2]
			if dy*dy+dx*dx < margin*margin {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][2] < out[j][2] })
	return out
}

func add(a, b [3]float64) [3]float64 { return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

// render adds a gaussian of peak amp centred on c.
func render(v *volume.Volume, c [3]float64, amp float32) {
	lo := [3]int{}
	hi := [3]int{}
	dims := [3]int{v.Shape.Z, v.Shape.Y, v.Shape.X}
	for a := 0; a < 3; a++ {
		lo[a] = max(0, int(math.Floor(c[a]-3*sigma[a])))
		hi[a] = min(dims[a]-1, int(math.Ceil(c[a]+3*sigma[a])))
	}
	for z := lo[0]; z <= hi[0]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[2]; x <= hi[2]; x++ {
				dz := (float64(z) - c[0]) / sigma[0]
				dy := (float64(y) - c[1]) / sigma[1]
				dx := (float64(x) - c[2]) / sigma[2]
				val := float64(amp) * math.Exp(-(dz*dz+dy*dy+dx*dx)/2)
				v.Data[v.Index(z, y, x)] += float32(val)
			}
		}
	}
}

func gaussianPSF() *volume.Volume {
	psf := volume.New(volume.Shape{Z: 5, Y: 7, X: 7})
	render(psf, [3]float64{2, 3, 3}, 1)
	return psf
}

// Sink receives a rendered dataset.
type Sink interface {
	SaveExperiment(exp *experiment.Experiment) error
	PutImage(key storage.ImageKey, v *volume.Volume) (int, error)
	PutPSF(channel string, psf *volume.Volume) error
	SetFlag(name string, done bool) error
}

// Write stores the dataset as corrected images ready for local
// registration and returns the number of image bytes written.
func (ds *Dataset) Write(s Sink) (int, error) {
	if err := s.SaveExperiment(ds.Experiment); err != nil {
		return 0, err
	}
	var total int
	for k, v := range ds.Fiducial {
		n, err := s.PutImage(storage.FiducialKey(storage.KindCorrectedFiducial, k[0], k[1]), v)
		if err != nil {
			return total, err
		}
		total += n
	}
	for k, v := range ds.Readout {
		n, err := s.PutImage(storage.ReadoutKey(storage.KindCorrectedReadout, k[0], k[1], k[2]), v)
		if err != nil {
			return total, err
		}
		total += n
	}
	for ch, psf := range ds.PSFs {
		if err := s.PutPSF(ch, psf); err != nil {
			return total, err
		}
	}
	for _, f := range []string{storage.FlagCalibrations, storage.FlagCorrected} {
		if err := s.SetFlag(f, true); err != nil {
			return total, err
		}
	}
	return total, nil
}
