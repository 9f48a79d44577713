// Package export writes max-intensity projections and spot tables for
// inspection outside the datastore.
package export

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/image/tiff"

	"merfish3d/internal/experiment"
	"merfish3d/internal/volume"
)

// Backend names.
const (
	BackendNative  = "native"
	BackendImagick = "imagick"
)

// MIPWriter writes a 16-bit projection of a volume to path. voxel is the
// z,y,x voxel size in microns and sets the lateral resolution tags.
type MIPWriter interface {
	WriteMIP(path string, v *volume.Volume, voxel [3]float64) error
}

// NewMIPWriter returns the writer for a backend name.
func NewMIPWriter(backend string) (MIPWriter, error) {
	switch backend {
	case "", BackendNative:
		return NativeWriter{}, nil
	case BackendImagick:
		return ImagickWriter{}, nil
	default:
		return nil, fmt.Errorf("unknown export backend %q", backend)
	}
}

// Scale16 projects v along z and stretches the result linearly to the
// full uint16 range. A flat image maps to zero.
func Scale16(v *volume.Volume) (width, height int, pixels []uint16) {
	mip := v.MaxProjection()
	lo, hi := mip.MinMax()
	pixels = make([]uint16, len(mip.Data))
	if hi > lo {
		span := float64(hi - lo)
		for i, p := range mip.Data {
			pixels[i] = uint16(math.Round(float64(p-lo) / span * math.MaxUint16))
		}
	}
	return mip.Shape.X, mip.Shape.Y, pixels
}

// NativeWriter encodes deflate-compressed TIFFs in pure Go.
type NativeWriter struct{}

// WriteMIP implements MIPWriter.
func (NativeWriter) WriteMIP(path string, v *volume.Volume, _ [3]float64) error {
	w, h, pixels := Scale16(v)
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: pixels[y*w+x]})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

var spotHeader = []string{
	"spot_id", "tile", "round", "gene_id", "blank",
	"tile_z", "tile_y", "tile_x", "global_z", "global_y", "global_x",
	"area", "mean_distance", "min_distance", "mean_magnitude", "score",
}

// WriteSpots writes spots as CSV with a header row.
func WriteSpots(w io.Writer, spots []experiment.DecodedSpot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(spotHeader); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	for _, s := range spots {
		row := []string{
			strconv.FormatInt(s.ID, 10),
			strconv.Itoa(s.Tile),
			strconv.Itoa(s.Round),
			s.GeneID,
			strconv.FormatBool(s.Blank),
			f(s.LocalZYX[0]), f(s.LocalZYX[1]), f(s.LocalZYX[2]),
			f(s.GlobalZYX[0]), f(s.GlobalZYX[1]), f(s.GlobalZYX[2]),
			strconv.Itoa(s.Area),
			f(s.MeanDistance), f(s.MinDistance), f(s.MeanMagnitude), f(s.Score),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSpotsFile writes spots to a CSV file, creating parent directories.
func WriteSpotsFile(path string, spots []experiment.DecodedSpot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSpots(f, spots); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
