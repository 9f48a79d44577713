package export

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"merfish3d/internal/volume"
)

// ImagickWriter writes projections through ImageMagick, embedding the
// lateral resolution in pixels per centimetre.
type ImagickWriter struct{}

// WriteMIP implements MIPWriter.
func (ImagickWriter) WriteMIP(path string, v *volume.Volume, voxel [3]float64) error {
	w, h, pixels := Scale16(v)

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(w), uint(h), "I", imagick.PIXEL_SHORT, pixels); err != nil {
		return fmt.Errorf("constitute projection: %w", err)
	}
	if err := mw.SetImageDepth(16); err != nil {
		return err
	}
	if err := mw.SetImageCompression(imagick.COMPRESSION_ZIP); err != nil {
		return err
	}
	if voxel[1] > 0 && voxel[2] > 0 {
		if err := mw.SetImageUnits(imagick.RESOLUTION_PIXELS_PER_CENTIMETER); err != nil {
			return err
		}
		// microns per pixel to pixels per centimetre
		if err := mw.SetImageResolution(1e4/voxel[2], 1e4/voxel[1]); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
