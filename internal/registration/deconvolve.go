package registration

import (
	"context"

	"merfish3d/internal/volume"
)

const rlEpsilon = 1e-6

// Deconvolve runs Richardson-Lucy deconvolution of img with psf for iters
// iterations after subtracting background. The output has img's shape and
// non-negative values. A nil psf or zero iterations only subtracts the
// background.
func Deconvolve(ctx context.Context, img, psf *volume.Volume, iters int, background float64) (*volume.Volume, error) {
	obs := img.Clone()
	bg := float32(background)
	for i, v := range obs.Data {
		v -= bg
		if v < 0 {
			v = 0
		}
		obs.Data[i] = v
	}
	if psf == nil || iters <= 0 || obs.IsZero() {
		return obs, nil
	}

	kernel := psf.Clone()
	if s := kernel.Sum(); s > 0 {
		kernel.Scale(float32(1 / s))
	}
	otf := volume.FFT(volume.PadCentered(kernel, obs.Shape))

	est := volume.New(obs.Shape)
	mean := float32(obs.Sum() / float64(len(obs.Data)))
	for i := range est.Data {
		est.Data[i] = mean
	}

	for it := 0; it < iters; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blurred := volume.FFT(est).Mul(otf, false).IFFT().Real()
		ratio := volume.New(obs.Shape)
		for i := range ratio.Data {
			d := blurred.Data[i]
			if d < rlEpsilon {
				d = rlEpsilon
			}
			ratio.Data[i] = obs.Data[i] / d
		}
		correction := volume.FFT(ratio).Mul(otf, true).IFFT().Real()
		for i := range est.Data {
			v := est.Data[i] * correction.Data[i]
			if v < 0 {
				v = 0
			}
			est.Data[i] = v
		}
	}
	return est, nil
}

// Convolve blurs img with psf circularly.
func Convolve(img, psf *volume.Volume) *volume.Volume {
	kernel := psf.Clone()
	if s := kernel.Sum(); s > 0 {
		kernel.Scale(float32(1 / s))
	}
	otf := volume.FFT(volume.PadCentered(kernel, img.Shape))
	out := volume.FFT(img).Mul(otf, false).IFFT().Real()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}
