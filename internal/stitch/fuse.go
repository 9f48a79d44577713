package stitch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"merfish3d/internal/config"
	"merfish3d/internal/experiment"
	"merfish3d/internal/registration"
	"merfish3d/internal/storage"
	"merfish3d/internal/volume"
)

// FusedKey addresses the fused fiducial volume.
var FusedKey = storage.FiducialKey(storage.KindFused, -1, 0)

// Fuser blends registered tiles into one global volume.
type Fuser struct {
	store    Store
	exp      *experiment.Experiment
	cfg      config.Fusion
	parallel int
	log      *slog.Logger
}

// NewFuser builds a fuser; parallel bounds concurrent z chunks.
func NewFuser(store Store, exp *experiment.Experiment, cfg config.Fusion, parallel int, logger *slog.Logger) *Fuser {
	if logger == nil {
		logger = slog.Default()
	}
	if parallel < 1 {
		parallel = 1
	}
	return &Fuser{store: store, exp: exp, cfg: cfg, parallel: parallel, log: logger}
}

type placedTile struct {
	img    *volume.Volume
	inv    *experiment.Inverter
	lo, hi [3]float64
}

// Fuse samples every tile's reference fiducial into the global grid and
// writes the weighted average. Overlaps blend with linear lateral ramps
// over cfg.OverlapPixels.
func (f *Fuser) Fuse(ctx context.Context, transforms []experiment.GlobalTransform) (*volume.Volume, storage.FusedMeta, error) {
	var meta storage.FusedMeta
	if len(transforms) == 0 {
		return nil, meta, fmt.Errorf("no global transforms to fuse")
	}
	shape := f.exp.Shape()
	tiles := make([]placedTile, 0, len(transforms))
	for _, gt := range transforms {
		img, err := f.store.Image(storage.FiducialKey(storage.KindRegisteredFiducial, gt.Tile, registration.ReferenceRound))
		if err != nil || img.Shape != shape {
			f.log.Warn("tile missing from fusion", "tile", gt.Tile, "error", err)
			continue
		}
		inv, err := gt.Inverse()
		if err != nil {
			return nil, meta, err
		}
		lo, hi := gt.Bounds(shape)
		tiles = append(tiles, placedTile{img: img, inv: inv, lo: lo, hi: hi})
	}
	out, meta := f.blend(ctx, tiles, f.exp.VoxelSizeZYX)
	if err := ctx.Err(); err != nil {
		return nil, meta, err
	}
	n, err := f.store.PutImage(FusedKey, out)
	if err != nil {
		return nil, meta, err
	}
	if err := f.store.PutFusedMeta(meta); err != nil {
		return nil, meta, err
	}
	f.log.Info("fused volume stored", "shape", out.Shape.String(), "bytes", n, "tiles", len(tiles))
	return out, meta, nil
}

// blend computes the fused grid over the union of tile bounds.
func (f *Fuser) blend(ctx context.Context, tiles []placedTile, voxel [3]float64) (*volume.Volume, storage.FusedMeta) {
	var meta storage.FusedMeta
	for a := range meta.Spacing {
		ds := f.cfg.Downsample[a]
		if ds <= 0 {
			ds = 1
		}
		meta.Spacing[a] = voxel[a] * ds
	}
	if len(tiles) == 0 {
		return volume.New(volume.Shape{Z: 1, Y: 1, X: 1}), meta
	}
	var hi [3]float64
	for i, t := range tiles {
		for a := 0; a < 3; a++ {
			if i == 0 || t.lo[a] < meta.Origin[a] {
				meta.Origin[a] = t.lo[a]
			}
			if i == 0 || t.hi[a] > hi[a] {
				hi[a] = t.hi[a]
			}
		}
	}
	var dims [3]int
	for a := 0; a < 3; a++ {
		dims[a] = int(math.Floor((hi[a]-meta.Origin[a])/meta.Spacing[a]+1e-9)) + 1
	}
	out := volume.New(volume.Shape{Z: dims[0], Y: dims[1], X: dims[2]})

	chunk := max(f.cfg.ChunkSize, 1)
	sem := make(chan struct{}, f.parallel)
	var wg sync.WaitGroup
	for z0 := 0; z0 < dims[0]; z0 += chunk {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(z0, z1 int) {
			defer wg.Done()
			defer func() { <-sem }()
			f.blendChunk(out, tiles, meta, z0, z1)
		}(z0, min(z0+chunk, dims[0]))
	}
	wg.Wait()
	return out, meta
}

func (f *Fuser) blendChunk(out *volume.Volume, tiles []placedTile, meta storage.FusedMeta, z0, z1 int) {
	sh := out.Shape
	for z := z0; z < z1; z++ {
		wz := meta.Origin[0] + float64(z)*meta.Spacing[0]
		for y := 0; y < sh.Y; y++ {
			wy := meta.Origin[1] + float64(y)*meta.Spacing[1]
			for x := 0; x < sh.X; x++ {
				wx := meta.Origin[2] + float64(x)*meta.Spacing[2]
				world := [3]float64{wz, wy, wx}
				var acc, wsum float64
				for _, t := range tiles {
					if !t.covers(world) {
						continue
					}
					idx := snapIndex(t.inv.Index(world), t.img.Shape)
					val, ok := t.img.Sample(idx[0], idx[1], idx[2])
					if !ok {
						continue
					}
					w := rampWeight(idx, t.img.Shape, f.cfg.OverlapPixels)
					acc += w * float64(val)
					wsum += w
				}
				if wsum > 0 {
					out.Set(z, y, x, float32(acc/wsum))
				}
			}
		}
	}
}

func (t placedTile) covers(w [3]float64) bool {
	const eps = 1e-9
	for a := 0; a < 3; a++ {
		if w[a] < t.lo[a]-eps || w[a] > t.hi[a]+eps {
			return false
		}
	}
	return true
}

// rampWeight falls linearly from 1 to near 0 across the last overlap pixels
// of each lateral edge.
func rampWeight(idx [3]float64, shape volume.Shape, overlap int) float64 {
	if overlap <= 0 {
		return 1
	}
	ramp := func(p float64, n int) float64 {
		d := math.Min(p, float64(n-1)-p) + 1
		return math.Min(1, math.Max(d/float64(overlap), 1e-3))
	}
	return ramp(idx[1], shape.Y) * ramp(idx[2], shape.X)
}

// snapIndex pulls indices within rounding error of the tile edge inside.
func snapIndex(idx [3]float64, shape volume.Shape) [3]float64 {
	const tol = 1e-6
	dims := [3]int{shape.Z, shape.Y, shape.X}
	for a := range idx {
		hi := float64(dims[a] - 1)
		if idx[a] < 0 && idx[a] > -tol {
			idx[a] = 0
		} else if idx[a] > hi && idx[a] < hi+tol {
			idx[a] = hi
		}
	}
	return idx
}
