package storage

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"merfish3d/internal/volume"
)

// ImageKind names a family of stored volumes.
type ImageKind string

const (
	KindCorrectedFiducial  ImageKind = "corrected_fiducial"
	KindCorrectedReadout   ImageKind = "corrected_readout"
	KindRegisteredFiducial ImageKind = "registered_fiducial"
	KindRegisteredReadout  ImageKind = "registered_readout"
	KindSpotProbability    ImageKind = "spot_probability"
	KindFused              ImageKind = "fused"
)

// ImageKey addresses one stored volume. Fiducial images use Bit = -1,
// readout images are keyed by bit with Round set to the imaging round.
type ImageKey struct {
	Kind  ImageKind
	Tile  int
	Round int
	Bit   int
}

func (k ImageKey) String() string {
	return fmt.Sprintf("%s[tile=%d round=%d bit=%d]", k.Kind, k.Tile, k.Round, k.Bit)
}

// FiducialKey addresses a tile/round fiducial volume.
func FiducialKey(kind ImageKind, tile, round int) ImageKey {
	return ImageKey{Kind: kind, Tile: tile, Round: round, Bit: -1}
}

// ReadoutKey addresses a tile/bit readout volume.
func ReadoutKey(kind ImageKind, tile, round, bit int) ImageKey {
	return ImageKey{Kind: kind, Tile: tile, Round: round, Bit: bit}
}

// PutImage stores or replaces a volume and returns the encoded size.
func (s *Store) PutImage(key ImageKey, v *volume.Volume) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	blob, err := encodeVolume(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO images (kind, tile, round, bit, size_z, size_y, size_x, data, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		string(key.Kind), key.Tile, key.Round, key.Bit, v.Shape.Z, v.Shape.Y, v.Shape.X, blob)
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", key, err)
	}
	return len(blob), nil
}

// Image loads a stored volume.
func (s *Store) Image(key ImageKey) (*volume.Volume, error) {
	var shape volume.Shape
	var blob []byte
	err := s.DB.QueryRow(`SELECT size_z, size_y, size_x, data FROM images WHERE kind=? AND tile=? AND round=? AND bit=?;`,
		string(key.Kind), key.Tile, key.Round, key.Bit).Scan(&shape.Z, &shape.Y, &shape.X, &blob)
	if err != nil {
		return nil, notFound(err, key.String())
	}
	v, err := decodeVolume(shape, blob)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// HasImage reports whether a volume exists.
func (s *Store) HasImage(key ImageKey) (bool, error) {
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM images WHERE kind=? AND tile=? AND round=? AND bit=?;`,
		string(key.Kind), key.Tile, key.Round, key.Bit).Scan(&n)
	return n > 0, err
}

// ImageBytes sums the encoded size of all volumes of a kind.
func (s *Store) ImageBytes(kind ImageKind) (int64, error) {
	var n int64
	err := s.DB.QueryRow(`SELECT COALESCE(SUM(LENGTH(data)), 0) FROM images WHERE kind=?;`, string(kind)).Scan(&n)
	return n, err
}

// PutPSF stores the point-spread function of a channel.
func (s *Store) PutPSF(channel string, psf *volume.Volume) error {
	if err := s.writable(); err != nil {
		return err
	}
	blob, err := encodeVolume(psf)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO psfs (channel, size_z, size_y, size_x, data) VALUES (?, ?, ?, ?, ?);`,
		channel, psf.Shape.Z, psf.Shape.Y, psf.Shape.X, blob)
	return err
}

// PSF loads the point-spread function of a channel.
func (s *Store) PSF(channel string) (*volume.Volume, error) {
	var shape volume.Shape
	var blob []byte
	err := s.DB.QueryRow(`SELECT size_z, size_y, size_x, data FROM psfs WHERE channel=?;`, channel).
		Scan(&shape.Z, &shape.Y, &shape.X, &blob)
	if err != nil {
		return nil, notFound(err, "psf "+channel)
	}
	return decodeVolume(shape, blob)
}

// encodeVolume writes little-endian float32 voxels through zlib.
func encodeVolume(v *volume.Volume) ([]byte, error) {
	raw := make([]byte, 4*len(v.Data))
	for i, f := range v.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVolume(shape volume.Shape, blob []byte) (*volume.Volume, error) {
	zr, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	if len(raw) != 4*shape.Len() {
		return nil, fmt.Errorf("payload %d bytes does not match shape %s", len(raw), shape)
	}
	v := volume.New(shape)
	for i := range v.Data {
		v.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return v, nil
}
