package evaluate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"merfish3d/internal/experiment"
)

// Ground truth CSV columns.
const (
	colZ    = "Z"
	colY    = "Y"
	colX    = "X"
	colGene = "Gene Label"
)

// ReadGroundTruth parses a ground truth table with Z, Y, X voxel indices
// and a Gene Label holding a codebook row index. Coordinates are scaled to
// microns by voxel (z,y,x).
func ReadGroundTruth(r io.Reader, voxel [3]float64, cb *experiment.Codebook) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read ground truth header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{colZ, colY, colX, colGene} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("ground truth missing column %q", name)
		}
	}
	var out []Point
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ground truth line %d: %w", line, err)
		}
		var p Point
		for a, name := range []string{colZ, colY, colX} {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[col[name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("ground truth line %d column %s: %w", line, name, err)
			}
			p.ZYX[a] = v * voxel[a]
		}
		label, err := strconv.ParseFloat(strings.TrimSpace(rec[col[colGene]]), 64)
		if err != nil {
			return nil, fmt.Errorf("ground truth line %d gene label: %w", line, err)
		}
		g := int(label)
		if g < 0 || g >= len(cb.Genes) {
			return nil, fmt.Errorf("ground truth line %d: gene label %d outside codebook", line, g)
		}
		p.Gene = cb.Genes[g]
		out = append(out, p)
	}
	return out, nil
}

// LoadGroundTruth reads a ground truth CSV file.
func LoadGroundTruth(path string, voxel [3]float64, cb *experiment.Codebook) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadGroundTruth(f, voxel, cb)
}

// WriteGroundTruth writes points in the ReadGroundTruth layout.
func WriteGroundTruth(w io.Writer, pts []Point, voxel [3]float64, cb *experiment.Codebook) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{colZ, colY, colX, colGene}); err != nil {
		return err
	}
	for _, p := range pts {
		g := cb.Index(p.Gene)
		if g < 0 {
			return fmt.Errorf("gene %q not in codebook", p.Gene)
		}
		rec := []string{
			strconv.FormatFloat(p.ZYX[0]/voxel[0], 'f', -1, 64),
			strconv.FormatFloat(p.ZYX[1]/voxel[1], 'f', -1, 64),
			strconv.FormatFloat(p.ZYX[2]/voxel[2], 'f', -1, 64),
			strconv.Itoa(g),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FromSpots converts decoded spots to evaluation points.
func FromSpots(spots []experiment.DecodedSpot) []Point {
	out := make([]Point, len(spots))
	for i, sp := range spots {
		out[i] = Point{ZYX: sp.GlobalZYX, Gene: sp.GeneID}
	}
	return out
}
