package experiment

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// DefaultBlankPrefix marks decoy barcodes that encode no gene.
const DefaultBlankPrefix = "Blank"

// Codebook maps gene identities to barcodes over num_bits.
type Codebook struct {
	Genes []string
	Codes [][]uint8
}

// NumBits is the barcode length.
func (c *Codebook) NumBits() int {
	if c == nil || len(c.Codes) == 0 {
		return 0
	}
	return len(c.Codes[0])
}

// Index returns the row of gene, or -1.
func (c *Codebook) Index(gene string) int {
	for i, g := range c.Genes {
		if g == gene {
			return i
		}
	}
	return -1
}

// IsBlank reports whether row i is a decoy.
func (c *Codebook) IsBlank(i int, prefix string) bool {
	if prefix == "" {
		prefix = DefaultBlankPrefix
	}
	return strings.HasPrefix(c.Genes[i], prefix)
}

// CountBlank returns the number of decoy and target rows.
func (c *Codebook) CountBlank(prefix string) (blank, target int) {
	for i := range c.Genes {
		if c.IsBlank(i, prefix) {
			blank++
		} else {
			target++
		}
	}
	return blank, target
}

// UnitCodes returns each barcode scaled to unit L2 norm.
func (c *Codebook) UnitCodes() [][]float64 {
	out := make([][]float64, len(c.Codes))
	for i, code := range c.Codes {
		row := make([]float64, len(code))
		var norm float64
		for j, b := range code {
			row[j] = float64(b)
			norm += row[j] * row[j]
		}
		if norm > 0 {
			inv := 1 / math.Sqrt(norm)
			for j := range row {
				row[j] *= inv
			}
		}
		out[i] = row
	}
	return out
}

// LoadCodebook reads a CSV with a header `gene_id,bit01,...,bitNN`.
func LoadCodebook(path string) (*Codebook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open codebook: %w", err)
	}
	defer f.Close()
	return ReadCodebook(f)
}

// ReadCodebook parses codebook CSV content.
func ReadCodebook(r io.Reader) (*Codebook, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read codebook header: %w", err)
	}
	nbits := len(header) - 1
	if nbits < 1 {
		return nil, &ValidationError{Field: "codebook", Reason: "no bit columns"}
	}
	cb := &Codebook{}
	seen := map[string]bool{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read codebook line %d: %w", line, err)
		}
		if len(rec) != nbits+1 {
			return nil, &ValidationError{Field: "codebook", Reason: fmt.Sprintf("line %d has %d bits, expected %d", line, len(rec)-1, nbits)}
		}
		gene := strings.TrimSpace(rec[0])
		if seen[gene] {
			return nil, &ValidationError{Field: "codebook", Reason: fmt.Sprintf("duplicate gene %q", gene)}
		}
		seen[gene] = true
		code := make([]uint8, nbits)
		for j, s := range rec[1:] {
			v, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || v < 0 || v > 2 {
				return nil, &ValidationError{Field: "codebook", Reason: fmt.Sprintf("line %d bit %d: %q", line, j+1, s)}
			}
			code[j] = uint8(v)
		}
		cb.Genes = append(cb.Genes, gene)
		cb.Codes = append(cb.Codes, code)
	}
	if len(cb.Genes) == 0 {
		return nil, &ValidationError{Field: "codebook", Reason: "no rows"}
	}
	return cb, nil
}

// Write emits the codebook as CSV.
func (c *Codebook) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"gene_id"}
	for j := 0; j < c.NumBits(); j++ {
		header = append(header, fmt.Sprintf("bit%02d", j+1))
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, g := range c.Genes {
		rec := []string{g}
		for _, b := range c.Codes[i] {
			rec = append(rec, strconv.Itoa(int(b)))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
