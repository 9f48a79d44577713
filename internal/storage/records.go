package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"merfish3d/internal/experiment"
)

// SaveExperiment persists the acquisition definition and its codebook.
func (s *Store) SaveExperiment(exp *experiment.Experiment) error {
	if err := s.writable(); err != nil {
		return err
	}
	def, err := json.Marshal(exp)
	if err != nil {
		return err
	}
	var cb string
	if exp.Codebook != nil {
		var buf bytes.Buffer
		if err := exp.Codebook.Write(&buf); err != nil {
			return err
		}
		cb = buf.String()
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO experiment (id, definition_json, codebook_csv, updated_at) VALUES (1, ?, ?, CURRENT_TIMESTAMP);`, string(def), cb)
	return err
}

// Experiment loads the acquisition definition.
func (s *Store) Experiment() (*experiment.Experiment, error) {
	var def string
	var cb *string
	if err := s.DB.QueryRow(`SELECT definition_json, codebook_csv FROM experiment WHERE id=1;`).Scan(&def, &cb); err != nil {
		return nil, notFound(err, "experiment")
	}
	var exp experiment.Experiment
	if err := json.Unmarshal([]byte(def), &exp); err != nil {
		return nil, fmt.Errorf("unmarshal experiment: %w", err)
	}
	if cb != nil && *cb != "" {
		book, err := experiment.ReadCodebook(strings.NewReader(*cb))
		if err != nil {
			return nil, err
		}
		exp.Codebook = book
	}
	return &exp, nil
}

// PutLocalTransform stores a round-to-reference transform.
func (s *Store) PutLocalTransform(t experiment.LocalTransform) error {
	if err := s.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO local_transforms (tile, round, transform_json, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP);`,
		t.Tile, t.Round, string(data))
	return err
}

// LocalTransform loads the transform of a tile/round.
func (s *Store) LocalTransform(tile, round int) (experiment.LocalTransform, error) {
	var data string
	var t experiment.LocalTransform
	err := s.DB.QueryRow(`SELECT transform_json FROM local_transforms WHERE tile=? AND round=?;`, tile, round).Scan(&data)
	if err != nil {
		return t, notFound(err, fmt.Sprintf("local transform tile=%d round=%d", tile, round))
	}
	err = json.Unmarshal([]byte(data), &t)
	return t, err
}

// PutGlobalTransform stores a tile's placement in the global frame.
func (s *Store) PutGlobalTransform(t experiment.GlobalTransform) error {
	if err := s.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO global_transforms (tile, transform_json, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP);`, t.Tile, string(data))
	return err
}

// GlobalTransform loads a tile's placement.
func (s *Store) GlobalTransform(tile int) (experiment.GlobalTransform, error) {
	var data string
	var t experiment.GlobalTransform
	err := s.DB.QueryRow(`SELECT transform_json FROM global_transforms WHERE tile=?;`, tile).Scan(&data)
	if err != nil {
		return t, notFound(err, fmt.Sprintf("global transform tile=%d", tile))
	}
	err = json.Unmarshal([]byte(data), &t)
	return t, err
}

// FusedMeta is the origin and spacing of the fused volume.
type FusedMeta struct {
	Origin  [3]float64 `json:"origin_zyx_um"`
	Spacing [3]float64 `json:"spacing_zyx_um"`
}

// PutFusedMeta records the fused volume's placement.
func (s *Store) PutFusedMeta(m FusedMeta) error {
	if err := s.writable(); err != nil {
		return err
	}
	origin, _ := json.Marshal(m.Origin)
	spacing, _ := json.Marshal(m.Spacing)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO fused (id, origin_json, spacing_json, updated_at) VALUES (1, ?, ?, CURRENT_TIMESTAMP);`, string(origin), string(spacing))
	return err
}

// FusedMeta loads the fused volume's placement.
func (s *Store) FusedMeta() (FusedMeta, error) {
	var origin, spacing string
	var m FusedMeta
	if err := s.DB.QueryRow(`SELECT origin_json, spacing_json FROM fused WHERE id=1;`).Scan(&origin, &spacing); err != nil {
		return m, notFound(err, "fused metadata")
	}
	if err := json.Unmarshal([]byte(origin), &m.Origin); err != nil {
		return m, err
	}
	err := json.Unmarshal([]byte(spacing), &m.Spacing)
	return m, err
}

// Normalization vector kinds.
const (
	NormGlobal    = "global"
	NormIterative = "iterative"
)

// PutNormalization stores a set of per-bit vectors.
func (s *Store) PutNormalization(kind string, n experiment.NormVectors) error {
	if err := s.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO normalization (kind, vectors_json, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP);`, kind, string(data))
	return err
}

// Normalization loads a set of per-bit vectors.
func (s *Store) Normalization(kind string) (*experiment.NormVectors, error) {
	var data string
	if err := s.DB.QueryRow(`SELECT vectors_json FROM normalization WHERE kind=?;`, kind).Scan(&data); err != nil {
		return nil, notFound(err, "normalization "+kind)
	}
	var n experiment.NormVectors
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// PutSweepResult records one sweep configuration's outcome.
func (s *Store) PutSweepResult(params string, result any) error {
	if err := s.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO sweep_results (params, result_json) VALUES (?, ?);`, params, string(data))
	return err
}

// SweepResults returns every recorded configuration keyed by params.
func (s *Store) SweepResults() (map[string]json.RawMessage, error) {
	rows, err := s.DB.Query(`SELECT params, result_json FROM sweep_results;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]json.RawMessage{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}
