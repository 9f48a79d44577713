package storage

import (
	"database/sql"
	"errors"
)

// Pipeline stage flags.
const (
	FlagCalibrations     = "Calibrations"
	FlagCorrected        = "Corrected"
	FlagLocalRegistered  = "LocalRegistered"
	FlagGlobalRegistered = "GlobalRegistered"
	FlagFused            = "Fused"
	FlagCalibrated       = "Calibrated"
	FlagDecoded          = "Decoded"
	FlagFiltered         = "Filtered"
)

// AllFlags lists the flags in pipeline order.
var AllFlags = []string{
	FlagCalibrations, FlagCorrected, FlagLocalRegistered, FlagGlobalRegistered,
	FlagFused, FlagCalibrated, FlagDecoded, FlagFiltered,
}

// Per-tile decode states.
const (
	TileUnprocessed = "UNPROCESSED"
	TileNormalized  = "NORMALIZED"
	TileDecoded     = "DECODED"
	TileFiltered    = "FILTERED"
	TilePersisted   = "PERSISTED"
)

// TileStatus is a tile's decode state plus its incomplete marker.
type TileStatus struct {
	Tile       int    `json:"tile"`
	State      string `json:"state"`
	Incomplete bool   `json:"incomplete"`
	Reason     string `json:"reason,omitempty"`
}

// SetFlag records a pipeline stage as done or not.
func (s *Store) SetFlag(name string, done bool) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO state_flags (name, done, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP);`, name, done)
	return err
}

// Flag reports whether a stage is done. Unknown flags are false.
func (s *Store) Flag(name string) (bool, error) {
	var done bool
	err := s.DB.QueryRow(`SELECT done FROM state_flags WHERE name=?;`, name).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return done, err
}

// Flags returns every known flag.
func (s *Store) Flags() (map[string]bool, error) {
	out := make(map[string]bool, len(AllFlags))
	for _, f := range AllFlags {
		out[f] = false
	}
	rows, err := s.DB.Query(`SELECT name, done FROM state_flags;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var done bool
		if err := rows.Scan(&name, &done); err != nil {
			return nil, err
		}
		out[name] = done
	}
	return out, rows.Err()
}

// SetTileState moves a tile to a decode state and clears its incomplete mark.
func (s *Store) SetTileState(tile int, state string) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.DB.Exec(`INSERT INTO tile_state (tile, state, incomplete, reason, updated_at) VALUES (?, ?, FALSE, '', CURRENT_TIMESTAMP)
        ON CONFLICT(tile) DO UPDATE SET state=excluded.state, incomplete=FALSE, reason='', updated_at=CURRENT_TIMESTAMP;`, tile, state)
	return err
}

// MarkTileIncomplete flags a tile abandoned after a hard error.
func (s *Store) MarkTileIncomplete(tile int, reason string) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.DB.Exec(`INSERT INTO tile_state (tile, state, incomplete, reason, updated_at) VALUES (?, ?, TRUE, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(tile) DO UPDATE SET incomplete=TRUE, reason=excluded.reason, updated_at=CURRENT_TIMESTAMP;`, tile, TileUnprocessed, reason)
	return err
}

// TileStatus returns a tile's state, UNPROCESSED when never recorded.
func (s *Store) TileStatus(tile int) (TileStatus, error) {
	st := TileStatus{Tile: tile, State: TileUnprocessed}
	var reason sql.NullString
	err := s.DB.QueryRow(`SELECT state, incomplete, reason FROM tile_state WHERE tile=?;`, tile).Scan(&st.State, &st.Incomplete, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	st.Reason = reason.String
	return st, err
}

// TileStatuses returns every recorded tile state.
func (s *Store) TileStatuses() ([]TileStatus, error) {
	rows, err := s.DB.Query(`SELECT tile, state, incomplete, reason FROM tile_state ORDER BY tile;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TileStatus
	for rows.Next() {
		var st TileStatus
		var reason sql.NullString
		if err := rows.Scan(&st.Tile, &st.State, &st.Incomplete, &reason); err != nil {
			return nil, err
		}
		st.Reason = reason.String
		out = append(out, st)
	}
	return out, rows.Err()
}
