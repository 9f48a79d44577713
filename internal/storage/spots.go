package storage

import (
	"database/sql"
	"fmt"

	"merfish3d/internal/experiment"
)

// Spot table stages.
const (
	SpotsRaw      = "raw"
	SpotsFiltered = "filtered"
)

// ReplaceSpots swaps a tile's spots for one stage in a single transaction.
func (s *Store) ReplaceSpots(stage string, tile int, spots []experiment.DecodedSpot) error {
	if err := s.writable(); err != nil {
		return err
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM spots WHERE stage=? AND tile=?;`, stage, tile); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO spots (stage, tile, round, gene_index, gene_id, is_blank, local_z, local_y, local_x, global_z, global_y, global_x, area, mean_distance, min_distance, mean_magnitude, score)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sp := range spots {
		if _, err := stmt.Exec(stage, tile, sp.Round, sp.GeneIndex, sp.GeneID, sp.Blank,
			sp.LocalZYX[0], sp.LocalZYX[1], sp.LocalZYX[2],
			sp.GlobalZYX[0], sp.GlobalZYX[1], sp.GlobalZYX[2],
			sp.Area, sp.MeanDistance, sp.MinDistance, sp.MeanMagnitude, sp.Score); err != nil {
			return fmt.Errorf("insert spot: %w", err)
		}
	}
	return tx.Commit()
}

// Spots returns the spots of a stage. A negative tile selects all tiles.
func (s *Store) Spots(stage string, tile int) ([]experiment.DecodedSpot, error) {
	var rows *sql.Rows
	var err error
	const cols = `SELECT id, tile, round, gene_index, gene_id, is_blank, local_z, local_y, local_x, global_z, global_y, global_x, area, mean_distance, min_distance, mean_magnitude, score FROM spots`
	if tile < 0 {
		rows, err = s.DB.Query(cols+` WHERE stage=? ORDER BY tile, id;`, stage)
	} else {
		rows, err = s.DB.Query(cols+` WHERE stage=? AND tile=? ORDER BY id;`, stage, tile)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []experiment.DecodedSpot
	for rows.Next() {
		var sp experiment.DecodedSpot
		if err := rows.Scan(&sp.ID, &sp.Tile, &sp.Round, &sp.GeneIndex, &sp.GeneID, &sp.Blank,
			&sp.LocalZYX[0], &sp.LocalZYX[1], &sp.LocalZYX[2],
			&sp.GlobalZYX[0], &sp.GlobalZYX[1], &sp.GlobalZYX[2],
			&sp.Area, &sp.MeanDistance, &sp.MinDistance, &sp.MeanMagnitude, &sp.Score); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// CountSpots returns the number of spots per stage.
func (s *Store) CountSpots(stage string) (int, error) {
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM spots WHERE stage=?;`, stage).Scan(&n)
	return n, err
}
