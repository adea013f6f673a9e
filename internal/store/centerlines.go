package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/models"
)

// ImportCenterlines bulk-loads street centerline geometry for a region,
// replacing any previous import for that region. Centerlines are read-only
// reference data to the rest of the pipeline.
func (s *Store) ImportCenterlines(ctx context.Context, region string, lines []models.StreetCenterline) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return rangererrors.WrapStore("import_centerlines", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM street_centerlines WHERE region = ?`, region); err != nil {
		return rangererrors.WrapStore("import_centerlines", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO street_centerlines (id, region, street_name, street_name_normalized,
			from_address, to_address, city, geometry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return rangererrors.WrapStore("import_centerlines", err)
	}
	defer stmt.Close()

	for i, line := range lines {
		if len(line.Geometry) < 2 {
			return fmt.Errorf("centerline %d (%s): geometry needs at least two points", i, line.StreetName)
		}
		geomJSON, err := json.Marshal(line.Geometry)
		if err != nil {
			return fmt.Errorf("centerline %d: marshal geometry: %w", i, err)
		}
		id := line.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, id, region, line.StreetName,
			line.StreetNameNormalized, line.FromAddress, line.ToAddress,
			line.City, string(geomJSON)); err != nil {
			return rangererrors.WrapStore("import_centerlines", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return rangererrors.WrapStore("import_centerlines", err)
	}
	return nil
}

// FindCenterlines returns centerlines in a region whose normalized street
// name contains street and whose address range spans blockNumber.
func (s *Store) FindCenterlines(ctx context.Context, region, street string, blockNumber int) ([]models.StreetCenterline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, region, street_name, street_name_normalized, from_address,
			to_address, city, geometry
		 FROM street_centerlines
		 WHERE region = ?
		   AND street_name_normalized LIKE '%' || ? || '%'
		   AND from_address <= ? AND to_address >= ?
		 ORDER BY street_name_normalized, from_address`,
		region, street, blockNumber, blockNumber)
	if err != nil {
		return nil, rangererrors.WrapStore("find_centerlines", err)
	}
	defer rows.Close()

	var lines []models.StreetCenterline
	for rows.Next() {
		var line models.StreetCenterline
		var geomJSON string
		if err := rows.Scan(&line.ID, &line.Region, &line.StreetName,
			&line.StreetNameNormalized, &line.FromAddress, &line.ToAddress,
			&line.City, &geomJSON); err != nil {
			return nil, rangererrors.WrapStore("scan_centerline", err)
		}
		if err := json.Unmarshal([]byte(geomJSON), &line.Geometry); err != nil {
			return nil, fmt.Errorf("centerline %s: corrupt geometry: %w", line.ID, err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
