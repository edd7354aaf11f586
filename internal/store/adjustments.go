package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/coverscast/internal/models"
)

// ErrSupersededEffectiveFrom is returned when a new adjustment would start
// before the venue's current one.
var ErrSupersededEffectiveFrom = errors.New("effective_from precedes the current adjustment")

const adjustmentColumns = `id, venue_id, effective_from, effective_to, covers_offset, day_type_offsets, revenue_offset, reason, created_by, created_at, last_decayed_on`

func scanAdjustments(rows *sql.Rows) ([]models.BiasAdjustment, error) {
	defer rows.Close()

	var result []models.BiasAdjustment
	for rows.Next() {
		var a models.BiasAdjustment
		var from, offsetsJSON string
		var to, decayed sql.NullString
		if err := rows.Scan(&a.ID, &a.VenueID, &from, &to, &a.CoversOffset, &offsetsJSON, &a.RevenueOffset,
			&a.Reason, &a.CreatedBy, &a.CreatedAt, &decayed); err != nil {
			return nil, err
		}

		var err error
		if a.EffectiveFrom, err = scanDate(from); err != nil {
			return nil, err
		}
		if a.EffectiveTo, err = scanNullDate(to); err != nil {
			return nil, err
		}
		if a.LastDecayedOn, err = scanNullDate(decayed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(offsetsJSON), &a.DayTypeOffsets); err != nil {
			return nil, fmt.Errorf("adjustment %d day_type_offsets: %w", a.ID, err)
		}
		if a.DayTypeOffsets == nil {
			a.DayTypeOffsets = map[models.DayType]int{}
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// GetCurrentAdjustments returns the open-ended adjustment of every venue
// that has one.
func (s *Store) GetCurrentAdjustments() ([]models.BiasAdjustment, error) {
	rows, err := s.db.Query(`
		SELECT ` + adjustmentColumns + `
		FROM forecast_bias_adjustments
		WHERE effective_to IS NULL
		ORDER BY venue_id
	`)
	if err != nil {
		return nil, err
	}
	return scanAdjustments(rows)
}

func (s *Store) GetCurrentAdjustment(venueID string) (*models.BiasAdjustment, error) {
	rows, err := s.db.Query(`
		SELECT `+adjustmentColumns+`
		FROM forecast_bias_adjustments
		WHERE venue_id = ? AND effective_to IS NULL
	`, venueID)
	if err != nil {
		return nil, err
	}
	adjs, err := scanAdjustments(rows)
	if err != nil || len(adjs) == 0 {
		return nil, err
	}
	return &adjs[0], nil
}

// GetAdjustmentHistory returns every version for a venue, newest first.
func (s *Store) GetAdjustmentHistory(venueID string) ([]models.BiasAdjustment, error) {
	rows, err := s.db.Query(`
		SELECT `+adjustmentColumns+`
		FROM forecast_bias_adjustments
		WHERE venue_id = ?
		ORDER BY effective_from DESC
	`, venueID)
	if err != nil {
		return nil, err
	}
	return scanAdjustments(rows)
}

// GetAdjustmentsOverlapping returns versions for a venue whose effective
// interval intersects [from, to].
func (s *Store) GetAdjustmentsOverlapping(venueID string, from, to time.Time) ([]models.BiasAdjustment, error) {
	rows, err := s.db.Query(`
		SELECT `+adjustmentColumns+`
		FROM forecast_bias_adjustments
		WHERE venue_id = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to >= ?)
		ORDER BY effective_from
	`, venueID, formatDate(to), formatDate(from))
	if err != nil {
		return nil, err
	}
	return scanAdjustments(rows)
}

// ApplyAdjustments installs each adjustment as its venue's current version.
// The prior current row is closed the day before the new effective_from; a
// current row starting on the same day is rewritten in place. All venues
// commit together or not at all.
func (s *Store) ApplyAdjustments(adjs []models.BiasAdjustment) ([]int64, error) {
	ids := make([]int64, 0, len(adjs))
	err := s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, a := range adjs {
			from := models.Date(a.EffectiveFrom)

			var currentFrom sql.NullString
			if err := tx.QueryRow(`
				SELECT effective_from FROM forecast_bias_adjustments
				WHERE venue_id = ? AND effective_to IS NULL
			`, a.VenueID).Scan(&currentFrom); err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("lookup current adjustment %s: %w", a.VenueID, err)
			}
			if currentFrom.Valid && currentFrom.String > formatDate(from) {
				return fmt.Errorf("venue %s: %w", a.VenueID, ErrSupersededEffectiveFrom)
			}

			if _, err := tx.Exec(`
				UPDATE forecast_bias_adjustments SET effective_to = ?
				WHERE venue_id = ? AND effective_to IS NULL AND effective_from < ?
			`, formatDate(from.AddDate(0, 0, -1)), a.VenueID, formatDate(from)); err != nil {
				return fmt.Errorf("close current adjustment %s: %w", a.VenueID, err)
			}

			offsets := a.DayTypeOffsets
			if offsets == nil {
				offsets = map[models.DayType]int{}
			}
			offsetsJSON, err := json.Marshal(offsets)
			if err != nil {
				return err
			}

			createdAt := a.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}

			var id int64
			if currentFrom.Valid && currentFrom.String == formatDate(from) {
				err = tx.QueryRow(`
					UPDATE forecast_bias_adjustments SET
						covers_offset = ?,
						day_type_offsets = ?,
						revenue_offset = ?,
						reason = ?,
						created_by = ?,
						created_at = ?,
						last_decayed_on = NULL
					WHERE venue_id = ? AND effective_to IS NULL
					RETURNING id
				`, a.CoversOffset, string(offsetsJSON), a.RevenueOffset, a.Reason, a.CreatedBy, createdAt.UTC(),
					a.VenueID).Scan(&id)
			} else {
				err = tx.QueryRow(`
					INSERT INTO forecast_bias_adjustments (venue_id, effective_from, effective_to, covers_offset, day_type_offsets, revenue_offset, reason, created_by, created_at, last_decayed_on)
					VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?, NULL)
					RETURNING id
				`, a.VenueID, formatDate(from), a.CoversOffset, string(offsetsJSON), a.RevenueOffset,
					a.Reason, a.CreatedBy, createdAt.UTC()).Scan(&id)
			}
			if err != nil {
				return fmt.Errorf("write adjustment %s: %w", a.VenueID, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ApplyDecay writes attenuated offsets back onto current rows, stamping
// last_decayed_on. A row already decayed on or after today, or closed in the
// meantime, is skipped; the return value counts rows actually written.
func (s *Store) ApplyDecay(adjs []models.BiasAdjustment, today time.Time) (int, error) {
	var updated int
	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			UPDATE forecast_bias_adjustments SET
				covers_offset = ?,
				day_type_offsets = ?,
				revenue_offset = ?,
				last_decayed_on = ?
			WHERE id = ?
			  AND effective_to IS NULL
			  AND (last_decayed_on IS NULL OR last_decayed_on < ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		day := formatDate(today)
		for _, a := range adjs {
			offsetsJSON, err := json.Marshal(a.DayTypeOffsets)
			if err != nil {
				return err
			}
			res, err := stmt.Exec(a.CoversOffset, string(offsetsJSON), a.RevenueOffset, day, a.ID, day)
			if err != nil {
				return fmt.Errorf("decay adjustment %d: %w", a.ID, err)
			}
			n, _ := res.RowsAffected()
			updated += int(n)
		}
		return nil
	})
	return updated, err
}
