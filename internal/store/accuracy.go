package store

import (
	"database/sql"
	"fmt"

	"github.com/lox/coverscast/internal/models"
)

// ApplyAccuracyStats replaces the whole cache with a full recompute in one
// transaction. A (venue, day_type) row missing from stats is removed, so an
// empty slice clears the cache.
func (s *Store) ApplyAccuracyStats(stats []models.AccuracyStat) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM forecast_accuracy_stats`); err != nil {
			return fmt.Errorf("clear accuracy stats: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO forecast_accuracy_stats (venue_id, day_type, mape, within_10pct, within_20pct, avg_bias, sample_size, window_start, window_end, last_computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(venue_id, day_type) DO UPDATE SET
				mape = excluded.mape,
				within_10pct = excluded.within_10pct,
				within_20pct = excluded.within_20pct,
				avg_bias = excluded.avg_bias,
				sample_size = excluded.sample_size,
				window_start = excluded.window_start,
				window_end = excluded.window_end,
				last_computed_at = excluded.last_computed_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, st := range stats {
			if _, err := stmt.Exec(st.VenueID, string(st.DayType), st.MAPE, st.Within10Pct, st.Within20Pct, st.AvgBias,
				st.SampleSize, formatDate(st.WindowStart), formatDate(st.WindowEnd), st.LastComputedAt.UTC()); err != nil {
				return fmt.Errorf("upsert accuracy %s/%s: %w", st.VenueID, st.DayType, err)
			}
		}
		return nil
	})
}

// GetAccuracyStats returns cached stats; an empty venueID matches all venues.
func (s *Store) GetAccuracyStats(venueID string) ([]models.AccuracyStat, error) {
	rows, err := s.db.Query(`
		SELECT venue_id, day_type, mape, within_10pct, within_20pct, avg_bias, sample_size, window_start, window_end, last_computed_at
		FROM forecast_accuracy_stats
		WHERE ? = '' OR venue_id = ?
		ORDER BY venue_id, day_type
	`, venueID, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.AccuracyStat
	for rows.Next() {
		var st models.AccuracyStat
		var dayType, windowStart, windowEnd string
		if err := rows.Scan(&st.VenueID, &dayType, &st.MAPE, &st.Within10Pct, &st.Within20Pct, &st.AvgBias,
			&st.SampleSize, &windowStart, &windowEnd, &st.LastComputedAt); err != nil {
			return nil, err
		}
		st.DayType = models.DayType(dayType)
		if st.WindowStart, err = scanDate(windowStart); err != nil {
			return nil, err
		}
		if st.WindowEnd, err = scanDate(windowEnd); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
