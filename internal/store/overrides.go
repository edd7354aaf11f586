package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/coverscast/internal/models"
)

const overrideColumns = `id, venue_id, business_date, forecast_pre_override, forecast_post_override, reason, created_by, created_at, actual_covers, error_model, error_override, outcome_recorded_at`

// InsertOverride records a manager override. A second override for the same
// venue-day replaces the post-override value but keeps the original model
// forecast, since that is what the override is judged against.
func (s *Store) InsertOverride(o models.Override) (int64, error) {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO forecast_overrides (venue_id, business_date, forecast_pre_override, forecast_post_override, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue_id, business_date) DO UPDATE SET
			forecast_post_override = excluded.forecast_post_override,
			reason = excluded.reason,
			created_by = excluded.created_by
		WHERE outcome_recorded_at IS NULL
		RETURNING id
	`, o.VenueID, formatDate(o.BusinessDate), o.ForecastPreOverride, o.ForecastPostOverride,
		o.Reason, o.CreatedBy, createdAt.UTC()).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("override for %s on %s already closed", o.VenueID, formatDate(o.BusinessDate))
	}
	return id, err
}

func scanOverrides(rows *sql.Rows) ([]models.Override, error) {
	defer rows.Close()

	var overrides []models.Override
	for rows.Next() {
		var o models.Override
		var businessDate string
		if err := rows.Scan(&o.ID, &o.VenueID, &businessDate, &o.ForecastPreOverride, &o.ForecastPostOverride,
			&o.Reason, &o.CreatedBy, &o.CreatedAt, &o.ActualCovers, &o.ErrorModel, &o.ErrorOverride,
			&o.OutcomeRecordedAt); err != nil {
			return nil, err
		}
		d, err := scanDate(businessDate)
		if err != nil {
			return nil, err
		}
		o.BusinessDate = d
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func (s *Store) GetOverride(id int64) (*models.Override, error) {
	rows, err := s.db.Query(`SELECT `+overrideColumns+` FROM forecast_overrides WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	overrides, err := scanOverrides(rows)
	if err != nil || len(overrides) == 0 {
		return nil, err
	}
	return &overrides[0], nil
}

// GetPendingOverrides returns overrides for dates before `before` whose
// outcome has not been recorded yet.
func (s *Store) GetPendingOverrides(before time.Time) ([]models.Override, error) {
	rows, err := s.db.Query(`
		SELECT `+overrideColumns+`
		FROM forecast_overrides
		WHERE outcome_recorded_at IS NULL AND business_date < ?
		ORDER BY business_date, venue_id
	`, formatDate(before))
	if err != nil {
		return nil, err
	}
	return scanOverrides(rows)
}

// GetClosedOverrides returns overrides with recorded outcomes; an empty
// venueID matches all venues.
func (s *Store) GetClosedOverrides(venueID string) ([]models.Override, error) {
	rows, err := s.db.Query(`
		SELECT `+overrideColumns+`
		FROM forecast_overrides
		WHERE outcome_recorded_at IS NOT NULL AND (? = '' OR venue_id = ?)
		ORDER BY venue_id, business_date
	`, venueID, venueID)
	if err != nil {
		return nil, err
	}
	return scanOverrides(rows)
}

// ApplyOverrideOutcomes writes actuals and errors onto overrides that are
// still open. Rows closed by a concurrent run are skipped, so each override
// is recorded at most once.
func (s *Store) ApplyOverrideOutcomes(closed []models.Override) (int, error) {
	var updated int
	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			UPDATE forecast_overrides SET
				actual_covers = ?,
				error_model = ?,
				error_override = ?,
				outcome_recorded_at = ?
			WHERE id = ? AND outcome_recorded_at IS NULL
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, o := range closed {
			res, err := stmt.Exec(o.ActualCovers, o.ErrorModel, o.ErrorOverride, o.OutcomeRecordedAt.Time.UTC(), o.ID)
			if err != nil {
				return fmt.Errorf("record override %d: %w", o.ID, err)
			}
			n, _ := res.RowsAffected()
			updated += int(n)
		}
		return nil
	})
	return updated, err
}
