package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lox/coverscast/internal/models"
)

type Store struct {
	db  *sql.DB
	loc *time.Location
}

func New(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

// Location is the timezone business dates are reckoned in.
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) Ping() error {
	return s.db.Ping()
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IsBusy reports whether err is SQLite lock contention worth retrying.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func formatDate(t time.Time) string {
	return t.Format(models.DateLayout)
}

func scanDate(s string) (time.Time, error) {
	d, err := models.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

func scanNullDate(ns sql.NullString) (sql.NullTime, error) {
	if !ns.Valid {
		return sql.NullTime{}, nil
	}
	d, err := scanDate(ns.String)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: d, Valid: true}, nil
}

func (s *Store) InsertForecast(f models.Forecast) (int64, error) {
	var dayType sql.NullString
	if f.DayType.Valid() {
		dayType = sql.NullString{String: string(f.DayType), Valid: true}
	}
	result, err := s.db.Exec(`
		INSERT INTO forecasts (venue_id, business_date, shift_type, generated_at, covers_predicted, covers_lower, covers_upper, revenue_predicted, model_version, day_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue_id, business_date, shift_type, generated_at) DO NOTHING
	`, f.VenueID, formatDate(f.BusinessDate), f.ShiftType, f.GeneratedAt.UTC(), f.CoversPredicted,
		f.CoversLower, f.CoversUpper, f.RevenuePredicted, f.ModelVersion, dayType)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const forecastColumns = `id, venue_id, business_date, shift_type, generated_at, covers_predicted, covers_lower, covers_upper, revenue_predicted, model_version, day_type`

func scanForecasts(rows *sql.Rows) ([]models.Forecast, error) {
	defer rows.Close()

	var forecasts []models.Forecast
	for rows.Next() {
		var f models.Forecast
		var businessDate string
		var dayType sql.NullString
		if err := rows.Scan(&f.ID, &f.VenueID, &businessDate, &f.ShiftType, &f.GeneratedAt, &f.CoversPredicted,
			&f.CoversLower, &f.CoversUpper, &f.RevenuePredicted, &f.ModelVersion, &dayType); err != nil {
			return nil, err
		}
		d, err := scanDate(businessDate)
		if err != nil {
			return nil, err
		}
		f.BusinessDate = d
		f.DayType = models.DayType(dayType.String)
		forecasts = append(forecasts, f)
	}
	return forecasts, rows.Err()
}

// GetForecasts returns every revision with business_date in [from, to).
// An empty venueID matches all venues.
func (s *Store) GetForecasts(venueID string, from, to time.Time) ([]models.Forecast, error) {
	rows, err := s.db.Query(`
		SELECT `+forecastColumns+`
		FROM forecasts
		WHERE business_date >= ? AND business_date < ?
		  AND (? = '' OR venue_id = ?)
		ORDER BY venue_id, business_date, shift_type, generated_at
	`, formatDate(from), formatDate(to), venueID, venueID)
	if err != nil {
		return nil, err
	}
	return scanForecasts(rows)
}

// GetUnclassifiedForecasts returns forecasts still missing a day-type tag.
func (s *Store) GetUnclassifiedForecasts() ([]models.Forecast, error) {
	rows, err := s.db.Query(`SELECT ` + forecastColumns + ` FROM forecasts WHERE day_type IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanForecasts(rows)
}

// SetForecastDayTypes back-fills day-type tags. Rows that already carry a
// tag are left alone, so the return value counts only rows newly tagged.
func (s *Store) SetForecastDayTypes(tags map[int64]models.DayType) (int, error) {
	var updated int
	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`UPDATE forecasts SET day_type = ? WHERE id = ? AND day_type IS NULL`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for id, dt := range tags {
			res, err := stmt.Exec(string(dt), id)
			if err != nil {
				return fmt.Errorf("tag forecast %d: %w", id, err)
			}
			n, _ := res.RowsAffected()
			updated += int(n)
		}
		return nil
	})
	return updated, err
}

func (s *Store) UpsertOutcome(o models.Outcome) error {
	updatedAt := o.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	source := o.Source
	if source == "" {
		source = "manual"
	}
	_, err := s.db.Exec(`
		INSERT INTO venue_day_facts (venue_id, business_date, covers_count, revenue, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue_id, business_date) DO UPDATE SET
			covers_count = excluded.covers_count,
			revenue = excluded.revenue,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, o.VenueID, formatDate(o.BusinessDate), o.CoversCount, o.Revenue, source, updatedAt.UTC())
	return err
}

// GetOutcomes returns venue-day facts with business_date in [from, to).
// An empty venueID matches all venues.
func (s *Store) GetOutcomes(venueID string, from, to time.Time) ([]models.Outcome, error) {
	rows, err := s.db.Query(`
		SELECT venue_id, business_date, covers_count, revenue, source, updated_at
		FROM venue_day_facts
		WHERE business_date >= ? AND business_date < ?
		  AND (? = '' OR venue_id = ?)
		ORDER BY venue_id, business_date
	`, formatDate(from), formatDate(to), venueID, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []models.Outcome
	for rows.Next() {
		var o models.Outcome
		var businessDate string
		if err := rows.Scan(&o.VenueID, &businessDate, &o.CoversCount, &o.Revenue, &o.Source, &o.UpdatedAt); err != nil {
			return nil, err
		}
		d, err := scanDate(businessDate)
		if err != nil {
			return nil, err
		}
		o.BusinessDate = d
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

