package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema: forecasts and venue-day facts",
		SQL: `
CREATE TABLE IF NOT EXISTS forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    venue_id TEXT NOT NULL,
    business_date TEXT NOT NULL,
    shift_type TEXT NOT NULL DEFAULT 'all_day',
    generated_at DATETIME NOT NULL,
    covers_predicted REAL NOT NULL,
    covers_lower REAL,
    covers_upper REAL,
    revenue_predicted TEXT,
    model_version TEXT NOT NULL DEFAULT '',
    day_type TEXT,
    UNIQUE(venue_id, business_date, shift_type, generated_at)
);

CREATE TABLE IF NOT EXISTS venue_day_facts (
    venue_id TEXT NOT NULL,
    business_date TEXT NOT NULL,
    covers_count INTEGER NOT NULL,
    revenue TEXT NOT NULL DEFAULT '0',
    source TEXT NOT NULL DEFAULT 'manual',
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (venue_id, business_date)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_date ON forecasts(business_date);
CREATE INDEX IF NOT EXISTS idx_forecasts_venue_date ON forecasts(venue_id, business_date);
CREATE INDEX IF NOT EXISTS idx_forecasts_untagged ON forecasts(id) WHERE day_type IS NULL;
CREATE INDEX IF NOT EXISTS idx_facts_date ON venue_day_facts(business_date);
`,
	},
	{
		Version:     2,
		Description: "Add forecast_accuracy_stats cache",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_accuracy_stats (
    venue_id TEXT NOT NULL,
    day_type TEXT NOT NULL,
    mape REAL NOT NULL,
    within_10pct REAL NOT NULL,
    within_20pct REAL NOT NULL,
    avg_bias REAL NOT NULL,
    sample_size INTEGER NOT NULL,
    window_start TEXT NOT NULL,
    window_end TEXT NOT NULL,
    last_computed_at DATETIME NOT NULL,
    PRIMARY KEY (venue_id, day_type)
);
`,
	},
	{
		Version:     3,
		Description: "Add versioned forecast_bias_adjustments",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_bias_adjustments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    venue_id TEXT NOT NULL,
    effective_from TEXT NOT NULL,
    effective_to TEXT,
    covers_offset INTEGER NOT NULL DEFAULT 0,
    day_type_offsets TEXT NOT NULL DEFAULT '{}',
    revenue_offset TEXT NOT NULL DEFAULT '0',
    reason TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    last_decayed_on TEXT,
    UNIQUE(venue_id, effective_from)
);

-- At most one open-ended (current) adjustment per venue.
CREATE UNIQUE INDEX IF NOT EXISTS idx_bias_current ON forecast_bias_adjustments(venue_id) WHERE effective_to IS NULL;
`,
	},
	{
		Version:     4,
		Description: "Add forecast_overrides outcome tracking",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_overrides (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    venue_id TEXT NOT NULL,
    business_date TEXT NOT NULL,
    forecast_pre_override REAL NOT NULL,
    forecast_post_override REAL NOT NULL,
    reason TEXT,
    created_by TEXT,
    created_at DATETIME NOT NULL,
    actual_covers INTEGER,
    error_model REAL,
    error_override REAL,
    outcome_recorded_at DATETIME,
    UNIQUE(venue_id, business_date)
);

CREATE INDEX IF NOT EXISTS idx_overrides_pending ON forecast_overrides(business_date) WHERE outcome_recorded_at IS NULL;
`,
	},
	{
		Version:     5,
		Description: "Add job_runs audit and import_payloads archive",
		SQL: `
CREATE TABLE IF NOT EXISTS job_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job TEXT NOT NULL,
    triggered_by TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    rows_affected INTEGER,
    summary_json TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job, started_at);

CREATE TABLE IF NOT EXISTS import_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_run_id INTEGER REFERENCES job_runs(id),
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    location TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
