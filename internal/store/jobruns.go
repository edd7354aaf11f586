package store

import (
	"database/sql"
	"time"
)

// JobRun is the audit record of one execution of a scheduled operation.
type JobRun struct {
	ID           int64
	Job          string // "recompute_accuracy", "refresh_bias", ...
	Trigger      string // "cron", "manual", "api"
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Success      bool
	RowsAffected sql.NullInt64
	SummaryJSON  sql.NullString
	ErrorMessage sql.NullString
}

// StartJobRun creates a new job run record and returns it.
func (s *Store) StartJobRun(job, trigger string) (*JobRun, error) {
	run := &JobRun{
		Job:       job,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}

	result, err := s.db.Exec(`
		INSERT INTO job_runs (job, triggered_by, started_at, success)
		VALUES (?, ?, ?, FALSE)
	`, run.Job, run.Trigger, run.StartedAt)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteJobRun updates the job run with results.
func (s *Store) CompleteJobRun(run *JobRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE job_runs SET
			finished_at = ?,
			success = ?,
			rows_affected = ?,
			summary_json = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Success, run.RowsAffected, run.SummaryJSON, run.ErrorMessage, run.ID)
	return err
}

// GetRecentJobRuns returns the latest runs, optionally for a single job.
func (s *Store) GetRecentJobRuns(job string, limit int) ([]JobRun, error) {
	rows, err := s.db.Query(`
		SELECT id, job, triggered_by, started_at, finished_at, success, rows_affected, summary_json, error_message
		FROM job_runs
		WHERE ? = '' OR job = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, job, job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.ID, &r.Job, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.Success,
			&r.RowsAffected, &r.SummaryJSON, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// JobHealthSummary is a per-day rollup of job runs.
type JobHealthSummary struct {
	Date         string
	Job          string
	TotalRuns    int
	SuccessRuns  int
	FailedRuns   int
	RowsAffected int64
}

// GetJobHealth returns job health summaries for the last N days.
func (s *Store) GetJobHealth(days int) ([]JobHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			job,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(rows_affected), 0) as rows_affected
		FROM job_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, job
		ORDER BY date DESC, job
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []JobHealthSummary
	for rows.Next() {
		var h JobHealthSummary
		if err := rows.Scan(&h.Date, &h.Job, &h.TotalRuns, &h.SuccessRuns, &h.FailedRuns, &h.RowsAffected); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}
