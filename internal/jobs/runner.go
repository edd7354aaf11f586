package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/coverscast/internal/forecast"
	"github.com/lox/coverscast/internal/ingest"
	"github.com/lox/coverscast/internal/metrics"
	"github.com/lox/coverscast/internal/store"
)

const (
	RecomputeAccuracy      = "recompute_accuracy"
	RefreshBias            = "refresh_bias"
	DecayBias              = "decay_bias"
	RecordOverrideOutcomes = "record_override_outcomes"
	ImportOutcomes         = "import_outcomes"
)

// Names lists every job the runner knows, in a sensible daily order.
var Names = []string{ImportOutcomes, RecomputeAccuracy, RefreshBias, DecayBias, RecordOverrideOutcomes}

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Params override configured defaults for a single run. Zero values mean
// "use the default".
type Params struct {
	LookbackDays int     `json:"lookback_days,omitempty"`
	MinCovers    int     `json:"min_covers,omitempty"`
	MinSamples   int     `json:"min_samples,omitempty"`
	DecayFactor  float64 `json:"decay_factor,omitempty"`
	CreatedBy    string  `json:"created_by,omitempty"`
}

// Runner executes named jobs with an audit row, metrics, and retry on SQLite
// lock contention. Two runs of the same job never overlap within one process.
type Runner struct {
	store    *store.Store
	engine   *forecast.Engine
	importer *ingest.Importer

	maxRetryTime time.Duration

	mu      sync.Mutex
	running map[string]bool
}

func NewRunner(s *store.Store, engine *forecast.Engine, importer *ingest.Importer) *Runner {
	return &Runner{
		store:        s,
		engine:       engine,
		importer:     importer,
		maxRetryTime: 30 * time.Second,
		running:      make(map[string]bool),
	}
}

func Known(job string) bool {
	for _, n := range Names {
		if n == job {
			return true
		}
	}
	return false
}

func (r *Runner) acquire(job string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[job] {
		return false
	}
	r.running[job] = true
	return true
}

func (r *Runner) release(job string) {
	r.mu.Lock()
	delete(r.running, job)
	r.mu.Unlock()
}

// Run executes job now. trigger records who asked ("cron", "api", "cli").
func (r *Runner) Run(ctx context.Context, job, trigger string, p Params) (*forecast.Summary, error) {
	if !Known(job) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	if !r.acquire(job) {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, job)
	}
	defer r.release(job)

	today := r.engine.Today()
	if (job == RecomputeAccuracy || job == RefreshBias) && !r.engine.Calendar().CoversYear(today.Year()) {
		log.Printf("jobs: holiday calendar has no dates for %d; holidays will classify as ordinary days", today.Year())
	}

	log.Printf("jobs: %s starting (%s)", job, trigger)
	run, err := r.store.StartJobRun(job, trigger)
	if err != nil {
		log.Printf("jobs: failed to start job run audit: %v", err)
	}
	var runID int64
	if run != nil {
		runID = run.ID
	}

	start := time.Now()
	summary, err := r.execute(ctx, job, runID, p)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.JobRunsTotal.WithLabelValues(job, status).Inc()
	metrics.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	if summary != nil {
		metrics.JobRowsAffected.WithLabelValues(job).Add(float64(summary.RowsAffected))
	}

	if run != nil {
		run.Success = err == nil
		if summary != nil {
			run.RowsAffected = sql.NullInt64{Int64: int64(summary.RowsAffected), Valid: true}
			if b, jerr := json.Marshal(summary); jerr == nil {
				run.SummaryJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if cerr := r.store.CompleteJobRun(run); cerr != nil {
			log.Printf("jobs: failed to complete job run audit: %v", cerr)
		}
	}

	if err != nil {
		log.Printf("jobs: %s failed after %s: %v", job, elapsed.Round(time.Millisecond), err)
		return summary, err
	}
	log.Printf("jobs: %s done in %s: %d rows, %d venues, %d skipped",
		job, elapsed.Round(time.Millisecond), summary.RowsAffected, len(summary.PerVenue), summary.Skipped)
	return summary, nil
}

func (r *Runner) execute(ctx context.Context, job string, runID int64, p Params) (*forecast.Summary, error) {
	if job == ImportOutcomes {
		if r.importer == nil {
			return nil, ingest.ErrNoSources
		}
		return r.importer.Import(ctx, runID, r.engine.Today())
	}

	var summary *forecast.Summary
	operation := func() error {
		var err error
		switch job {
		case RecomputeAccuracy:
			summary, err = r.engine.RecomputeAccuracy(p.LookbackDays, p.MinCovers)
		case RefreshBias:
			summary, err = r.engine.RefreshBias(p.LookbackDays, p.MinSamples, p.CreatedBy)
		case DecayBias:
			summary, err = r.engine.DecayBias(p.DecayFactor)
		case RecordOverrideOutcomes:
			summary, err = r.engine.RecordOverrideOutcomes()
		}
		if err != nil && !store.IsBusy(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Printf("jobs: %s hit a locked database, retrying: %v", job, err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.maxRetryTime
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return summary, nil
}
