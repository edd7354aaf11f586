package forecast

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/coverscast/internal/models"
	"github.com/lox/coverscast/internal/store"
)

// ErrInvalidDecayFactor is returned for a factor outside [0, 1].
var (
	ErrInvalidDecayFactor = errors.New("decay factor must be between 0 and 1")
	ErrInvalidAdjustment  = errors.New("invalid adjustment")
)

type Config struct {
	MinCovers            int
	AccuracyLookbackDays int
	BiasLookbackDays     int
	MinSamples           int
	DecayFactor          float64
}

func DefaultConfig() Config {
	return Config{
		MinCovers:            DefaultMinCovers,
		AccuracyLookbackDays: DefaultAccuracyLookback,
		BiasLookbackDays:     DefaultBiasLookback,
		MinSamples:           DefaultMinSamples,
		DecayFactor:          DefaultDecayFactor,
	}
}

// Summary reports what a recompute operation changed.
type Summary struct {
	Job          string         `json:"job"`
	RowsAffected int            `json:"rows_affected"`
	PerVenue     map[string]int `json:"per_venue"`
	Skipped      int            `json:"skipped"`
	WindowStart  string         `json:"window_start,omitempty"`
	WindowEnd    string         `json:"window_end,omitempty"`
}

func newSummary(job string) *Summary {
	return &Summary{Job: job, PerVenue: make(map[string]int)}
}

// Engine runs the accuracy and bias-correction operations against the store.
// Each operation reads a snapshot, computes the rows to write in memory, and
// applies them in a single transaction, so every one is safe to re-run.
type Engine struct {
	store    *store.Store
	calendar *Calendar
	cfg      Config
	now      func() time.Time
}

func NewEngine(s *store.Store, cal *Calendar, cfg Config) *Engine {
	if cal == nil {
		cal = DefaultCalendar()
	}
	return &Engine{store: s, calendar: cal, cfg: cfg, now: time.Now}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Calendar() *Calendar {
	return e.calendar
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Today is the current business date in the store's timezone.
func (e *Engine) Today() time.Time {
	return models.Date(e.now().In(e.store.Location()))
}

// BackfillDayTypes tags stored forecasts that have no day-type yet.
func (e *Engine) BackfillDayTypes() (int, error) {
	untagged, err := e.store.GetUnclassifiedForecasts()
	if err != nil {
		return 0, fmt.Errorf("load untagged forecasts: %w", err)
	}
	if len(untagged) == 0 {
		return 0, nil
	}

	tags := make(map[int64]models.DayType, len(untagged))
	for _, fc := range untagged {
		tags[fc.ID] = e.calendar.Classify(fc.BusinessDate)
	}
	n, err := e.store.SetForecastDayTypes(tags)
	if err != nil {
		return 0, fmt.Errorf("tag forecasts: %w", err)
	}
	log.Printf("forecast: tagged %d forecasts with day-type", n)
	return n, nil
}

func (e *Engine) loadPairs(window Window, minCovers int) ([]Pair, error) {
	forecasts, err := e.store.GetForecasts("", window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("load forecasts: %w", err)
	}
	outcomes, err := e.store.GetOutcomes("", window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	return PairForecasts(e.calendar, forecasts, outcomes, AnomalyFilter{MinCovers: minCovers}), nil
}

// RecomputeAccuracy rebuilds the per-(venue, day-type) accuracy cache over
// the lookback window. Zero or negative arguments take configured defaults.
func (e *Engine) RecomputeAccuracy(lookbackDays, minCovers int) (*Summary, error) {
	if lookbackDays <= 0 {
		lookbackDays = e.cfg.AccuracyLookbackDays
	}
	if minCovers <= 0 {
		minCovers = e.cfg.MinCovers
	}

	if _, err := e.BackfillDayTypes(); err != nil {
		return nil, err
	}

	window := LookbackWindow(e.Today(), lookbackDays)
	pairs, err := e.loadPairs(window, minCovers)
	if err != nil {
		return nil, err
	}

	summary := newSummary("recompute_accuracy")
	summary.WindowStart = window.From.Format(models.DateLayout)
	summary.WindowEnd = window.To.AddDate(0, 0, -1).Format(models.DateLayout)

	stats := ComputeAccuracy(pairs, e.now().UTC())
	if err := e.store.ApplyAccuracyStats(stats); err != nil {
		return nil, fmt.Errorf("apply accuracy stats: %w", err)
	}

	for _, st := range stats {
		summary.PerVenue[st.VenueID]++
	}
	summary.RowsAffected = len(stats)
	return summary, nil
}

// RefreshBias derives new adjustments from recent signed errors and installs
// them as each venue's current version.
func (e *Engine) RefreshBias(lookbackDays, minSamples int, createdBy string) (*Summary, error) {
	if lookbackDays <= 0 {
		lookbackDays = e.cfg.BiasLookbackDays
	}
	if minSamples <= 0 {
		minSamples = e.cfg.MinSamples
	}
	if createdBy == "" {
		createdBy = SystemCreator
	}

	if _, err := e.BackfillDayTypes(); err != nil {
		return nil, err
	}

	today := e.Today()
	window := LookbackWindow(today, lookbackDays)
	pairs, err := e.loadPairs(window, e.cfg.MinCovers)
	if err != nil {
		return nil, err
	}

	current, err := e.currentByVenue()
	if err != nil {
		return nil, err
	}

	derived := DeriveAdjustments(pairs, current, RefreshParams{
		LookbackDays:  lookbackDays,
		MinSamples:    minSamples,
		EffectiveFrom: today,
		CreatedBy:     createdBy,
	})

	summary := newSummary("refresh_bias")
	summary.WindowStart = window.From.Format(models.DateLayout)
	summary.WindowEnd = window.To.AddDate(0, 0, -1).Format(models.DateLayout)

	// A current row scheduled to start after today was set by hand and stays
	// authoritative until a refresh runs on or after its start.
	adjs := derived[:0]
	for _, a := range derived {
		if prev, ok := current[a.VenueID]; ok && models.Date(prev.EffectiveFrom).After(today) {
			log.Printf("forecast: bias refresh %s skipped: current adjustment starts %s", a.VenueID, prev.EffectiveFrom.Format(models.DateLayout))
			summary.Skipped++
			continue
		}
		adjs = append(adjs, a)
	}
	if len(adjs) == 0 {
		return summary, nil
	}

	if _, err := e.store.ApplyAdjustments(adjs); err != nil {
		return nil, fmt.Errorf("apply adjustments: %w", err)
	}
	for _, a := range adjs {
		summary.PerVenue[a.VenueID] = len(a.DayTypeOffsets)
		log.Printf("forecast: bias refresh %s: covers %+d, revenue %s (%s)", a.VenueID, a.CoversOffset, a.RevenueOffset.StringFixed(2), a.Reason)
	}
	summary.RowsAffected = len(adjs)
	return summary, nil
}

func (e *Engine) currentByVenue() (map[string]models.BiasAdjustment, error) {
	rows, err := e.store.GetCurrentAdjustments()
	if err != nil {
		return nil, fmt.Errorf("load current adjustments: %w", err)
	}
	current := make(map[string]models.BiasAdjustment, len(rows))
	for _, a := range rows {
		current[a.VenueID] = a
	}
	return current, nil
}

// DecayBias attenuates every current adjustment by factor, at most once per
// business date. Adjustments that took effect today are left alone.
func (e *Engine) DecayBias(factor float64) (*Summary, error) {
	if factor == 0 {
		factor = e.cfg.DecayFactor
	}
	if !ValidDecayFactor(factor) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecayFactor, factor)
	}

	current, err := e.store.GetCurrentAdjustments()
	if err != nil {
		return nil, fmt.Errorf("load current adjustments: %w", err)
	}

	today := e.Today()
	summary := newSummary("decay_bias")

	var decayed []models.BiasAdjustment
	for _, a := range current {
		if !models.Date(a.EffectiveFrom).Before(today) ||
			(a.LastDecayedOn.Valid && !models.Date(a.LastDecayedOn.Time).Before(today)) {
			summary.Skipped++
			continue
		}
		decayed = append(decayed, DecayAdjustment(a, factor))
	}
	if len(decayed) == 0 {
		return summary, nil
	}

	n, err := e.store.ApplyDecay(decayed, today)
	if err != nil {
		return nil, fmt.Errorf("apply decay: %w", err)
	}
	for _, a := range decayed {
		summary.PerVenue[a.VenueID]++
		log.Printf("forecast: decayed %s to covers %+d, revenue %s", a.VenueID, a.CoversOffset, a.RevenueOffset.StringFixed(2))
	}
	summary.RowsAffected = n
	summary.Skipped += len(decayed) - n
	return summary, nil
}

// RecordOverrideOutcomes closes pending overrides whose outcomes have landed.
func (e *Engine) RecordOverrideOutcomes() (*Summary, error) {
	today := e.Today()
	pending, err := e.store.GetPendingOverrides(today)
	if err != nil {
		return nil, fmt.Errorf("load pending overrides: %w", err)
	}

	summary := newSummary("record_override_outcomes")
	if len(pending) == 0 {
		return summary, nil
	}

	from := pending[0].BusinessDate
	for _, ov := range pending {
		if ov.BusinessDate.Before(from) {
			from = ov.BusinessDate
		}
	}
	outcomes, err := e.store.GetOutcomes("", from, today)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}

	closed := ResolveOverrides(pending, outcomes, today, e.now().UTC())
	summary.Skipped = len(pending) - len(closed)
	if len(closed) == 0 {
		return summary, nil
	}

	n, err := e.store.ApplyOverrideOutcomes(closed)
	if err != nil {
		return nil, fmt.Errorf("apply override outcomes: %w", err)
	}
	for _, ov := range closed {
		summary.PerVenue[ov.VenueID]++
	}
	summary.RowsAffected = n
	return summary, nil
}

// CreateAdjustment installs a manually authored adjustment. A zero
// EffectiveFrom means today.
func (e *Engine) CreateAdjustment(a models.BiasAdjustment) (*models.BiasAdjustment, error) {
	if a.VenueID == "" {
		return nil, fmt.Errorf("%w: venue id required", ErrInvalidAdjustment)
	}
	if a.CreatedBy == "" {
		return nil, fmt.Errorf("%w: created_by required", ErrInvalidAdjustment)
	}
	for dt := range a.DayTypeOffsets {
		if !dt.Valid() {
			return nil, fmt.Errorf("%w: unknown day type %q", ErrInvalidAdjustment, dt)
		}
	}
	if a.EffectiveFrom.IsZero() {
		a.EffectiveFrom = e.Today()
	}
	a.EffectiveFrom = models.Date(a.EffectiveFrom)

	ids, err := e.store.ApplyAdjustments([]models.BiasAdjustment{a})
	if err != nil {
		return nil, err
	}
	a.ID = ids[0]
	log.Printf("forecast: manual adjustment %d for %s by %s from %s", a.ID, a.VenueID, a.CreatedBy, a.EffectiveFrom.Format(models.DateLayout))
	return &a, nil
}

// CorrectedForecasts returns the latest revision of each forecast for a
// venue with business_date in [from, to), each corrected by the adjustment
// in force on its date.
func (e *Engine) CorrectedForecasts(venueID string, from, to time.Time) ([]models.CorrectedForecast, error) {
	forecasts, err := e.store.GetForecasts(venueID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load forecasts: %w", err)
	}
	adjs, err := e.store.GetAdjustmentsOverlapping(venueID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load adjustments: %w", err)
	}

	latest := LatestRevisions(forecasts)
	out := make([]models.CorrectedForecast, 0, len(latest))
	for _, fc := range latest {
		out = append(out, ApplyBias(e.calendar, fc, adjs))
	}
	return out, nil
}

// ApplyBias corrects a single forecast against stored adjustments.
func (e *Engine) ApplyBias(fc models.Forecast) (models.CorrectedForecast, error) {
	adjs, err := e.store.GetAdjustmentsOverlapping(fc.VenueID, fc.BusinessDate, fc.BusinessDate)
	if err != nil {
		return models.CorrectedForecast{}, fmt.Errorf("load adjustments: %w", err)
	}
	return ApplyBias(e.calendar, fc, adjs), nil
}

func (e *Engine) OverrideQuality(venueID string) ([]models.OverrideQuality, error) {
	closed, err := e.store.GetClosedOverrides(venueID)
	if err != nil {
		return nil, fmt.Errorf("load closed overrides: %w", err)
	}
	return SummarizeOverrides(closed), nil
}
