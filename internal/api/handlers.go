package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lox/coverscast/internal/forecast"
	"github.com/lox/coverscast/internal/jobs"
	"github.com/lox/coverscast/internal/metrics"
	"github.com/lox/coverscast/internal/models"
	"github.com/lox/coverscast/internal/store"
)

const (
	defaultForecastDays = 14
	maxForecastDays     = 92
	defaultRunsLimit    = 50
	maxRunsLimit        = 500
	defaultHealthDays   = 7
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// venueParam returns the canonical form of the {venue} path segment.
func venueParam(r *http.Request) (string, error) {
	id, err := uuid.Parse(chi.URLParam(r, "venue"))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:          "ok",
		CalendarYears:   s.engine.Calendar().Years(),
		CalendarCurrent: s.engine.Calendar().CoversYear(s.engine.Today().Year()),
		LastRuns:        make(map[string]Run),
	}

	if err := s.store.Ping(); err != nil {
		resp.Status = "unavailable"
		resp.Errors = append(resp.Errors, fmt.Sprintf("database: %v", err))
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	version, err := s.store.MigrationVersion()
	if err != nil {
		resp.Errors = append(resp.Errors, fmt.Sprintf("schema version: %v", err))
	}
	resp.SchemaVersion = version

	for _, job := range jobs.Names {
		runs, err := s.store.GetRecentJobRuns(job, 1)
		if err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", job, err))
			continue
		}
		if len(runs) > 0 {
			resp.LastRuns[job] = Run{At: runs[0].StartedAt, Success: runs[0].Success}
		}
	}
	if !resp.CalendarCurrent || len(resp.Errors) > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForecasts(w http.ResponseWriter, r *http.Request) {
	venue, err := venueParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid venue id", err)
		return
	}

	from := s.engine.Today()
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = models.ParseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date", err)
			return
		}
	}
	to := from.AddDate(0, 0, defaultForecastDays)
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = models.ParseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date", err)
			return
		}
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from", nil)
		return
	}
	if to.Sub(from) > maxForecastDays*24*time.Hour {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("range exceeds %d days", maxForecastDays), nil)
		return
	}

	corrected, err := s.engine.CorrectedForecasts(venue, from, to)
	if err != nil {
		log.Printf("api: forecasts for %s: %v", venue, err)
		writeError(w, http.StatusInternalServerError, "failed to load forecasts", err)
		return
	}

	resp := make([]ForecastResponse, 0, len(corrected))
	for _, fc := range corrected {
		metrics.BiasApplied.WithLabelValues(strconv.FormatBool(fc.BiasCorrected)).Inc()
		resp = append(resp, toForecastResponse(fc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	venue, err := venueParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid venue id", err)
		return
	}

	stats, err := s.store.GetAccuracyStats(venue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load accuracy", err)
		return
	}

	resp := make([]AccuracyResponse, 0, len(stats))
	for _, st := range stats {
		resp = append(resp, AccuracyResponse{
			DayType:        st.DayType,
			MAPE:           st.MAPE,
			Within10Pct:    st.Within10Pct,
			Within20Pct:    st.Within20Pct,
			AvgBias:        st.AvgBias,
			SampleSize:     st.SampleSize,
			WindowStart:    st.WindowStart.Format(models.DateLayout),
			WindowEnd:      st.WindowEnd.Format(models.DateLayout),
			LastComputedAt: st.LastComputedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	venue, err := venueParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid venue id", err)
		return
	}

	history, err := s.store.GetAdjustmentHistory(venue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load adjustments", err)
		return
	}

	resp := make([]AdjustmentResponse, 0, len(history))
	for _, a := range history {
		resp = append(resp, toAdjustmentResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateAdjustment(w http.ResponseWriter, r *http.Request) {
	venue, err := venueParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid venue id", err)
		return
	}

	var req CreateAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	adj := models.BiasAdjustment{
		VenueID:        venue,
		CoversOffset:   req.CoversOffset,
		DayTypeOffsets: req.DayTypeOffsets,
		RevenueOffset:  req.RevenueOffset,
		Reason:         req.Reason,
		CreatedBy:      req.CreatedBy,
	}
	if req.EffectiveFrom != "" {
		if adj.EffectiveFrom, err = models.ParseDate(req.EffectiveFrom); err != nil {
			writeError(w, http.StatusBadRequest, "invalid effective_from", err)
			return
		}
	}
	if adj.Reason == "" {
		adj.Reason = "manual adjustment"
	}

	created, err := s.engine.CreateAdjustment(adj)
	switch {
	case errors.Is(err, forecast.ErrInvalidAdjustment):
		writeError(w, http.StatusBadRequest, "invalid adjustment", err)
		return
	case errors.Is(err, store.ErrSupersededEffectiveFrom):
		writeError(w, http.StatusConflict, "adjustment would precede the current one", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to create adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdjustmentResponse(*created))
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req CreateOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id, err := uuid.Parse(req.VenueID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid venue_id", err)
		return
	}
	date, err := models.ParseDate(req.BusinessDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid business_date", err)
		return
	}
	if req.ForecastPreOverride < 0 || req.ForecastPostOverride < 0 {
		writeError(w, http.StatusBadRequest, "forecast values must be non-negative", nil)
		return
	}

	ov := models.Override{
		VenueID:              id.String(),
		BusinessDate:         date,
		ForecastPreOverride:  req.ForecastPreOverride,
		ForecastPostOverride: req.ForecastPostOverride,
	}
	if req.Reason != "" {
		ov.Reason.String, ov.Reason.Valid = req.Reason, true
	}
	if req.CreatedBy != "" {
		ov.CreatedBy.String, ov.CreatedBy.Valid = req.CreatedBy, true
	}

	ov.ID, err = s.store.InsertOverride(ov)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record override", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": ov.ID})
}

func (s *Server) handleOverrideQuality(w http.ResponseWriter, r *http.Request) {
	venue := r.URL.Query().Get("venue")
	if venue != "" {
		id, err := uuid.Parse(venue)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid venue id", err)
			return
		}
		venue = id.String()
	}

	quality, err := s.engine.OverrideQuality(venue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load override quality", err)
		return
	}

	resp := make([]OverrideQualityResponse, 0, len(quality))
	for _, q := range quality {
		resp = append(resp, OverrideQualityResponse(q))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")

	var p jobs.Params
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	summary, err := s.runner.Run(r.Context(), job, "api", p)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown job", err)
		return
	case errors.Is(err, jobs.ErrJobRunning):
		writeError(w, http.StatusConflict, "job already running", err)
		return
	case errors.Is(err, forecast.ErrInvalidDecayFactor):
		writeError(w, http.StatusBadRequest, "invalid parameters", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "job failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job != "" && !jobs.Known(job) {
		writeError(w, http.StatusNotFound, "unknown job", nil)
		return
	}

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.store.GetRecentJobRuns(job, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job runs", err)
		return
	}

	resp := make([]JobRunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toJobRunResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobHealth(w http.ResponseWriter, r *http.Request) {
	days := defaultHealthDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid days", err)
			return
		}
		days = n
	}

	health, err := s.store.GetJobHealth(days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job health", err)
		return
	}

	resp := make([]JobHealthResponse, 0, len(health))
	for _, h := range health {
		resp = append(resp, JobHealthResponse(h))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid override id", err)
		return
	}

	ov, err := s.store.GetOverride(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load override", err)
		return
	}
	if ov == nil {
		writeError(w, http.StatusNotFound, "override not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideResponse(*ov))
}

// handlePayload returns an archived import payload as it was received.
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload id", err)
		return
	}

	body, err := s.store.GetPayload(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "payload not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load payload", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(body)
}
