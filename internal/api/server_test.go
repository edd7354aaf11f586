package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/coverscast/internal/api"
	"github.com/lox/coverscast/internal/forecast"
	"github.com/lox/coverscast/internal/jobs"
	"github.com/lox/coverscast/internal/models"
	"github.com/lox/coverscast/internal/store"
)

const venue = "6f1c3a0e-0d7e-4c52-9f0e-2b1f7c9d4a11"

type testEnv struct {
	store  *store.Store
	engine *forecast.Engine
	srv    *api.Server
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, time.UTC)
	require.NoError(t, st.Migrate())

	eng := forecast.NewEngine(st, forecast.DefaultCalendar(), forecast.DefaultConfig())
	eng.SetClock(func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) })

	srv := api.NewServer(st, eng, jobs.NewRunner(st, eng, nil), "0")
	return &testEnv{store: st, engine: eng, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	w := env.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	health := decode[api.HealthResponse](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Positive(t, health.SchemaVersion)
	assert.Contains(t, health.CalendarYears, 2026)
	assert.True(t, health.CalendarCurrent)
	assert.Empty(t, health.LastRuns)
}

func TestForecasts_InvalidVenue(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/venues/not-a-venue/forecasts", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid venue id", decode[api.ErrorResponse](t, w).Error)
}

func TestForecasts_BadRange(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	for _, q := range []string{
		"?from=2026-10-20&to=2026-10-20",
		"?from=yesterday",
		"?from=2026-01-01&to=2026-12-31",
	} {
		w := env.do(t, "GET", "/api/venues/"+venue+"/forecasts"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestForecasts_Corrected(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	for _, d := range []string{"2026-10-16", "2026-10-17"} {
		day, err := models.ParseDate(d)
		require.NoError(t, err)
		_, err = env.store.InsertForecast(models.Forecast{
			VenueID: venue, BusinessDate: day, ShiftType: "dinner",
			GeneratedAt: time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC), CoversPredicted: 100,
		})
		require.NoError(t, err)
	}
	_, err := env.engine.CreateAdjustment(models.BiasAdjustment{
		VenueID:        venue,
		EffectiveFrom:  time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		CoversOffset:   -5,
		DayTypeOffsets: map[models.DayType]int{models.DayTypeSaturday: -12},
		Reason:         "test",
		CreatedBy:      "ops",
	})
	require.NoError(t, err)

	// Venue ids are matched in canonical form.
	w := env.do(t, "GET", "/api/venues/"+strings.ToUpper(venue)+"/forecasts?from=2026-10-15&to=2026-10-22", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decode[[]api.ForecastResponse](t, w)
	require.Len(t, got, 2)

	assert.Equal(t, "2026-10-16", got[0].BusinessDate)
	assert.Equal(t, models.DayTypeFriday, got[0].DayType)
	assert.Equal(t, 95.0, got[0].CoversPredicted)
	assert.Equal(t, 100.0, got[0].RawCoversPredicted)
	assert.True(t, got[0].BiasCorrected)

	assert.Equal(t, "2026-10-17", got[1].BusinessDate)
	assert.Equal(t, 88.0, got[1].CoversPredicted)
	assert.Equal(t, -12, got[1].CoversOffsetApplied)
}

func TestAdjustments_CreateAndList(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)
	path := "/api/venues/" + venue + "/adjustments"

	w := env.do(t, "POST", path, `{"covers_offset": -4, "revenue_offset": "-12.50", "created_by": "ops", "effective_from": "2026-10-10"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[api.AdjustmentResponse](t, w)
	assert.Equal(t, -4, created.CoversOffset)
	assert.Equal(t, "-12.5", created.RevenueOffset.String())
	assert.Equal(t, "manual adjustment", created.Reason)
	assert.True(t, created.Current)

	w = env.do(t, "POST", path, `{"covers_offset": 2, "created_by": "ops", "effective_from": "2026-10-01"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, "POST", path, `{"covers_offset": 2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", path, `{"covers_offset": 2, "created_by": "ops", "day_type_offsets": {"brunch": 3}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", path, `{"covers_offset": 1, "created_by": "ops"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, "GET", path, "")
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[[]api.AdjustmentResponse](t, w)
	require.Len(t, history, 2)

	var open int
	for _, a := range history {
		if a.Current {
			open++
			assert.Equal(t, 1, a.CoversOffset)
			assert.Equal(t, "2026-10-15", a.EffectiveFrom)
		} else {
			require.NotNil(t, a.EffectiveTo)
			assert.Equal(t, "2026-10-14", *a.EffectiveTo)
		}
	}
	assert.Equal(t, 1, open)
}

func TestAccuracy_AfterRecompute(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	for _, d := range []string{"2026-10-05", "2026-10-06", "2026-10-07"} {
		day, err := models.ParseDate(d)
		require.NoError(t, err)
		_, err = env.store.InsertForecast(models.Forecast{
			VenueID: venue, BusinessDate: day, ShiftType: "dinner",
			GeneratedAt: day.AddDate(0, 0, -1), CoversPredicted: 110,
		})
		require.NoError(t, err)
		require.NoError(t, env.store.UpsertOutcome(models.Outcome{VenueID: venue, BusinessDate: day, CoversCount: 100}))
	}

	w := env.do(t, "POST", "/api/jobs/recompute_accuracy", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[forecast.Summary](t, w)
	assert.Equal(t, jobs.RecomputeAccuracy, summary.Job)
	assert.Equal(t, 1, summary.RowsAffected)

	w = env.do(t, "GET", "/api/venues/"+venue+"/accuracy", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[[]api.AccuracyResponse](t, w)
	require.Len(t, stats, 1)
	assert.Equal(t, models.DayTypeWeekday, stats[0].DayType)
	assert.Equal(t, 3, stats[0].SampleSize)
	assert.InDelta(t, 10.0, stats[0].AvgBias, 1e-9)
	assert.InDelta(t, 10.0, stats[0].MAPE, 1e-9)
}

func TestRunJob_Errors(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/jobs/rebuild_everything", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "POST", "/api/jobs/decay_bias", `{"decay_factor": 1.5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/jobs/decay_bias", `{"decay_factor":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/jobs/import_outcomes", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestJobRuns(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	for _, job := range []string{"decay_bias", "record_override_outcomes"} {
		w := env.do(t, "POST", "/api/jobs/"+job, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := env.do(t, "GET", "/api/jobs/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[[]api.JobRunResponse](t, w)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.True(t, r.Success)
		assert.Equal(t, "api", r.Trigger)
		assert.NotNil(t, r.FinishedAt)
		assert.NotEmpty(t, r.Summary)
	}

	w = env.do(t, "GET", "/api/jobs/runs?job=decay_bias&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]api.JobRunResponse](t, w), 1)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/jobs/runs?job=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/jobs/runs?limit=-1", "").Code)

	w = env.do(t, "GET", "/health", "")
	health := decode[api.HealthResponse](t, w)
	assert.Contains(t, health.LastRuns, "decay_bias")
	assert.True(t, health.LastRuns["decay_bias"].Success)
}

func TestJobHealth(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/jobs/decay_bias", "").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/jobs/decay_bias", `{"decay_factor": -1}`).Code)

	w := env.do(t, "GET", "/api/jobs/health?days=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[[]api.JobHealthResponse](t, w)
	require.Len(t, health, 1)
	assert.Equal(t, "decay_bias", health[0].Job)
	assert.Equal(t, 2, health[0].TotalRuns)
	assert.Equal(t, 1, health[0].SuccessRuns)
	assert.Equal(t, 1, health[0].FailedRuns)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/jobs/health?days=0", "").Code)
}

func TestPayload(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	body := []byte("venue_id,business_date,covers_count,revenue\n")
	id, _, err := env.store.ArchivePayload(0, "ftp", "/exports/a.csv", body)
	require.NoError(t, err)

	w := env.do(t, "GET", fmt.Sprintf("/api/payloads/%d", id), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.Bytes())

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/payloads/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/payloads/abc", "").Code)
}

func TestOverrides_RecordAndQuality(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/overrides", `{"venue_id": "`+venue+`", "business_date": "2026-10-12", "forecast_pre_override": 120, "forecast_post_override": 105, "created_by": "gm"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]int64](t, w)

	w = env.do(t, "POST", "/api/overrides", `{"venue_id": "nope", "business_date": "2026-10-12"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	day, err := models.ParseDate("2026-10-12")
	require.NoError(t, err)
	require.NoError(t, env.store.UpsertOutcome(models.Outcome{VenueID: venue, BusinessDate: day, CoversCount: 100}))

	w = env.do(t, "POST", "/api/jobs/record_override_outcomes", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "GET", "/api/overrides/quality?venue="+venue, "")
	require.Equal(t, http.StatusOK, w.Code)
	quality := decode[[]api.OverrideQualityResponse](t, w)
	require.Len(t, quality, 1)
	assert.Equal(t, 1, quality[0].Count)
	assert.InDelta(t, 20.0, quality[0].MeanAbsErrorModel, 1e-9)
	assert.InDelta(t, 5.0, quality[0].MeanAbsErrorOverride, 1e-9)
	assert.InDelta(t, 1.0, quality[0].ImprovedShare, 1e-9)

	w = env.do(t, "GET", fmt.Sprintf("/api/overrides/%d", created["id"]), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ov := decode[api.OverrideResponse](t, w)
	assert.Equal(t, "gm", ov.CreatedBy)
	assert.Equal(t, "2026-10-12", ov.BusinessDate)
	require.NotNil(t, ov.ActualCovers)
	assert.Equal(t, int64(100), *ov.ActualCovers)
	require.NotNil(t, ov.ErrorOverride)
	assert.InDelta(t, -5.0, *ov.ErrorOverride, 1e-9)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/overrides/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/overrides/abc", "").Code)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/overrides/quality?venue=x", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	w := env.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCORS(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)
	env.srv.SetAllowedOrigins([]string{"https://dash.example.com"})

	req := httptest.NewRequest("OPTIONS", "/api/jobs/runs", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
