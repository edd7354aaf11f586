package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lox/coverscast/internal/models"
	"github.com/lox/coverscast/internal/store"
)

type ForecastResponse struct {
	ID                  int64               `json:"id"`
	VenueID             string              `json:"venue_id"`
	BusinessDate        string              `json:"business_date"`
	ShiftType           string              `json:"shift_type"`
	DayType             models.DayType      `json:"day_type"`
	GeneratedAt         time.Time           `json:"generated_at"`
	ModelVersion        string              `json:"model_version,omitempty"`
	CoversPredicted     float64             `json:"covers_predicted"`
	CoversLower         *float64            `json:"covers_lower"`
	CoversUpper         *float64            `json:"covers_upper"`
	RevenuePredicted    decimal.NullDecimal `json:"revenue_predicted"`
	RawCoversPredicted  float64             `json:"raw_covers_predicted"`
	RawRevenuePredicted decimal.NullDecimal `json:"raw_revenue_predicted"`
	CoversOffsetApplied int                 `json:"covers_offset_applied"`
	BiasCorrected       bool                `json:"bias_corrected"`
	BiasReason          string              `json:"bias_reason,omitempty"`
	AdjustmentID        int64               `json:"adjustment_id,omitempty"`
}

func toForecastResponse(fc models.CorrectedForecast) ForecastResponse {
	resp := ForecastResponse{
		ID:                  fc.ID,
		VenueID:             fc.VenueID,
		BusinessDate:        fc.BusinessDate.Format(models.DateLayout),
		ShiftType:           fc.ShiftType,
		DayType:             fc.DayType,
		GeneratedAt:         fc.GeneratedAt,
		ModelVersion:        fc.ModelVersion,
		CoversPredicted:     fc.CoversPredicted,
		RevenuePredicted:    fc.RevenuePredicted,
		RawCoversPredicted:  fc.RawCoversPredicted,
		RawRevenuePredicted: fc.RawRevenuePredicted,
		CoversOffsetApplied: fc.CoversOffsetApplied,
		BiasCorrected:       fc.BiasCorrected,
		BiasReason:          fc.BiasReason,
		AdjustmentID:        fc.AdjustmentID,
	}
	if fc.CoversLower.Valid {
		resp.CoversLower = &fc.CoversLower.Float64
	}
	if fc.CoversUpper.Valid {
		resp.CoversUpper = &fc.CoversUpper.Float64
	}
	return resp
}

type AccuracyResponse struct {
	DayType        models.DayType `json:"day_type"`
	MAPE           float64        `json:"mape"`
	Within10Pct    float64        `json:"within_10pct"`
	Within20Pct    float64        `json:"within_20pct"`
	AvgBias        float64        `json:"avg_bias"`
	SampleSize     int            `json:"sample_size"`
	WindowStart    string         `json:"window_start"`
	WindowEnd      string         `json:"window_end"`
	LastComputedAt time.Time      `json:"last_computed_at"`
}

type AdjustmentResponse struct {
	ID             int64                  `json:"id"`
	VenueID        string                 `json:"venue_id"`
	EffectiveFrom  string                 `json:"effective_from"`
	EffectiveTo    *string                `json:"effective_to"`
	Current        bool                   `json:"current"`
	CoversOffset   int                    `json:"covers_offset"`
	DayTypeOffsets map[models.DayType]int `json:"day_type_offsets"`
	RevenueOffset  decimal.Decimal        `json:"revenue_offset"`
	Reason         string                 `json:"reason"`
	CreatedBy      string                 `json:"created_by"`
	CreatedAt      time.Time              `json:"created_at"`
	LastDecayedOn  *string                `json:"last_decayed_on,omitempty"`
}

func toAdjustmentResponse(a models.BiasAdjustment) AdjustmentResponse {
	resp := AdjustmentResponse{
		ID:             a.ID,
		VenueID:        a.VenueID,
		EffectiveFrom:  a.EffectiveFrom.Format(models.DateLayout),
		Current:        a.Current(),
		CoversOffset:   a.CoversOffset,
		DayTypeOffsets: a.DayTypeOffsets,
		RevenueOffset:  a.RevenueOffset,
		Reason:         a.Reason,
		CreatedBy:      a.CreatedBy,
		CreatedAt:      a.CreatedAt,
	}
	if a.EffectiveTo.Valid {
		to := a.EffectiveTo.Time.Format(models.DateLayout)
		resp.EffectiveTo = &to
	}
	if a.LastDecayedOn.Valid {
		d := a.LastDecayedOn.Time.Format(models.DateLayout)
		resp.LastDecayedOn = &d
	}
	return resp
}

type CreateAdjustmentRequest struct {
	CoversOffset   int                    `json:"covers_offset"`
	DayTypeOffsets map[models.DayType]int `json:"day_type_offsets"`
	RevenueOffset  decimal.Decimal        `json:"revenue_offset"`
	Reason         string                 `json:"reason"`
	CreatedBy      string                 `json:"created_by"`
	EffectiveFrom  string                 `json:"effective_from,omitempty"`
}

type CreateOverrideRequest struct {
	VenueID              string  `json:"venue_id"`
	BusinessDate         string  `json:"business_date"`
	ForecastPreOverride  float64 `json:"forecast_pre_override"`
	ForecastPostOverride float64 `json:"forecast_post_override"`
	Reason               string  `json:"reason,omitempty"`
	CreatedBy            string  `json:"created_by,omitempty"`
}

type OverrideResponse struct {
	ID                   int64    `json:"id"`
	VenueID              string   `json:"venue_id"`
	BusinessDate         string   `json:"business_date"`
	ForecastPreOverride  float64  `json:"forecast_pre_override"`
	ForecastPostOverride float64  `json:"forecast_post_override"`
	Reason               string   `json:"reason,omitempty"`
	CreatedBy            string   `json:"created_by,omitempty"`
	ActualCovers         *int64   `json:"actual_covers"`
	ErrorModel           *float64 `json:"error_model"`
	ErrorOverride        *float64 `json:"error_override"`
}

func toOverrideResponse(ov models.Override) OverrideResponse {
	resp := OverrideResponse{
		ID:                   ov.ID,
		VenueID:              ov.VenueID,
		BusinessDate:         ov.BusinessDate.Format(models.DateLayout),
		ForecastPreOverride:  ov.ForecastPreOverride,
		ForecastPostOverride: ov.ForecastPostOverride,
		Reason:               ov.Reason.String,
		CreatedBy:            ov.CreatedBy.String,
	}
	if ov.ActualCovers.Valid {
		resp.ActualCovers = &ov.ActualCovers.Int64
	}
	if ov.ErrorModel.Valid {
		resp.ErrorModel = &ov.ErrorModel.Float64
	}
	if ov.ErrorOverride.Valid {
		resp.ErrorOverride = &ov.ErrorOverride.Float64
	}
	return resp
}

type OverrideQualityResponse struct {
	VenueID              string  `json:"venue_id"`
	Count                int     `json:"count"`
	MeanAbsErrorModel    float64 `json:"mean_abs_error_model"`
	MeanAbsErrorOverride float64 `json:"mean_abs_error_override"`
	ImprovedShare        float64 `json:"improved_share"`
}

type JobRunResponse struct {
	ID           int64           `json:"id"`
	Job          string          `json:"job"`
	Trigger      string          `json:"trigger"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at"`
	Success      bool            `json:"success"`
	RowsAffected int64           `json:"rows_affected"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func toJobRunResponse(run store.JobRun) JobRunResponse {
	resp := JobRunResponse{
		ID:           run.ID,
		Job:          run.Job,
		Trigger:      run.Trigger,
		StartedAt:    run.StartedAt,
		Success:      run.Success,
		RowsAffected: run.RowsAffected.Int64,
		Error:        run.ErrorMessage.String,
	}
	if run.FinishedAt.Valid {
		resp.FinishedAt = &run.FinishedAt.Time
	}
	if run.SummaryJSON.Valid {
		resp.Summary = json.RawMessage(run.SummaryJSON.String)
	}
	return resp
}

type JobHealthResponse struct {
	Date         string `json:"date"`
	Job          string `json:"job"`
	TotalRuns    int    `json:"total_runs"`
	SuccessRuns  int    `json:"success_runs"`
	FailedRuns   int    `json:"failed_runs"`
	RowsAffected int64  `json:"rows_affected"`
}

type HealthResponse struct {
	Status          string         `json:"status"`
	SchemaVersion   int            `json:"schema_version"`
	CalendarYears   []int          `json:"calendar_years"`
	CalendarCurrent bool           `json:"calendar_covers_today"`
	LastRuns        map[string]Run `json:"last_runs"`
	Errors          []string       `json:"errors,omitempty"`
}

// Run is the most recent execution of one job.
type Run struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
