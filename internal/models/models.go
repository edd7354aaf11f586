package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the storage and wire format for business dates.
const DateLayout = "2006-01-02"

type DayType string

const (
	DayTypeWeekday  DayType = "weekday"
	DayTypeFriday   DayType = "friday"
	DayTypeSaturday DayType = "saturday"
	DayTypeSunday   DayType = "sunday"
	DayTypeHoliday  DayType = "holiday"
)

// DayTypes lists every day-type in a stable order.
var DayTypes = []DayType{DayTypeWeekday, DayTypeFriday, DayTypeSaturday, DayTypeSunday, DayTypeHoliday}

func (d DayType) Valid() bool {
	switch d {
	case DayTypeWeekday, DayTypeFriday, DayTypeSaturday, DayTypeSunday, DayTypeHoliday:
		return true
	}
	return false
}

// Date truncates t to a calendar date at midnight UTC, keeping t's local
// year/month/day.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD business date (a longer timestamp prefix is tolerated).
func ParseDate(s string) (time.Time, error) {
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	return time.Parse(DateLayout, s)
}

type Forecast struct {
	ID               int64
	VenueID          string
	BusinessDate     time.Time
	ShiftType        string // "lunch", "dinner", "all_day", ...
	GeneratedAt      time.Time
	CoversPredicted  float64
	CoversLower      sql.NullFloat64
	CoversUpper      sql.NullFloat64
	RevenuePredicted decimal.NullDecimal
	ModelVersion     string
	DayType          DayType // empty until classified
}

// Outcome is the realized activity for one venue-day.
type Outcome struct {
	VenueID      string
	BusinessDate time.Time
	CoversCount  int
	Revenue      decimal.Decimal
	Source       string // "feed", "ftp", "manual"
	UpdatedAt    time.Time
}

type AccuracyStat struct {
	VenueID        string
	DayType        DayType
	MAPE           float64
	Within10Pct    float64
	Within20Pct    float64
	AvgBias        float64
	SampleSize     int
	WindowStart    time.Time
	WindowEnd      time.Time
	LastComputedAt time.Time
}

type BiasAdjustment struct {
	ID             int64
	VenueID        string
	EffectiveFrom  time.Time
	EffectiveTo    sql.NullTime // NULL while current
	CoversOffset   int
	DayTypeOffsets map[DayType]int
	RevenueOffset  decimal.Decimal
	Reason         string
	CreatedBy      string
	CreatedAt      time.Time
	LastDecayedOn  sql.NullTime
}

// Current reports whether the adjustment has an open effective interval.
func (a BiasAdjustment) Current() bool {
	return !a.EffectiveTo.Valid
}

// Covers reports whether date falls inside [EffectiveFrom, EffectiveTo].
func (a BiasAdjustment) Covers(date time.Time) bool {
	d := Date(date)
	if d.Before(Date(a.EffectiveFrom)) {
		return false
	}
	return !a.EffectiveTo.Valid || !d.After(Date(a.EffectiveTo.Time))
}

// CoversOffsetFor returns the day-type offset when present, else the general offset.
func (a BiasAdjustment) CoversOffsetFor(dt DayType) int {
	if off, ok := a.DayTypeOffsets[dt]; ok {
		return off
	}
	return a.CoversOffset
}

type Override struct {
	ID                   int64
	VenueID              string
	BusinessDate         time.Time
	ForecastPreOverride  float64
	ForecastPostOverride float64
	Reason               sql.NullString
	CreatedBy            sql.NullString
	CreatedAt            time.Time
	ActualCovers         sql.NullInt64
	ErrorModel           sql.NullFloat64
	ErrorOverride        sql.NullFloat64
	OutcomeRecordedAt    sql.NullTime
}

// CorrectedForecast is a forecast with the effective bias adjustment applied.
type CorrectedForecast struct {
	Forecast
	RawCoversPredicted  float64
	RawRevenuePredicted decimal.NullDecimal
	CoversOffsetApplied int
	BiasCorrected       bool
	BiasReason          string
	AdjustmentID        int64
}

type OverrideQuality struct {
	VenueID              string
	Count                int
	MeanAbsErrorModel    float64
	MeanAbsErrorOverride float64
	ImprovedShare        float64 // fraction where the override beat the model
}
