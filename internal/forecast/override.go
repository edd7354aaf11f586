package forecast

import (
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/lox/coverscast/internal/models"
)

// ResolveOverrides closes pending overrides whose business date is before
// today and whose venue-day outcome has landed with non-zero covers. No
// anomaly threshold applies here: a quiet day is still ground truth for
// judging an override. Overrides without an outcome are left for a later run.
func ResolveOverrides(pending []models.Override, outcomes []models.Outcome, today, now time.Time) []models.Override {
	byDay := make(map[venueDay]models.Outcome, len(outcomes))
	for _, o := range outcomes {
		byDay[venueDay{o.VenueID, o.BusinessDate.Format(models.DateLayout)}] = o
	}

	today = models.Date(today)
	var closed []models.Override
	for _, ov := range pending {
		if ov.OutcomeRecordedAt.Valid || !models.Date(ov.BusinessDate).Before(today) {
			continue
		}
		o, ok := byDay[venueDay{ov.VenueID, ov.BusinessDate.Format(models.DateLayout)}]
		if !ok || o.CoversCount <= 0 {
			continue
		}

		actual := float64(o.CoversCount)
		ov.ActualCovers = sql.NullInt64{Int64: int64(o.CoversCount), Valid: true}
		ov.ErrorModel = sql.NullFloat64{Float64: actual - ov.ForecastPreOverride, Valid: true}
		ov.ErrorOverride = sql.NullFloat64{Float64: actual - ov.ForecastPostOverride, Valid: true}
		ov.OutcomeRecordedAt = sql.NullTime{Time: now, Valid: true}
		closed = append(closed, ov)
	}
	return closed
}

// SummarizeOverrides measures override quality per venue over closed overrides.
func SummarizeOverrides(overrides []models.Override) []models.OverrideQuality {
	acc := make(map[string]*models.OverrideQuality)
	for _, ov := range overrides {
		if !ov.ErrorModel.Valid || !ov.ErrorOverride.Valid {
			continue
		}
		q := acc[ov.VenueID]
		if q == nil {
			q = &models.OverrideQuality{VenueID: ov.VenueID}
			acc[ov.VenueID] = q
		}
		model, override := math.Abs(ov.ErrorModel.Float64), math.Abs(ov.ErrorOverride.Float64)
		q.Count++
		q.MeanAbsErrorModel += model
		q.MeanAbsErrorOverride += override
		if override < model {
			q.ImprovedShare++
		}
	}

	out := make([]models.OverrideQuality, 0, len(acc))
	for _, q := range acc {
		n := float64(q.Count)
		q.MeanAbsErrorModel /= n
		q.MeanAbsErrorOverride /= n
		q.ImprovedShare /= n
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out
}
