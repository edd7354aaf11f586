package forecast

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lox/coverscast/internal/models"
)

const (
	DefaultBiasLookback = 60
	DefaultMinSamples   = 3
	DefaultDecayFactor  = 0.8
	SystemCreator       = "system:refresh_bias"
	revenueOffsetPlaces = 2
)

// RefreshParams controls derivation of new bias adjustments.
type RefreshParams struct {
	LookbackDays  int
	MinSamples    int
	EffectiveFrom time.Time
	CreatedBy     string
}

// DeriveAdjustments turns recent signed errors into one new adjustment per
// venue. A (venue, day-type) group needs MinSamples pairs before it yields a
// correction of -round(avg(predicted - actual)). Day-types without fresh
// evidence keep the offset from the venue's current adjustment. Venues with
// no qualifying group get no row at all.
func DeriveAdjustments(pairs []Pair, current map[string]models.BiasAdjustment, p RefreshParams) []models.BiasAdjustment {
	groups, keys := groupPairs(pairs)

	fresh := make(map[string]map[models.DayType]int)
	samples := make(map[string]map[models.DayType]int)
	revenue := make(map[string]decimal.Decimal)
	var venues []string

	for _, k := range keys {
		group := groups[k]
		if len(group) < p.MinSamples {
			continue
		}
		if fresh[k.venue] == nil {
			fresh[k.venue] = make(map[models.DayType]int)
			samples[k.venue] = make(map[models.DayType]int)
			venues = append(venues, k.venue)
		}

		var sum float64
		for _, pr := range group {
			sum += pr.CoversError()
		}
		fresh[k.venue][k.dayType] = correctionFor(sum / float64(len(group)))
		samples[k.venue][k.dayType] = len(group)

		if k.dayType == models.DayTypeWeekday {
			if off, ok := revenueCorrection(group, p.MinSamples); ok {
				revenue[k.venue] = off
			}
		}
	}

	adjustments := make([]models.BiasAdjustment, 0, len(venues))
	for _, venue := range venues {
		prev, hasPrev := current[venue]

		offsets := make(map[models.DayType]int)
		if hasPrev {
			for dt, off := range prev.DayTypeOffsets {
				offsets[dt] = off
			}
		}
		for dt, off := range fresh[venue] {
			offsets[dt] = off
		}

		rev, ok := revenue[venue]
		if !ok && hasPrev {
			rev = prev.RevenueOffset
		}

		adjustments = append(adjustments, models.BiasAdjustment{
			VenueID:        venue,
			EffectiveFrom:  models.Date(p.EffectiveFrom),
			CoversOffset:   offsets[models.DayTypeWeekday],
			DayTypeOffsets: offsets,
			RevenueOffset:  rev,
			Reason:         refreshReason(p.LookbackDays, fresh[venue], samples[venue]),
			CreatedBy:      p.CreatedBy,
		})
	}
	return adjustments
}

// correctionFor negates the rounded mean signed error so that
// over-prediction yields a negative correction.
func correctionFor(meanErr float64) int {
	return -int(math.Round(meanErr))
}

func revenueCorrection(group []Pair, minSamples int) (decimal.Decimal, bool) {
	sum := decimal.Zero
	n := 0
	for _, p := range group {
		if !p.Forecast.RevenuePredicted.Valid {
			continue
		}
		sum = sum.Add(p.Forecast.RevenuePredicted.Decimal.Sub(p.Outcome.Revenue))
		n++
	}
	if n < minSamples {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(int64(n))).Round(revenueOffsetPlaces).Neg(), true
}

func refreshReason(lookbackDays int, offsets, samples map[models.DayType]int) string {
	parts := make([]string, 0, len(offsets))
	for _, dt := range models.DayTypes {
		off, ok := offsets[dt]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %+d (n=%d)", dt, off, samples[dt]))
	}
	return fmt.Sprintf("auto bias refresh over %d days: %s", lookbackDays, strings.Join(parts, ", "))
}

// DecayAdjustment shrinks every offset of a by factor, truncating toward
// zero so an offset can reach zero but never change sign. The effective
// interval is left untouched.
func DecayAdjustment(a models.BiasAdjustment, factor float64) models.BiasAdjustment {
	out := a
	out.CoversOffset = decayOffset(a.CoversOffset, factor)
	out.DayTypeOffsets = make(map[models.DayType]int, len(a.DayTypeOffsets))
	for dt, off := range a.DayTypeOffsets {
		out.DayTypeOffsets[dt] = decayOffset(off, factor)
	}
	out.RevenueOffset = a.RevenueOffset.Mul(decimal.NewFromFloat(factor)).Truncate(revenueOffsetPlaces)
	return out
}

func decayOffset(v int, factor float64) int {
	d := int(math.Trunc(float64(v) * factor))
	if (v > 0 && d < 0) || (v < 0 && d > 0) {
		return 0
	}
	return d
}

// ValidDecayFactor reports whether factor attenuates without flipping sign.
func ValidDecayFactor(factor float64) bool {
	return factor >= 0 && factor <= 1
}

// SelectAdjustment picks the adjustment in force for venue on date. When
// intervals overlap the latest EffectiveFrom wins.
func SelectAdjustment(adjustments []models.BiasAdjustment, venue string, date time.Time) (models.BiasAdjustment, bool) {
	var candidates []models.BiasAdjustment
	for _, a := range adjustments {
		if a.VenueID == venue && a.Covers(date) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return models.BiasAdjustment{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EffectiveFrom.After(candidates[j].EffectiveFrom)
	})
	return candidates[0], true
}

// ApplyBias returns fc corrected by the adjustment in force on its business
// date. Covers and both bounds shift by the same offset; revenue only ever
// takes the general revenue offset.
func ApplyBias(cal *Calendar, fc models.Forecast, adjustments []models.BiasAdjustment) models.CorrectedForecast {
	out := models.CorrectedForecast{
		Forecast:            fc,
		RawCoversPredicted:  fc.CoversPredicted,
		RawRevenuePredicted: fc.RevenuePredicted,
	}
	out.DayType = cal.DayTypeOf(fc)

	adj, ok := SelectAdjustment(adjustments, fc.VenueID, fc.BusinessDate)
	if !ok {
		return out
	}

	offset := adj.CoversOffsetFor(out.DayType)
	shift := float64(offset)
	out.CoversPredicted += shift
	if out.CoversLower.Valid {
		out.CoversLower.Float64 += shift
	}
	if out.CoversUpper.Valid {
		out.CoversUpper.Float64 += shift
	}
	if out.RevenuePredicted.Valid {
		out.RevenuePredicted.Decimal = out.RevenuePredicted.Decimal.Add(adj.RevenueOffset)
	}

	out.CoversOffsetApplied = offset
	out.BiasCorrected = true
	out.BiasReason = adj.Reason
	out.AdjustmentID = adj.ID
	return out
}
