package forecast

import (
	"sort"
	"time"

	"github.com/lox/coverscast/internal/models"
)

// DefaultMinCovers is the activity floor below which a venue-day is treated
// as an anomaly (closure, buyout, broken POS export).
const DefaultMinCovers = 10

// AnomalyFilter excludes low-activity outcomes from statistics. It never
// deletes anything; excluded outcomes stay in the store.
type AnomalyFilter struct {
	MinCovers int
}

func (f AnomalyFilter) Keep(o models.Outcome) bool {
	return o.CoversCount >= f.MinCovers
}

// Pair is the authoritative forecast revision for a venue/date/shift matched
// with the outcome of that venue-day.
type Pair struct {
	Forecast models.Forecast
	Outcome  models.Outcome
	DayType  models.DayType
}

func (p Pair) CoversError() float64 {
	return p.Forecast.CoversPredicted - float64(p.Outcome.CoversCount)
}

// AbsPctError is |predicted - actual| / actual * 100. The anomaly filter
// guarantees actual > 0 for every pair it lets through.
func (p Pair) AbsPctError() float64 {
	e := p.CoversError()
	if e < 0 {
		e = -e
	}
	return e / float64(p.Outcome.CoversCount) * 100
}

type revisionKey struct {
	venue string
	date  string
	shift string
}

type venueDay struct {
	venue string
	date  string
}

// LatestRevisions keeps only the most recently generated forecast for each
// (venue, business date, shift). Ties on GeneratedAt go to the higher ID.
func LatestRevisions(forecasts []models.Forecast) []models.Forecast {
	latest := make(map[revisionKey]models.Forecast, len(forecasts))
	for _, fc := range forecasts {
		k := revisionKey{fc.VenueID, fc.BusinessDate.Format(models.DateLayout), fc.ShiftType}
		cur, ok := latest[k]
		if !ok || fc.GeneratedAt.After(cur.GeneratedAt) ||
			(fc.GeneratedAt.Equal(cur.GeneratedAt) && fc.ID > cur.ID) {
			latest[k] = fc
		}
	}

	out := make([]models.Forecast, 0, len(latest))
	for _, fc := range latest {
		out = append(out, fc)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.VenueID != b.VenueID {
			return a.VenueID < b.VenueID
		}
		if !a.BusinessDate.Equal(b.BusinessDate) {
			return a.BusinessDate.Before(b.BusinessDate)
		}
		return a.ShiftType < b.ShiftType
	})
	return out
}

// PairForecasts dedupes forecasts to their latest revision and inner-joins
// them to outcomes on venue and business date. Every shift of a venue-day
// shares that day's outcome. Outcomes failing the filter are dropped.
func PairForecasts(cal *Calendar, forecasts []models.Forecast, outcomes []models.Outcome, filter AnomalyFilter) []Pair {
	byDay := make(map[venueDay]models.Outcome, len(outcomes))
	for _, o := range outcomes {
		byDay[venueDay{o.VenueID, o.BusinessDate.Format(models.DateLayout)}] = o
	}

	var pairs []Pair
	for _, fc := range LatestRevisions(forecasts) {
		o, ok := byDay[venueDay{fc.VenueID, fc.BusinessDate.Format(models.DateLayout)}]
		if !ok || !filter.Keep(o) {
			continue
		}
		pairs = append(pairs, Pair{Forecast: fc, Outcome: o, DayType: cal.DayTypeOf(fc)})
	}
	return pairs
}

// Window is a half-open range of business dates [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// LookbackWindow returns the lookbackDays before today, excluding today.
func LookbackWindow(today time.Time, lookbackDays int) Window {
	t := models.Date(today)
	return Window{From: t.AddDate(0, 0, -lookbackDays), To: t}
}
