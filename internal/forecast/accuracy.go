package forecast

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/coverscast/internal/models"
)

// DefaultAccuracyLookback is the accuracy window in days.
const DefaultAccuracyLookback = 90

type groupKey struct {
	venue   string
	dayType models.DayType
}

func groupPairs(pairs []Pair) (map[groupKey][]Pair, []groupKey) {
	groups := make(map[groupKey][]Pair)
	for _, p := range pairs {
		k := groupKey{p.Forecast.VenueID, p.DayType}
		groups[k] = append(groups[k], p)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].venue != keys[j].venue {
			return keys[i].venue < keys[j].venue
		}
		return dayTypeOrder(keys[i].dayType) < dayTypeOrder(keys[j].dayType)
	})
	return groups, keys
}

func dayTypeOrder(dt models.DayType) int {
	for i, d := range models.DayTypes {
		if d == dt {
			return i
		}
	}
	return len(models.DayTypes)
}

// ComputeAccuracy reduces filtered pairs to one AccuracyStat per
// (venue, day-type). Groups without pairs produce no row.
func ComputeAccuracy(pairs []Pair, computedAt time.Time) []models.AccuracyStat {
	groups, keys := groupPairs(pairs)

	stats := make([]models.AccuracyStat, 0, len(keys))
	for _, k := range keys {
		group := groups[k]

		apes := make([]float64, len(group))
		errs := make([]float64, len(group))
		var within10, within20 int
		start, end := group[0].Forecast.BusinessDate, group[0].Forecast.BusinessDate
		for i, p := range group {
			apes[i] = p.AbsPctError()
			errs[i] = p.CoversError()
			if apes[i] <= 10 {
				within10++
			}
			if apes[i] <= 20 {
				within20++
			}
			if d := p.Forecast.BusinessDate; d.Before(start) {
				start = d
			} else if d.After(end) {
				end = d
			}
		}

		n := float64(len(group))
		stats = append(stats, models.AccuracyStat{
			VenueID:        k.venue,
			DayType:        k.dayType,
			MAPE:           stat.Mean(apes, nil),
			Within10Pct:    float64(within10) / n * 100,
			Within20Pct:    float64(within20) / n * 100,
			AvgBias:        stat.Mean(errs, nil),
			SampleSize:     len(group),
			WindowStart:    models.Date(start),
			WindowEnd:      models.Date(end),
			LastComputedAt: computedAt,
		})
	}
	return stats
}
