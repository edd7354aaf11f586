package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/lox/coverscast/internal/models"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeAccuracy(t *testing.T) {
	cal := DefaultCalendar()
	forecasts := []models.Forecast{
		mkForecast(venueA, "2026-10-05", "dinner", 110),
		mkForecast(venueA, "2026-10-06", "dinner", 90),
		mkForecast(venueA, "2026-10-07", "dinner", 130),
		// Two covers on a closure day would blow up MAPE; it must not count.
		mkForecast(venueA, "2026-10-08", "dinner", 100),
		mkForecast(venueA, "2026-10-10", "dinner", 200),
	}
	outcomes := []models.Outcome{
		{VenueID: venueA, BusinessDate: date("2026-10-05"), CoversCount: 100},
		{VenueID: venueA, BusinessDate: date("2026-10-06"), CoversCount: 100},
		{VenueID: venueA, BusinessDate: date("2026-10-07"), CoversCount: 100},
		{VenueID: venueA, BusinessDate: date("2026-10-08"), CoversCount: 2},
		{VenueID: venueA, BusinessDate: date("2026-10-10"), CoversCount: 200},
	}

	computedAt := time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC)
	stats := ComputeAccuracy(PairForecasts(cal, forecasts, outcomes, AnomalyFilter{MinCovers: 10}), computedAt)
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}

	wd := stats[0]
	if wd.DayType != models.DayTypeWeekday {
		t.Fatalf("first stat day type = %s, want weekday", wd.DayType)
	}
	if wd.SampleSize != 3 {
		t.Errorf("SampleSize = %d, want 3", wd.SampleSize)
	}
	if !approx(wd.MAPE, 50.0/3) {
		t.Errorf("MAPE = %v, want %v", wd.MAPE, 50.0/3)
	}
	if !approx(wd.Within10Pct, 200.0/3) || !approx(wd.Within20Pct, 200.0/3) {
		t.Errorf("within = %v/%v, want 66.67/66.67", wd.Within10Pct, wd.Within20Pct)
	}
	if !approx(wd.AvgBias, 10) {
		t.Errorf("AvgBias = %v, want 10", wd.AvgBias)
	}
	if !wd.WindowStart.Equal(date("2026-10-05")) || !wd.WindowEnd.Equal(date("2026-10-07")) {
		t.Errorf("window = %v..%v", wd.WindowStart, wd.WindowEnd)
	}
	if !wd.LastComputedAt.Equal(computedAt) {
		t.Errorf("LastComputedAt = %v", wd.LastComputedAt)
	}

	sat := stats[1]
	if sat.DayType != models.DayTypeSaturday || sat.MAPE != 0 || sat.Within10Pct != 100 || sat.SampleSize != 1 {
		t.Errorf("saturday stat = %+v", sat)
	}
}

func TestComputeAccuracy_BoundaryCountsAsWithin(t *testing.T) {
	pairs := []Pair{
		mkPair(venueA, "2026-10-05", 120, 100),
		mkPair(venueA, "2026-10-06", 80, 100),
	}
	stats := ComputeAccuracy(pairs, time.Now())
	if len(stats) != 1 {
		t.Fatalf("len(stats) = %d", len(stats))
	}
	if stats[0].Within10Pct != 0 || stats[0].Within20Pct != 100 {
		t.Errorf("within10=%v within20=%v", stats[0].Within10Pct, stats[0].Within20Pct)
	}
	if stats[0].AvgBias != 0 {
		t.Errorf("AvgBias = %v, want 0", stats[0].AvgBias)
	}
}

func TestComputeAccuracy_Empty(t *testing.T) {
	if stats := ComputeAccuracy(nil, time.Now()); len(stats) != 0 {
		t.Errorf("expected no stats, got %d", len(stats))
	}
}

func TestComputeAccuracy_OrdersByVenueThenDayType(t *testing.T) {
	pairs := []Pair{
		mkPair("b-venue", "2026-10-05", 100, 100),
		mkPair("a-venue", "2026-10-10", 100, 100),
		mkPair("a-venue", "2026-10-05", 100, 100),
	}
	stats := ComputeAccuracy(pairs, time.Now())
	want := []struct {
		venue string
		dt    models.DayType
	}{
		{"a-venue", models.DayTypeWeekday},
		{"a-venue", models.DayTypeSaturday},
		{"b-venue", models.DayTypeWeekday},
	}
	if len(stats) != len(want) {
		t.Fatalf("len(stats) = %d", len(stats))
	}
	for i, w := range want {
		if stats[i].VenueID != w.venue || stats[i].DayType != w.dt {
			t.Errorf("stats[%d] = %s/%s, want %s/%s", i, stats[i].VenueID, stats[i].DayType, w.venue, w.dt)
		}
	}
}
