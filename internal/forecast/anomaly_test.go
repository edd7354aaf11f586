package forecast

import (
	"testing"
	"time"

	"github.com/lox/coverscast/internal/models"
)

func TestAnomalyFilter_Keep(t *testing.T) {
	f := AnomalyFilter{MinCovers: DefaultMinCovers}

	tests := []struct {
		covers int
		want   bool
	}{
		{0, false},
		{9, false},
		{10, true},
		{250, true},
	}
	for _, tt := range tests {
		if got := f.Keep(models.Outcome{CoversCount: tt.covers}); got != tt.want {
			t.Errorf("Keep(%d) = %v, want %v", tt.covers, got, tt.want)
		}
	}
}

func TestLatestRevisions(t *testing.T) {
	early := mkForecast(venueA, "2026-10-12", "dinner", 80)
	early.ID = 1
	late := mkForecast(venueA, "2026-10-12", "dinner", 95)
	late.ID = 2
	late.GeneratedAt = early.GeneratedAt.Add(6 * time.Hour)
	tie := mkForecast(venueA, "2026-10-12", "dinner", 97)
	tie.ID = 3
	tie.GeneratedAt = late.GeneratedAt
	lunch := mkForecast(venueA, "2026-10-12", "lunch", 40)
	lunch.ID = 4

	got := LatestRevisions([]models.Forecast{tie, early, lunch, late})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ShiftType != "dinner" || got[0].ID != 3 {
		t.Errorf("dinner revision = id %d, want 3 (latest, higher id on tie)", got[0].ID)
	}
	if got[1].ShiftType != "lunch" {
		t.Errorf("second = %s, want lunch", got[1].ShiftType)
	}
}

func TestPairForecasts(t *testing.T) {
	cal := DefaultCalendar()
	forecasts := []models.Forecast{
		mkForecast(venueA, "2026-10-12", "lunch", 40),
		mkForecast(venueA, "2026-10-12", "dinner", 90),
		mkForecast(venueA, "2026-10-13", "dinner", 100), // no outcome
		mkForecast(venueA, "2026-10-14", "dinner", 100), // closed for a private event
	}
	outcomes := []models.Outcome{
		{VenueID: venueA, BusinessDate: date("2026-10-12"), CoversCount: 120},
		{VenueID: venueA, BusinessDate: date("2026-10-14"), CoversCount: 4},
	}

	pairs := PairForecasts(cal, forecasts, outcomes, AnomalyFilter{MinCovers: 10})
	if len(pairs) != 2 {
		t.Fatalf("len(pairs) = %d, want 2", len(pairs))
	}
	for _, p := range pairs {
		if p.Outcome.CoversCount != 120 {
			t.Errorf("%s paired with %d covers", p.Forecast.ShiftType, p.Outcome.CoversCount)
		}
		if p.DayType != models.DayTypeWeekday {
			t.Errorf("DayType = %s, want weekday", p.DayType)
		}
	}
}

func TestPairForecasts_StoredDayTypeWins(t *testing.T) {
	fc := mkForecast(venueA, "2026-10-12", "dinner", 90)
	fc.DayType = models.DayTypeHoliday
	outcomes := []models.Outcome{{VenueID: venueA, BusinessDate: date("2026-10-12"), CoversCount: 100}}

	pairs := PairForecasts(DefaultCalendar(), []models.Forecast{fc}, outcomes, AnomalyFilter{MinCovers: 10})
	if len(pairs) != 1 || pairs[0].DayType != models.DayTypeHoliday {
		t.Fatalf("pairs = %+v", pairs)
	}
}

func TestPairErrors(t *testing.T) {
	p := mkPair(venueA, "2026-10-12", 90, 120)
	if got := p.CoversError(); got != -30 {
		t.Errorf("CoversError = %v, want -30", got)
	}
	if got := p.AbsPctError(); got != 25 {
		t.Errorf("AbsPctError = %v, want 25", got)
	}
}

func TestLookbackWindow(t *testing.T) {
	w := LookbackWindow(time.Date(2026, 10, 15, 21, 30, 0, 0, time.UTC), 90)
	if !w.From.Equal(date("2026-07-17")) || !w.To.Equal(date("2026-10-15")) {
		t.Errorf("window = %v..%v", w.From, w.To)
	}
}
