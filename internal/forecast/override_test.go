package forecast

import (
	"testing"
	"time"

	"github.com/lox/coverscast/internal/models"
)

func mkOverride(id int64, venue, day string, pre, post float64) models.Override {
	return models.Override{
		ID:                   id,
		VenueID:              venue,
		BusinessDate:         date(day),
		ForecastPreOverride:  pre,
		ForecastPostOverride: post,
	}
}

func TestResolveOverrides(t *testing.T) {
	today := date("2026-10-15")
	now := time.Date(2026, 10, 15, 4, 0, 0, 0, time.UTC)
	pending := []models.Override{
		mkOverride(1, venueA, "2026-10-12", 50, 45),
		mkOverride(2, venueA, "2026-10-13", 50, 60), // outcome not in yet
		mkOverride(3, venueA, "2026-10-15", 50, 60), // today
		mkOverride(4, venueA, "2026-10-14", 50, 60), // zero covers
	}
	outcomes := []models.Outcome{
		{VenueID: venueA, BusinessDate: date("2026-10-12"), CoversCount: 42},
		{VenueID: venueA, BusinessDate: date("2026-10-14"), CoversCount: 0},
		{VenueID: venueA, BusinessDate: date("2026-10-15"), CoversCount: 70},
	}

	closed := ResolveOverrides(pending, outcomes, today, now)
	if len(closed) != 1 {
		t.Fatalf("len(closed) = %d, want 1", len(closed))
	}
	ov := closed[0]
	if ov.ID != 1 {
		t.Fatalf("closed id = %d, want 1", ov.ID)
	}
	if ov.ActualCovers.Int64 != 42 || !ov.ActualCovers.Valid {
		t.Errorf("ActualCovers = %+v", ov.ActualCovers)
	}
	if ov.ErrorModel.Float64 != -8 {
		t.Errorf("ErrorModel = %v, want -8", ov.ErrorModel.Float64)
	}
	if ov.ErrorOverride.Float64 != -3 {
		t.Errorf("ErrorOverride = %v, want -3", ov.ErrorOverride.Float64)
	}
	if !ov.OutcomeRecordedAt.Time.Equal(now) {
		t.Errorf("OutcomeRecordedAt = %v", ov.OutcomeRecordedAt.Time)
	}
	if pending[0].OutcomeRecordedAt.Valid {
		t.Error("input slice was mutated")
	}
}

func TestResolveOverrides_LowCoversStillCount(t *testing.T) {
	pending := []models.Override{mkOverride(1, venueA, "2026-10-12", 20, 8)}
	outcomes := []models.Outcome{{VenueID: venueA, BusinessDate: date("2026-10-12"), CoversCount: 6}}

	closed := ResolveOverrides(pending, outcomes, date("2026-10-15"), time.Now())
	if len(closed) != 1 || closed[0].ErrorOverride.Float64 != -2 {
		t.Fatalf("closed = %+v", closed)
	}
}

func TestResolveOverrides_AlreadyRecorded(t *testing.T) {
	ov := mkOverride(1, venueA, "2026-10-12", 50, 45)
	ov.OutcomeRecordedAt.Valid = true
	outcomes := []models.Outcome{{VenueID: venueA, BusinessDate: date("2026-10-12"), CoversCount: 42}}

	if closed := ResolveOverrides([]models.Override{ov}, outcomes, date("2026-10-15"), time.Now()); len(closed) != 0 {
		t.Fatalf("expected nothing, got %+v", closed)
	}
}

func TestSummarizeOverrides(t *testing.T) {
	outcomes := []models.Outcome{
		{VenueID: venueA, BusinessDate: date("2026-10-12"), CoversCount: 42},
		{VenueID: venueA, BusinessDate: date("2026-10-13"), CoversCount: 100},
		{VenueID: "b-venue", BusinessDate: date("2026-10-12"), CoversCount: 80},
	}
	pending := []models.Override{
		mkOverride(1, venueA, "2026-10-12", 50, 45),    // model 8, override 3
		mkOverride(2, venueA, "2026-10-13", 90, 120),   // model 10, override 20
		mkOverride(3, "b-venue", "2026-10-12", 70, 80), // model 10, override 0
	}
	closed := ResolveOverrides(pending, outcomes, date("2026-10-15"), time.Now())

	got := SummarizeOverrides(closed)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	a, b := got[0], got[1]
	if b.VenueID != "b-venue" || b.Count != 1 || b.ImprovedShare != 1 {
		t.Errorf("b-venue = %+v", b)
	}
	if a.VenueID != venueA || a.Count != 2 {
		t.Fatalf("venue a = %+v", a)
	}
	if a.MeanAbsErrorModel != 9 || a.MeanAbsErrorOverride != 11.5 || a.ImprovedShare != 0.5 {
		t.Errorf("venue a = %+v", a)
	}
}
