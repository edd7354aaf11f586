package ingest

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lox/coverscast/internal/models"
)

const (
	RejectVenueInvalid   = "venue_id_invalid"
	RejectDateInvalid    = "business_date_invalid"
	RejectDateFuture     = "business_date_future"
	RejectCoversNegative = "covers_negative"
	RejectRevenueInvalid = "revenue_invalid"
)

// OutcomeRecord is one venue-day row as delivered by an outcome source,
// before validation.
type OutcomeRecord struct {
	VenueID      string
	BusinessDate string
	CoversCount  int
	Revenue      string
}

// ValidateOutcome converts a record into an Outcome. Any rejection reasons
// are returned instead; an outcome for a date on or after today is rejected
// since the day has not closed.
func ValidateOutcome(r OutcomeRecord, today string) (models.Outcome, []string) {
	var reasons []string

	venue, err := uuid.Parse(strings.TrimSpace(r.VenueID))
	if err != nil {
		reasons = append(reasons, RejectVenueInvalid)
	}

	date, err := models.ParseDate(strings.TrimSpace(r.BusinessDate))
	if err != nil || len(strings.TrimSpace(r.BusinessDate)) != len(models.DateLayout) {
		reasons = append(reasons, RejectDateInvalid)
	} else if today != "" && date.Format(models.DateLayout) >= today {
		reasons = append(reasons, RejectDateFuture)
	}

	if r.CoversCount < 0 {
		reasons = append(reasons, RejectCoversNegative)
	}

	revenue := decimal.Zero
	if s := strings.TrimSpace(r.Revenue); s != "" {
		revenue, err = decimal.NewFromString(s)
		if err != nil || revenue.IsNegative() {
			reasons = append(reasons, RejectRevenueInvalid)
		}
	}

	if len(reasons) > 0 {
		return models.Outcome{}, reasons
	}
	return models.Outcome{
		VenueID:      venue.String(),
		BusinessDate: date,
		CoversCount:  r.CoversCount,
		Revenue:      revenue,
	}, nil
}
