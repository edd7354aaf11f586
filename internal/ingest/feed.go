package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/coverscast/internal/httputil"
	"github.com/lox/coverscast/internal/metrics"
	"github.com/lox/coverscast/internal/models"
)

// FeedClient pulls venue-day outcomes from the POS export service.
type FeedClient struct {
	baseURL        string
	token          string
	client         *http.Client
	maxElapsedTime time.Duration
}

func NewFeedClient(baseURL, token string) *FeedClient {
	return &FeedClient{
		baseURL:        baseURL,
		token:          token,
		client:         httputil.NewClient(),
		maxElapsedTime: 2 * time.Minute,
	}
}

type FeedResponse struct {
	Outcomes []FeedOutcome `json:"outcomes"`
}

type FeedOutcome struct {
	VenueID      string      `json:"venue_id"`
	BusinessDate string      `json:"business_date"`
	CoversCount  int         `json:"covers_count"`
	Revenue      json.Number `json:"revenue"`
}

// Fetch returns every outcome with a business date on or after since,
// along with the raw response body for archiving.
func (f *FeedClient) Fetch(ctx context.Context, since time.Time) ([]OutcomeRecord, []byte, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("since", since.Format(models.DateLayout))
	u.RawQuery = q.Encode()

	start := time.Now()
	defer func() {
		metrics.FeedLatency.WithLabelValues("feed").Observe(time.Since(start).Seconds())
	}()

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if f.token != "" {
			req.Header.Set("Authorization", "Bearer "+f.token)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch outcomes: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("outcome feed unavailable: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch outcomes: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = f.maxElapsedTime
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, err
	}

	records, err := ParseFeedResponse(body)
	if err != nil {
		return nil, body, err
	}
	return records, body, nil
}

func ParseFeedResponse(body []byte) ([]OutcomeRecord, error) {
	var data FeedResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	records := make([]OutcomeRecord, 0, len(data.Outcomes))
	for _, o := range data.Outcomes {
		records = append(records, OutcomeRecord{
			VenueID:      o.VenueID,
			BusinessDate: o.BusinessDate,
			CoversCount:  o.CoversCount,
			Revenue:      o.Revenue.String(),
		})
	}
	return records, nil
}

// feedLocation describes the request for payload archiving.
func feedLocation(baseURL string, since time.Time) string {
	return baseURL + "?since=" + since.Format(models.DateLayout)
}
