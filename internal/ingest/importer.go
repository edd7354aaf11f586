package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lox/coverscast/internal/forecast"
	"github.com/lox/coverscast/internal/metrics"
	"github.com/lox/coverscast/internal/models"
	"github.com/lox/coverscast/internal/store"
)

// ErrNoSources is returned when neither the feed nor the FTP drop is configured.
var ErrNoSources = errors.New("no outcome source configured")

const (
	// DefaultFeedLookbackDays re-requests recent days so late POS corrections land.
	DefaultFeedLookbackDays = 7
	// DefaultPayloadRetentionDays bounds how long raw imports are archived.
	DefaultPayloadRetentionDays = 90
)

// Importer loads venue-day outcomes from the configured sources into the
// store. Re-importing the same data is harmless: outcomes are upserted by
// venue and date, and identical FTP files are recognised by content hash.
type Importer struct {
	store         *store.Store
	feed          *FeedClient
	ftp           *FTPClient
	lookbackDays  int
	retentionDays int
}

func NewImporter(s *store.Store, feed *FeedClient, ftp *FTPClient) *Importer {
	return &Importer{
		store:         s,
		feed:          feed,
		ftp:           ftp,
		lookbackDays:  DefaultFeedLookbackDays,
		retentionDays: DefaultPayloadRetentionDays,
	}
}

func (im *Importer) SetLookbackDays(days int) {
	if days > 0 {
		im.lookbackDays = days
	}
}

// SetRetentionDays sets how long archived payloads are kept. Zero keeps them forever.
func (im *Importer) SetRetentionDays(days int) {
	im.retentionDays = days
}

// Import pulls from every configured source. A failing source does not stop
// the other; their errors are joined and returned with whatever was imported.
func (im *Importer) Import(ctx context.Context, runID int64, today time.Time) (*forecast.Summary, error) {
	if im.feed == nil && im.ftp == nil {
		return nil, ErrNoSources
	}

	summary := newImportSummary()
	var errs []error
	if im.feed != nil {
		if err := im.importFeed(ctx, runID, today, summary); err != nil {
			log.Printf("ingest: feed import: %v", err)
			errs = append(errs, fmt.Errorf("feed: %w", err))
		}
	}
	if im.ftp != nil {
		if err := im.importFTP(ctx, runID, today, summary); err != nil {
			log.Printf("ingest: ftp import: %v", err)
			errs = append(errs, fmt.Errorf("ftp: %w", err))
		}
	}

	if im.retentionDays > 0 {
		if n, err := im.store.CleanupOldPayloads(im.retentionDays); err != nil {
			log.Printf("ingest: payload cleanup: %v", err)
		} else if n > 0 {
			log.Printf("ingest: removed %d archived payloads older than %d days", n, im.retentionDays)
		}
	}
	return summary, errors.Join(errs...)
}

func newImportSummary() *forecast.Summary {
	return &forecast.Summary{Job: "import_outcomes", PerVenue: make(map[string]int)}
}

func (im *Importer) importFeed(ctx context.Context, runID int64, today time.Time, summary *forecast.Summary) error {
	since := models.Date(today).AddDate(0, 0, -im.lookbackDays)
	records, body, err := im.feed.Fetch(ctx, since)
	if len(body) > 0 {
		if _, _, aerr := im.store.ArchivePayload(runID, "feed", feedLocation(im.feed.baseURL, since), body); aerr != nil {
			log.Printf("ingest: archive feed payload: %v", aerr)
		}
	}
	if err != nil {
		return err
	}

	stored, rejected, failed := im.apply(records, "feed", today, summary)
	log.Printf("ingest: feed since %s: %d stored, %d rejected, %d failed", since.Format(models.DateLayout), stored, rejected, failed)
	if failed > 0 {
		return fmt.Errorf("%d rows not stored", failed)
	}
	return nil
}

func (im *Importer) importFTP(ctx context.Context, runID int64, today time.Time, summary *forecast.Summary) error {
	files, err := im.ftp.FetchExports(ctx)
	for _, f := range files {
		if ferr := im.importFile(runID, f, today, summary); ferr != nil {
			log.Printf("ingest: %s: %v", f.Path, ferr)
		}
	}
	return err
}

// importFile applies one CSV export. The file is archived, and so marked as
// imported, only once every valid row has been stored; a file that failed
// part-way is retried in full on the next import.
func (im *Importer) importFile(runID int64, f RemoteFile, today time.Time, summary *forecast.Summary) error {
	seen, err := im.store.PayloadArchived(f.Body)
	if err != nil {
		return fmt.Errorf("check archive: %w", err)
	}
	if seen {
		log.Printf("ingest: %s already imported", f.Path)
		return nil
	}

	records, rowErrs, err := ParseOutcomeCSV(bytes.NewReader(f.Body))
	if err != nil {
		summary.Skipped++
		if _, _, aerr := im.store.ArchivePayload(runID, "ftp", f.Path, f.Body); aerr != nil {
			log.Printf("ingest: archive %s: %v", f.Path, aerr)
		}
		return fmt.Errorf("parse: %w", err)
	}
	for _, rerr := range rowErrs {
		log.Printf("ingest: %s: %v", f.Path, rerr)
		metrics.OutcomesImported.WithLabelValues("ftp", "rejected").Inc()
	}
	summary.Skipped += len(rowErrs)

	stored, rejected, failed := im.apply(records, "ftp", today, summary)
	log.Printf("ingest: %s: %d stored, %d rejected, %d failed", f.Path, stored, rejected+len(rowErrs), failed)
	if failed > 0 {
		return fmt.Errorf("%d rows not stored, file left for retry", failed)
	}

	if _, _, err := im.store.ArchivePayload(runID, "ftp", f.Path, f.Body); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

// apply validates and upserts records, tallying into summary. failed counts
// valid rows the store could not write.
func (im *Importer) apply(records []OutcomeRecord, source string, today time.Time, summary *forecast.Summary) (stored, rejected, failed int) {
	day := models.Date(today).Format(models.DateLayout)
	for _, r := range records {
		o, reasons := ValidateOutcome(r, day)
		if len(reasons) > 0 {
			log.Printf("ingest: rejected %s %s/%s: %s", source, r.VenueID, r.BusinessDate, strings.Join(reasons, ","))
			metrics.OutcomesImported.WithLabelValues(source, "rejected").Inc()
			rejected++
			continue
		}
		o.Source = source
		if err := im.store.UpsertOutcome(o); err != nil {
			log.Printf("ingest: upsert %s/%s: %v", o.VenueID, r.BusinessDate, err)
			metrics.OutcomesImported.WithLabelValues(source, "error").Inc()
			failed++
			continue
		}
		metrics.OutcomesImported.WithLabelValues(source, "stored").Inc()
		summary.PerVenue[o.VenueID]++
		stored++
	}
	summary.RowsAffected += stored
	summary.Skipped += rejected + failed
	return stored, rejected, failed
}
