package ics

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "venuecal/internal/log"
	"venuecal/internal/model"
)

// EventStore is the part of the event store the importer writes to.
type EventStore interface {
	UpsertEvent(ctx context.Context, ev model.EventDefinition) error
	DeactivateMissing(ctx context.Context, source string, keep []string) (int, error)
}

// SyncReport summarizes one sync run.
type SyncReport struct {
	Feeds       int
	Imported    int
	Deactivated int
	FailedFeeds []string
}

// Importer keeps the event store in line with the configured feeds.
type Importer struct {
	fetcher *Fetcher
	store   EventStore
	loc     *time.Location
}

// NewImporter creates an Importer writing to store. loc is the business
// timezone floating ICS values are read in.
func NewImporter(fetcher *Fetcher, store EventStore, loc *time.Location) *Importer {
	return &Importer{fetcher: fetcher, store: store, loc: loc}
}

// SyncAll fetches every source and applies it to the store. Events that
// disappeared from a feed are deactivated. A failing feed does not stop
// the others; all failures are joined into the returned error.
func (im *Importer) SyncAll(ctx context.Context, sources []Source) (SyncReport, error) {
	var (
		report SyncReport
		errs   []error
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Feeds++

		res, err := im.fetcher.FetchOne(ctx, src)
		if err != nil {
			report.FailedFeeds = append(report.FailedFeeds, src.ID)
			errs = append(errs, err)
			appLog.Error("sync: fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}

		imported, deactivated, err := im.apply(ctx, src, res.Body, true)
		report.Imported += imported
		report.Deactivated += deactivated
		if err != nil {
			report.FailedFeeds = append(report.FailedFeeds, src.ID)
			errs = append(errs, err)
			appLog.Error("sync: apply failed", err, "id", src.ID)
			continue
		}
		appLog.Info("sync: feed applied", "id", src.ID, "imported", imported,
			"deactivated", deactivated, "from_cache", res.FromCache)
	}
	return report, errors.Join(errs...)
}

// ImportBody parses an ICS payload (for example a local file) and upserts
// its events under src.ID. Nothing is deactivated.
func (im *Importer) ImportBody(ctx context.Context, src Source, body []byte) (int, error) {
	imported, _, err := im.apply(ctx, src, body, false)
	return imported, err
}

func (im *Importer) apply(ctx context.Context, src Source, body []byte, deactivate bool) (int, int, error) {
	events, err := ParseICS(src, body, im.loc)
	if err != nil {
		return 0, 0, err
	}

	keep := make([]string, 0, len(events))
	imported := 0
	for _, ev := range events {
		if err := im.store.UpsertEvent(ctx, ev); err != nil {
			return imported, 0, fmt.Errorf("feed %s: %w", src.ID, err)
		}
		keep = append(keep, ev.ID)
		imported++
	}

	if !deactivate {
		return imported, 0, nil
	}
	deactivated, err := im.store.DeactivateMissing(ctx, src.ID, keep)
	if err != nil {
		return imported, 0, fmt.Errorf("feed %s: %w", src.ID, err)
	}
	return imported, deactivated, nil
}
