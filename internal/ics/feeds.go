// Package ics ingests supplementary iCalendar subscriptions (holiday lists,
// department calendars) as events next to the scraped calendar, and renders
// stored events back out as an iCalendar document.
package ics

import (
	"context"
	"errors"
	"time"

	appLog "studycal/internal/log"
	"studycal/internal/model"
)

// Ingester fetches, parses and expands every configured feed.
type Ingester struct {
	Fetcher  *Fetcher
	Feeds    []Feed
	Location *time.Location

	// MaxInstances caps each recurring series. Zero means 1000.
	MaxInstances int
}

// Events returns the occurrences of all feeds inside r. A failing feed is
// logged and skipped; the joined error is returned alongside whatever the
// other feeds produced.
func (in *Ingester) Events(ctx context.Context, r Range) ([]model.Event, error) {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	var (
		all  []model.Event
		errs []error
	)
	for _, feed := range in.Feeds {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		body, err := in.Fetcher.Fetch(ctx, feed)
		if err != nil {
			appLog.Error("ics feed failed", err, "feed", feed.ID)
			errs = append(errs, err)
			continue
		}
		entries, err := parse(feed, body.Data, loc)
		if err != nil {
			appLog.Error("ics parse failed", err, "feed", feed.ID)
			errs = append(errs, err)
			continue
		}
		events, err := expand(feed, entries, r, loc, in.MaxInstances)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		appLog.Info("ics feed expanded", "feed", feed.ID, "entries", len(entries), "events", len(events), "cached", body.Cached)
		all = append(all, events...)
	}
	return all, errors.Join(errs...)
}
