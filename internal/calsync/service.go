// Package calsync moves calendar data into the store: one pass fetches the
// backend payload, normalizes it for the configured section and upserts
// each record, then folds in any supplementary ICS feeds.
package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"studycal/internal/archive"
	"studycal/internal/capture"
	"studycal/internal/config"
	"studycal/internal/ics"
	appLog "studycal/internal/log"
	"studycal/internal/model"
	"studycal/internal/normalize"
	"studycal/internal/timewin"
)

// DefaultFeedHorizon is how far ahead ICS feeds are expanded.
const DefaultFeedHorizon = 120 * 24 * time.Hour

// ErrFetch marks a pass that failed before anything was written because
// the backend payload could not be fetched or decoded.
var ErrFetch = errors.New("calsync: fetch failed")

// Store is the subset of the repository a sync pass writes to.
type Store interface {
	UpsertEvent(ctx context.Context, ev model.Event) error
	DeleteEvent(ctx context.Context, eventID string) (bool, error)
	PruneStale(ctx context.Context, source, fromDate string, before time.Time) (int, error)
}

// FeedSource yields already-expanded supplementary events.
type FeedSource interface {
	Events(ctx context.Context, r ics.Range) ([]model.Event, error)
}

// Service runs synchronization passes. Passes are serialized, so a manual
// trigger and the scheduled interval never interleave.
type Service struct {
	Source     capture.Source
	Feeds      FeedSource
	Normalizer normalize.Normalizer
	Store      Store
	Archive    archive.Archiver
	Window     *timewin.Window

	// StalePolicy is config.StaleRetain (default) or config.StalePrune.
	StalePolicy string
	FeedHorizon time.Duration

	// OnSynced, if set, is called after every pass that wrote to the store.
	OnSynced func(model.SyncResult)

	mu sync.Mutex
}

// Run performs one full pass. A fetch or decode failure fails the pass; a
// decoded payload with no events is a valid, empty pass.
func (s *Service) Run(ctx context.Context) (model.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	passStart := s.Window.Now()

	payload, err := s.Source.Fetch(ctx)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	s.archivePayload(ctx, passStart, payload)

	records, invalid := s.Normalizer.NormalizeAll(payload.Events)
	if invalid > 0 {
		appLog.Warn("calsync: records with unreadable timestamps", "count", invalid)
	}

	res, err := s.apply(ctx, records, passStart)
	res.Skipped += invalid
	if err != nil {
		s.notify(res)
		return res, err
	}

	feedsClean := false
	if s.Feeds != nil {
		feedRes, clean, err := s.syncFeeds(ctx, passStart)
		res.Add(feedRes)
		if err != nil {
			s.notify(res)
			return res, err
		}
		feedsClean = clean
	}

	if s.StalePolicy == config.StalePrune {
		today := s.Window.Today()
		// An empty pass may be a section misconfiguration; never prune on it.
		if len(records) > 0 {
			n, err := s.Store.PruneStale(ctx, model.SourceCalendar, today, passStart)
			if err != nil {
				s.notify(res)
				return res, fmt.Errorf("calsync: prune: %w", err)
			}
			res.Pruned += n
		}
		if feedsClean {
			n, err := s.Store.PruneStale(ctx, model.SourceICS, today, passStart)
			if err != nil {
				s.notify(res)
				return res, fmt.Errorf("calsync: prune feeds: %w", err)
			}
			res.Pruned += n
		}
	}

	appLog.Info("calsync: pass complete",
		"raw", len(payload.Events),
		"upserted", res.Upserted,
		"exams", res.ExamCount,
		"skipped", res.Skipped,
		"pruned", res.Pruned,
	)
	s.notify(res)
	return res, nil
}

// Apply upserts already-normalized records. Cancelled records are removed
// from the store and counted as skipped, as are records without an id.
// The first store error aborts; earlier records stay written.
func (s *Service) Apply(ctx context.Context, records []normalize.Record) (model.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.apply(ctx, records, s.Window.Now())
	s.notify(res)
	return res, err
}

func (s *Service) apply(ctx context.Context, records []normalize.Record, stamp time.Time) (model.SyncResult, error) {
	var res model.SyncResult
	for _, rec := range records {
		if rec.Unsyncable() {
			res.Skipped++
			continue
		}
		if rec.Cancelled {
			removed, err := s.Store.DeleteEvent(ctx, rec.Event.EventID)
			if err != nil {
				return res, fmt.Errorf("calsync: remove cancelled %s: %w", rec.Event.EventID, err)
			}
			if removed {
				appLog.Info("calsync: cancelled event removed", "event", rec.Event.EventID)
			}
			res.Skipped++
			continue
		}

		ev := rec.Event
		ev.SyncedAt = stamp
		if err := s.Store.UpsertEvent(ctx, ev); err != nil {
			return res, fmt.Errorf("calsync: upsert %s: %w", ev.EventID, err)
		}
		res.Upserted++
		if ev.IsExam {
			res.ExamCount++
		}
	}
	return res, nil
}

// syncFeeds expands ICS feeds from today's midnight forward. clean reports
// that every feed answered, which is the precondition for pruning them.
func (s *Service) syncFeeds(ctx context.Context, stamp time.Time) (model.SyncResult, bool, error) {
	horizon := s.FeedHorizon
	if horizon <= 0 {
		horizon = DefaultFeedHorizon
	}
	from := s.Window.Midnight(stamp)
	events, feedErr := s.Feeds.Events(ctx, ics.Range{Start: from, End: from.Add(horizon)})
	if feedErr != nil {
		appLog.Error("calsync: some feeds failed", feedErr)
	}

	records := make([]normalize.Record, 0, len(events))
	for _, ev := range events {
		records = append(records, normalize.Record{Event: ev})
	}
	res, err := s.apply(ctx, records, stamp)
	return res, feedErr == nil, err
}

func (s *Service) archivePayload(ctx context.Context, at time.Time, payload any) {
	if s.Archive == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		appLog.Error("calsync: archive encode failed", err)
		return
	}
	name, err := s.Archive.Put(ctx, at, body)
	if err != nil {
		appLog.Error("calsync: archive failed", err)
		return
	}
	appLog.Debug("calsync: payload archived", "object", name)
}

func (s *Service) notify(res model.SyncResult) {
	if s.OnSynced != nil && (res.Upserted > 0 || res.Skipped > 0 || res.Pruned > 0) {
		s.OnSynced(res)
	}
}
