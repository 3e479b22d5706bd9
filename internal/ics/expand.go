package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "studycal/internal/log"
	"studycal/internal/model"
)

const defaultMaxInstances = 1000

// Range is the inclusive window occurrences are generated for.
type Range struct {
	Start time.Time
	End   time.Time
}

// expand turns parsed entries into concrete events inside r. Recurring
// series go through rrule-go with EXDATE applied; RECURRENCE-ID entries
// replace the instance they name. All times end up in loc.
func expand(feed Feed, entries []entry, r Range, loc *time.Location, maxInstances int) ([]model.Event, error) {
	if r.End.Before(r.Start) {
		return nil, errors.New("ics: range end before start")
	}
	if maxInstances <= 0 {
		maxInstances = defaultMaxInstances
	}

	overrides := map[string][]entry{}
	var bases []entry
	for _, e := range entries {
		if e.RecurrenceID != nil {
			overrides[e.UID] = append(overrides[e.UID], e)
			continue
		}
		bases = append(bases, e)
	}

	out := make([]model.Event, 0)
	for _, base := range bases {
		ov := overrides[base.UID]
		if base.RRule == "" {
			if overlaps(base.Start, base.End, r) {
				inst := base
				if o, ok := matchOverride(ov, base.Start); ok {
					inst = o
				}
				out = append(out, toEvent(feed, inst, base.Start, inst.Start, inst.End, loc))
			}
			continue
		}

		starts, err := occurrences(base, r)
		if err != nil {
			appLog.Warn("ics rrule skipped", "feed", feed.ID, "uid", base.UID, "err", err)
			continue
		}
		if len(starts) > maxInstances {
			appLog.Warn("ics series truncated", "feed", feed.ID, "uid", base.UID, "cap", maxInstances)
			starts = starts[:maxInstances]
		}
		dur := base.End.Sub(base.Start)
		for _, s := range starts {
			inst, start, end := base, s, s.Add(dur)
			if o, ok := matchOverride(ov, s); ok {
				inst, start, end = o, o.Start, o.End
			}
			out = append(out, toEvent(feed, inst, s, start, end, loc))
		}
	}
	return out, nil
}

func occurrences(base entry, r Range) ([]time.Time, error) {
	rule, err := rrule.StrToRRule(base.RRule)
	if err != nil {
		return nil, err
	}
	rule.DTStart(base.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range base.ExDates {
		set.ExDate(ex.In(base.Start.Location()))
	}
	srcLoc := base.Start.Location()
	return set.Between(r.Start.In(srcLoc), r.End.In(srcLoc), true), nil
}

func matchOverride(overrides []entry, start time.Time) (entry, bool) {
	for _, o := range overrides {
		if o.RecurrenceID.Equal(start) {
			return o, true
		}
	}
	return entry{}, false
}

func overlaps(start, end time.Time, r Range) bool {
	return !end.Before(r.Start) && !r.End.Before(start)
}

// InstanceID builds the stable event id of one feed occurrence. The
// original (pre-override) start keeps the id fixed when an instance moves.
func InstanceID(feedID, uid string, originalStart time.Time, loc *time.Location) string {
	return fmt.Sprintf("ics:%s:%s:%s", feedID, uid, originalStart.In(loc).Format("20060102T150405"))
}

func toEvent(feed Feed, e entry, originalStart, start, end time.Time, loc *time.Location) model.Event {
	activity := model.ActivityOther
	if feed.Activity != "" {
		activity = model.Activity(feed.Activity)
	}
	s := start.In(loc)
	en := end.In(loc)
	ev := model.Event{
		EventID:  InstanceID(feed.ID, e.UID, originalStart, loc),
		Title:    e.Summary,
		Subject:  e.Summary,
		Activity: activity,
		Start:    s,
		Room:     e.Location,
		Topic:    e.Notes,
		Source:   model.SourceICS,
		IsExam:   activity == model.ActivityExam,
	}
	if en.After(s) {
		ev.End = &en
	}
	return ev
}
