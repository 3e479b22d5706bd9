package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "studycal/internal/log"
)

// entry is one VEVENT before recurrence expansion.
type entry struct {
	UID      string
	Summary  string
	Location string
	Notes    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time
	// RecurrenceID marks an entry that replaces one instance of a series.
	RecurrenceID *time.Time
}

// parse reads body into entries. Floating and date-only values are read in
// loc. VEVENTs without UID or start are skipped with a log line.
func parse(feed Feed, body []byte, loc *time.Location) ([]entry, error) {
	if len(body) == 0 {
		return nil, errors.New("ics: empty body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := make([]entry, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		e, err := parseVEvent(ve, loc)
		if err != nil {
			appLog.Warn("ics vevent skipped", "feed", feed.ID, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (entry, error) {
	var e entry

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return e, errors.New("missing UID")
	}
	e.UID = uid.Value
	e.Summary = propValue(ve, ical.ComponentPropertySummary)
	e.Location = propValue(ve, ical.ComponentPropertyLocation)
	e.Notes = propValue(ve, ical.ComponentPropertyDescription)

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return e, errors.New("missing DTSTART")
	}
	e.AllDay = isDateValue(dtStart)

	start, err := readTime(dtStart, loc)
	if err != nil {
		return e, err
	}
	e.Start = start

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, err := readTime(dtEnd, loc)
		if err != nil {
			return e, err
		}
		e.End = end
	}
	if e.End.IsZero() || e.End.Before(e.Start) {
		if e.AllDay {
			e.End = e.Start.AddDate(0, 0, 1)
		} else {
			e.End = e.Start
		}
	}

	e.RRule = propValue(ve, ical.ComponentPropertyRrule)

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseValue(part, tzidOf(p), loc); err == nil {
				e.ExDates = append(e.ExDates, t)
			}
		}
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		if t, err := readTime(rid, loc); err == nil {
			e.RecurrenceID = &t
		}
	}
	return e, nil
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func tzidOf(p *ical.IANAProperty) string {
	if vs, ok := p.ICalParameters["TZID"]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func readTime(p *ical.IANAProperty, loc *time.Location) (time.Time, error) {
	return parseValue(strings.TrimSpace(p.Value), tzidOf(p), loc)
}

// parseValue handles the three DATE / DATE-TIME forms: UTC ("Z"), zoned via
// TZID, and floating or date-only which are read in fallback.
func parseValue(v, tzid string, fallback *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	loc := fallback
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, fallback)
}
