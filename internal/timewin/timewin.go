// Package timewin computes civil-date windows ("today", "this week",
// "days until") in one fixed timezone, independent of the server's zone.
package timewin

import (
	"fmt"
	"time"
)

// DateLayout is the civil date format used for storage queries.
const DateLayout = "2006-01-02"

// Week holds the inclusive civil dates bounding a week.
type Week struct {
	Start string
	End   string
}

// Window answers calendar questions relative to "now" in Location.
type Window struct {
	loc       *time.Location
	weekStart time.Weekday
	now       func() time.Time
}

// New builds a Window. A nil now uses time.Now.
func New(loc *time.Location, weekStart time.Weekday, now func() time.Time) *Window {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Window{loc: loc, weekStart: weekStart, now: now}
}

// ParseWeekStart maps "monday"/"sunday" to a Weekday, defaulting to Sunday.
func ParseWeekStart(s string) time.Weekday {
	if s == "monday" {
		return time.Monday
	}
	return time.Sunday
}

func (w *Window) Location() *time.Location { return w.loc }

// Now returns the current instant in the window's zone.
func (w *Window) Now() time.Time { return w.now().In(w.loc) }

// Midnight returns 00:00 of t's civil date in the window's zone.
func (w *Window) Midnight(t time.Time) time.Time {
	t = t.In(w.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, w.loc)
}

func (w *Window) Today() string {
	return w.Now().Format(DateLayout)
}

// Tomorrow uses AddDate on the civil date, not now+24h, so a 23h or 25h
// day still lands on the next calendar date.
func (w *Window) Tomorrow() string {
	return w.Midnight(w.now()).AddDate(0, 0, 1).Format(DateLayout)
}

// ThisWeek returns the week containing today, starting on the configured
// weekday.
func (w *Window) ThisWeek() Week {
	today := w.Midnight(w.now())
	offset := (int(today.Weekday()) - int(w.weekStart) + 7) % 7
	start := today.AddDate(0, 0, -offset)
	return Week{
		Start: start.Format(DateLayout),
		End:   start.AddDate(0, 0, 6).Format(DateLayout),
	}
}

// DaysUntil returns the number of civil days between today and target's
// civil date. Both sides are reduced to a (year, month, day) triple and
// compared as day numbers, so DST transitions cannot shift the result.
func (w *Window) DaysUntil(target time.Time) int {
	return dayNumber(target.In(w.loc)) - dayNumber(w.Now())
}

// dayNumber maps a civil date to a monotonically increasing day count.
// Building the date in UTC strips any zone offset before dividing.
func dayNumber(t time.Time) int {
	civil := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(civil.Unix() / 86400)
}

// ParseDate parses a civil date string in the window's zone.
func (w *Window) ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, w.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("timewin: parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatTime renders HH:MM in the window's zone.
func (w *Window) FormatTime(t time.Time) string {
	return t.In(w.loc).Format("15:04")
}

// FormatShortDate renders M/D, e.g. "2/23".
func (w *Window) FormatShortDate(t time.Time) string {
	return t.In(w.loc).Format("1/2")
}

var jaWeekdays = [...]string{"日", "月", "火", "水", "木", "金", "土"}

// FormatLocalizedDate renders a date for digests.
//
//	en: "Mon, Feb 23"
//	ja: "2月23日（月）"
func (w *Window) FormatLocalizedDate(t time.Time, locale string) string {
	t = t.In(w.loc)
	if locale == "ja" {
		return fmt.Sprintf("%d月%d日（%s）", int(t.Month()), t.Day(), jaWeekdays[t.Weekday()])
	}
	return t.Format("Mon, Jan 2")
}
