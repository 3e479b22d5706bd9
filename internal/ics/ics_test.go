package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studycal/internal/model"
)

var manila = time.FixedZone("PHT", 8*3600)

const weeklyFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:conf-1\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260302T010000Z\r\n" +
	"DTEND:20260302T020000Z\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=4\r\n" +
	"EXDATE:20260309T010000Z\r\n" +
	"SUMMARY:Grand Rounds\r\n" +
	"LOCATION:Auditorium\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:conf-1\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"RECURRENCE-ID:20260316T010000Z\r\n" +
	"DTSTART:20260316T030000Z\r\n" +
	"DTEND:20260316T040000Z\r\n" +
	"SUMMARY:Grand Rounds (moved)\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:holiday-1\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20260303\r\n" +
	"SUMMARY:EDSA Day\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func marchRange() Range {
	return Range{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, manila),
		End:   time.Date(2026, 3, 31, 23, 59, 59, 0, manila),
	}
}

func TestExpandAppliesExDateAndOverride(t *testing.T) {
	feed := Feed{ID: "dept", Activity: "Lecture"}
	entries, err := parse(feed, []byte(weeklyFeed), manila)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	events, err := expand(feed, entries, marchRange(), manila, 0)
	require.NoError(t, err)

	byID := map[string]model.Event{}
	for _, ev := range events {
		byID[ev.EventID] = ev
	}
	// Four weekly instances, one excluded, plus the all-day holiday.
	assert.Len(t, events, 4)

	first, ok := byID["ics:dept:conf-1:20260302T090000"]
	require.True(t, ok)
	assert.Equal(t, "Grand Rounds", first.Subject)
	assert.Equal(t, 9, first.Start.Hour())
	assert.Equal(t, model.SourceICS, first.Source)
	assert.Equal(t, model.ActivityLecture, first.Activity)

	_, excluded := byID["ics:dept:conf-1:20260309T090000"]
	assert.False(t, excluded)

	moved, ok := byID["ics:dept:conf-1:20260316T090000"]
	require.True(t, ok, "override keeps the original instance id")
	assert.Equal(t, "Grand Rounds (moved)", moved.Subject)
	assert.Equal(t, 11, moved.Start.Hour())

	holiday, ok := byID["ics:dept:holiday-1:20260303T000000"]
	require.True(t, ok)
	require.NotNil(t, holiday.End)
	assert.Equal(t, 24*time.Hour, holiday.End.Sub(holiday.Start))
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	_, err := expand(Feed{ID: "x"}, nil, Range{Start: time.Now(), End: time.Now().Add(-time.Hour)}, manila, 0)
	assert.Error(t, err)
}

func TestFetcherUsesETagCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(weeklyFeed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	feed := Feed{ID: "dept", URL: srv.URL + "/cal.ics"}

	first, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetcherFallsBackOnServerError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(weeklyFeed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	feed := Feed{ID: "dept", URL: srv.URL}

	_, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)

	fail.Store(true)
	body, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, body.Cached)

	_, err = NewFetcher(t.TempDir(), srv.Client()).Fetch(context.Background(), feed)
	assert.Error(t, err)
}

func TestIngesterSkipsFailingFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(weeklyFeed))
	}))
	defer srv.Close()

	in := &Ingester{
		Fetcher:  NewFetcher(t.TempDir(), srv.Client()),
		Location: manila,
		Feeds: []Feed{
			{ID: "bad", URL: srv.URL + "/bad"},
			{ID: "good", URL: srv.URL + "/good"},
		},
	}
	events, err := in.Events(context.Background(), marchRange())
	assert.Error(t, err)
	assert.Len(t, events, 4)
}

func TestExportRendersEvents(t *testing.T) {
	start := time.Date(2026, 2, 26, 9, 0, 0, 0, manila)
	end := start.Add(2 * time.Hour)
	out := Export("Section 3B", []model.Event{
		{EventID: "x1", Subject: "Pathology", Activity: model.ActivityExam, Start: start, End: &end, Room: "LH-1", IsExam: true},
		{EventID: "e2", Title: "Orientation", Start: start.AddDate(0, 0, 1)},
	}, time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC))

	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.Contains(t, out, "UID:x1@studycal")
	assert.Contains(t, out, "SUMMARY:Pathology (Exam)")
	assert.Contains(t, out, "DTSTART:20260226T010000Z")
	assert.Contains(t, out, "CATEGORIES:EXAM")
	assert.Contains(t, out, "SUMMARY:Orientation")
}
