// Package normalize maps backend calendar records onto model.Event.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"studycal/internal/model"
	"studycal/internal/wire"
)

// activities maps backend labels to normalized ones. Labels missing from
// the table pass through unchanged so new backend labels are not lost.
var activities = map[string]model.Activity{
	"Lecture":                model.ActivityLecture,
	"SGD":                    model.ActivitySGD,
	"Clinics":                model.ActivityClinics,
	"Practical":              model.ActivityPractical,
	"Reporting/Presentation": model.ActivityPresentation,
	"HOLIDAY":                model.ActivityHoliday,
	"Exam":                   model.ActivityExam,
	"Exam (Manual)":          model.ActivityExam,
	"Other":                  model.ActivityOther,
}

// NormalizeActivity applies the activity table.
func NormalizeActivity(label string) model.Activity {
	label = strings.TrimSpace(label)
	if label == "" {
		return model.ActivityOther
	}
	if a, ok := activities[label]; ok {
		return a
	}
	return model.Activity(label)
}

// Record is a normalized event plus the cancellation flag, which is
// decided here but enforced by the synchronizer.
type Record struct {
	Event     model.Event
	Cancelled bool
}

// Unsyncable reports a record without a stable backend identifier.
func (r Record) Unsyncable() bool {
	return r.Event.EventID == ""
}

// Normalizer converts raw backend events for one section.
type Normalizer struct {
	// Section must equal the backend's section identifier.
	Section string
	// Location is the civil timezone stored times are expressed in.
	Location *time.Location
	// ExamColor marks exam entries regardless of their activity label.
	ExamColor string
	// CancelMarker flags a cancelled class when found in the topic.
	CancelMarker string
}

// Normalize returns ok=false for records of another section. Records with
// unparsable timestamps are also rejected, with the reason in err, unless
// they are cancelled: a cancellation only needs the id to remove the row.
func (n Normalizer) Normalize(raw wire.RawEvent) (rec Record, ok bool, err error) {
	ext := raw.ExtendedProps
	if ext.SectionID != n.Section {
		return Record{}, false, nil
	}

	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}

	ev := model.Event{
		EventID:    strings.TrimSpace(string(ext.EventID)),
		Title:      raw.Title,
		Subject:    ext.SubjectID,
		Activity:   NormalizeActivity(ext.Activity),
		Room:       ext.RoomID,
		Faculty:    ext.Faculty,
		Topic:      ext.Topic,
		Department: ext.DepartmentID,
		Color:      raw.Color,
		Source:     model.SourceCalendar,
		IsExam:     n.isExam(raw.Color, ext.Activity),
	}
	cancelled := n.CancelMarker != "" && strings.Contains(ext.Topic, n.CancelMarker)

	if err := n.setTimes(&ev, raw, loc); err != nil && !cancelled {
		return Record{}, false, err
	}
	return Record{Event: ev, Cancelled: cancelled}, true, nil
}

func (n Normalizer) setTimes(ev *model.Event, raw wire.RawEvent, loc *time.Location) error {
	start, err := parseInstant(raw.Start)
	if err != nil {
		return fmt.Errorf("normalize: event %q start: %w", ev.EventID, err)
	}
	ev.Start = start.In(loc)
	if raw.End != "" {
		end, err := parseInstant(raw.End)
		if err != nil {
			return fmt.Errorf("normalize: event %q end: %w", ev.EventID, err)
		}
		end = end.In(loc)
		ev.End = &end
	}
	return nil
}

// isExam honors both signals: the exam color or an exam activity label.
func (n Normalizer) isExam(color, activity string) bool {
	if n.ExamColor != "" && strings.EqualFold(strings.TrimSpace(color), n.ExamColor) {
		return true
	}
	activity = strings.TrimSpace(activity)
	return activity == "Exam" || activity == "Exam (Manual)"
}

// NormalizeAll runs Normalize over a payload. Section mismatches are
// dropped; records with bad timestamps are counted in invalid.
func (n Normalizer) NormalizeAll(events []wire.RawEvent) (out []Record, invalid int) {
	out = make([]Record, 0, len(events))
	for _, raw := range events {
		rec, ok, err := n.Normalize(raw)
		if err != nil {
			invalid++
			continue
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, invalid
}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Some rows carry no zone designator; the backend emits UTC.
	return time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
}
