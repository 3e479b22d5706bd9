package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"studycal/internal/model"
)

// Export renders events as a VCALENDAR. Exams carry an EXAM category so
// calendar clients can filter them.
func Export(name string, events []model.Event, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//studycal//calendar export//EN")
	cal.SetXWRCalName(name)

	for _, ev := range events {
		ve := cal.AddEvent(exportUID(ev.EventID))
		ve.SetDtStampTime(stamp)
		ve.SetStartAt(ev.Start)
		if ev.End != nil {
			ve.SetEndAt(*ev.End)
		} else {
			ve.SetEndAt(ev.Start.Add(time.Hour))
		}
		ve.SetSummary(exportSummary(ev))
		if ev.Room != "" {
			ve.SetLocation(ev.Room)
		}
		if desc := exportDescription(ev); desc != "" {
			ve.SetDescription(desc)
		}
		if ev.IsExam {
			ve.SetProperty(ical.ComponentPropertyCategories, "EXAM")
		}
	}
	return cal.Serialize()
}

func exportUID(eventID string) string {
	return eventID + "@studycal"
}

func exportSummary(ev model.Event) string {
	subject := ev.DisplaySubject()
	if ev.Activity == "" || string(ev.Activity) == subject {
		return subject
	}
	return subject + " (" + string(ev.Activity) + ")"
}

func exportDescription(ev model.Event) string {
	var parts []string
	if ev.Topic != "" {
		parts = append(parts, ev.Topic)
	}
	if ev.Faculty != "" {
		parts = append(parts, "Faculty: "+ev.Faculty)
	}
	return strings.Join(parts, "\n")
}
