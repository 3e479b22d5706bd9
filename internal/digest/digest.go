// Package digest renders the notification texts. It only formats; the
// scheduler decides what goes in.
//
// Section convention, shared by both daily digests: the events section is
// always present and says so explicitly when empty, while the task, file
// and exam sections are left out entirely when they have nothing to show.
package digest

import (
	"fmt"
	"strings"
	"time"

	"studycal/internal/model"
	"studycal/internal/timewin"
)

const (
	maxTaskTitle = 80
	maxListed    = 5
	maxCountdown = 3
)

// Renderer formats digests in one locale and timezone.
type Renderer struct {
	Window *timewin.Window
	Locale string

	// ReservedSubject and CancelMarker identify events shown as one
	// abbreviated line.
	ReservedSubject string
	CancelMarker    string
}

// Evening is the input of the night-before preparation digest.
type Evening struct {
	Date   time.Time
	Events []model.Event
	Tasks  []model.Task
	Files  []model.SharedFile
	Exams  []model.Exam
}

// Morning is the input of the daily briefing.
type Morning struct {
	Date   time.Time
	Events []model.Event
	Tasks  []model.Task
	Exams  []model.Exam
}

func (r Renderer) Evening(in Evening) string {
	l := labelsFor(r.Locale)
	var b lines
	b.add(l.EveningTitle)
	b.add(fmt.Sprintf(l.EveningSchedule, r.Window.FormatLocalizedDate(in.Date, r.Locale)))
	b.blank()
	r.events(&b, in.Events, false)

	if len(in.Tasks) > 0 {
		b.blank()
		b.add(l.TasksSection)
		for _, t := range head(in.Tasks, maxListed) {
			line := "・" + truncate(t.Title, maxTaskTitle)
			if t.Deadline != nil {
				line += " (" + r.Window.FormatShortDate(*t.Deadline) + ")"
			}
			b.add(line)
		}
	}

	if len(in.Files) > 0 {
		b.blank()
		b.add(l.FilesSection)
		for _, f := range head(in.Files, maxListed) {
			b.add("✅ " + f.Filename)
		}
	}

	r.countdown(&b, in.Exams, l.ExamsSection)
	return b.String()
}

func (r Renderer) Morning(in Morning) string {
	l := labelsFor(r.Locale)
	var b lines
	b.add(l.MorningTitle)
	b.add("📅 " + r.Window.FormatLocalizedDate(in.Date, r.Locale))
	b.blank()
	b.add(l.TodaySection)
	b.blank()
	r.events(&b, in.Events, true)

	if len(in.Tasks) > 0 {
		b.blank()
		b.add(l.TasksToday)
		for _, t := range in.Tasks {
			b.add("⚠️ " + truncate(t.Title, maxTaskTitle))
		}
	}

	r.countdown(&b, in.Exams, l.ExamsSection)
	return b.String()
}

// ExamAlert is the staged countdown message for one exam and threshold.
func (r Renderer) ExamAlert(ex model.Exam, days int) string {
	l := labelsFor(r.Locale)
	var b lines
	b.add(fmt.Sprintf(l.AlertTitle, days))
	b.blank()
	b.add(fmt.Sprintf(l.AlertExam, ex.Subject))
	b.add("📅 " + r.Window.FormatLocalizedDate(ex.ExamDate, r.Locale) + " " + r.Window.FormatTime(ex.ExamDate))
	if ex.Room != "" {
		b.add("🏫 " + l.Room + ": " + ex.Room)
	}
	b.add(fmt.Sprintf(l.AlertRemaining, days))

	if ex.Topic != "" {
		b.blank()
		b.add(l.AlertScope)
		b.add(ex.Topic)
	}

	b.blank()
	for i, s := range l.AlertPlan {
		if i == 1 {
			s = fmt.Sprintf(s, days)
		}
		b.add(s)
	}
	b.blank()
	for _, s := range l.AlertChecklist {
		b.add(s)
	}
	return b.String()
}

// SyncSummary is sent after an operator-triggered sync.
func (r Renderer) SyncSummary(res model.SyncResult) string {
	l := labelsFor(r.Locale)
	s := fmt.Sprintf("%s\nupserted: %d\nexams: %d\nskipped: %d", l.SyncTitle, res.Upserted, res.ExamCount, res.Skipped)
	if res.Pruned > 0 {
		s += fmt.Sprintf("\npruned: %d", res.Pruned)
	}
	return s
}

func (r Renderer) events(b *lines, events []model.Event, spaced bool) {
	if len(events) == 0 {
		b.add(labelsFor(r.Locale).NoEvents)
		return
	}
	for _, ev := range events {
		if short, ok := r.abbreviated(ev); ok {
			b.add(short)
			continue
		}
		b.add(r.EventBlock(ev))
		if spaced {
			b.blank()
		}
	}
}

// abbreviated returns the one-line form for cancelled and reserved slots.
func (r Renderer) abbreviated(ev model.Event) (string, bool) {
	span := r.span(ev)
	if r.CancelMarker != "" && strings.Contains(ev.Topic, r.CancelMarker) {
		return fmt.Sprintf("❌ %s %s (%s)", span, ev.DisplaySubject(), labelsFor(r.Locale).Cancelled), true
	}
	if r.ReservedSubject != "" && ev.Subject == r.ReservedSubject {
		return fmt.Sprintf("📌 %s %s", span, r.ReservedSubject), true
	}
	return "", false
}

// EventBlock is the multi-line detail form of an event.
func (r Renderer) EventBlock(ev model.Event) string {
	emoji := ActivityEmoji(ev.Activity)
	if ev.IsExam {
		emoji = "🔴"
	}
	activity := string(ev.Activity)
	if activity == "" {
		activity = string(model.ActivityOther)
	}

	out := []string{fmt.Sprintf("%s %s [%s]", emoji, r.span(ev), activity)}
	subject := "   📖 " + ev.DisplaySubject()
	if ev.Topic != "" {
		subject += " - " + ev.Topic
	}
	out = append(out, subject)
	if ev.Room != "" {
		out = append(out, "   🏫 "+labelsFor(r.Locale).Room+": "+ev.Room)
	}
	if ev.Faculty != "" {
		out = append(out, "   👨‍⚕️ "+ev.Faculty)
	}
	return strings.Join(out, "\n")
}

func (r Renderer) span(ev model.Event) string {
	start := r.Window.FormatTime(ev.Start)
	if ev.End == nil {
		return start
	}
	return start + "-" + r.Window.FormatTime(*ev.End)
}

// countdown renders up to three not-yet-past exams.
func (r Renderer) countdown(b *lines, exams []model.Exam, title string) {
	var blocks []string
	for _, ex := range exams {
		if len(blocks) == maxCountdown {
			break
		}
		days := r.Window.DaysUntil(ex.ExamDate)
		if days < 0 {
			continue
		}
		blocks = append(blocks, r.countdownBlock(ex, days))
	}
	if len(blocks) == 0 {
		return
	}
	b.blank()
	b.add(title)
	for _, s := range blocks {
		b.add(s)
	}
}

func (r Renderer) countdownBlock(ex model.Exam, days int) string {
	l := labelsFor(r.Locale)
	out := []string{
		fmt.Sprintf("%s %s EXAM — %s", UrgencyEmoji(days), ex.Subject, fmt.Sprintf(l.DaysLeft, days)),
		"   └ " + r.Window.FormatLocalizedDate(ex.ExamDate, r.Locale) + " " + r.Window.FormatTime(ex.ExamDate),
	}
	if ex.Room != "" {
		out = append(out, "   └ "+l.Room+": "+ex.Room)
	}
	if ex.Topic != "" {
		out = append(out, "   └ "+l.Scope+": "+ex.Topic)
	}
	return strings.Join(out, "\n")
}

// ActivityEmoji maps an activity to its digest marker.
func ActivityEmoji(a model.Activity) string {
	switch a {
	case model.ActivityLecture:
		return "📖"
	case model.ActivitySGD:
		return "👥"
	case model.ActivityExam:
		return "🔴"
	case model.ActivityClinics:
		return "🏥"
	case model.ActivityPractical:
		return "🔬"
	case model.ActivityPresentation:
		return "🎤"
	case model.ActivityHoliday:
		return "🎌"
	default:
		return "📌"
	}
}

// UrgencyEmoji grades how close an exam is.
func UrgencyEmoji(days int) string {
	switch {
	case days <= 1:
		return "🚨"
	case days <= 3:
		return "🔴"
	case days <= 7:
		return "🟡"
	default:
		return "🟢"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

type lines struct {
	parts []string
}

func (l *lines) add(s string) { l.parts = append(l.parts, s) }
func (l *lines) blank()       { l.parts = append(l.parts, "") }

func (l *lines) String() string {
	return strings.TrimRight(strings.Join(l.parts, "\n"), "\n")
}
