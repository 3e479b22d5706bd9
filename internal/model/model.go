package model

import "time"

// Activity is the normalized calendar activity label.
type Activity string

const (
	ActivityLecture      Activity = "Lecture"
	ActivitySGD          Activity = "SGD"
	ActivityClinics      Activity = "Clinics"
	ActivityPractical    Activity = "Practical"
	ActivityPresentation Activity = "Reporting/Presentation"
	ActivityHoliday      Activity = "HOLIDAY"
	ActivityExam         Activity = "Exam"
	ActivityOther        Activity = "Other"
)

// Event sources. Calendar rows come from the scraped backend, ICS rows
// from configured subscriptions.
const (
	SourceCalendar = "calendar"
	SourceICS      = "ics"
)

// Event is one scheduled calendar occurrence as stored locally.
//
// Start and End are civil wall-clock times in the configured timezone;
// their Location is that timezone.
type Event struct {
	EventID    string
	Title      string
	Subject    string
	Activity   Activity
	Start      time.Time
	End        *time.Time
	Room       string
	Faculty    string
	Topic      string
	Department string
	Color      string
	IsExam     bool

	// Source is SourceCalendar or SourceICS.
	Source   string
	SyncedAt time.Time
}

// DisplaySubject falls back to the title when the backend sent no subject.
func (e Event) DisplaySubject() string {
	if e.Subject != "" {
		return e.Subject
	}
	return e.Title
}

// Exam is the exam projection of an Event with IsExam set.
type Exam struct {
	EventID  string
	Subject  string
	ExamDate time.Time
	Room     string
	Faculty  string
	Topic    string
	Color    string
}

// ExamFromEvent builds the projection stored next to an exam event.
func ExamFromEvent(e Event) Exam {
	return Exam{
		EventID:  e.EventID,
		Subject:  e.Subject,
		ExamDate: e.Start,
		Room:     e.Room,
		Faculty:  e.Faculty,
		Topic:    e.Topic,
		Color:    e.Color,
	}
}

// Task is a reminder candidate extracted from chat text.
type Task struct {
	ID          string
	Title       string
	Description string
	Deadline    *time.Time
	Source      string
	GroupName   string
	MessageID   string
	Completed   bool
	CreatedAt   time.Time
}

// SharedFile records an attachment seen in a monitored chat group.
type SharedFile struct {
	ID        string
	Filename  string
	Subject   string
	GroupName string
	FileType  string
	MimeType  string
	Link      string
	SharedAt  time.Time
}

// SyncResult summarizes one synchronizer pass.
type SyncResult struct {
	Upserted  int `json:"upserted"`
	ExamCount int `json:"examCount"`
	Skipped   int `json:"skipped"`
	Pruned    int `json:"pruned,omitempty"`
}

// Add accumulates another pass (e.g. an ICS feed) into r.
func (r *SyncResult) Add(o SyncResult) {
	r.Upserted += o.Upserted
	r.ExamCount += o.ExamCount
	r.Skipped += o.Skipped
	r.Pruned += o.Pruned
}
