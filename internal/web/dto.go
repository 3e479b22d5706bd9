package web

import (
	"time"

	"studycal/internal/model"
)

// eventDTO is a JSON-friendly view of a stored event. Times are RFC3339
// in the configured zone.
type eventDTO struct {
	EventID  string `json:"event_id"`
	Title    string `json:"title"`
	Subject  string `json:"subject"`
	Activity string `json:"activity"`
	Start    string `json:"start"`
	End      string `json:"end,omitempty"`
	Room     string `json:"room,omitempty"`
	Faculty  string `json:"faculty,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Color    string `json:"color,omitempty"`
	IsExam   bool   `json:"is_exam"`
	Source   string `json:"source"`
}

type dayResponse struct {
	Date   string     `json:"date"`
	Events []eventDTO `json:"events"`
}

type weekResponse struct {
	Start  string     `json:"start"`
	End    string     `json:"end"`
	Events []eventDTO `json:"events"`
}

type examDTO struct {
	EventID   string `json:"event_id"`
	Subject   string `json:"subject"`
	ExamDate  string `json:"exam_date"`
	DaysUntil int    `json:"days_until"`
	Room      string `json:"room,omitempty"`
	Faculty   string `json:"faculty,omitempty"`
	Topic     string `json:"topic,omitempty"`
}

type taskDTO struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Deadline  string `json:"deadline,omitempty"`
	DaysUntil *int   `json:"days_until,omitempty"`
	Group     string `json:"group,omitempty"`
	Source    string `json:"source"`
}

type fileDTO struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Subject  string `json:"subject"`
	Group    string `json:"group,omitempty"`
	FileType string `json:"file_type"`
	MimeType string `json:"mime_type,omitempty"`
	Link     string `json:"link"`
	SharedAt string `json:"shared_at"`
}

func (s *Server) eventDTOs(events []model.Event) []eventDTO {
	loc := s.window.Location()
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dto := eventDTO{
			EventID:  ev.EventID,
			Title:    ev.Title,
			Subject:  ev.DisplaySubject(),
			Activity: string(ev.Activity),
			Start:    ev.Start.In(loc).Format(time.RFC3339),
			Room:     ev.Room,
			Faculty:  ev.Faculty,
			Topic:    ev.Topic,
			Color:    ev.Color,
			IsExam:   ev.IsExam,
			Source:   ev.Source,
		}
		if ev.End != nil {
			dto.End = ev.End.In(loc).Format(time.RFC3339)
		}
		out = append(out, dto)
	}
	return out
}
