// Package chat ingests group-chat webhook deliveries: task-like text
// becomes a Task, attachments become SharedFile records.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	appLog "studycal/internal/log"
	"studycal/internal/model"
	"studycal/internal/timewin"
)

const (
	maxTitleRunes    = 200
	maxFilenameRunes = 100
	taskSource       = "chat"
)

// Payload is one webhook delivery.
type Payload struct {
	Messages []Message `json:"messages"`
}

type Message struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	ChatName string    `json:"chat_name"`
	FromName string    `json:"from_name"`
	Text     *Text     `json:"text,omitempty"`
	Document *Document `json:"document,omitempty"`
	Image    *Image    `json:"image,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Document struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Link     string `json:"link"`
}

type Image struct {
	MimeType string `json:"mime_type"`
	Link     string `json:"link"`
}

// Store is where ingested records go.
type Store interface {
	CreateTask(ctx context.Context, t model.Task) error
	CreateFile(ctx context.Context, f model.SharedFile) error
}

// Summary counts what one delivery produced.
type Summary struct {
	Tasks   int `json:"tasks"`
	Files   int `json:"files"`
	Ignored int `json:"ignored"`
}

// Ingestor turns monitored-group messages into records.
type Ingestor struct {
	Store  Store
	Window *timewin.Window
	// Groups are lower-case substrings; a chat matches when its name
	// contains any of them.
	Groups []string
}

// Ingest processes every message. A store failure stops the delivery and
// is returned; everything else is counted as ignored.
func (in *Ingestor) Ingest(ctx context.Context, p Payload) (Summary, error) {
	var sum Summary
	for _, m := range p.Messages {
		group := m.ChatName
		if group == "" {
			group = m.FromName
		}
		if !in.monitored(group) {
			sum.Ignored++
			continue
		}

		var err error
		handled := false
		switch m.Type {
		case "text":
			handled, err = in.text(ctx, m, group)
			if handled {
				sum.Tasks++
			}
		case "document", "image":
			handled, err = in.attachment(ctx, m, group)
			if handled {
				sum.Files++
			}
		}
		if err != nil {
			return sum, err
		}
		if !handled {
			sum.Ignored++
		}
	}
	return sum, nil
}

func (in *Ingestor) monitored(group string) bool {
	if group == "" {
		return false
	}
	lower := strings.ToLower(group)
	for _, g := range in.Groups {
		g = strings.ToLower(strings.TrimSpace(g))
		if g != "" && strings.Contains(lower, g) {
			return true
		}
	}
	return false
}

func (in *Ingestor) text(ctx context.Context, m Message, group string) (bool, error) {
	if m.Text == nil {
		return false, nil
	}
	body := strings.TrimSpace(m.Text.Body)
	if body == "" || !HasTaskKeyword(body) {
		return false, nil
	}

	task := model.Task{
		ID:          uuid.NewString(),
		Title:       truncateRunes(body, maxTitleRunes),
		Description: body,
		Source:      taskSource,
		GroupName:   group,
		MessageID:   m.ID,
		CreatedAt:   in.Window.Now(),
	}
	if d, ok := ParseDeadline(body, in.Window); ok {
		task.Deadline = &d
	}
	if err := in.Store.CreateTask(ctx, task); err != nil {
		return false, fmt.Errorf("chat: save task: %w", err)
	}
	appLog.Info("chat: task detected", "group", group, "message", m.ID, "has_deadline", task.Deadline != nil)
	return true, nil
}

func (in *Ingestor) attachment(ctx context.Context, m Message, group string) (bool, error) {
	f := model.SharedFile{
		ID:        uuid.NewString(),
		GroupName: group,
		Subject:   GuessSubject(group),
		FileType:  m.Type,
		SharedAt:  in.Window.Now(),
	}
	if f.Subject == "" {
		f.Subject = group
	}

	switch {
	case m.Type == "document" && m.Document != nil && m.Document.Link != "":
		name := m.Document.FileName
		if name == "" {
			name = "doc_" + m.ID
		}
		f.Filename = SanitizeFilename(name)
		f.MimeType = defaultString(m.Document.MimeType, "application/octet-stream")
		f.Link = m.Document.Link
	case m.Type == "image" && m.Image != nil && m.Image.Link != "":
		f.MimeType = defaultString(m.Image.MimeType, "image/jpeg")
		ext := ".jpg"
		if strings.Contains(f.MimeType, "png") {
			ext = ".png"
		}
		f.Filename = SanitizeFilename("img_" + m.ID + ext)
		f.Link = m.Image.Link
	default:
		return false, nil
	}

	if err := in.Store.CreateFile(ctx, f); err != nil {
		return false, fmt.Errorf("chat: save file: %w", err)
	}
	appLog.Info("chat: file recorded", "group", group, "file", f.Filename, "type", f.FileType)
	return true, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SanitizeFilename keeps letters, digits, dot, underscore and dash, and
// replaces anything else with an underscore.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-',
			r >= 0x3040 && r <= 0x30FF, r >= 0x4E00 && r <= 0x9FFF:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return truncateRunes(b.String(), maxFilenameRunes)
}
