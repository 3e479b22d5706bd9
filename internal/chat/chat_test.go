package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studycal/internal/model"
	"studycal/internal/timewin"
)

var manila = time.FixedZone("PHT", 8*3600)

type memStore struct {
	tasks []model.Task
	files []model.SharedFile
	err   error
}

func (m *memStore) CreateTask(ctx context.Context, t model.Task) error {
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, t)
	return nil
}

func (m *memStore) CreateFile(ctx context.Context, f model.SharedFile) error {
	if m.err != nil {
		return m.err
	}
	m.files = append(m.files, f)
	return nil
}

func window(now time.Time) *timewin.Window {
	return timewin.New(manila, time.Sunday, func() time.Time { return now })
}

func newIngestor(st *memStore) *Ingestor {
	return &Ingestor{
		Store:  st,
		Window: window(time.Date(2026, 2, 20, 10, 0, 0, 0, manila)),
		Groups: []string{"official 3b", "surgery", "pediatrics"},
	}
}

func TestIngestTasksAndFiles(t *testing.T) {
	st := &memStore{}
	sum, err := newIngestor(st).Ingest(context.Background(), Payload{Messages: []Message{
		{ID: "m1", Type: "text", ChatName: "Official 3B", Text: &Text{Body: "Case report due Feb 27 please submit"}},
		{ID: "m2", Type: "text", ChatName: "Official 3B", Text: &Text{Body: "good morning everyone"}},
		{ID: "m3", Type: "document", ChatName: "Surgery Rotation", Document: &Document{FileName: "Acute abdomen (v2).pdf", MimeType: "application/pdf", Link: "https://cdn.example/1"}},
		{ID: "m4", Type: "image", ChatName: "Pediatrics 3B", Image: &Image{MimeType: "image/png", Link: "https://cdn.example/2"}},
		{ID: "m5", Type: "text", ChatName: "Family", Text: &Text{Body: "exam tomorrow"}},
		{ID: "m6", Type: "document", ChatName: "Surgery Rotation"},
	}})
	require.NoError(t, err)
	assert.Equal(t, Summary{Tasks: 1, Files: 2, Ignored: 3}, sum)

	require.Len(t, st.tasks, 1)
	task := st.tasks[0]
	assert.Equal(t, "m1", task.MessageID)
	assert.Equal(t, "Official 3B", task.GroupName)
	require.NotNil(t, task.Deadline)
	assert.Equal(t, time.Date(2026, 2, 27, 23, 59, 0, 0, manila), *task.Deadline)
	assert.NotEmpty(t, task.ID)

	require.Len(t, st.files, 2)
	assert.Equal(t, "Acute_abdomen__v2_.pdf", st.files[0].Filename)
	assert.Equal(t, "Surgery 2", st.files[0].Subject)
	assert.Equal(t, "img_m4.png", st.files[1].Filename)
	assert.Equal(t, "Pediatrics", st.files[1].Subject)
}

func TestIngestStopsOnStoreError(t *testing.T) {
	st := &memStore{err: errors.New("disk full")}
	_, err := newIngestor(st).Ingest(context.Background(), Payload{Messages: []Message{
		{ID: "m1", Type: "text", ChatName: "official 3b", Text: &Text{Body: "quiz on 3/2"}},
	}})
	assert.Error(t, err)
}

func TestMonitoredGroupsIgnoreCase(t *testing.T) {
	st := &memStore{}
	in := newIngestor(st)
	in.Groups = []string{"Official 3B", " SURGERY "}

	sum, err := in.Ingest(context.Background(), Payload{Messages: []Message{
		{ID: "m1", Type: "text", ChatName: "Official 3B", Text: &Text{Body: "Quiz deadline Feb 27"}},
		{ID: "m2", Type: "document", ChatName: "surgery rotation", Document: &Document{FileName: "notes.pdf", Link: "https://cdn.example/3"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, Summary{Tasks: 1, Files: 1}, sum)
}

func TestTaskTitleIsTruncated(t *testing.T) {
	st := &memStore{}
	body := "assignment " + strings.Repeat("あ", 300)
	_, err := newIngestor(st).Ingest(context.Background(), Payload{Messages: []Message{
		{ID: "m1", Type: "text", ChatName: "official 3b", Text: &Text{Body: body}},
	}})
	require.NoError(t, err)
	require.Len(t, st.tasks, 1)
	assert.Len(t, []rune(st.tasks[0].Title), 200)
	assert.Equal(t, body, st.tasks[0].Description)
	assert.Nil(t, st.tasks[0].Deadline)
}

func TestParseDeadline(t *testing.T) {
	w := window(time.Date(2026, 11, 20, 10, 0, 0, 0, manila))

	d, ok := ParseDeadline("deadline: Dec. 3", w)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 12, 3, 23, 59, 0, 0, manila), d)

	d, ok = ParseDeadline("submit by 1/15", w)
	require.True(t, ok)
	assert.Equal(t, 2027, d.Year(), "past dates roll to next year")

	d, ok = ParseDeadline("due November 20", w)
	require.True(t, ok)
	assert.Equal(t, 2026, d.Year(), "today still counts")

	_, ok = ParseDeadline("due 2/30", w)
	assert.False(t, ok)
	_, ok = ParseDeadline("no date here", w)
	assert.False(t, ok)
}

func TestGuessSubject(t *testing.T) {
	assert.Equal(t, "Internal Medicine", GuessSubject("IM Group 3B"))
	assert.Equal(t, "ENT", GuessSubject("ENT rotation"))
	assert.Equal(t, "", GuessSubject("Student council"))
	assert.Equal(t, "", GuessSubject("Official 3B surgery talk"))
	assert.Equal(t, "Obstetrics", GuessSubject("OB-GYN"))
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"messages":[]}`)
	sig := Sign("s3cret", ts, body)

	assert.NoError(t, Verify("s3cret", ts, sig, body, now.Add(4*time.Minute)))
	assert.ErrorIs(t, Verify("s3cret", ts, sig, body, now.Add(6*time.Minute)), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("other", ts, sig, body, now), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("s3cret", ts, sig, []byte(`{}`), now), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("s3cret", "yesterday", sig, body, now), ErrInvalidSignature)
}

func TestWebhookHandler(t *testing.T) {
	st := &memStore{}
	now := time.Unix(1_770_000_000, 0)
	h := &Webhook{Ingestor: newIngestor(st), Secret: "s3cret", Now: func() time.Time { return now }}

	body, err := json.Marshal(Payload{Messages: []Message{
		{ID: "m1", Type: "text", ChatName: "Official 3B", Text: &Text{Body: "quiz 3/2"}},
	}})
	require.NoError(t, err)
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/webhook/chat", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign("s3cret", ts, body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sum Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.Tasks)

	req = httptest.NewRequest(http.MethodPost, "/webhook/chat", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "deadbeef")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookWithoutSecret(t *testing.T) {
	h := &Webhook{Ingestor: newIngestor(&memStore{})}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/chat", strings.NewReader(`{"messages":[]}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/chat", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
