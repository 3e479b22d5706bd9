package digest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"studycal/internal/model"
	"studycal/internal/timewin"
)

var manila = time.FixedZone("PHT", 8*3600)

func renderer(locale string) Renderer {
	now := time.Date(2026, 2, 22, 22, 0, 0, 0, manila)
	return Renderer{
		Window:          timewin.New(manila, time.Sunday, func() time.Time { return now }),
		Locale:          locale,
		ReservedSubject: "Reserved Schedule",
		CancelMarker:    "[CLASS CANCELLED]",
	}
}

func at(d, h int) time.Time { return time.Date(2026, 2, d, h, 0, 0, 0, manila) }

func lecture(id string, start time.Time) model.Event {
	end := start.Add(2 * time.Hour)
	return model.Event{
		EventID:  id,
		Subject:  "Pathology",
		Activity: model.ActivityLecture,
		Start:    start,
		End:      &end,
		Room:     "LH-1",
		Faculty:  "Dr. Cruz",
		Topic:    "Neoplasia",
	}
}

func TestEveningFullDigest(t *testing.T) {
	r := renderer("en")
	deadline := at(23, 17)
	out := r.Evening(Evening{
		Date:   at(23, 0),
		Events: []model.Event{lecture("L1", at(23, 8))},
		Tasks:  []model.Task{{Title: "Submit case report", Deadline: &deadline}},
		Files:  []model.SharedFile{{Filename: "neoplasia.pdf"}},
		Exams:  []model.Exam{{Subject: "Pathology", ExamDate: at(26, 9), Room: "LH-2"}},
	})

	assert.True(t, strings.HasPrefix(out, "📚 Preparation check for tomorrow\n📅 Schedule for Mon, Feb 23"))
	assert.Contains(t, out, "📖 08:00-10:00 [Lecture]\n   📖 Pathology - Neoplasia\n   🏫 Room: LH-1\n   👨‍⚕️ Dr. Cruz")
	assert.Contains(t, out, "⚠️ Submissions / tasks\n・Submit case report (2/23)")
	assert.Contains(t, out, "📎 Files shared (last 7 days)\n✅ neoplasia.pdf")
	assert.Contains(t, out, "🟡 Pathology EXAM — 4 day(s) left\n   └ Thu, Feb 26 09:00\n   └ Room: LH-2")
}

func TestEveningEmptySectionsConvention(t *testing.T) {
	out := renderer("en").Evening(Evening{Date: at(23, 0)})
	assert.Contains(t, out, "No events scheduled.")
	assert.NotContains(t, out, "Submissions")
	assert.NotContains(t, out, "Files shared")
	assert.NotContains(t, out, "Exam countdown")

	out = renderer("en").Morning(Morning{Date: at(22, 0)})
	assert.Contains(t, out, "No events scheduled.")
	assert.NotContains(t, out, "Due today")
	assert.NotContains(t, out, "Exam countdown")
}

func TestAbbreviatedEvents(t *testing.T) {
	reserved := lecture("R1", at(23, 13))
	reserved.Subject = "Reserved Schedule"
	cancelled := lecture("C1", at(23, 15))
	cancelled.Topic = "[CLASS CANCELLED] Neoplasia"

	out := renderer("en").Evening(Evening{Date: at(23, 0), Events: []model.Event{reserved, cancelled}})
	assert.Contains(t, out, "📌 13:00-15:00 Reserved Schedule")
	assert.Contains(t, out, "❌ 15:00-17:00 Pathology (cancelled)")
	assert.NotContains(t, out, "Dr. Cruz")
}

func TestEveningCapsLists(t *testing.T) {
	var tasks []model.Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, model.Task{Title: strings.Repeat("t", 100)})
	}
	var exams []model.Exam
	for d := 23; d <= 27; d++ {
		exams = append(exams, model.Exam{Subject: "S", ExamDate: at(d, 9)})
	}
	out := renderer("en").Evening(Evening{Date: at(23, 0), Tasks: tasks, Exams: exams})

	assert.Equal(t, 5, strings.Count(out, "・"))
	assert.Contains(t, out, "・"+strings.Repeat("t", 80)+"\n")
	assert.Equal(t, 3, strings.Count(out, " EXAM — "))
}

func TestCountdownSkipsPastExams(t *testing.T) {
	out := renderer("en").Morning(Morning{
		Date:  at(22, 0),
		Exams: []model.Exam{{Subject: "Old", ExamDate: at(20, 9)}, {Subject: "Anatomy", ExamDate: at(23, 9)}},
	})
	assert.NotContains(t, out, "Old")
	assert.Contains(t, out, "🚨 Anatomy EXAM — 1 day(s) left")
}

func TestExamAlertJapanese(t *testing.T) {
	out := renderer("ja").ExamAlert(model.Exam{
		Subject:  "Pharmacology",
		ExamDate: at(25, 9),
		Room:     "LH-3",
		Topic:    "Autonomics",
	}, 3)

	assert.True(t, strings.HasPrefix(out, "🚨 試験3日前アラート"))
	assert.Contains(t, out, "🔴 Pharmacology MODULE EXAM")
	assert.Contains(t, out, "📅 2月25日（水） 09:00")
	assert.Contains(t, out, "⏰ 残り：3日")
	assert.Contains(t, out, "📚 試験範囲：\nAutonomics")
	assert.Contains(t, out, "・残り復習可能回数：3回")
}

func TestSyncSummary(t *testing.T) {
	out := renderer("en").SyncSummary(model.SyncResult{Upserted: 2, ExamCount: 1})
	assert.Equal(t, "🔄 Calendar synced\nupserted: 2\nexams: 1\nskipped: 0", out)
}

func TestUrgencyEmoji(t *testing.T) {
	assert.Equal(t, "🚨", UrgencyEmoji(0))
	assert.Equal(t, "🔴", UrgencyEmoji(3))
	assert.Equal(t, "🟡", UrgencyEmoji(7))
	assert.Equal(t, "🟢", UrgencyEmoji(8))
}
