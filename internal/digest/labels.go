package digest

// labels holds the fixed strings of one locale.
type labels struct {
	EveningTitle    string
	EveningSchedule string // %s = date
	MorningTitle    string
	TodaySection    string
	NoEvents        string
	TasksSection    string
	TasksToday      string
	FilesSection    string
	ExamsSection    string
	DaysLeft        string // %d = days
	Cancelled       string
	Room            string
	Scope           string

	AlertTitle     string // %d = days
	AlertExam      string // %s = subject
	AlertRemaining string // %d = days
	AlertScope     string
	AlertPlan      []string // first entry takes %d = review sessions left
	AlertChecklist []string

	SyncTitle string
}

var english = labels{
	EveningTitle:    "📚 Preparation check for tomorrow",
	EveningSchedule: "📅 Schedule for %s",
	MorningTitle:    "☀️ Good morning",
	TodaySection:    "━━━ Today's schedule ━━━",
	NoEvents:        "No events scheduled.",
	TasksSection:    "⚠️ Submissions / tasks",
	TasksToday:      "━━━ Due today ━━━",
	FilesSection:    "📎 Files shared (last 7 days)",
	ExamsSection:    "🔴 Exam countdown",
	DaysLeft:        "%d day(s) left",
	Cancelled:       "cancelled",
	Room:            "Room",
	Scope:           "Scope",

	AlertTitle:     "🚨 Exam in %d day(s)",
	AlertExam:      "🔴 %s MODULE EXAM",
	AlertRemaining: "⏰ Remaining: %d day(s)",
	AlertScope:     "📚 Exam scope:",
	AlertPlan: []string{
		"✅ Review plan",
		"・Review sessions left: %d",
		"・Recommended per session: 2-3 hours",
		"・Finish the first pass today",
	},
	AlertChecklist: []string{
		"⚠️ Preparation checklist",
		"□ Past papers",
		"□ Full notes review",
		"□ SGD materials",
		"□ Files shared in the group chats",
	},

	SyncTitle: "🔄 Calendar synced",
}

var japanese = labels{
	EveningTitle:    "📚 明日の準備確認",
	EveningSchedule: "📅 %sの予定",
	MorningTitle:    "☀️ おはようございます",
	TodaySection:    "━━━ 今日のスケジュール ━━━",
	NoEvents:        "予定はありません。",
	TasksSection:    "⚠️ 提出物・タスク",
	TasksToday:      "━━━ 締切・タスク ━━━",
	FilesSection:    "📎 共有済みファイル（過去7日）",
	ExamsSection:    "🔴 試験カウントダウン",
	DaysLeft:        "残り%d日",
	Cancelled:       "休講",
	Room:            "Room",
	Scope:           "範囲",

	AlertTitle:     "🚨 試験%d日前アラート",
	AlertExam:      "🔴 %s MODULE EXAM",
	AlertRemaining: "⏰ 残り：%d日",
	AlertScope:     "📚 試験範囲：",
	AlertPlan: []string{
		"✅ 復習計画",
		"・残り復習可能回数：%d回",
		"・1回あたり推奨時間：2-3時間",
		"・今日中に1回目完了を推奨",
	},
	AlertChecklist: []string{
		"⚠️ 準備チェックリスト",
		"□ 過去問確認",
		"□ ノート総復習",
		"□ SGD資料整理",
		"□ 共有ファイル確認",
	},

	SyncTitle: "🔄 カレンダー同期完了",
}

func labelsFor(locale string) labels {
	if locale == "ja" {
		return japanese
	}
	return english
}
