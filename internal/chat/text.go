package chat

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"studycal/internal/timewin"
)

var taskKeywords = []string{
	"exam", "quiz", "deadline", "submit", "due", "report",
	"assignment", "homework", "case", "presentation",
}

// HasTaskKeyword reports whether text looks like a to-do announcement.
func HasTaskKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range taskKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type subjectRule struct {
	keywords []string
	subject  string
}

// Group names are matched in order; the general study groups map to no
// subject. Short keywords match whole words only.
var subjectRules = []subjectRule{
	{[]string{"official 3b", "open chat 3b", "3b main", "main study"}, ""},
	{[]string{"surgery"}, "Surgery 2"},
	{[]string{"internal med", "im group"}, "Internal Medicine"},
	{[]string{"pediatric", "pedia"}, "Pediatrics"},
	{[]string{"ob-gyn", "obstetrics", "ob gyn", "obgyn"}, "Obstetrics"},
	{[]string{"gynecology", "gynecol"}, "Gynecology"},
	{[]string{"psychiatry", "psych"}, "Psychiatry"},
	{[]string{"ent", "ear, nose"}, "ENT"},
	{[]string{"dermatology", "derm"}, "Dermatology"},
	{[]string{"neurology", "neuro"}, "Neurology"},
	{[]string{"radiology", "radio"}, "Radiology"},
	{[]string{"ophthalmology", "optha", "ophth"}, "Ophthalmology"},
	{[]string{"legal medicine", "legal med", "medico"}, "Legal Medicine"},
	{[]string{"pcm", "community medicine"}, "PCM 3"},
}

// GuessSubject derives a subject from a chat group name, or "".
func GuessSubject(group string) string {
	lower := strings.ToLower(group)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	})
	for _, rule := range subjectRules {
		for _, kw := range rule.keywords {
			if len(kw) <= 3 {
				if containsWord(words, kw) {
					return rule.subject
				}
				continue
			}
			if strings.Contains(lower, kw) {
				return rule.subject
			}
		}
	}
	return ""
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

var (
	monthDayRe = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})\b`)
	slashRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})\b`)
)

var monthIndex = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// ParseDeadline finds a "Feb 27" or "2/27" date in text. The result is
// 23:59 of that civil date in the window's zone, in the nearest year that
// puts it on or after today.
func ParseDeadline(text string, w *timewin.Window) (time.Time, bool) {
	var (
		month time.Month
		day   int
	)
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		month = monthIndex[strings.ToLower(m[1])]
		day, _ = strconv.Atoi(m[2])
	} else if m := slashRe.FindStringSubmatch(text); m != nil {
		mm, _ := strconv.Atoi(m[1])
		day, _ = strconv.Atoi(m[2])
		month = time.Month(mm)
	} else {
		return time.Time{}, false
	}
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return time.Time{}, false
	}

	loc := w.Location()
	today := w.Midnight(w.Now())
	for _, year := range []int{today.Year(), today.Year() + 1} {
		d := time.Date(year, month, day, 23, 59, 0, 0, loc)
		// Reject normalized dates such as Feb 30 becoming Mar 2.
		if d.Month() != month || d.Day() != day {
			continue
		}
		if !d.Before(today) {
			return d, true
		}
	}
	return time.Time{}, false
}
