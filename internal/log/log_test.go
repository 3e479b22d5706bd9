package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureOutput(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, LevelWarn)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Info("hidden")
	Debug("hidden too")
	Warn("shown", "k", "v")
	Error("failed", errors.New("boom"), "id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown k=v")
	assert.Contains(t, out, "[ERROR] failed err=boom id=7")
}

func TestKeyValueQuoting(t *testing.T) {
	buf := captureOutput(t, LevelDebug)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Debug("msg", "title", "Internal Medicine", "dangling")
	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasSuffix(line, `title="Internal Medicine"`), line)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://script.google.com/...(redacted)",
		RedactURL("https://script.google.com/macros/s/abc/exec?token=x"))
	assert.Equal(t, "https://example.com/...(redacted)", RedactURL("https://example.com"))
	assert.Equal(t, "...(redacted)", RedactURL("not a url"))
}
