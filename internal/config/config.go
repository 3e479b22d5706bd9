package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// CalendarConfig describes the scraped calendar backend.
type CalendarConfig struct {
	// URL is the page that, once rendered, issues the callback requests
	// carrying the calendar payload.
	URL string `yaml:"url" json:"url"`

	// CallbackPattern is matched as a substring against response URLs.
	CallbackPattern string `yaml:"callback_pattern" json:"callback_pattern"`

	// Timeout bounds the whole page load + collection.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Settle is the extra wait after navigation so late callbacks land.
	Settle time.Duration `yaml:"settle" json:"settle"`

	// ChromePath optionally points at a specific Chromium binary.
	ChromePath string `yaml:"chrome_path,omitempty" json:"chrome_path,omitempty"`

	ExamColor       string `yaml:"exam_color" json:"exam_color"`
	CancelMarker    string `yaml:"cancel_marker" json:"cancel_marker"`
	ReservedSubject string `yaml:"reserved_subject" json:"reserved_subject"`

	// StalePolicy is "retain" (never delete rows that vanish upstream) or
	// "prune" (delete future rows not refreshed by the latest pass).
	StalePolicy string `yaml:"stale_policy" json:"stale_policy"`
}

// ICSConfig describes a supplementary ICS subscription source.
type ICSConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// Activity labels every occurrence of this feed (e.g. "HOLIDAY").
	Activity string `yaml:"activity,omitempty" json:"activity,omitempty"`
}

// DisabledSpec turns a scheduled job off.
const DisabledSpec = "-"

// ScheduleConfig holds cron specs evaluated in the configured timezone. A
// spec of DisabledSpec turns that job off; an empty spec gets the default.
type ScheduleConfig struct {
	Evening   string `yaml:"evening" json:"evening"`
	Morning   string `yaml:"morning" json:"morning"`
	ExamAlert string `yaml:"exam_alert" json:"exam_alert"`
	Sync      string `yaml:"sync" json:"sync"`

	// ExamThresholds lists the "days until" values that trigger a staged alert.
	ExamThresholds []int `yaml:"exam_thresholds" json:"exam_thresholds"`

	// UpcomingExamLimit caps how many exams are considered for countdowns.
	UpcomingExamLimit int `yaml:"upcoming_exam_limit" json:"upcoming_exam_limit"`
}

type TelegramConfig struct {
	Token   string `yaml:"token" json:"-"`
	ChatID  string `yaml:"chat_id" json:"chat_id"`
	APIBase string `yaml:"api_base,omitempty" json:"api_base,omitempty"`
}

type ChatConfig struct {
	WebhookSecret   string   `yaml:"webhook_secret" json:"-"`
	MonitoredGroups []string `yaml:"monitored_groups" json:"monitored_groups"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// ArchiveConfig enables keeping every decoded calendar payload. Dir wins
// over MinIO when both are set.
type ArchiveConfig struct {
	Dir   string       `yaml:"dir,omitempty" json:"dir,omitempty"`
	MinIO *MinIOConfig `yaml:"minio,omitempty" json:"minio,omitempty"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API and webhook.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone all civil dates are computed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "sunday" (default) or "monday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// Section filters backend events by their section identifier.
	Section string `yaml:"section" json:"section"`

	// Locale selects digest date formatting: "en" or "ja".
	Locale string `yaml:"locale" json:"locale"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	ICS      []ICSConfig    `yaml:"ics" json:"ics"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	Chat     ChatConfig     `yaml:"chat" json:"chat"`
	Archive  ArchiveConfig  `yaml:"archive" json:"archive"`

	CORSOrigins []string `yaml:"cors_origins,omitempty" json:"cors_origins,omitempty"`

	// BasicAuth, if non-nil, protects every endpoint except /health and
	// the chat webhook.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	StaleRetain = "retain"
	StalePrune  = "prune"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:3000"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Manila"
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = "sunday"
	}
	if c.Section == "" {
		c.Section = "3B"
	}
	switch c.Locale {
	case "en", "ja":
	default:
		c.Locale = "en"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	cal := &c.Calendar
	if cal.CallbackPattern == "" {
		cal.CallbackPattern = "callback?"
	}
	if cal.Timeout <= 0 {
		cal.Timeout = 30 * time.Second
	}
	if cal.Settle <= 0 {
		cal.Settle = 2 * time.Second
	}
	if cal.ExamColor == "" {
		cal.ExamColor = "#FF6666"
	}
	if cal.CancelMarker == "" {
		cal.CancelMarker = "[CLASS CANCELLED]"
	}
	if cal.ReservedSubject == "" {
		cal.ReservedSubject = "Reserved Schedule"
	}
	if cal.StalePolicy != StalePrune {
		cal.StalePolicy = StaleRetain
	}

	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/studycal.db"
	}

	s := &c.Schedule
	if s.Evening == "" {
		s.Evening = "0 22 * * *"
	}
	if s.Morning == "" {
		s.Morning = "0 7 * * *"
	}
	if s.ExamAlert == "" {
		s.ExamAlert = "0 20 * * *"
	}
	if s.Sync == "" {
		s.Sync = "0 */3 * * *"
	}
	if len(s.ExamThresholds) == 0 {
		s.ExamThresholds = []int{3, 2, 1}
	}
	if s.UpcomingExamLimit <= 0 {
		s.UpcomingExamLimit = 5
	}

	if c.Telegram.APIBase == "" {
		c.Telegram.APIBase = "https://api.telegram.org"
	}
	if c.Chat.MonitoredGroups == nil {
		c.Chat.MonitoredGroups = []string{"official 3b", "open chat 3b", "main study group"}
	}
}

// Validate reports configuration values that would only fail later at
// runtime: an unknown timezone or an unparsable cron spec.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	specs := map[string]string{
		"schedule.evening":    c.Schedule.Evening,
		"schedule.morning":    c.Schedule.Morning,
		"schedule.exam_alert": c.Schedule.ExamAlert,
		"schedule.sync":       c.Schedule.Sync,
	}
	for name, spec := range specs {
		if spec == DisabledSpec {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("config: %s %q: %w", name, spec, err)
		}
	}
	for _, n := range c.Schedule.ExamThresholds {
		if n < 0 {
			return fmt.Errorf("config: schedule.exam_thresholds: negative value %d", n)
		}
	}
	return nil
}

// Location resolves Timezone. Call Validate first; on failure this falls
// back to UTC rather than the server-local zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ApplyEnv overlays environment variables on top of file values. An unset
// variable leaves the file value alone.
func (c *Config) ApplyEnv() {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("TIMEZONE", &c.Timezone)
	str("SECTION", &c.Section)
	str("LOG_LEVEL", &c.LogLevel)
	str("SCHOOL_CALENDAR_URL", &c.Calendar.URL)
	str("CHROME_PATH", &c.Calendar.ChromePath)
	str("DB_PATH", &c.Database.Path)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	str("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	str("WEBHOOK_SECRET", &c.Chat.WebhookSecret)
	str("ARCHIVE_DIR", &c.Archive.Dir)

	if v, ok := os.LookupEnv("MONITORED_GROUPS"); ok && v != "" {
		groups := make([]string, 0)
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(strings.ToLower(g)); g != "" {
				groups = append(groups, g)
			}
		}
		c.Chat.MonitoredGroups = groups
	}

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		if c.Archive.MinIO == nil {
			c.Archive.MinIO = &MinIOConfig{}
		}
		m := c.Archive.MinIO
		m.Endpoint = endpoint
		str("MINIO_ACCESS_KEY", &m.AccessKey)
		str("MINIO_SECRET_KEY", &m.SecretKey)
		str("MINIO_BUCKET", &m.Bucket)
		if v, err := strconv.ParseBool(os.Getenv("MINIO_USE_SSL")); err == nil {
			m.UseSSL = v
		}
	}
}

// Load loads configuration from the given YAML path, then applies
// environment overrides and defaults.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (parent dir created as needed) and returned.
//   - Otherwise the YAML is unmarshalled into Config.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			// Still usable; let the caller decide.
			cfg.ApplyEnv()
			cfg.Normalize()
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".studycal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
