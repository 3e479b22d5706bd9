package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"studycal/internal/model"
)

var ErrNotFound = errors.New("store: not found")

const (
	// civilLayout stores event times as local wall-clock text so that
	// date(start_time) = 'YYYY-MM-DD' needs no timezone arithmetic.
	civilLayout = "2006-01-02 15:04:05"
	// stampLayout is fixed-width UTC, so text comparison orders correctly.
	stampLayout = "2006-01-02T15:04:05.000000Z"
)

// SQLiteRepository is the durable store shared by the synchronizer, the
// scheduler and the HTTP surface. Every write is its own transaction.
type SQLiteRepository struct {
	db  *sql.DB
	loc *time.Location
}

// NewSQLiteRepository wraps an already-migrated db. loc is the civil
// timezone event times are stored in.
func NewSQLiteRepository(db *sql.DB, loc *time.Location) (*SQLiteRepository, error) {
	if db == nil {
		return nil, errors.New("store: nil db")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &SQLiteRepository{db: db, loc: loc}, nil
}

// OpenSQLite opens (creating if needed) the database at path, enables WAL,
// foreign keys and a busy timeout on every pooled connection, and runs
// MigrateUp.
func OpenSQLite(path string, loc *time.Location) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := MigrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	repo, err := NewSQLiteRepository(db, loc)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

// ========== Calendar events / exams ==========

// UpsertEvent inserts or overwrites ev keyed by EventID and, in the same
// transaction, keeps its exam projection in step: written after the event
// when IsExam is set, removed otherwise. A zero SyncedAt is stamped now.
func (r *SQLiteRepository) UpsertEvent(ctx context.Context, ev model.Event) error {
	if ev.EventID == "" {
		return errors.New("store: event without event_id")
	}
	source := ev.Source
	if source == "" {
		source = model.SourceCalendar
	}
	syncedAt := ev.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calendar_events
			(event_id, title, subject, activity, start_time, end_time, room, faculty, topic, department, color, is_exam, source, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			title = excluded.title,
			subject = excluded.subject,
			activity = excluded.activity,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			room = excluded.room,
			faculty = excluded.faculty,
			topic = excluded.topic,
			department = excluded.department,
			color = excluded.color,
			is_exam = excluded.is_exam,
			source = excluded.source,
			synced_at = excluded.synced_at`,
		ev.EventID, ev.Title, ev.Subject, string(ev.Activity),
		r.civil(ev.Start), r.nullCivil(ev.End),
		ev.Room, ev.Faculty, ev.Topic, ev.Department, ev.Color,
		boolInt(ev.IsExam), source, stamp(syncedAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert event %s: %w", ev.EventID, err)
	}

	if ev.IsExam {
		ex := model.ExamFromEvent(ev)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO exams (event_id, subject, exam_date, room, faculty, topic, color)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO UPDATE SET
				subject = excluded.subject,
				exam_date = excluded.exam_date,
				room = excluded.room,
				faculty = excluded.faculty,
				topic = excluded.topic,
				color = excluded.color`,
			ex.EventID, ex.Subject, r.civil(ex.ExamDate), ex.Room, ex.Faculty, ex.Topic, ex.Color,
		)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM exams WHERE event_id = ?`, ev.EventID)
	}
	if err != nil {
		return fmt.Errorf("store: exam projection %s: %w", ev.EventID, err)
	}

	return tx.Commit()
}

// DeleteEvent removes an event and its exam projection. It reports whether
// a row existed.
func (r *SQLiteRepository) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM exams WHERE event_id = ?`, eventID); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE event_id = ?`, eventID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// PruneStale deletes events of source starting on or after fromDate that
// were not refreshed since before. Past rows are kept as history.
func (r *SQLiteRepository) PruneStale(ctx context.Context, source, fromDate string, before time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const match = `source = ? AND date(start_time) >= ? AND synced_at < ?`
	args := []any{source, fromDate, stamp(before)}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM exams WHERE event_id IN (SELECT event_id FROM calendar_events WHERE `+match+`)`, args...); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE `+match, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

const eventColumns = `event_id, title, subject, activity, start_time, end_time, room, faculty, topic, department, color, is_exam, source, synced_at`

func (r *SQLiteRepository) GetEvent(ctx context.Context, eventID string) (model.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE event_id = ?`, eventID)
	ev, err := r.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	return ev, err
}

// EventsOn lists events whose civil start date is date (YYYY-MM-DD).
func (r *SQLiteRepository) EventsOn(ctx context.Context, date string) ([]model.Event, error) {
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM calendar_events
		WHERE date(start_time) = ? ORDER BY start_time ASC`, date)
}

// EventsBetween lists events whose civil start date lies in [start, end].
func (r *SQLiteRepository) EventsBetween(ctx context.Context, start, end string) ([]model.Event, error) {
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM calendar_events
		WHERE date(start_time) >= ? AND date(start_time) <= ? ORDER BY start_time ASC`, start, end)
}

func (r *SQLiteRepository) CountEvents(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM calendar_events`)
}

func (r *SQLiteRepository) CountExams(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM exams`)
}

const examColumns = `event_id, subject, exam_date, room, faculty, topic, color`

func (r *SQLiteRepository) GetExam(ctx context.Context, eventID string) (model.Exam, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE event_id = ?`, eventID)
	ex, err := r.scanExam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Exam{}, ErrNotFound
	}
	return ex, err
}

// UpcomingExams lists exams at or after from, soonest first. A limit <= 0
// means no limit.
func (r *SQLiteRepository) UpcomingExams(ctx context.Context, from time.Time, limit int) ([]model.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams WHERE exam_date >= ? ORDER BY exam_date ASC`
	args := []any{r.civil(from)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryExams(ctx, query, args...)
}

func (r *SQLiteRepository) AllExams(ctx context.Context) ([]model.Exam, error) {
	return r.queryExams(ctx, `SELECT `+examColumns+` FROM exams ORDER BY exam_date ASC`)
}

// ========== Tasks / shared files ==========

func (r *SQLiteRepository) CreateTask(ctx context.Context, t model.Task) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, deadline, source, group_name, message_id, completed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, nullStamp(t.Deadline), t.Source, t.GroupName, t.MessageID,
		boolInt(t.Completed), stamp(t.CreatedAt),
	)
	return err
}

// PendingTasks lists incomplete tasks, earliest deadline first and tasks
// without a deadline last.
func (r *SQLiteRepository) PendingTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, description, deadline, source, group_name, message_id, completed, created_at
		FROM tasks WHERE completed = 0
		ORDER BY deadline IS NULL, deadline ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) CompleteTask(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET completed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (r *SQLiteRepository) CreateFile(ctx context.Context, f model.SharedFile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO shared_files (id, filename, subject, group_name, file_type, mime_type, link, shared_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Filename, f.Subject, f.GroupName, f.FileType, f.MimeType, f.Link, stamp(f.SharedAt),
	)
	return err
}

// RecentFiles lists files shared at or after since, newest first.
func (r *SQLiteRepository) RecentFiles(ctx context.Context, since time.Time) ([]model.SharedFile, error) {
	return r.queryFiles(ctx, `SELECT id, filename, subject, group_name, file_type, mime_type, link, shared_at
		FROM shared_files WHERE shared_at >= ? ORDER BY shared_at DESC`, stamp(since))
}

// FilesBySubject does a case-insensitive substring match on subject.
func (r *SQLiteRepository) FilesBySubject(ctx context.Context, subject string) ([]model.SharedFile, error) {
	return r.queryFiles(ctx, `SELECT id, filename, subject, group_name, file_type, mime_type, link, shared_at
		FROM shared_files WHERE subject LIKE ? ORDER BY shared_at DESC`, "%"+subject+"%")
}

// ========== Notification ledger ==========

// ClaimNotification records that (category, key) is being sent. It
// returns false when an earlier run already claimed it.
func (r *SQLiteRepository) ClaimNotification(ctx context.Context, category, key string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sent_notifications (category, dedupe_key, sent_at) VALUES (?, ?, ?)
		ON CONFLICT (category, dedupe_key) DO NOTHING`,
		category, key, stamp(at),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseNotification drops a claim so a failed send can be retried.
func (r *SQLiteRepository) ReleaseNotification(ctx context.Context, category, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sent_notifications WHERE category = ? AND dedupe_key = ?`, category, key)
	return err
}

// ========== helpers ==========

func (r *SQLiteRepository) civil(t time.Time) string {
	return t.In(r.loc).Format(civilLayout)
}

func (r *SQLiteRepository) nullCivil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return r.civil(*t)
}

func (r *SQLiteRepository) parseCivil(s string) (time.Time, error) {
	return time.ParseInLocation(civilLayout, s, r.loc)
}

func stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

func nullStamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return stamp(*t)
}

func parseStamp(s string) (time.Time, error) {
	return time.Parse(stampLayout, s)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteRepository) scanEvent(s scanner) (model.Event, error) {
	var out model.Event
	var activity, start, synced string
	var end sql.NullString
	var isExam int
	if err := s.Scan(&out.EventID, &out.Title, &out.Subject, &activity, &start, &end,
		&out.Room, &out.Faculty, &out.Topic, &out.Department, &out.Color, &isExam, &out.Source, &synced); err != nil {
		return model.Event{}, err
	}
	out.Activity = model.Activity(activity)
	out.IsExam = isExam == 1

	var err error
	if out.Start, err = r.parseCivil(start); err != nil {
		return model.Event{}, err
	}
	if end.Valid && end.String != "" {
		e, err := r.parseCivil(end.String)
		if err != nil {
			return model.Event{}, err
		}
		out.End = &e
	}
	if out.SyncedAt, err = parseStamp(synced); err != nil {
		return model.Event{}, err
	}
	return out, nil
}

func (r *SQLiteRepository) scanExam(s scanner) (model.Exam, error) {
	var out model.Exam
	var date string
	if err := s.Scan(&out.EventID, &out.Subject, &date, &out.Room, &out.Faculty, &out.Topic, &out.Color); err != nil {
		return model.Exam{}, err
	}
	d, err := r.parseCivil(date)
	if err != nil {
		return model.Exam{}, err
	}
	out.ExamDate = d
	return out, nil
}

func scanTask(s scanner) (model.Task, error) {
	var out model.Task
	var deadline sql.NullString
	var completed int
	var created string
	if err := s.Scan(&out.ID, &out.Title, &out.Description, &deadline, &out.Source,
		&out.GroupName, &out.MessageID, &completed, &created); err != nil {
		return model.Task{}, err
	}
	if deadline.Valid && deadline.String != "" {
		d, err := parseStamp(deadline.String)
		if err != nil {
			return model.Task{}, err
		}
		out.Deadline = &d
	}
	createdAt, err := parseStamp(created)
	if err != nil {
		return model.Task{}, err
	}
	out.CreatedAt = createdAt
	out.Completed = completed == 1
	return out, nil
}

func scanFile(s scanner) (model.SharedFile, error) {
	var out model.SharedFile
	var shared string
	if err := s.Scan(&out.ID, &out.Filename, &out.Subject, &out.GroupName,
		&out.FileType, &out.MimeType, &out.Link, &shared); err != nil {
		return model.SharedFile{}, err
	}
	at, err := parseStamp(shared)
	if err != nil {
		return model.SharedFile{}, err
	}
	out.SharedAt = at
	return out, nil
}

func (r *SQLiteRepository) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		ev, scanErr := r.scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) queryExams(ctx context.Context, query string, args ...any) ([]model.Exam, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Exam, 0)
	for rows.Next() {
		ex, scanErr := r.scanExam(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) queryFiles(ctx context.Context, query string, args ...any) ([]model.SharedFile, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.SharedFile, 0)
	for rows.Next() {
		f, scanErr := scanFile(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func checkRowsAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
