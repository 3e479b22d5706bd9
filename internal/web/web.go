package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/cors"

	"studycal/internal/calsync"
	"studycal/internal/config"
	"studycal/internal/ics"
	appLog "studycal/internal/log"
	"studycal/internal/model"
	"studycal/internal/store"
	"studycal/internal/timewin"
)

const (
	defaultCacheTTL = 30 * time.Second
	calendarName    = "studycal"

	// syncStoreAllowance is added to the capture timeout to bound a
	// manual pass.
	syncStoreAllowance = time.Minute
)

// Store is the read side of the repository the API exposes.
type Store interface {
	Ping(ctx context.Context) error
	EventsOn(ctx context.Context, date string) ([]model.Event, error)
	EventsBetween(ctx context.Context, start, end string) ([]model.Event, error)
	UpcomingExams(ctx context.Context, from time.Time, limit int) ([]model.Exam, error)
	AllExams(ctx context.Context) ([]model.Exam, error)
	PendingTasks(ctx context.Context) ([]model.Task, error)
	CompleteTask(ctx context.Context, id string) error
	FilesBySubject(ctx context.Context, subject string) ([]model.SharedFile, error)
}

// Syncer runs one synchronization pass on demand.
type Syncer interface {
	Run(ctx context.Context) (model.SyncResult, error)
}

type Options struct {
	Config *config.Config
	Store  Store
	Syncer Syncer
	Window *timewin.Window

	// Webhook handles POST /webhook/chat. Nil leaves the route unregistered.
	Webhook http.Handler

	CacheTTL time.Duration
}

// Server provides the HTTP API: health, manual sync, stored lookups, an
// iCalendar export and the chat webhook.
type Server struct {
	cfg     *config.Config
	store   Store
	syncer  Syncer
	window  *timewin.Window
	webhook http.Handler
	mux     *http.ServeMux

	// Lookup responses are cached until the TTL runs out or a sync pass
	// writes to the store.
	cache *cache.Cache
}

// NewServer constructs a new Server.
func NewServer(opts Options) *Server {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	s := &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		syncer:  opts.Syncer,
		window:  opts.Window,
		webhook: opts.Webhook,
		mux:     http.NewServeMux(),
		cache:   cache.New(ttl, 2*ttl),
	}
	s.registerRoutes()
	return s
}

// Invalidate drops every cached lookup. Wired to the synchronizer's
// OnSynced hook.
func (s *Server) Invalidate(model.SyncResult) {
	s.cache.Flush()
}

// Handler returns the full middleware chain: CORS, then basic auth, then
// the route mux.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	if s.cfg != nil && len(s.cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}).Handler(h)
	}
	return h
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Either credential empty counts as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects everything except /health and the chat
// webhook, which carries its own signature.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/webhook/chat" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="studycal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/week", s.handleWeek)
	s.mux.HandleFunc("GET /api/exams", s.handleExams)
	s.mux.HandleFunc("GET /api/tasks", s.handleTasks)
	s.mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)
	s.mux.HandleFunc("GET /api/files", s.handleFiles)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	if s.webhook != nil {
		s.mux.Handle("/webhook/chat", s.webhook)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		appLog.Error("health: store unreachable", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSync runs one pass and returns its SyncResult. A backend fetch
// failure is a 502; any other failure (storage) is a 500 carrying the
// partial counts. The pass is not tied to the client connection, so a
// disconnect does not abort a capture halfway.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.syncTimeout())
	defer cancel()

	res, err := s.syncer.Run(ctx)
	switch {
	case errors.Is(err, calsync.ErrFetch):
		appLog.Error("api sync: fetch failed", err)
		writeError(w, http.StatusBadGateway, "calendar backend unavailable")
		return
	case err != nil:
		appLog.Error("api sync: pass failed", err)
		writeJSON(w, http.StatusInternalServerError, syncResponse{SyncResult: res, Error: "sync failed"})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{SyncResult: res})
}

func (s *Server) syncTimeout() time.Duration {
	capture := 30 * time.Second
	if s.cfg != nil && s.cfg.Calendar.Timeout > 0 {
		capture = s.cfg.Calendar.Timeout
	}
	return capture + syncStoreAllowance
}

type syncResponse struct {
	model.SyncResult
	Error string `json:"error,omitempty"`
}

// GET /api/events?date=YYYY-MM-DD, defaulting to today.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.window.Today()
	} else if _, err := s.window.ParseDate(date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	s.cached(r.Context(), w, "events:"+date, func(ctx context.Context) (any, error) {
		events, err := s.store.EventsOn(ctx, date)
		if err != nil {
			return nil, err
		}
		return dayResponse{Date: date, Events: s.eventDTOs(events)}, nil
	})
}

func (s *Server) handleWeek(w http.ResponseWriter, r *http.Request) {
	week := s.window.ThisWeek()
	s.cached(r.Context(), w, "week:"+week.Start, func(ctx context.Context) (any, error) {
		events, err := s.store.EventsBetween(ctx, week.Start, week.End)
		if err != nil {
			return nil, err
		}
		return weekResponse{Start: week.Start, End: week.End, Events: s.eventDTOs(events)}, nil
	})
}

// GET /api/exams lists upcoming exams; ?all=1 includes past ones.
func (s *Server) handleExams(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "1"
	key := "exams:" + s.window.Today()
	if all {
		key = "exams:all"
	}
	s.cached(r.Context(), w, key, func(ctx context.Context) (any, error) {
		var (
			exams []model.Exam
			err   error
		)
		if all {
			exams, err = s.store.AllExams(ctx)
		} else {
			exams, err = s.store.UpcomingExams(ctx, s.window.Midnight(s.window.Now()), 0)
		}
		if err != nil {
			return nil, err
		}
		out := make([]examDTO, 0, len(exams))
		for _, ex := range exams {
			out = append(out, examDTO{
				EventID:   ex.EventID,
				Subject:   ex.Subject,
				ExamDate:  ex.ExamDate.Format(time.RFC3339),
				DaysUntil: s.window.DaysUntil(ex.ExamDate),
				Room:      ex.Room,
				Faculty:   ex.Faculty,
				Topic:     ex.Topic,
			})
		}
		return out, nil
	})
}

// Tasks are written by the chat webhook, not by sync, so they bypass the
// cache.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.PendingTasks(r.Context())
	if err != nil {
		appLog.Error("api tasks: query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	out := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		dto := taskDTO{ID: t.ID, Title: t.Title, Group: t.GroupName, Source: t.Source}
		if t.Deadline != nil {
			dto.Deadline = t.Deadline.In(s.window.Location()).Format(time.RFC3339)
			days := s.window.DaysUntil(*t.Deadline)
			dto.DaysUntil = &days
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/tasks/{id}/complete marks a task done so it leaves the digests.
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.CompleteTask(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case err != nil:
		appLog.Error("api tasks: complete failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to complete task")
		return
	}
	appLog.Info("task completed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/files?subject= lists shared files whose subject contains the
// query, newest first.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	if subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	files, err := s.store.FilesBySubject(r.Context(), subject)
	if err != nil {
		appLog.Error("api files: query failed", err, "subject", subject)
		writeError(w, http.StatusInternalServerError, "failed to load files")
		return
	}
	out := make([]fileDTO, 0, len(files))
	for _, f := range files {
		out = append(out, fileDTO{
			ID:       f.ID,
			Filename: f.Filename,
			Subject:  f.Subject,
			Group:    f.GroupName,
			FileType: f.FileType,
			MimeType: f.MimeType,
			Link:     f.Link,
			SharedAt: f.SharedAt.In(s.window.Location()).Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /calendar.ics exports stored events from a week back to the
// configured horizon.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	today := s.window.Midnight(s.window.Now())
	start := today.AddDate(0, 0, -7).Format(timewin.DateLayout)
	end := today.AddDate(0, 0, 120).Format(timewin.DateLayout)

	events, err := s.store.EventsBetween(r.Context(), start, end)
	if err != nil {
		appLog.Error("calendar export: query failed", err)
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="studycal.ics"`)
	_, _ = w.Write([]byte(ics.Export(calendarName, events, s.window.Now())))
}

// cached serves key from the cache, filling it with load on a miss.
func (s *Server) cached(ctx context.Context, w http.ResponseWriter, key string, load func(context.Context) (any, error)) {
	if v, ok := s.cache.Get(key); ok {
		writeJSON(w, http.StatusOK, v)
		return
	}
	v, err := load(ctx)
	if err != nil {
		appLog.Error("api lookup failed", err, "key", key)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.cache.SetDefault(key, v)
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
