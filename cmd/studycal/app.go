package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"studycal/internal/archive"
	"studycal/internal/calsync"
	"studycal/internal/capture"
	"studycal/internal/chat"
	"studycal/internal/config"
	"studycal/internal/digest"
	"studycal/internal/ics"
	appLog "studycal/internal/log"
	"studycal/internal/normalize"
	"studycal/internal/notify"
	"studycal/internal/scheduler"
	"studycal/internal/store"
	"studycal/internal/timewin"
	"studycal/internal/web"
)

// app holds every long-lived component built from one Config.
type app struct {
	cfg       *config.Config
	window    *timewin.Window
	repo      *store.SQLiteRepository
	channel   notify.Channel
	sync      *calsync.Service
	scheduler *scheduler.Scheduler
	server    *web.Server
}

func buildApp(ctx context.Context, cfg *config.Config, flags flagConfig) (*app, error) {
	loc := cfg.Location()
	window := timewin.New(loc, timewin.ParseWeekStart(cfg.WeekStart), nil)

	repo, err := store.OpenSQLite(cfg.Database.Path, loc)
	if err != nil {
		return nil, err
	}

	arch, err := archive.FromConfig(ctx, cfg.Archive)
	if err != nil {
		// Archiving is optional; the pass runs without it.
		appLog.Error("payload archive unavailable", err)
	}

	var source capture.Source
	if flags.payload != "" {
		appLog.Info("replaying payload from file", "path", flags.payload)
		source = capture.FileSource{Path: flags.payload}
	} else {
		if cfg.Calendar.URL == "" {
			repo.Close()
			return nil, errors.New("calendar.url (SCHOOL_CALENDAR_URL) is not set")
		}
		source = &capture.Collector{
			URL:             cfg.Calendar.URL,
			CallbackPattern: cfg.Calendar.CallbackPattern,
			Timeout:         cfg.Calendar.Timeout,
			Settle:          cfg.Calendar.Settle,
			ExecPath:        cfg.Calendar.ChromePath,
		}
	}

	channel := buildChannel(cfg, flags.dryRun)

	svc := &calsync.Service{
		Source: source,
		Normalizer: normalize.Normalizer{
			Section:      cfg.Section,
			Location:     loc,
			ExamColor:    cfg.Calendar.ExamColor,
			CancelMarker: cfg.Calendar.CancelMarker,
		},
		Store:       repo,
		Archive:     arch,
		Window:      window,
		StalePolicy: cfg.Calendar.StalePolicy,
	}
	if feeds := buildFeeds(cfg.ICS); len(feeds) > 0 {
		svc.Feeds = &ics.Ingester{
			Fetcher:  ics.NewFetcher(filepath.Join(filepath.Dir(cfg.Database.Path), "ics-cache"), nil),
			Feeds:    feeds,
			Location: loc,
		}
	}

	renderer := digest.Renderer{
		Window:          window,
		Locale:          cfg.Locale,
		ReservedSubject: cfg.Calendar.ReservedSubject,
		CancelMarker:    cfg.Calendar.CancelMarker,
	}

	sched := scheduler.New(scheduler.Options{
		Store:    repo,
		Syncer:   svc,
		Channel:  channel,
		Renderer: renderer,
		Window:   window,
		Schedule: cfg.Schedule,
	})

	server := web.NewServer(web.Options{
		Config: cfg,
		Store:  repo,
		Syncer: svc,
		Window: window,
		Webhook: &chat.Webhook{
			Ingestor: &chat.Ingestor{
				Store:  repo,
				Window: window,
				Groups: cfg.Chat.MonitoredGroups,
			},
			Secret: cfg.Chat.WebhookSecret,
		},
	})
	svc.OnSynced = server.Invalidate

	return &app{
		cfg:       cfg,
		window:    window,
		repo:      repo,
		channel:   channel,
		sync:      svc,
		scheduler: sched,
		server:    server,
	}, nil
}

// buildChannel returns Telegram when it is configured, otherwise a channel
// that prints messages to stdout.
func buildChannel(cfg *config.Config, dryRun bool) notify.Channel {
	if dryRun {
		return &notify.Writer{Out: os.Stdout}
	}
	tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.APIBase, nil)
	if err != nil {
		appLog.Warn("telegram not configured; notifications go to stdout", "reason", err)
		return &notify.Writer{Out: os.Stdout}
	}
	return tg
}

func buildFeeds(srcs []config.ICSConfig) []ics.Feed {
	feeds := make([]ics.Feed, 0, len(srcs))
	for _, src := range srcs {
		if src.URL == "" {
			continue
		}
		id := src.ID
		if id == "" {
			if src.Name != "" {
				id = src.Name
			} else {
				id = src.URL
			}
		}
		feeds = append(feeds, ics.Feed{ID: id, Name: src.Name, URL: src.URL, Activity: src.Activity})
	}
	return feeds
}

// close releases the store. Call after the scheduler and server stopped.
func (a *app) close() {
	if err := a.repo.Close(); err != nil {
		appLog.Error("failed to close store", err)
	}
}

// initialSync runs one pass at startup. A failure is reported through the
// channel and otherwise ignored; the scheduled passes retry.
func (a *app) initialSync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	res, err := a.sync.Run(ctx)
	if err != nil {
		appLog.Error("initial sync failed", err)
		notify.SendError(ctx, a.channel, "initial sync", err)
		return
	}
	appLog.Info("initial sync done", "upserted", res.Upserted, "exams", res.ExamCount, "skipped", res.Skipped)
}
