package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"studycal/internal/config"
	appLog "studycal/internal/log"
)

const shutdownTimeout = 30 * time.Second

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	notify     string
	dryRun     bool
	payload    string
}

func main() {
	flags := parseFlags()

	// A missing .env is normal in production.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		appLog.Warn("failed to read .env", "err", err)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("studycal starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"section", conf.Section,
		"calendar", appLog.RedactURL(conf.Calendar.URL),
		"ics_count", len(conf.ICS),
		"stale_policy", conf.Calendar.StalePolicy,
		"once", flags.once,
		"notify", flags.notify,
		"dry_run", flags.dryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, conf, flags)
	if err != nil {
		appLog.Error("startup failed", err)
		os.Exit(1)
	}
	defer a.close()

	switch {
	case flags.once:
		os.Exit(runOnce(ctx, a))
	case flags.notify != "":
		if err := a.scheduler.RunNow(ctx, flags.notify); err != nil {
			appLog.Error("notification job failed", err, "category", flags.notify)
			a.close()
			os.Exit(1)
		}
		return
	}

	a.initialSync(ctx)

	if err := a.scheduler.Start(); err != nil {
		appLog.Error("failed to start scheduler", err)
		a.close()
		os.Exit(1)
	}

	serveErr := a.server.Serve(ctx, shutdownTimeout)
	if serveErr != nil {
		appLog.Error("HTTP server stopped", serveErr)
	}
	appLog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.scheduler.Stop(stopCtx)

	appLog.Info("studycal exiting")
	if serveErr != nil {
		cancel()
		a.close()
		os.Exit(1)
	}
}

// runOnce performs a single pass and prints its SyncResult as JSON.
func runOnce(ctx context.Context, a *app) int {
	res, err := a.sync.Run(ctx)
	_ = json.NewEncoder(os.Stdout).Encode(res)
	if err != nil {
		appLog.Error("sync failed", err)
		a.close()
		return 1
	}
	a.close()
	return 0
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync pass, print the result and exit")
	flag.StringVar(&cfg.notify, "notify", "", "Run one job now (evening|morning|exam_alert|sync) and exit")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Print notifications to stdout instead of sending them")
	flag.StringVar(&cfg.payload, "payload", "", "Read the calendar response from this file instead of a browser")

	flag.Parse()

	return cfg
}
