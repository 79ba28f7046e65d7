package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"venuecal/internal/config"
	"venuecal/internal/ics"
	"venuecal/internal/listing"
	appLog "venuecal/internal/log"
	"venuecal/internal/recurrence"
	"venuecal/internal/store"
	"venuecal/internal/tzclock"
	"venuecal/internal/web"
)

// importSourceID is the Source of events loaded with -import.
const importSourceID = "import"

type flagConfig struct {
	configPath string
	listen     string
	importPath string
	dump       bool
	syncOnce   bool
	logJSON    bool
}

func main() {
	flags := parseFlags()
	if flags.logJSON {
		appLog.SetOutput(os.Stderr, true)
	}
	appLog.Info("venuecal starting", "version", "0.1.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.ApplyEnv(nil); err != nil {
		appLog.Error("failed to apply environment overrides", err)
		os.Exit(1)
	}
	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		var tzErr *tzclock.TimezoneConfigurationError
		if errors.As(err, &tzErr) {
			appLog.Error("business timezone is not usable; refusing to start", err, "timezone", tzErr.Name)
			os.Exit(2)
		}
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	loc, err := conf.Location()
	if err != nil {
		appLog.Error("failed to load business timezone", err)
		os.Exit(2)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"database", conf.Database,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"feed_count", len(conf.Feeds),
		"basic_auth", conf.BasicAuth != nil,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, flags, conf, loc); err != nil {
		appLog.Error("venuecal failed", err)
		os.Exit(1)
	}
	appLog.Info("venuecal exiting")
}

func run(ctx context.Context, flags flagConfig, conf *config.Config, loc *time.Location) error {
	st, err := store.Open(ctx, conf.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	importer := ics.NewImporter(ics.NewFetcher(st, nil), st, loc)
	sources := feedSources(conf)

	oneShot := flags.importPath != "" || flags.syncOnce || flags.dump
	if flags.importPath != "" {
		body, err := os.ReadFile(flags.importPath)
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}
		n, err := importer.ImportBody(ctx, ics.Source{ID: importSourceID, Name: flags.importPath}, body)
		if err != nil {
			return fmt.Errorf("import %s: %w", flags.importPath, err)
		}
		appLog.Info("import completed", "path", flags.importPath, "events", n)
	}
	if flags.syncOnce {
		report, err := importer.SyncAll(ctx, sources)
		logSync(report, err)
		if err != nil {
			return err
		}
	}
	if flags.dump {
		if err := dump(ctx, st, conf, loc); err != nil {
			return err
		}
	}
	if oneShot {
		return nil
	}

	return serve(ctx, conf, loc, st, importer, sources)
}

// serve runs the listing API and the feed refresh schedule until ctx ends.
func serve(ctx context.Context, conf *config.Config, loc *time.Location, st *store.Store, importer *ics.Importer, sources []ics.Source) error {
	srv := web.NewServer(conf, loc, st)

	syncFeeds := func() {
		report, err := importer.SyncAll(ctx, sources)
		logSync(report, err)
		srv.InvalidateCache()
	}

	scheduler := cron.New(cron.WithLocation(loc))
	if _, err := scheduler.AddFunc(conf.RefreshCron, syncFeeds); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	if len(sources) > 0 {
		go syncFeeds()
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		appLog.Error("refresh job did not stop in time", shutdownCtx.Err())
	}
	return serveErr
}

// dump prints the default listing range as JSON to stdout.
func dump(ctx context.Context, st *store.Store, conf *config.Config, loc *time.Location) error {
	events, err := st.ListActive(ctx)
	if err != nil {
		return err
	}
	today := tzclock.WallClockParts(time.Now(), loc)
	last := today.AddDays(conf.HorizonDays)
	rangeStart := tzclock.ToInstant(today.Year, today.Month, today.Day, 0, 0, 0, loc)
	rangeEnd := tzclock.ToInstant(last.Year, last.Month, last.Day, 23, 59, 59, loc)

	res, err := recurrence.NewExpander(nil).ExpandAll(events, recurrence.ExpandConfig{
		Location:               loc,
		RangeStart:             rangeStart,
		RangeEnd:               rangeEnd,
		MaxOccurrencesPerEvent: conf.MaxOccurrencesPerEvent,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Timezone          string               `json:"timezone"`
		Months            []listing.MonthGroup `json:"months"`
		FailedEventIDs    []string             `json:"failed_event_ids,omitempty"`
		TruncatedEventIDs []string             `json:"truncated_event_ids,omitempty"`
	}{
		Timezone:          loc.String(),
		Months:            listing.GroupByMonth(res.Occurrences, loc),
		FailedEventIDs:    res.FailedEvents,
		TruncatedEventIDs: res.TruncatedEvents,
	})
}

func feedSources(conf *config.Config) []ics.Source {
	sources := make([]ics.Source, 0, len(conf.Feeds))
	for _, f := range conf.Feeds {
		sources = append(sources, ics.Source{ID: f.ID, Name: f.Name, URL: f.URL})
	}
	return sources
}

func logSync(report ics.SyncReport, err error) {
	if err != nil {
		appLog.Error("feed sync finished with errors", err,
			"feeds", report.Feeds, "imported", report.Imported,
			"deactivated", report.Deactivated, "failed", report.FailedFeeds)
		return
	}
	appLog.Info("feed sync finished",
		"feeds", report.Feeds, "imported", report.Imported, "deactivated", report.Deactivated)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/venuecal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.importPath, "import", "", "Import events from a local .ics file and exit")
	flag.BoolVar(&cfg.dump, "dump", false, "Print the default listing range as JSON and exit")
	flag.BoolVar(&cfg.syncOnce, "sync-once", false, "Sync all configured feeds once and exit")
	flag.BoolVar(&cfg.logJSON, "log-json", false, "Write logs as JSON instead of console text")

	flag.Parse()

	return cfg
}
