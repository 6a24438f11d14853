package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/salespipe/leadsync/internal/httpapi"
	"github.com/salespipe/leadsync/internal/leadsync"
	"github.com/salespipe/leadsync/internal/sheetfetch"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("LEADSYNC_CONFIG")), "JSON config file path")
	sheetURL := flag.String("sheet-url", strings.TrimSpace(os.Getenv("LEADSYNC_SHEET_URL")), "Google Sheets share URL")
	sheetTab := flag.Int("sheet-tab", intEnv("LEADSYNC_SHEET_TAB", 0), "sheet tab (gid) index")
	interval := flag.Duration("interval", durationEnv("LEADSYNC_INTERVAL", 5*time.Minute), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("LEADSYNC_INTERVAL_JITTER", 0.1), "sync interval jitter ratio (0.0-1.0)")
	initialDelay := flag.Duration("initial-delay", durationEnv("LEADSYNC_INITIAL_DELAY", 10*time.Second), "delay before the first periodic cycle")
	timeout := flag.Duration("timeout", durationEnv("LEADSYNC_TIMEOUT", 60*time.Second), "per-cycle timeout")
	storeDSN := flag.String("store-dsn", strings.TrimSpace(os.Getenv("LEADSYNC_STORE_DSN")), "table store DSN (postgres:// or https://)")
	storeToken := flag.String("store-token", strings.TrimSpace(os.Getenv("LEADSYNC_STORE_TOKEN")), "bearer token for the HTTP table store")
	queueDSN := flag.String("queue-dsn", strings.TrimSpace(os.Getenv("LEADSYNC_QUEUE_DSN")), "persist queue DSN (memory://, file://, postgres://, redis://)")
	queueCapacity := flag.Int("queue-capacity", intEnv("LEADSYNC_QUEUE_CAPACITY", 1024), "persist queue capacity")
	workers := flag.Int("workers", intEnv("LEADSYNC_WORKERS", 2), "persistence worker count")
	listenAddr := flag.String("listen", strings.TrimSpace(os.Getenv("LEADSYNC_LISTEN")), "HTTP API listen address (empty disables the API)")
	authToken := flag.String("auth-token", strings.TrimSpace(os.Getenv("LEADSYNC_AUTH_TOKEN")), "bearer token guarding the HTTP API")
	watchDir := flag.String("watch-dir", strings.TrimSpace(os.Getenv("LEADSYNC_WATCH_DIR")), "directory watched for dropped CSV files")
	logLevel := flag.String("log-level", envOrDefault("LEADSYNC_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	once := flag.Bool("once", false, "run one sync cycle, flush the queue, and exit")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("invalid log level %q, using info", *logLevel)
	}

	if *configPath != "" {
		cfg, err := leadsync.LoadConfig(*configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		applyConfig(cfg, sheetURL, sheetTab, interval, initialDelay, storeDSN, storeToken,
			queueDSN, queueCapacity, workers, listenAddr, authToken, watchDir)
	}

	if strings.TrimSpace(*sheetURL) == "" && strings.TrimSpace(*watchDir) == "" {
		logger.Fatal("a sheet url (--sheet-url or LEADSYNC_SHEET_URL) or a watch dir is required")
	}
	if strings.TrimSpace(*storeDSN) == "" {
		logger.Fatal("store dsn is required (--store-dsn or LEADSYNC_STORE_DSN)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Minute
	}
	if *timeout <= 0 {
		*timeout = 60 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	notifier := leadsync.NewNotifier()
	store, err := leadsync.BuildTableStoreFromDSN(*storeDSN, leadsync.StoreOptions{
		Notifier: notifier,
		Logger:   logger,
		Token:    *storeToken,
	})
	if err != nil {
		logger.Fatalf("build table store: %v", err)
	}
	defer store.Close()

	queue, err := leadsync.BuildTaskQueueFromDSN(*queueDSN, *queueCapacity)
	if err != nil {
		logger.Fatalf("build task queue: %v", err)
	}

	var fetcher leadsync.RowFetcher
	if strings.TrimSpace(*sheetURL) != "" {
		fetcher = sheetfetch.NewFetcher(sheetfetch.FetcherOptions{Logger: logger})
	}
	syncer, err := leadsync.NewSyncer(leadsync.SyncerOptions{
		SheetURL: strings.TrimSpace(*sheetURL),
		SheetTab: *sheetTab,
		Fetcher:  fetcher,
		Store:    store,
		Queue:    queue,
		Workers:  *workers,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatalf("initialize syncer: %v", err)
	}
	defer syncer.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := strings.TrimSpace(*watchDir); dir != "" {
		watcher := leadsync.NewDropWatcher(dir, syncer, logger)
		go func() {
			if err := watcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("drop watcher stopped")
			}
		}()
		logger.WithField("dir", dir).Info("watching for dropped CSV files")
	}

	if addr := strings.TrimSpace(*listenAddr); addr != "" {
		api := httpapi.NewServer(syncer, store, notifier, logger, httpapi.ServerConfig{AuthToken: *authToken})
		httpServer := &http.Server{Addr: addr, Handler: api}
		go func() {
			logger.WithField("addr", addr).Info("http api listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("http api stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	run := func() {
		if fetcher == nil {
			return
		}
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		report, err := syncer.SyncOnce(ctx)
		if err != nil {
			logger.WithError(err).Warn("sync cycle failed")
			return
		}
		logger.WithFields(logrus.Fields{
			"cycle":    report.CycleID,
			"rows":     report.Rows,
			"matched":  report.Matched,
			"inserted": report.Inserted,
			"skipped":  report.Skipped,
			"duration": report.Duration.String(),
		}).Info("sync cycle completed")
	}

	if *once {
		run()
		flushCtx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := syncer.Flush(flushCtx); err != nil {
			logger.WithError(err).Warn("flush incomplete")
		}
		return
	}

	if *initialDelay > 0 {
		select {
		case <-rootCtx.Done():
			return
		case <-time.After(*initialDelay):
		}
	}
	run()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Infof("leadsync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// applyConfig fills in config-file values for settings the flags and
// environment left unset.
func applyConfig(cfg leadsync.Config, sheetURL *string, sheetTab *int, interval, initialDelay *time.Duration,
	storeDSN, storeToken, queueDSN *string, queueCapacity, workers *int,
	listenAddr, authToken, watchDir *string) {
	if *sheetURL == "" {
		*sheetURL = cfg.SheetURL
	}
	if *sheetTab == 0 {
		*sheetTab = cfg.SheetTab
	}
	if cfg.Interval > 0 && !flagWasSet("interval") && os.Getenv("LEADSYNC_INTERVAL") == "" {
		*interval = cfg.Interval
	}
	if cfg.InitialDelay > 0 && !flagWasSet("initial-delay") && os.Getenv("LEADSYNC_INITIAL_DELAY") == "" {
		*initialDelay = cfg.InitialDelay
	}
	if *storeDSN == "" {
		*storeDSN = cfg.StoreDSN
	}
	if *storeToken == "" {
		*storeToken = cfg.StoreToken
	}
	if *queueDSN == "" {
		*queueDSN = cfg.QueueDSN
	}
	if cfg.QueueCapacity > 0 && !flagWasSet("queue-capacity") && os.Getenv("LEADSYNC_QUEUE_CAPACITY") == "" {
		*queueCapacity = cfg.QueueCapacity
	}
	if cfg.Workers > 0 && !flagWasSet("workers") && os.Getenv("LEADSYNC_WORKERS") == "" {
		*workers = cfg.Workers
	}
	if *listenAddr == "" {
		*listenAddr = cfg.ListenAddr
	}
	if *authToken == "" {
		*authToken = cfg.AuthToken
	}
	if *watchDir == "" {
		*watchDir = cfg.WatchDir
	}
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
