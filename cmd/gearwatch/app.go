package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gearwatch/internal/bot"
	"gearwatch/internal/catalog"
	"gearwatch/internal/config"
	"gearwatch/internal/fetcher"
	"gearwatch/internal/filter"
	"gearwatch/internal/metrics"
	"gearwatch/internal/model"
	"gearwatch/internal/notify"
	"gearwatch/internal/push"
	"gearwatch/internal/sanitizer"
	"gearwatch/internal/scheduler"
	"gearwatch/internal/snapshot"
	"gearwatch/internal/storage"
)

// app holds the wired pipeline shared by serve and run.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.SQLite
	scheduler *scheduler.Scheduler
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	// bot is nil when no Telegram token is configured.
	bot *bot.Bot
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}

	a, err := wire(ctx, cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.Config, store *storage.SQLite, log *slog.Logger) (*app, error) {
	cat, err := loadCatalog(cfg.CatalogPath, log)
	if err != nil {
		return nil, err
	}
	log.Info("catalog loaded", "gear", cat.Len(), "brands", len(cat.Brands), "abilities", len(cat.Abilities))

	cache, err := newCache(ctx, cfg, store)
	if err != nil {
		return nil, err
	}

	// Notifications use their own client; the long-polling bot's client has
	// no timeout.
	var tg, tgSender *tgbotapi.BotAPI
	if cfg.TelegramEnabled() {
		tg, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("create bot api: %w", err)
		}
		tgSender, err = tgbotapi.NewBotAPIWithClient(cfg.TelegramBotToken, tgbotapi.APIEndpoint, sendClient(cfg))
		if err != nil {
			return nil, fmt.Errorf("create sender bot api: %w", err)
		}
		log.Info("telegram bot authorized", "username", tg.Self.UserName)
	}
	router := newRouter(cfg, tgSender, log)

	collector := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dispatcher := notify.New(store, router, clock.WallClock, notify.Config{
		Mode:         cfg.PayloadMode,
		Concurrency:  cfg.Concurrency,
		SendTimeout:  cfg.SendTimeout,
		StoreTimeout: cfg.StoreTimeout,
		PruneGone:    cfg.PruneGoneSubscriptions,
	}, log)

	sched := scheduler.New(scheduler.Deps{
		Cache:      cache,
		Fetcher:    fetcher.New(&http.Client{}, cfg.UpstreamURL, cfg.UserAgentContact),
		Sanitizer:  sanitizer.New(cat, cfg.ImageBaseURL),
		Matcher:    filter.NewMatcher(store, cfg.Concurrency, log),
		Dispatcher: dispatcher,
		Clock:      clock.WallClock,
		Metrics:    collector,
	}, scheduler.Config{
		FetchTimeout:    cfg.FetchTimeout,
		StoreTimeout:    cfg.StoreTimeout,
		FetchAttempts:   cfg.FetchAttempts,
		FetchRetryDelay: cfg.FetchRetryDelay,
		Interval:        cfg.RunInterval,
	}, log)

	a := &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		scheduler: sched,
		registry:  reg,
		metrics:   collector,
	}
	if tg != nil {
		a.bot = bot.New(tg, store, cat, log)
	}
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// loadCatalog reads the catalog at path. Without a path the embedded sample
// catalog is used, which only knows a handful of gear; production deployments
// set CATALOG_PATH.
func loadCatalog(path string, log *slog.Logger) (*catalog.Catalog, error) {
	if path == "" {
		log.Warn("CATALOG_PATH not set, using the embedded sample catalog")
		return catalog.Default()
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cat, nil
}

func newCache(ctx context.Context, cfg *config.Config, store *storage.SQLite) (snapshot.Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheS3:
		client, err := snapshot.NewS3Client(ctx, cfg.S3Region)
		if err != nil {
			return nil, err
		}
		return snapshot.NewS3Cache(client, cfg.S3Bucket, cfg.S3Key), nil
	default:
		return snapshot.NewSQLiteCache(store, snapshot.DefaultKey), nil
	}
}

func newRouter(cfg *config.Config, tg *tgbotapi.BotAPI, log *slog.Logger) *push.Router {
	router := push.NewRouter()
	if cfg.WebPushEnabled() {
		router.Handle(model.KindWebPush, push.NewWebPush(sendClient(cfg), push.VAPID{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		}))
	}
	if tg != nil {
		router.Handle(model.KindTelegram, push.NewTelegram(tg))
	}
	if !cfg.WebPushEnabled() && tg == nil {
		log.Warn("no push transport configured, every delivery will fail")
	}
	return router
}

// sendClient is the HTTP client for push deliveries.
func sendClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.SendTimeout}
}
