package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-eval/internal/api"
	"github.com/p-n-ai/pai-eval/internal/bot"
	"github.com/p-n-ai/pai-eval/internal/catalog"
	"github.com/p-n-ai/pai-eval/internal/chat"
	"github.com/p-n-ai/pai-eval/internal/evaluation"
	"github.com/p-n-ai/pai-eval/internal/i18n"
	"github.com/p-n-ai/pai-eval/internal/platform/cache"
	"github.com/p-n-ai/pai-eval/internal/platform/config"
	"github.com/p-n-ai/pai-eval/internal/platform/database"
	"github.com/p-n-ai/pai-eval/internal/stats"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Log))

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if a.gateway != nil {
		if err := a.gateway.StartAll(ctx, a.engine.Handler(ctx, a.gateway)); err != nil {
			slog.Error("failed to start chat channels", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Catalog.Dir != "" && cfg.Catalog.Source == "files" {
		go a.reloadOnHangup(ctx)
	}

	go func() {
		slog.Info("server starting", "addr", srv.Addr, "storage", cfg.Storage.Backend, "bot", a.gateway != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.gateway != nil {
		if err := a.gateway.StopAll(); err != nil {
			slog.Error("chat shutdown error", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// app holds everything main wires together.
type app struct {
	catalog *catalog.Catalog
	service *evaluation.Service
	handler http.Handler
	engine  *bot.Engine
	gateway *chat.Gateway
	closers []func()
}

// newApp opens storage, loads the catalog and builds the HTTP handler and,
// when a bot token is configured, the Telegram gateway.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	checks := map[string]api.Check{}

	var db *database.DB
	if cfg.NeedsDatabase() {
		var err error
		db, err = database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		checks["database"] = db.HealthCheck
	}

	c, err := loadCatalog(ctx, cfg.Catalog, db)
	if err != nil {
		return nil, err
	}
	a.catalog = c

	var stores evaluation.Stores
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		stores = evaluation.NewPostgresStores(db.Pool)
	case config.StorageSQLite:
		lite, err := evaluation.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = lite.Close() })
		checks["sqlite"] = func(context.Context) error { return lite.Ping() }
		stores = lite.Stores()
	default:
		stores = evaluation.NewMemoryStores()
	}

	if cfg.Cache.Enabled {
		rc, err := cache.New(ctx, cfg.Cache.URL, cfg.Cache.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connecting to cache: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		checks["cache"] = rc.HealthCheck
		stores.Snapshots = evaluation.NewRedisSnapshotStore(rc.Client, rc.Prefix, cfg.Cache.SessionTTL)
	}

	hub := api.NewHub()
	events := evaluation.MultiEventLogger{hub}
	if db != nil && cfg.Storage.Backend == config.StoragePostgres {
		events = append(events, evaluation.NewPostgresEventLogger(db.Pool))
	}

	a.service = evaluation.NewService(evaluation.Config{
		Questions: c,
		Teachers:  c,
		Stores:    stores,
		Events:    events,
	})

	lang := cfg.Report.Locale
	if !i18n.Supported(lang) {
		slog.Warn("unsupported locale, using default", "locale", lang, "default", i18n.DefaultLanguage)
		lang = i18n.DefaultLanguage
	}
	if err := i18n.Init(lang); err != nil {
		return nil, fmt.Errorf("loading translations: %w", err)
	}

	a.handler = api.NewServer(api.Config{
		Service:        a.service,
		Aggregator:     stats.Aggregator{Positions: cfg.Report.Positions, Completion: a.service.Tracker()},
		Hub:            hub,
		Checks:         checks,
		AdminTokenHash: cfg.Admin.TokenHash,
		Language:       lang,
	}).Handler()

	a.engine = bot.NewEngine(bot.EngineConfig{Service: a.service, Language: lang})
	if cfg.HasBot() {
		tg, err := chat.NewTelegramChannel(cfg.Telegram.BotToken)
		if err != nil {
			return nil, err
		}
		tg.SetCommands(a.engine.Commands(i18n.WithLanguage(ctx, lang)))
		a.gateway = chat.NewGateway()
		a.gateway.Register("telegram", tg)
	}

	ok = true
	return a, nil
}

// loadCatalog reads questions and teachers from the configured source. An
// empty directory selects the embedded seed data.
func loadCatalog(ctx context.Context, cfg config.CatalogConfig, db *database.DB) (*catalog.Catalog, error) {
	var (
		c   *catalog.Catalog
		err error
	)
	switch {
	case cfg.Source == "postgres":
		c, err = catalog.LoadPostgres(ctx, db.Pool)
	case cfg.Dir != "":
		c, err = catalog.LoadDir(cfg.Dir)
	default:
		c, err = catalog.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	return c, nil
}

// reloadOnHangup re-reads the catalog directory on SIGHUP. A failed reload
// keeps the previous catalog.
func (a *app) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.catalog.Reload(); err != nil {
				slog.Error("catalog reload failed", "error", err)
				continue
			}
			slog.Info("catalog reloaded")
		}
	}
}

// Close releases storage connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
