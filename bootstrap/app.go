// Package bootstrap wires configuration, storage, services, and the API
// server into a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bastion/api"
	"bastion/config"
	"bastion/events"
	"bastion/notify"
	"bastion/playbook"
	"bastion/service"
	"bastion/storage"
)

const shutdownTimeout = 15 * time.Second

// App holds every long-lived component of the bastion service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	DB        *storage.SQLite
	Notifier  *notify.Notifier
	Publisher events.Publisher
	Hub       *api.Hub

	Playbooks  *service.PlaybookService
	Executions *service.ExecutionService
	Incidents  *service.IncidentService

	Server *api.Server
}

// NewApp initializes all components. Nothing is listening yet; call
// Start afterwards.
func NewApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	sugar.Infow("Bastion starting", "addr", cfg.ListenAddr(), "database", cfg.SQLitePath())

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath()), 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := storage.NewSQLite(cfg.SQLitePath(), sugar)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  sugar,
		DB:     db,
	}

	app.Notifier = notify.NewNotifier(cfg.Notifications, sugar)

	dispatcher, err := buildDispatcher(cfg, db, app.Notifier, sugar)
	if err != nil {
		db.Close()
		return nil, err
	}

	app.Hub = api.NewHub(sugar)
	publisher, err := buildPublisher(cfg, app.Hub, sugar)
	if err != nil {
		db.Close()
		return nil, err
	}
	app.Publisher = publisher

	app.Playbooks = service.NewPlaybookService(db, db, dispatcher, sugar)
	app.Incidents = service.NewIncidentService(db, sugar)
	app.Executions = service.NewExecutionService(
		db, db, db,
		dispatcher,
		notify.NewEscalator(app.Notifier),
		publisher,
		sugar,
	)

	server, err := api.NewServer(api.Config{
		Addr:               cfg.ListenAddr(),
		JWTSecret:          cfg.API.JWTSecret,
		RateLimitPerMinute: cfg.API.RateLimitPerMinute,
		RateLimitBurst:     cfg.API.RateLimitBurst,
		ReadTimeout:        cfg.API.ReadTimeout,
		WriteTimeout:       cfg.API.WriteTimeout,
	}, app.Playbooks, app.Executions, app.Incidents, db, app.Hub, sugar)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("building API server: %w", err)
	}
	app.Server = server

	return app, nil
}

// buildDispatcher registers every built-in step action. Actions that
// need unconfigured infrastructure are registered anyway; they fail
// at dispatch time with a clear error instead of at startup.
func buildDispatcher(cfg *config.Config, db *storage.SQLite, notifier *notify.Notifier, sugar *zap.SugaredLogger) (*playbook.Dispatcher, error) {
	d := playbook.NewDispatcher(sugar, cfg.Engine.MaxConcurrentSteps)
	client := &http.Client{Timeout: 30 * time.Second}

	actions := []playbook.Action{
		playbook.NewNotificationAction(notify.NewSender(notifier)),
		playbook.NewWebhookAction(client),
		playbook.NewTaskAction(db),
		playbook.NewScriptAction(cfg.Engine.ScriptDir),
		playbook.NewBlockIPAction(cfg.Engine.EnforcementURL, client),
		playbook.NewIsolateHostAction(cfg.Engine.EnforcementURL, client),
	}
	for _, a := range actions {
		if err := d.Register(a); err != nil {
			return nil, fmt.Errorf("registering step actions: %w", err)
		}
	}
	return d, nil
}

// buildPublisher fans execution events out to the websocket hub and,
// when enabled, the redis stream.
func buildPublisher(cfg *config.Config, hub *api.Hub, sugar *zap.SugaredLogger) (events.Publisher, error) {
	if !cfg.Redis.Enabled {
		return events.Multi(hub), nil
	}
	redis, err := events.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, sugar)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return events.Multi(redis, hub), nil
}

// Start begins serving the API. It returns once the listener is up.
func (a *App) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()

	// Give the listener a moment to surface bind errors.
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
	case <-time.After(250 * time.Millisecond):
	}

	a.Sugar.Infow("API server listening", "addr", a.Config.ListenAddr())
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops components in dependency order: the API stops taking
// requests, in-flight step dispatches drain, then storage and the
// event publisher close.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("API server shutdown failed", "error", err)
		}
	}

	if a.Executions != nil {
		a.Executions.Wait()
	}

	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Sugar.Errorw("Event publisher close failed", "error", err)
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Sugar.Errorw("Database close failed", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
