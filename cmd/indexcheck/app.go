package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/gateway"
	"github.com/smartdevs17/indexcheck/internal/ledger"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/notification"
	"github.com/smartdevs17/indexcheck/internal/orchestrator"
	"github.com/smartdevs17/indexcheck/internal/server"
	"github.com/smartdevs17/indexcheck/internal/sites"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/internal/tokens"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

// Application represents the main application
type Application struct {
	config       *config.Config
	logger       *logrus.Logger
	metrics      *metrics.Manager
	storage      storage.Storage
	ledger       *ledger.Ledger
	tokens       *tokens.Store
	gateway      *gateway.HTTPClient
	sites        *sites.Service
	notification *notification.NotificationManager
	orchestrator *orchestrator.Orchestrator
	reconciler   *orchestrator.Reconciler
	server       *server.HTTPServer
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Debug("Logger initialized")
	return nil
}

// initializeComponents wires every component from storage up to the
// orchestrator. Nothing is started here.
func (app *Application) initializeComponents() error {
	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.ledger = ledger.New(app.storage, app.config.Credits, app.metrics)
	app.tokens = tokens.NewStore(app.storage, tokens.NewOAuthRefresher(app.config.OAuth), app.config.OAuth.RefreshSkew, app.metrics)
	app.gateway = gateway.NewHTTPClient(app.config.Gateway, app.metrics)
	app.sites = sites.NewService(app.storage, app.tokens, app.gateway)
	app.notification = notification.NewNotificationManager(app.config.Notifications, app.config.App.Version, app.metrics)

	orchCfg := orchestrator.ConfigFrom(app.config)
	app.orchestrator = orchestrator.New(app.storage, app.ledger, app.tokens, app.gateway, app.notification, orchCfg, app.metrics)
	app.reconciler = orchestrator.NewReconciler(app.storage, app.ledger, orchCfg, app.metrics)

	app.logger.Debug("All components initialized")
	return nil
}

// initializeStorage opens and migrates the database
func (app *Application) initializeStorage() error {
	store, err := storage.Open(&app.config.Storage)
	if err != nil {
		return err
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)

	app.logger.WithFields(logrus.Fields{
		"type": app.config.Storage.Type,
	}).Info("Storage initialized")
	return nil
}

// Serve starts the background components and the HTTP server
func (app *Application) Serve() error {
	app.logger.WithFields(logrus.Fields{
		"version":     app.config.App.Version,
		"environment": app.config.App.Environment,
	}).Info("Starting indexcheck")

	if err := app.notification.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start notification manager: %w", err)
	}

	if err := app.reconciler.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}

	if app.config.Server.Enabled {
		app.server = server.NewHTTPServer(app.config, server.Dependencies{
			Storage:      app.storage,
			Ledger:       app.ledger,
			Tokens:       app.tokens,
			Sites:        app.sites,
			Orchestrator: app.orchestrator,
			Notification: app.notification,
			Metrics:      app.metrics,
		})
		if err := app.server.Start(); err != nil {
			return err
		}
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"webhooks":       len(app.config.Notifications.WebhookURLs),
	}).Info("indexcheck started")
	return nil
}

// Stop stops the application gracefully. Running actions finish first so
// that their reservations are settled.
func (app *Application) Stop() error {
	app.logger.Info("Stopping indexcheck")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if app.server != nil {
		if err := app.server.Stop(ctx); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	done := make(chan struct{})
	go func() {
		app.orchestrator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		app.logger.Warn("Actions still running at shutdown; the reconciler will settle them")
	}

	app.reconciler.Stop()
	app.cancel()

	if err := app.notification.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop notification manager")
	}

	if err := app.storage.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close storage")
	}

	app.logger.Info("indexcheck stopped")
	return nil
}

// Close releases the resources of a short-lived command
func (app *Application) Close() {
	app.cancel()
	if err := app.storage.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close storage")
	}
}
