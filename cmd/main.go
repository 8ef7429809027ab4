package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/pelusa-v/garage-link/internal/api"
	"github.com/pelusa-v/garage-link/internal/config"
	"github.com/pelusa-v/garage-link/internal/credentials"
	"github.com/pelusa-v/garage-link/internal/handlers"
	"github.com/pelusa-v/garage-link/internal/hub"
	"github.com/pelusa-v/garage-link/internal/notify"
	"github.com/pelusa-v/garage-link/internal/session"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("garage-link")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	client, err := api.NewClient(api.Options{
		BaseURL:        cfg.APIBaseURL,
		Store:          store,
		HTTPClient:     &http.Client{Timeout: cfg.HTTPTimeout, Jar: jar},
		Logger:         logger,
		RefreshTimeout: cfg.RefreshTimeout,
		OnSessionExpired: func(err error) {
			logger.WithError(err).Warn("session expired, sign in again")
		},
	})
	if err != nil {
		return err
	}

	h := hub.New(logger)
	sessions := session.NewManager(ctx, notify.Config{
		BaseURL:          cfg.WSBaseURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		OnChange:         h.Notify,
		OnClosed:         func(error) { h.Notify() },
	}, logger)
	defer sessions.Close()

	client.OnTokenChange(func(token string) {
		sessions.Apply(session.FromToken(token))
		h.Notify()
	})
	token, err := client.Token(ctx)
	if err != nil {
		logger.WithError(err).Warn("stored credential unreadable, starting signed out")
	}
	sessions.Apply(session.FromToken(token))

	go h.Start(ctx, sessions)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handlers.NewGateway(client, sessions, h, logger).Mount(app)

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
			logger.WithError(err).Warn("shutdown")
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr":    cfg.ListenAddr,
		"backend": cfg.APIBaseURL,
	}).Info("gateway listening")
	if err := app.Listen(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("gateway stopped")
	return nil
}

// openStore picks Postgres when DATABASE_URL is set, the token file
// otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) (credentials.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		fs := credentials.NewFileStore(cfg.TokenDir)
		logger.WithField("path", fs.Path()).Info("credentials in file")
		return fs, func() {}, nil
	}

	db, err := credentials.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("credential database: %w", err)
	}
	ps := credentials.NewPostgresStore(db)
	if err := ps.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("credential schema: %w", err)
	}
	logger.Info("credentials in postgres")
	return ps, func() { db.Close() }, nil
}
