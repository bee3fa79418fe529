package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/baburama/notebuddy/internal/audio"
	"github.com/baburama/notebuddy/internal/client"
	"github.com/baburama/notebuddy/internal/config"
	"github.com/baburama/notebuddy/internal/credential"
	"github.com/baburama/notebuddy/internal/health"
	"github.com/baburama/notebuddy/internal/notes"
	"github.com/baburama/notebuddy/internal/schedule"
	"github.com/baburama/notebuddy/internal/session"
	"github.com/baburama/notebuddy/internal/storage"
	"github.com/baburama/notebuddy/internal/transcription"
)

// app is the wired client core shared by every command.
type app struct {
	cfg      config.Config
	store    *storage.Store
	monitor  *health.Monitor
	creds    *credential.Store
	session  *session.Orchestrator
	notes    *notes.Service
	recorder *transcription.Controller
}

// newApp loads config and wires the core. Tests replace it.
var newApp = func() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return buildApp(cfg, audio.Open)
}

func buildApp(cfg config.Config, open audio.Opener) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	clock := schedule.Real()
	logger := slog.Default()

	monitor := health.New(cfg.Backend.BaseURL, health.Options{
		Timeout:         cfg.Health.Timeout,
		RefreshInterval: cfg.Health.RefreshInterval,
		Clock:           clock,
		Logger:          logger.With("component", "health"),
	})
	creds := credential.NewStore(store, clock, logger.With("component", "credential"))

	c, err := client.New(cfg.Backend.BaseURL, monitor, creds, client.Options{
		RequestTimeout: cfg.Backend.RequestTimeout,
		HealthInterval: cfg.Health.WaitInterval,
		HealthRetries:  retries(cfg.Backend.HealthRetries),
		FetchRetries:   retries(cfg.Backend.FetchRetries),
		Clock:          clock,
		Logger:         logger.With("component", "client"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	sess := session.New(creds, monitor, c, session.Options{
		WaitAttempts: retries(cfg.Health.WaitAttempts),
		WaitInterval: cfg.Health.WaitInterval,
		Logger:       logger.With("component", "session"),
	})
	sess.Restore()
	sess.OnExpired(func() {
		printWarning("Your session has expired. Please log in again.")
	})

	recorder := transcription.New(sess, open, transcription.Options{
		PollInterval:   cfg.Transcription.PollInterval,
		PollCeiling:    cfg.Transcription.PollCeiling,
		MaxAttempts:    cfg.Transcription.MaxAttempts,
		RetryDelay:     cfg.Transcription.RetryDelay,
		MaxUploadBytes: cfg.Transcription.MaxUploadBytes(),
		Clock:          clock,
		History:        store,
		Logger:         logger.With("component", "transcription"),
	})

	return &app{
		cfg:      cfg,
		store:    store,
		monitor:  monitor,
		creds:    creds,
		session:  sess,
		notes:    notes.NewService(sess, store, logger.With("component", "notes")),
		recorder: recorder,
	}, nil
}

// retries maps a configured retry count onto client options, where zero
// would otherwise select the default.
func retries(n int) int {
	if n == 0 {
		return client.NoRetries
	}
	return n
}

func (a *app) Close() {
	a.recorder.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
