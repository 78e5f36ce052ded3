package main

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/marketsync/internal/config"
	"github.com/MarcoPoloResearchLab/marketsync/internal/database"
	"github.com/MarcoPoloResearchLab/marketsync/internal/logging"
	"github.com/MarcoPoloResearchLab/marketsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/marketsync/internal/remote"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const exponentialJitter = 0.2

// application holds the collaborators every command shares.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	sessions *session.Store
	metrics  *metrics.Metrics
	remote   *remote.Client
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewStore(session.StoreConfig{
		Database: db,
		Profile:  appConfig.SessionProfile,
	})
	if err != nil {
		return nil, err
	}

	client, err := remote.NewClient(remote.Config{
		BaseURL:     appConfig.APIBaseURL,
		HTTPClient:  &http.Client{Timeout: appConfig.HTTPTimeout},
		Credentials: sessions,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:   appConfig,
		logger:   logger,
		db:       db,
		sessions: sessions,
		metrics:  metrics.New(),
		remote:   client,
	}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

// signOut is the auth-failure hook: the stored session is dropped so the next command asks
// for a fresh login.
func (a *application) signOut(err error) {
	a.logger.Warn("backend rejected the session; signing out", zap.Error(err))
	if clearErr := a.sessions.Clear(context.Background()); clearErr != nil {
		a.logger.Error("failed to clear session", zap.Error(clearErr))
	}
}

func (a *application) newChannel(onStateChange func(realtime.State)) (*realtime.Channel, error) {
	var backoff realtime.Backoff = realtime.FixedBackoff(a.config.ReconnectDelay)
	if a.config.ReconnectMode == config.ReconnectModeExponential {
		backoff = realtime.ExponentialBackoff{
			Base:   a.config.ReconnectDelay,
			Max:    a.config.MaxReconnectDelay,
			Jitter: exponentialJitter,
		}
	}
	return realtime.NewChannel(realtime.Config{
		Transport:     realtime.NewWebsocketTransport(a.config.RealtimeURL),
		Credentials:   a.sessions,
		Backoff:       backoff,
		MaxAttempts:   a.config.MaxReconnectAttempts,
		Logger:        a.logger,
		Observer:      a.metrics,
		OnStateChange: onStateChange,
		OnAuthFailure: a.signOut,
	})
}
