package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/client"
	"github.com/MarcoPoloResearchLab/relaychat/internal/config"
	"github.com/MarcoPoloResearchLab/relaychat/internal/database"
	"github.com/MarcoPoloResearchLab/relaychat/internal/logging"
	"github.com/MarcoPoloResearchLab/relaychat/internal/mirror"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app holds the local state every subcommand works against.
type app struct {
	config   config.ClientConfig
	logger   *zap.Logger
	sqlDB    *sql.DB
	mirror   *mirror.Mirror
	sessions *mirror.SessionStore
}

func openApp(ctx context.Context) (*app, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(clientConfig.StatePath, logger, &mirror.LocalState{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	storage, err := mirror.NewSQLiteStorage(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	localMirror, err := mirror.New(mirror.Config{Storage: storage, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	localMirror.Load(ctx)
	sessions, err := mirror.NewSessionStore(storage)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &app{
		config:   clientConfig,
		logger:   logger,
		sqlDB:    sqlDB,
		mirror:   localMirror,
		sessions: sessions,
	}, nil
}

func (a *app) Close() {
	_ = a.logger.Sync()
	_ = a.sqlDB.Close()
}

func (a *app) authProvider() (*client.HTTPAuthProvider, error) {
	baseURL, err := client.AuthBaseURL(a.config.RelayURL)
	if err != nil {
		return nil, err
	}
	return client.NewHTTPAuthProvider(baseURL, nil)
}

func (a *app) idProvider() chat.IDProvider {
	if a.config.IDStrategy == "hash" {
		return chat.NewHashProvider(nil)
	}
	return chat.NewUUIDProvider()
}

var errNotLoggedIn = errors.New("not logged in: run `chat login` or `chat register` first")

// newSession restores the stored identity and builds a session on a websocket transport.
func (a *app) newSession(ctx context.Context) (*client.Session, error) {
	record, found, err := a.sessions.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotLoggedIn
	}
	transport, err := client.NewWebsocketTransport(client.WebsocketConfig{
		URL:         a.config.RelayURL,
		AccessToken: record.AccessToken,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	session, err := client.New(client.Config{
		Transport: transport,
		Mirror:    a.mirror,
		Sessions:  a.sessions,
		IDs:       a.idProvider(),
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	if _, _, err := session.Restore(ctx); err != nil {
		return nil, err
	}
	return session, nil
}
