package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/auth"
	"github.com/MarcoPoloResearchLab/relaychat/internal/config"
	"github.com/MarcoPoloResearchLab/relaychat/internal/database"
	"github.com/MarcoPoloResearchLab/relaychat/internal/logging"
	"github.com/MarcoPoloResearchLab/relaychat/internal/presence"
	"github.com/MarcoPoloResearchLab/relaychat/internal/relay"
	"github.com/MarcoPoloResearchLab/relaychat/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "relaychat-auth"
	tokenAudience = "relaychat-relay"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "relaychat presence and message relay",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path for accounts")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Bool("require-token", defaults.GetBool("auth.require_token"), "Require a session token on websocket upgrade")
	cmd.PersistentFlags().Int("queue-size", defaults.GetInt("relay.queue_size"), "Outbound frames buffered per connection")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.require_token", "require-token")
	bindFlag(cmd, "relay.queue_size", "queue-size")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, &auth.Account{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	accounts, err := auth.NewAccountService(auth.AccountServiceConfig{
		Database:   db,
		IDProvider: auth.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := relay.NewMetrics(registry)
	if err != nil {
		return err
	}

	chatRelay, err := relay.New(relay.Config{
		Store:     presence.NewStore(),
		QueueSize: appConfig.QueueSize,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Relay:       chatRelay,
		Accounts:    accounts,
		TokenIssuer: tokenManager,
		Gatherer:    registry,
		Logger:      logger,
	}
	if appConfig.RequireToken {
		deps.TokenValidator = tokenManager
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("require_token", appConfig.RequireToken))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		// Upgraded connections are hijacked and invisible to Shutdown.
		chatRelay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		chatRelay.Close()
		return err
	}
}
