package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "RELAYCHAT"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "relaychat.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 60
	defaultRelayQueueSize   = 64
	defaultRelayURL         = "ws://127.0.0.1:8080/ws"
	defaultClientStatePath  = "relaychat-client.db"
	defaultClientChannel    = "general"
	defaultClientIDStrategy = "uuid"
)

// RelayConfig captures runtime configuration for the relay server.
type RelayConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	RequireToken  bool
	TokenTTL      time.Duration
	QueueSize     int
}

// ClientConfig captures runtime configuration for the chat client.
type ClientConfig struct {
	RelayURL   string
	StatePath  string
	Channel    string
	IDStrategy string
	LogLevel   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.require_token", false)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("relay.queue_size", defaultRelayQueueSize)

	configViper.SetDefault("relay.url", defaultRelayURL)
	configViper.SetDefault("client.state_path", defaultClientStatePath)
	configViper.SetDefault("client.channel", defaultClientChannel)
	configViper.SetDefault("client.id_strategy", defaultClientIDStrategy)
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		RequireToken:  configViper.GetBool("auth.require_token"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		QueueSize:     configViper.GetInt("relay.queue_size"),
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		RelayURL:   configViper.GetString("relay.url"),
		StatePath:  configViper.GetString("client.state_path"),
		Channel:    configViper.GetString("client.channel"),
		IDStrategy: strings.ToLower(strings.TrimSpace(configViper.GetString("client.id_strategy"))),
		LogLevel:   configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("relay.queue_size must be positive")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.RelayURL) == "" {
		return fmt.Errorf("relay.url is required")
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("client.state_path is required")
	}
	if strings.TrimSpace(c.Channel) == "" {
		return fmt.Errorf("client.channel is required")
	}
	switch c.IDStrategy {
	case "uuid", "hash":
	default:
		return fmt.Errorf("client.id_strategy must be uuid or hash")
	}
	return nil
}
