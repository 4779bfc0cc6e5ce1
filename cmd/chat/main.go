package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/relaychat/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chat",
		Short:         "relaychat terminal client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newRegisterCommand(),
		newLoginCommand(),
		newLogoutCommand(),
		newRunCommand(),
		newHistoryCommand(),
		newMembersCommand(),
		newChannelsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("relay-url", defaults.GetString("relay.url"), "Relay websocket URL")
	cmd.PersistentFlags().String("state-path", defaults.GetString("client.state_path"), "SQLite file holding local channel logs and session")
	cmd.PersistentFlags().String("channel", defaults.GetString("client.channel"), "Channel to open")
	cmd.PersistentFlags().String("id-strategy", defaults.GetString("client.id_strategy"), "Message id strategy (uuid, hash)")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "relay.url", "relay-url")
	bindFlag(cmd, "client.state_path", "state-path")
	bindFlag(cmd, "client.channel", "channel")
	bindFlag(cmd, "client.id_strategy", "id-strategy")
	bindFlag(cmd, "log.level", "log-level")
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
