package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/marketsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "marketsync",
		Short:         "Marketplace client sync core",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newViewCommand(),
		newServeCommand(),
		newChatCommand(),
		newNotificationsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Marketplace backend base URL")
	cmd.PersistentFlags().String("realtime-url", defaults.GetString("realtime.url"), "Realtime websocket URL (derived from the API base when empty)")
	cmd.PersistentFlags().String("reconnect-mode", defaults.GetString("realtime.reconnect_mode"), "Realtime reconnect policy (fixed, exponential)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("session.database_path"), "SQLite database holding the stored session")
	cmd.PersistentFlags().String("profile", defaults.GetString("session.profile"), "Session profile")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local view server listen address")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("view.page_size"), "Default rows per page")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "realtime.url", "realtime-url")
	bindFlag(cmd, "realtime.reconnect_mode", "reconnect-mode")
	bindFlag(cmd, "session.database_path", "database-path")
	bindFlag(cmd, "session.profile", "profile")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "view.page_size", "page-size")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("marketsync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
