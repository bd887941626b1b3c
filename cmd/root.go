// Package cmd wires the relay commands: the serve daemon, credential
// administration, and config management.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/relay/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "relay",
	Short:   "A request broker for an interactive CLI tool",
	Long: `Relay fronts a single interactive CLI tool with a multi-tenant
request broker: credential-gated submissions, durable conversation
sessions, a bounded pool of child processes, and sliding-window rate
limits. Run 'relay serve' to start the broker.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/relay/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("db_path", defaults.DBPath)
	viper.SetDefault("log_file", defaults.LogFile)
	viper.SetDefault("cli.command", defaults.CLI.Command)
	viper.SetDefault("cli.history_pairs", defaults.CLI.HistoryPairs)
	viper.SetDefault("pool.max_instances", defaults.Pool.MaxInstances)
	viper.SetDefault("pool.max_messages_per_instance", defaults.Pool.MaxMessagesPerInstance)
	viper.SetDefault("pool.max_instance_age", defaults.Pool.MaxInstanceAge)
	viper.SetDefault("pool.idle_timeout", defaults.Pool.IdleTimeout)
	viper.SetDefault("pool.destroy_retry", defaults.Pool.DestroyRetry)
	viper.SetDefault("dispatch.per_call_timeout", defaults.Dispatch.PerCallTimeout)
	viper.SetDefault("dispatch.max_call_timeout", defaults.Dispatch.MaxCallTimeout)
	viper.SetDefault("dispatch.stream_idle_timeout", defaults.Dispatch.StreamIdleTimeout)
	viper.SetDefault("dispatch.queue_max", defaults.Dispatch.QueueMax)
	viper.SetDefault("dispatch.result_retention", defaults.Dispatch.ResultRetention)
	viper.SetDefault("sessions.default_ttl", defaults.Sessions.DefaultTTL)
	viper.SetDefault("sessions.min_ttl", defaults.Sessions.MinTTL)
	viper.SetDefault("sessions.max_ttl", defaults.Sessions.MaxTTL)
	viper.SetDefault("sessions.context_cap", defaults.Sessions.ContextCap)
	viper.SetDefault("sessions.sweep_interval", defaults.Sessions.SweepInterval)
	viper.SetDefault("sessions.cache_ttl", defaults.Sessions.CacheTTL)
	viper.SetDefault("rate_limit.window", defaults.RateLimit.Window)
	viper.SetDefault("rate_limit.per_credential_ceiling", defaults.RateLimit.PerCredentialCeiling)
	viper.SetDefault("rate_limit.per_address_ceiling", defaults.RateLimit.PerAddressCeiling)
	viper.SetDefault("credentials.cache_ttl", defaults.Credentials.CacheTTL)
	viper.SetDefault("shutdown.grace", defaults.Shutdown.Grace)
	viper.SetDefault("shutdown.hard_timeout", defaults.Shutdown.HardTimeout)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .relay/config.yaml (current directory)
		// 2. ~/.config/relay/config.yaml (user config)
		if _, err := os.Stat(".relay/config.yaml"); err == nil {
			viper.SetConfigFile(".relay/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "relay"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .relay/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".relay/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
