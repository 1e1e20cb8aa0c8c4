// Package cmd implements the CLI commands for abrplay.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/abrplay/internal/config"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "abrplay",
	Short:   "Adaptive HTTP streaming client",
	Version: version.Short(),
	Long: `abrplay plays HLS presentations the way an adaptive streaming client does:
it picks a representation per adaptation set from the measured bandwidth,
downloads and demuxes segments ahead of the playback clock, and hands the
elementary streams to an output.

Without an output directory the streams are only accounted for, which makes
abrplay a handy probe for CDN behaviour and bitrate ladders.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Flags are not bound to viper: they only override config and env when
	// explicitly set.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.abrplay/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.abrplay")
		viper.AddConfigPath("/etc/abrplay")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("ABRPLAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format), only if explicitly provided
//  2. Environment variables (ABRPLAY_LOGGING_LEVEL, ABRPLAY_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, text)
func initLogging() error {
	level := viper.GetString("logging.level")
	format := viper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "text"
	}

	logCfg := config.LoggingConfig{
		Level:      strings.ToLower(level),
		Format:     strings.ToLower(format),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger.With("app", version.ApplicationName))

	return nil
}

// loadConfig resolves the configuration the way initConfig located it, then
// applies explicitly set logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if f := rootCmd.PersistentFlags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = f.Value.String()
	}
	if f := rootCmd.PersistentFlags().Lookup("log-format"); f != nil && f.Changed {
		cfg.Logging.Format = f.Value.String()
	}
	return cfg, nil
}

// changed reports whether a flag was set on the command line.
func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}
