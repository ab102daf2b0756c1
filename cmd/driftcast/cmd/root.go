// Package cmd implements the CLI commands for driftcast.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmylchreest/driftcast/internal/broadcast"
	"github.com/jmylchreest/driftcast/internal/config"
	"github.com/jmylchreest/driftcast/internal/observability"
	"github.com/jmylchreest/driftcast/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command. With one or more positional
// filesystem roots and no subcommand, it starts the continuous broadcast
// described in spec.md §1 — no other flags gate the core behavior.
var rootCmd = &cobra.Command{
	Use:     "driftcast [roots...]",
	Short:   "Continuous pseudo-random-walk RTSP broadcaster over local media files",
	Version: version.Short(),
	Long: `driftcast streams a never-ending, pseudo-random walk over a set of
local media files (video, audio, stills) as a single uninterrupted RTSP
program. File boundaries are invisible to viewers: stable caps, no
disconnects, no gaps beyond one frame interval.

Pass one or more filesystem roots (files or directories) as positional
arguments; driftcast walks them recursively and never stops.`,
	Args: cobra.MinimumNArgs(1),
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg.Catalog.Roots = args

		logger := observability.NewLogger(cfg.Logging)
		return broadcast.Run(cfg, logger)
	},
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

	// Ambient flags only — no flags gate core broadcaster behavior (spec.md §6).
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.driftcast.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/driftcast")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".driftcast")
	}

	viper.SetEnvPrefix("DRIFTCAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the global slog level based on configuration.
func initLogging() error {
	level := slog.LevelInfo
	switch strings.ToLower(viper.GetString("logging.level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	observability.GlobalLogLevel.Set(level)
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
