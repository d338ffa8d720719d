package main

import (
	"fmt"
	"os"

	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/logger"
	"github.com/orgoj/trainlog/internal/tracker"
	"github.com/orgoj/trainlog/internal/version"
	"github.com/orgoj/trainlog/pkg/trainlog"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logDir     string
	name       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "trainlog",
		Short:         "Forward training metrics to a local event file and a remote tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logDir, "log-dir", "", "Run directory, overrides experiment.log_dir")
	rootCmd.PersistentFlags().StringVar(&flags.name, "name", "", "Experiment name, overrides experiment.name")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Diagnostics level (TRACE..FATAL), overrides app_log.level")

	rootCmd.AddCommand(
		newValidateCmd(),
		newDemoCmd(&flags),
		newReplayCmd(&flags),
		newVersionCmd(),
	)
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Load and validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := config.ValidateConfig(cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid!")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.VersionInfo())
		},
	}
}

// loadConfig returns the configuration selected by flags. Without a config
// file the defaults are used with the remote sink left to the environment.
func loadConfig(flags *globalFlags) (cfg *config.Config, fromFile bool, err error) {
	if flags.configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadConfig(flags.configPath)
		if err != nil {
			return nil, false, err
		}
		if err := config.ValidateConfig(cfg); err != nil {
			return nil, false, fmt.Errorf("configuration validation failed for '%s': %w", flags.configPath, err)
		}
		fromFile = true
	}

	if flags.logDir != "" {
		cfg.Experiment.LogDir = flags.logDir
	}
	if flags.name != "" {
		cfg.Experiment.Name = flags.name
	}
	if flags.logLevel != "" {
		cfg.AppLog.Level = flags.logLevel
	}
	return cfg, fromFile, nil
}

// setupAppLogger applies the configured level to the global diagnostics logger.
func setupAppLogger(cfg *config.Config) *logger.AppLogger {
	appLogger := logger.GetAppLogger()
	if err := appLogger.SetLogLevelFromString(cfg.AppLog.Level); err != nil {
		appLogger.Warn("Invalid log level '%s', keeping %s: %v", cfg.AppLog.Level, appLogger.Level(), err)
	}
	return appLogger
}

// loggerOptions turns the configuration into façade options. With a config
// file the remote tracker is built from it; otherwise trainlog.Create probes
// the environment.
func loggerOptions(cfg *config.Config, fromFile bool, appLogger *logger.AppLogger) []trainlog.Option {
	opts := append(trainlog.FromConfig(cfg), trainlog.WithAppLogger(appLogger))
	if !fromFile {
		return opts
	}
	if cfg.Remote.Enabled {
		t, err := tracker.New(cfg.Remote)
		if err != nil {
			appLogger.Warn("Remote tracker '%s' is not available: %v", cfg.Remote.Backend, err)
			return append(opts, trainlog.WithRemote(false))
		}
		opts = append(opts, trainlog.WithTracker(t))
	}
	return opts
}

// prepareRunDir creates the run directory; the logger itself never does.
func prepareRunDir(cfg *config.Config) error {
	if cfg.Experiment.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.Experiment.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return nil
}
