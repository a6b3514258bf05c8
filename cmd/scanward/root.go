package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mzaki/scanward/internal/config"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scanward",
	Short: "Resilient recon scan orchestrator",
	Long: `Scanward runs authorized reconnaissance scans as a supervised pipeline:
subdomain enumeration, DNS resolution, HTTP probing, port scanning,
archive mining, JavaScript analysis, parameter tagging, fuzzing and
template scanning.

Every stage boundary is checkpointed, so a scan interrupted by a crash,
a network outage or a drained battery resumes where it left off instead
of starting over.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// commands that run before a config or workspace exists
		skipConfig := map[string]bool{
			"init":       true,
			"help":       true,
			"version":    true,
			"completion": true,
		}
		if skipConfig[cmd.Name()] {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err = buildLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// buildLogger constructs the process logger from config plus the
// --verbose override.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Logging.Level != "" {
		if err := level.Set(cfg.Logging.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	var zapCfg zap.Config
	if cfg.Logging.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: scanward.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Version = "0.2.0"
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
