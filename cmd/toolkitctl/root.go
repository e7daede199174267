package main

import (
	"fmt"

	"github.com/Swind/go-task-toolkit/config"
	"github.com/Swind/go-task-toolkit/core"
	"github.com/Swind/go-task-toolkit/logging"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

type rootFlags struct {
	envFile   string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "toolkitctl",
		Short:         "toolkitctl - run and inspect the task toolkit",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional env file read before the environment")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Override LOG_FORMAT (json, pretty)")

	cmd.AddCommand(newDemoCmd(flags))
	cmd.AddCommand(newConfigCmd(flags))
	return cmd
}

// load reads configuration, applies flag overrides and builds the logger.
func (f *rootFlags) load(cmd *cobra.Command) (*config.Config, core.Logger, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
		Fields: map[string]string{"service": "toolkitctl"},
	})
	if err != nil {
		return nil, nil, err
	}

	// Match GOMAXPROCS to the container CPU quota before the pool starts.
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("Failed to set GOMAXPROCS", core.F("error", err))
	}
	return cfg, logger, nil
}
