package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reactbench/reactbench/internal/backend"
	"github.com/reactbench/reactbench/internal/config"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/logging"
	"github.com/reactbench/reactbench/internal/report"
	"github.com/reactbench/reactbench/internal/run"
)

type flags struct {
	configFile  string
	envFile     string
	duration    time.Duration
	logLevel    string
	metricsAddr string
	skipInstall bool
}

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "reactbench <backend> [output-file]",
		Short: "reactbench measures notification latency of reactive query backends.",
		Long: `reactbench drives a constant-rate stream of inserts, updates and deletes
against a scores table and measures how long each change takes to come back
through the selected notification backend.

Available backends: ` + strings.Join(backend.Names(), ", ") + `

The output file receives the raw measurement series as JSON. A path ending in
.sz is snappy compressed and s3://bucket/key uploads to S3.`,
		Args:          validateArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f, args)
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.Logging); err != nil {
				return bencherr.NewConfigError(bencherr.CodeInvalidConfig, "invalid log level: "+err.Error())
			}

			summary, err := run.New(run.Options{Config: cfg, Stdout: cmd.OutOrStdout()}).Run(cmd.Context())
			if summary != nil {
				report.Render(cmd.OutOrStdout(), *summary)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "Env file loaded before REACTBENCH_* variables are read")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.skipInstall, "skip-install", false, "Reuse the existing dataset instead of reseeding it")

	return cmd
}

func validateArgs(_ *cobra.Command, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return bencherr.NewConfigError(bencherr.CodeInvalidArgs,
			fmt.Sprintf("expected 1 or 2 arguments, got %d: <backend> [output-file]", len(args))).
			WithDetails(map[string]interface{}{"backends": backend.Names()})
	}
	return nil
}

// loadConfig layers defaults, the config file, the env file, REACTBENCH_*
// variables and finally flags and arguments.
func loadConfig(f flags, args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configFile != "" {
		loaded, err := config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, bencherr.NewConfigError(bencherr.CodeInvalidConfig, err.Error())
		}
		cfg = loaded
	}

	if err := config.LoadDotEnv(f.envFile); err != nil {
		return nil, bencherr.NewConfigError(bencherr.CodeInvalidConfig, err.Error())
	}
	config.LoadFromEnv(cfg)

	cfg.Backend.Name = args[0]
	if len(args) == 2 {
		cfg.Output.Path = args[1]
	}
	if f.duration > 0 {
		cfg.Run.Duration = f.duration
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if f.skipInstall {
		cfg.Dataset.Install = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, bencherr.NewConfigError(bencherr.CodeInvalidConfig, err.Error())
	}
	return cfg, nil
}
