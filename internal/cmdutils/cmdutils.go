package cmdutils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/openkcm/common-sdk/pkg/logger"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/openkcm/common-sdk/pkg/status"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-callback/internal/config"
)

const (
	healthStatusTimeout = 5 * time.Second
	configDirFlag       = "config-dir"
)

var configSearchPaths = []string{
	"/etc/auth-callback",
	"$HOME/.auth-callback",
	".",
}

var ErrStatusServer = errors.New("status server stopped")

// BusinessFunc is the work a command performs once the configuration is loaded.
type BusinessFunc func(context.Context, *config.Config) error

// Runner prepares the process (logger, telemetry, status server) around a
// BusinessFunc. See RunAsService and RunAsJob.
type Runner func(context.Context, BusinessFunc, *config.Config) error

func CobraCommand(use, short, long, buildInfo string, runner Runner, fn BusinessFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := cmd.Flags().GetString(configDirFlag)
			if err != nil {
				return fmt.Errorf("reading %s flag: %w", configDirFlag, err)
			}

			cfg, err := loadConfig(buildInfo, dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			err = runner(cmd.Context(), fn, cfg)
			if err != nil {
				return fmt.Errorf("running %s: %w", use, err)
			}

			return nil
		},
	}

	cmd.Flags().String(configDirFlag, "", "directory searched for config.yaml before the default locations")

	return cmd
}

// RunAsService runs fn with telemetry and the status server. A failing status
// server cancels the context handed to fn.
func RunAsService(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
	return run(ctx, runOptions{telemetry: true, statusServer: true}, fn, cfg)
}

// RunAsJob runs fn with the logger only.
func RunAsJob(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
	return run(ctx, runOptions{}, fn, cfg)
}

type runOptions struct {
	telemetry    bool
	statusServer bool
}

func run(ctx context.Context, opts runOptions, fn BusinessFunc, cfg *config.Config) error {
	err := logger.InitAsDefault(cfg.Logger, cfg.Application)
	if err != nil {
		return oops.In("main").
			Wrapf(err, "Failed to initialise the logger")
	}
	slogctx.Debug(ctx, "Starting the application", slog.String("application", cfg.Application.Name))

	if opts.telemetry {
		err = otlp.Init(ctx, &cfg.Application, &cfg.Telemetry, &cfg.Logger)
		if err != nil {
			return oops.In("main").Wrapf(err, "Failed to load the telemetry")
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if opts.statusServer {
		go func() {
			err := startStatusServer(ctx, cfg)
			if err != nil {
				slogctx.Error(ctx, "Failure on the status server", "error", err)
				cancel(fmt.Errorf("%w: %w", ErrStatusServer, err))
			}
		}()
	}

	err = fn(ctx, cfg)
	if cause := context.Cause(ctx); errors.Is(cause, ErrStatusServer) {
		err = errors.Join(err, cause)
	}
	if err != nil {
		return oops.In("main").Wrapf(err, "Failed to run the main business application")
	}

	return nil
}

func loadConfig(buildInfo, dir string) (*config.Config, error) {
	paths := configSearchPaths
	if dir != "" {
		paths = append([]string{dir}, configSearchPaths...)
	}

	cfg := &config.Config{}

	err := commoncfg.LoadConfig(cfg, map[string]any{}, paths...)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	err = commoncfg.UpdateConfigVersion(&cfg.BaseConfig, buildInfo)
	if err != nil {
		return nil, fmt.Errorf("updating the version configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return cfg, nil
}

// startStatusServer serves liveness and readiness. Readiness checks the
// database only when sessions are kept there.
func startStatusServer(ctx context.Context, cfg *config.Config) error {
	checks := []health.Option{
		health.WithDisabledAutostart(),
		health.WithTimeout(healthStatusTimeout),
		health.WithStatusListener(statusListener),
	}

	if cfg.Session.Backend == config.SessionBackendPostgres {
		connStr, err := config.MakeConnStr(cfg.Database)
		if err != nil {
			return fmt.Errorf("making connection string from config: %w", err)
		}

		checks = append(checks, health.WithDatabaseChecker("pgx", connStr))
	}

	liveness := health.NewHandler(health.NewChecker(health.WithDisabledAutostart()))
	readiness := health.NewHandler(health.NewChecker(checks...))

	err := status.Start(ctx, &cfg.BaseConfig, status.WithLiveness(liveness), status.WithReadiness(readiness))
	if err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}

	return nil
}

func statusListener(ctx context.Context, state health.State) {
	attrs := make([]any, 0, 2+2*len(state.CheckState))
	attrs = append(attrs, "status", state.Status)

	for name, check := range state.CheckState {
		attrs = append(attrs, slog.Group(name, "status", check.Status, "error", check.Result))
	}

	slogctx.Info(ctx, "Readiness status changed", attrs...)
}
