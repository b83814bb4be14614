package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/agentvisor/internal/config"
	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/harness/claude"
	"github.com/ship-commander/agentvisor/internal/harness/codex"
	"github.com/ship-commander/agentvisor/internal/harness/cursor"
	"github.com/ship-commander/agentvisor/internal/logging"
	"github.com/ship-commander/agentvisor/internal/registry"
	"github.com/ship-commander/agentvisor/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	if cfg.TelemetryEnabled {
		shutdown, initErr := telemetry.Init(ctx,
			telemetry.WithEndpoint(cfg.OTelEndpoint),
			telemetry.WithServiceVersion(Version),
		)
		if initErr != nil {
			logger.Logger.Warn("telemetry disabled", "error", initErr)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), telemetry.BatchTimeout)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Logger.Warn("flush telemetry", "error", err)
				}
			}()
		}
	}

	reg, err := newRegistry(cfg, logger.Logger)
	if err != nil {
		return err
	}

	cmd := newRootCommand(ctx, &app{cfg: cfg, logger: logger, registry: reg})
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

// app carries the dependencies shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *logging.RuntimeLogger
	registry *registry.Registry
}

func (a *app) log() *log.Logger {
	if a == nil || a.logger == nil || a.logger.Logger == nil {
		return log.New(io.Discard)
	}
	return a.logger.Logger
}

// exitError makes main exit with code without printing anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRegistry(cfg *config.Config, logger *log.Logger) (*registry.Registry, error) {
	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithDefault(cfg.DefaultProvider),
	)

	claudeCfg := cfg.Provider(claude.Name)
	codexCfg := cfg.Provider(codex.Name)
	cursorCfg := cfg.Provider(cursor.Name)
	providers := []harness.Provider{
		claude.New(claude.DriverConfig{Binary: claudeCfg.Binary, Model: claudeCfg.Model, Env: claudeCfg.Env}),
		codex.New(codex.DriverConfig{Binary: codexCfg.Binary, Model: codexCfg.Model, Env: codexCfg.Env}),
		cursor.New(cursor.DriverConfig{Binary: cursorCfg.Binary, Model: cursorCfg.Model, Env: cursorCfg.Env}),
	}
	for _, provider := range providers {
		if err := reg.Register(provider); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", provider.Descriptor().Name, err)
		}
	}
	return reg, nil
}

func newRootCommand(ctx context.Context, a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "agentvisor",
		Short:         "Supervise agent CLI runs across providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(a),
		newProvidersCommand(a),
		newInfoCommand(a),
		newVersionCommand(),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}
		if a == nil || a.cfg == nil {
			return errors.New("config is required")
		}
		if a.registry == nil {
			return errors.New("registry is required")
		}
		a.log().With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentvisor version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
