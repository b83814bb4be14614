package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ship-commander/agentvisor/internal/events"
	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/runs"
	"github.com/ship-commander/agentvisor/internal/supervisor"
	"github.com/ship-commander/agentvisor/internal/telemetry"
	"github.com/spf13/cobra"
)

const (
	exitCodeFailure   = 1
	exitCodeRawOutput = 2
	exitCodeCancelled = 130
)

type runFlags struct {
	provider    string
	dir         string
	session     string
	model       string
	timeout     time.Duration
	idleTimeout time.Duration
	noPTY       bool
	json        bool
}

type runJSON struct {
	RunID         string          `json:"run_id"`
	Provider      string          `json:"provider"`
	Kind          string          `json:"kind"`
	Summary       string          `json:"summary"`
	Text          string          `json:"text,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ExitCode      int             `json:"exit_code"`
	Signal        string          `json:"signal,omitempty"`
	Cancelled     bool            `json:"cancelled,omitempty"`
	Error         string          `json:"error,omitempty"`
	ProviderError string          `json:"provider_error,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Transport     string          `json:"transport,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	Output        string          `json:"output,omitempty"`
}

func newRunCommand(a *app) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] <message...>",
		Short: "Run one agent turn and print its result",
		Long: "Run one agent turn under supervision. The message is taken from the " +
			"arguments, or read from stdin when the only argument is \"-\".",
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := readMessage(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runAgent(cmd, a, flags, message)
		},
	}

	cmd.Flags().StringVarP(&flags.provider, "provider", "p", "", "provider name (defaults to the configured default)")
	cmd.Flags().StringVarP(&flags.dir, "dir", "C", "", "working directory for the agent (defaults to the current directory)")
	cmd.Flags().StringVar(&flags.session, "session", "", "resume an existing provider session")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "model override")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "absolute run timeout (0 disables; defaults to config)")
	cmd.Flags().DurationVar(&flags.idleTimeout, "idle-timeout", 0, "settle after this long without output (0 disables; defaults to config)")
	cmd.Flags().BoolVar(&flags.noPTY, "no-pty", false, "spawn over pipes instead of a pseudo-terminal")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print the result as JSON instead of streaming output")
	return cmd
}

func readMessage(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		if stdin == nil {
			return "", errors.New("stdin is not available")
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read message from stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}

func runAgent(cmd *cobra.Command, a *app, flags runFlags, message string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg
	logger := a.log()

	providerName := strings.TrimSpace(flags.provider)
	if providerName == "" {
		provider, err := a.registry.DefaultProvider()
		if err != nil {
			return err
		}
		providerName = provider.Descriptor().Name
	}

	workDir, err := resolveWorkDir(flags.dir)
	if err != nil {
		return err
	}

	timeout := cfg.Timeout
	if cmd.Flags().Changed("timeout") {
		timeout = flags.timeout
	}
	idleTimeout := cfg.IdleTimeout
	if cmd.Flags().Changed("idle-timeout") {
		idleTimeout = flags.idleTimeout
	}

	highWater, tail := cfg.BufferLimits()
	sup, err := supervisor.New(a.registry,
		supervisor.WithLogger(logger),
		supervisor.WithIdleTimeout(idleTimeout),
		supervisor.WithIdleCheckInterval(cfg.IdleCheckInterval),
		supervisor.WithKillGrace(cfg.KillGrace),
		supervisor.WithBufferLimits(highWater, tail),
	)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	bus := events.New(events.WithLogger(logger))
	defer bus.Close()
	bus.SubscribeAll(func(event events.Event) {
		logger.Info("run event",
			"type", event.Type,
			"run_id", event.RunID,
			"provider", event.Provider,
			"severity", event.Severity,
		)
	})
	table, err := runs.New(sup, runs.WithBus(bus), runs.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create run table: %w", err)
	}

	out := newPrinter(cmd.OutOrStdout(), flags.json)
	opts := harness.RunOptions{
		Message:    message,
		WorkDir:    workDir,
		SessionID:  strings.TrimSpace(flags.session),
		Model:      strings.TrimSpace(flags.model),
		DisablePTY: flags.noPTY || !cfg.UsePTY,
		Timeout:    timeout,
	}
	run, err := table.Start(ctx, providerName, opts, supervisor.Callbacks{
		OnLog:       out.logEntry,
		OnSessionID: out.sessionID,
	})
	if err != nil {
		return err
	}
	a.logger.WithRunID(run.ID()).WithSpanContext(run.SpanContext())

	<-run.Done()
	result, _ := run.Result()
	if err := table.Wait(context.Background()); err != nil {
		logger.Warn("run table did not drain", "error", err)
	}
	bus.Close()

	if flags.json {
		if err := writeResultJSON(cmd.OutOrStdout(), run, result); err != nil {
			return err
		}
	} else {
		out.result(result)
	}
	return exitFor(result)
}

func resolveWorkDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		return cwd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory %q: %w", dir, err)
	}
	return abs, nil
}

func writeResultJSON(w io.Writer, run *supervisor.Run, result supervisor.Result) error {
	payload := runJSON{
		RunID:         run.ID(),
		Provider:      run.Provider(),
		Kind:          string(result.Kind),
		Summary:       result.Summary(),
		Text:          result.Text,
		Raw:           result.Raw,
		Reason:        string(result.Reason),
		ExitCode:      result.ExitCode,
		Signal:        result.Signal,
		Cancelled:     result.Cancelled,
		ProviderError: result.ProviderError,
		SessionID:     result.SessionID,
		Transport:     result.Transport,
		DurationMS:    result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		payload.Error = telemetry.RedactSecrets(result.Err.Error())
	}
	if !result.Succeeded() {
		payload.Output = result.Output
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func exitFor(result supervisor.Result) error {
	switch {
	case result.Succeeded():
		return nil
	case result.Cancelled:
		return &exitError{code: exitCodeCancelled}
	case result.Kind == supervisor.KindRawOutput:
		return &exitError{code: exitCodeRawOutput}
	default:
		return &exitError{code: exitCodeFailure}
	}
}
