package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/dexkit/internal/config"
	"github.com/ggonzalez94/dexkit/internal/diag"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/journal"
	"github.com/ggonzalez94/dexkit/internal/model"
	"github.com/ggonzalez94/dexkit/internal/out"
	"github.com/ggonzalez94/dexkit/internal/policy"
	"github.com/ggonzalez94/dexkit/internal/schema"
	"github.com/ggonzalez94/dexkit/internal/version"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdin:  os.Stdin,
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner       *Runner
	flags        config.GlobalFlags
	settings     config.Settings
	root         *cobra.Command
	logger       *slog.Logger
	bus          *diag.Bus
	stack        *stack
	journal      *journal.Store
	lastCommand  string
	lastWarnings []string
	showMetrics  bool
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, bus: diag.NewBus()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetIn(r.stdin)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	stopWatch := state.watchDiagnostics()
	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings)
	}
	stopWatch()
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Resilient on-chain reads and transaction planning for constant-product exchanges",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.logger = newLogger(s.runner.stderr, settings.LogLevel)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			return policy.CheckCommandAllowed(settings.EnableCommands, path)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted for nested)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.EnvFile, "env-file", "", "Load environment variables from this file")
	cmd.PersistentFlags().Int64Var(&s.flags.ChainID, "chain-id", 0, "Chain to operate on")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURLs, "rpc-url", "", "RPC endpoints to try first (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.DirectRPC, "direct-rpc", "", "Node to read through before the endpoint list")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Per-attempt RPC timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retry rounds across all endpoints")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the history checkpoint cache")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&s.showMetrics, "metrics", false, "Include RPC and planner counters in meta")
	cmd.PersistentFlags().StringVar(&s.flags.Enable, "enable-commands", "", "Only allow these command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ReadOnly, "read-only", false, "Refuse to sign or broadcast transactions")

	cmd.AddCommand(s.newHealthCommand())
	cmd.AddCommand(s.newPairCommand())
	cmd.AddCommand(s.newReservesCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newLiquidityCommand())
	cmd.AddCommand(s.newApproveCommand())
	cmd.AddCommand(s.newTxCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// watchDiagnostics logs bus events at debug level until the returned func is
// called.
func (s *runtimeState) watchDiagnostics() func() {
	events, unsubscribe := s.bus.Subscribe(32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if s.logger == nil {
				continue
			}
			switch ev.Kind {
			case diag.KindHealth:
				s.logger.Debug("rpc health", "status", ev.Health.Status, "endpoint", ev.Health.LastEndpoint, "failures", ev.Health.ConsecutiveFailures)
			case diag.KindPlan:
				if ev.Plan != nil {
					s.logger.Debug("plan context", "operation", ev.Plan.Operation, "method", ev.Plan.Method, "error", ev.Plan.Error)
				}
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
		if dropped := s.bus.Dropped(); dropped > 0 && s.logger != nil {
			s.logger.Debug("diagnostic events dropped", "count", dropped)
		}
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     s.meta(commandPath),
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) meta(commandPath string) model.EnvelopeMeta {
	meta := model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		ChainID:   s.settings.ChainID,
		Cache:     model.CacheStatus{Status: "bypass"},
	}
	if s.stack == nil {
		return meta
	}
	snap := s.bus.Snapshot()
	meta.RPC = &model.RPCStatus{
		Status:              string(snap.Health.Status),
		Endpoints:           len(s.stack.gateway.Endpoints()),
		LastEndpoint:        snap.Health.LastEndpoint,
		LastError:           snap.Health.LastError,
		ConsecutiveFailures: snap.Health.ConsecutiveFailures,
	}
	if snap.Plan != nil {
		meta.LastPlan = snap.Plan
	}
	if s.stack.cache != nil {
		meta.Cache.Status = "enabled"
	}
	if s.showMetrics {
		meta.Metrics = s.stack.gatherMetrics()
	}
	return meta
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	body := &model.ErrorBody{
		Code:      code,
		Type:      "internal",
		Message:   err.Error(),
		Retryable: clierr.Retryable(err),
	}
	if cErr, ok := clierr.As(err); ok {
		body.Type = cErr.Code.String()
		body.Category = cErr.Category
		body.Message = cErr.Message
		if cErr.Cause != nil {
			body.Message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  false,
		Data:     []any{},
		Error:    body,
		Warnings: warnings,
		Meta:     s.meta(commandPath),
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func (s *runtimeState) close() {
	if s.stack != nil {
		s.stack.close()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
}

func (s *runtimeState) context(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
