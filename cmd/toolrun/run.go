package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/toolrun/internal/config"
	"github.com/jkaninda/toolrun/internal/tools"
)

// Flags shared by run, dry-run and estimate.
var (
	invParams     []string
	invSession    string
	invWorkingDir string
)

var (
	runRetries     int
	runDelay       time.Duration
	runPrefer      string
	runMetricsFile string
)

var runCmd = &cobra.Command{
	Use:   "run <tool>",
	Short: "Run a tool with retries and alternative-method escalation",
	Long: `Run invokes a tool's primary method, retrying it with backoff, then tries
each alternative method in order until one succeeds. The result is printed as
JSON. Exit status is 0 on success, 2 when the invocation was rejected before
any attempt (validation or sandbox violation) and 1 for any other failure.`,
	Args: cobra.ExactArgs(1),
	RunE: runTool,
}

var dryRunCmd = &cobra.Command{
	Use:   "dry-run <tool>",
	Short: "Check an invocation without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDryRun,
}

var estimateCmd = &cobra.Command{
	Use:   "estimate <tool>",
	Short: "Print the estimated cost of an invocation",
	Args:  cobra.ExactArgs(1),
	RunE:  runEstimate,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, dryRunCmd, estimateCmd} {
		c.Flags().StringArrayVarP(&invParams, "param", "p", nil, "tool parameter as key=value (repeatable)")
		c.Flags().StringVarP(&invSession, "session", "s", "", "session id (default: a new random id)")
		c.Flags().StringVar(&invWorkingDir, "working-dir", "", "working directory inside the session root")
	}
	runCmd.Flags().IntVar(&runRetries, "retries", 0, "primary attempts before escalating (default: retry.max_retries)")
	runCmd.Flags().DurationVar(&runDelay, "delay", 0, "initial delay between primary attempts (default: retry.initial_delay_ms)")
	runCmd.Flags().StringVar(&runPrefer, "prefer", "", "alternative method to try first")
	runCmd.Flags().StringVar(&runMetricsFile, "metrics-file", "", "write Prometheus metrics to this file after the run")
}

func runTool(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runMetricsFile != "" {
		enableMetrics(cfg)
	}
	logger := newLogger()
	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	t, inv, err := buildInvocation(sc, args[0])
	if err != nil {
		return err
	}
	inv.PreferredAlternative = runPrefer

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// With the janitor enabled, each run prunes stale sessions first.
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		if janitor, err := newJanitor(cfg, sc.Workspace, logger); err != nil {
			logger.Warn("janitor disabled", slog.String("error", err.Error()))
		} else if _, err := janitor.Sweep(ctx); err != nil {
			logger.Warn("session sweep failed", slog.String("error", err.Error()))
		}
	}

	retries := runRetries
	if retries <= 0 {
		retries = cfg.Retry.Retries()
	}
	res := sc.Engine.RunWithRetry(ctx, t, inv, retries, runDelay)

	logger.Debug("chain finished",
		slog.String("chain_id", inv.ChainID),
		slog.String("tool", t.Spec().Name),
		slog.Bool("success", res.Success),
		slog.Int("attempts", res.TotalAttempts),
	)

	if runMetricsFile != "" {
		if err := sc.Obs.WriteMetrics(runMetricsFile); err != nil {
			logger.Error("writing metrics file", slog.String("error", err.Error()))
		}
	}

	if err := printJSON(res); err != nil {
		return err
	}
	return resultError(res)
}

func runDryRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, newLogger())
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	t, inv, err := buildInvocation(sc, args[0])
	if err != nil {
		return err
	}
	if err := sc.Engine.Check(t, inv); err != nil {
		fmt.Printf("%s: would fail: %v\n", t.Spec().Name, err)
		return &exitError{code: 2, err: err}
	}
	fmt.Printf("%s: ok (session %s)\n", t.Spec().Name, inv.SessionID)
	return nil
}

func runEstimate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, newLogger())
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	t, inv, err := buildInvocation(sc, args[0])
	if err != nil {
		return err
	}
	perAttempt := sc.Engine.EstimateCost(t, inv)
	alts := sc.Engine.AlternativeMethods(t)
	maxAttempts := cfg.Retry.Retries() + len(alts)
	fmt.Printf("%s: %.4f per attempt, at most %.4f over %d attempts\n",
		t.Spec().Name, perAttempt, perAttempt*float64(maxAttempts), maxAttempts)
	return nil
}

// buildInvocation looks up the tool and assembles an Invocation from the
// shared flags.
func buildInvocation(sc *SharedComponents, name string) (tools.Tool, *tools.Invocation, error) {
	t := sc.Registry.Get(name)
	if t == nil {
		return nil, nil, fmt.Errorf("unknown tool %q (available: %s)", name, strings.Join(sc.Registry.List(), ", "))
	}
	params, err := parseParams(invParams)
	if err != nil {
		return nil, nil, &exitError{code: 2, err: err}
	}
	session := invSession
	if session == "" {
		session = uuid.NewString()
	}
	inv := tools.NewInvocation(session, params)
	inv.WorkingDir = invWorkingDir
	return t, inv, nil
}

// parseParams turns key=value pairs into a parameter map. Values stay
// strings; tools coerce them.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", p)
		}
		params[key] = value
	}
	return params, nil
}

// resultError maps a failed result to its exit code.
func resultError(res *tools.Result) error {
	if res.Success {
		return nil
	}
	code := 1
	if res.Kind == tools.KindValidation || res.Kind == tools.KindSandbox {
		code = 2
	}
	return &exitError{code: code, err: errors.New(res.Error)}
}

func enableMetrics(cfg *config.Config) {
	if cfg.Observability == nil {
		cfg.Observability = &config.ObservabilityConfig{}
	}
	cfg.Observability.Metrics = &config.MetricsConfig{Enabled: true}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
