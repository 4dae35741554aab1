package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolrun/internal/config"
	"github.com/jkaninda/toolrun/internal/workspace"
)

var sweepWatch bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove idle session directories",
	Long: `Sweep removes session roots that have not been modified within
janitor.max_idle_minutes (default 24h). With --watch it keeps running and
sweeps on janitor.schedule until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVarP(&sweepWatch, "watch", "w", false, "keep running and sweep on the configured schedule")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger()

	ws, err := initWorkspace(cfg)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	janitor, err := newJanitor(cfg, ws, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	removed, err := janitor.Sweep(ctx)
	for _, name := range removed {
		fmt.Printf("removed %s\n", name)
	}
	if err != nil {
		return fmt.Errorf("sweeping sessions: %w", err)
	}
	if !sweepWatch {
		fmt.Printf("%d idle session(s) removed\n", len(removed))
		return nil
	}

	cancel := janitor.Start(ctx)
	defer cancel()
	logger.Info("watching for idle sessions", slog.String("workspace", ws.Root))
	<-ctx.Done()
	return nil
}

func newJanitor(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (*workspace.Janitor, error) {
	jcfg := workspace.JanitorConfig{MaxIdle: cfg.Janitor.MaxIdle()}
	if cfg.Janitor != nil {
		jcfg.Schedule = cfg.Janitor.Schedule
	}
	return workspace.NewJanitor(ws, jcfg, logger)
}
