package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultJanitorSchedule = "*/15 * * * *"
	defaultSessionMaxIdle  = 24 * time.Hour
)

// JanitorConfig controls pruning of idle session roots.
type JanitorConfig struct {
	Schedule string        // Standard 5-field cron expression. Default: every 15 minutes.
	MaxIdle  time.Duration // Sessions untouched for longer are removed. Default: 24h.
}

// Janitor removes session roots that have not been modified within MaxIdle.
type Janitor struct {
	ws       *Workspace
	maxIdle  time.Duration
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time
}

// NewJanitor validates the schedule and returns a Janitor for ws.
func NewJanitor(ws *Workspace, cfg JanitorConfig, logger *slog.Logger) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = defaultJanitorSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", expr, err)
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = defaultSessionMaxIdle
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Janitor{
		ws:       ws,
		maxIdle:  maxIdle,
		schedule: sched,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start runs Sweep on the configured schedule until ctx is done or the
// returned cancel function is called.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "session janitor started",
			slog.Duration("max_idle", j.maxIdle),
		)
		for {
			next := j.schedule.Next(j.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("session janitor stopped")
				return
			case <-timer.C:
				if _, err := j.Sweep(ctx); err != nil {
					j.logger.WarnContext(ctx, "session sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return cancel
}

// Sweep removes idle sessions once and returns the names removed.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	sessions, err := j.ws.Sessions()
	if err != nil {
		return nil, err
	}
	cutoff := j.now().Add(-j.maxIdle)

	var removed []string
	for _, name := range sessions {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		dir := filepath.Join(j.ws.SessionsDir(), name)
		last, err := lastModified(dir)
		if err != nil {
			j.logger.Warn("skipping session during sweep",
				slog.String("session", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if last.After(cutoff) {
			continue
		}
		if err := j.ws.RemoveSession(name); err != nil {
			return removed, err
		}
		removed = append(removed, name)
		j.logger.InfoContext(ctx, "idle session removed",
			slog.String("session", name),
			slog.Time("last_modified", last),
		)
	}

	// Scripts are normally removed after each run; this catches leftovers
	// from killed processes.
	if n, err := j.ws.PruneScratch(cutoff); err != nil {
		j.logger.WarnContext(ctx, "pruning sandbox scratch failed", slog.String("error", err.Error()))
	} else if n > 0 {
		j.logger.InfoContext(ctx, "stale scratch entries removed", slog.Int("count", n))
	}
	return removed, nil
}

// lastModified returns the newest modification time of dir or anything below it.
func lastModified(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}
