package observability

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/toolrun/internal/config"
)

const (
	defaultAnomalyWindow     = 300 * time.Second
	defaultAnomalyMinSamples = 5
)

// AnomalyDetector flags tools whose chain failure rate crosses a threshold
// within a sliding window. Each tool is tracked independently.
type AnomalyDetector struct {
	mu         sync.Mutex
	failures   map[string]*slidingWindow
	successes  map[string]*slidingWindow
	flagged    map[string]bool
	threshold  float64
	minSamples int
	window     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = defaultAnomalyMinSamples
	}
	return &AnomalyDetector{
		failures:   make(map[string]*slidingWindow),
		successes:  make(map[string]*slidingWindow),
		flagged:    make(map[string]bool),
		threshold:  cfg.ErrorRateThreshold,
		minSamples: minSamples,
		window:     window,
		logger:     logger,
		now:        time.Now,
	}
}

// RecordError records a failed chain for tool.
func (a *AnomalyDetector) RecordError(tool string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.failures, tool).add(now)
	a.evaluate(tool, now)
}

// RecordSuccess records a successful chain for tool.
func (a *AnomalyDetector) RecordSuccess(tool string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.successes, tool).add(now)
	a.evaluate(tool, now)
}

// ErrorRate returns the failure rate and sample count for tool in the current window.
func (a *AnomalyDetector) ErrorRate(tool string) (rate float64, total int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(tool, a.now())
}

// Flagged reports whether tool is currently above the threshold.
func (a *AnomalyDetector) Flagged(tool string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[tool]
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(tool string, now time.Time) (float64, int) {
	failed := a.windowFor(a.failures, tool).count(now)
	total := failed + a.windowFor(a.successes, tool).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

// evaluate logs once when a tool crosses the threshold and once when it recovers.
// Must be called with a.mu held.
func (a *AnomalyDetector) evaluate(tool string, now time.Time) {
	if a.threshold <= 0 {
		return
	}
	rate, total := a.rate(tool, now)
	if total < a.minSamples {
		return
	}

	switch above := rate > a.threshold; {
	case above && !a.flagged[tool]:
		a.flagged[tool] = true
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("tool", tool),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
			slog.Duration("window", a.window),
		)
	case !above && a.flagged[tool]:
		delete(a.flagged, tool)
		a.logger.Info("anomaly cleared",
			slog.String("tool", tool),
			slog.Float64("error_rate", rate),
			slog.Int("samples", total),
		)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(at time.Time) {
	w.entries = append(w.entries, at)
	w.prune(at)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
