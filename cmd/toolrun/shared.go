package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/toolrun/internal/audit"
	"github.com/jkaninda/toolrun/internal/config"
	"github.com/jkaninda/toolrun/internal/escalation"
	"github.com/jkaninda/toolrun/internal/observability"
	"github.com/jkaninda/toolrun/internal/retry"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
	"github.com/jkaninda/toolrun/internal/tools/calc"
	"github.com/jkaninda/toolrun/internal/tools/command"
	"github.com/jkaninda/toolrun/internal/tools/download"
	"github.com/jkaninda/toolrun/internal/tools/file"
	"github.com/jkaninda/toolrun/internal/workspace"
)

// SharedComponents holds every subsystem a command may need. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Resolver  *sandbox.Resolver
	Executor  *sandbox.Executor
	Engine    *escalation.Engine
	Registry  *tools.Registry

	Obs        *observability.Observability
	AuditStore *audit.Store // nil = SQL audit disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared wires the workspace, sandbox, observers, engine and tools.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	obsObserver := obs.Observer()

	// Audit sinks.
	observers, err := sc.initAudit(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit: %w", err)
	}
	if obsObserver != nil {
		observers = append(observers, obsObserver)
	}

	// Sandbox.
	sc.Resolver = sandbox.NewResolver(ws, sandbox.ResolverConfig{
		MaskExternalPaths: cfg.Display.MaskExternalPaths,
		ExternalMarker:    cfg.Display.ExternalMarker,
	})
	policy := retryPolicy(cfg.Retry)
	execCfg := sandbox.Config{
		Shell:          cfg.Sandbox.Shell,
		Interpreters:   cfg.Sandbox.Interpreters,
		DefaultTimeout: cfg.Sandbox.Timeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
		ScriptDir:    cfg.Sandbox.ScriptDir,
		CycleRetries: cfg.Sandbox.CycleRetries,
		CycleBackoff: policy,
	}
	if execCfg.ScriptDir == "" {
		execCfg.ScriptDir = ws.SandboxDir()
	}
	if d := cfg.Sandbox.Docker; d != nil && d.Enabled {
		execCfg.Docker = &sandbox.DockerConfig{
			Image:          d.Image,
			Binary:         d.Binary,
			MemoryMB:       d.MemoryMB,
			CPUCores:       d.CPUCores,
			PIDsLimit:      d.PIDsLimit,
			NetworkAllowed: d.NetworkAllowed,
		}
	}
	if obsObserver != nil {
		execCfg.Observer = obsObserver
	}
	sc.Executor = sandbox.NewExecutor(sc.Resolver, execCfg, logger)
	logger.Debug("sandbox initialized",
		slog.Duration("timeout", execCfg.DefaultTimeout),
		slog.Int("max_memory_mb", cfg.Sandbox.MaxMemoryMB),
		slog.Bool("container", execCfg.Docker != nil),
	)

	// Escalation engine.
	engineCfg := escalation.Config{
		Policy:         policy,
		DefaultRetries: cfg.Retry.Retries(),
		Logger:         logger,
	}
	if len(observers) > 0 {
		engineCfg.Observer = observers
	}
	sc.Engine = escalation.New(sc.Resolver, engineCfg)

	// Tool registry.
	sc.Registry = tools.NewRegistry(logger)
	sc.Registry.Register(command.New(sc.Executor, logger))
	sc.Registry.Register(file.New(sc.Resolver, file.Config{
		MaxFileSizeBytes: cfg.Tools.File.MaxFileSizeBytes,
	}, logger))
	var downloadExec *sandbox.Executor
	if cfg.Tools.Download.ExternalClients {
		downloadExec = sc.Executor
	}
	sc.Registry.Register(download.New(sc.Resolver, downloadExec, download.Config{
		AllowedDomains:       cfg.Tools.Download.AllowedDomains,
		BlockPrivateNetworks: cfg.Tools.Download.BlockPrivateNetworks,
		MaxBytes:             cfg.Tools.Download.MaxBytes,
		Timeout:              cfg.Tools.Download.Timeout(),
		UserAgent:            cfg.Tools.Download.UserAgent,
	}, logger))
	var calcExec *sandbox.Executor
	if cfg.Tools.Calc.Interpreter {
		calcExec = sc.Executor
	}
	sc.Registry.Register(calc.New(calcExec, logger))
	logger.Debug("tools registered", slog.Any("tools", sc.Registry.List()))

	return sc, nil
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace != "" {
		return workspace.New(cfg.Workspace)
	}
	return workspace.Default()
}

// initAudit opens the configured audit sinks and returns their observers.
func (sc *SharedComponents) initAudit(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (escalation.Observers, error) {
	if cfg.Audit == nil {
		return nil, nil
	}
	var observers escalation.Observers

	if f := cfg.Audit.File; f != nil && f.Enabled {
		path := f.Path
		if path == "" {
			path = ws.AuditLogPath()
		}
		fl, err := audit.OpenFile(path, logger)
		if err != nil {
			return nil, err
		}
		sc.addCleanup(func() {
			if err := fl.Close(); err != nil {
				logger.Error("closing audit log", slog.String("error", err.Error()))
			}
		})
		observers = append(observers, audit.NewObserver(fl, logger))
		logger.Debug("audit log enabled", slog.String("path", path))
	}

	if s := cfg.Audit.Storage; s != nil {
		storeCfg := audit.StoreConfig{Driver: s.StorageDriver()}
		switch storeCfg.Driver {
		case audit.DriverPostgres:
			if pg := s.Postgres; pg != nil {
				storeCfg.DSN = pg.DSN
				storeCfg.MaxOpenConns = pg.MaxOpenConns
				storeCfg.MaxIdleConns = pg.MaxIdleConns
				storeCfg.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeSeconds) * time.Second
				storeCfg.ConnMaxIdleTime = time.Duration(pg.ConnMaxIdleTimeSeconds) * time.Second
			}
		default:
			storeCfg.Path = ws.DatabasePath()
			if s.SQLite != nil {
				if s.SQLite.Path != "" {
					storeCfg.Path = s.SQLite.Path
				}
				storeCfg.JournalMode = s.SQLite.JournalMode
			}
		}
		store, err := audit.OpenStore(storeCfg, logger)
		if err != nil {
			return nil, err
		}
		sc.AuditStore = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing audit store", slog.String("error", err.Error()))
			}
		})
		observers = append(observers, audit.NewObserver(store, logger))
		logger.Debug("audit store enabled", slog.String("driver", store.Driver()))
	}

	return observers, nil
}

// healthChecker registers the readiness checks for the configured subsystems.
func (sc *SharedComponents) healthChecker() *observability.HealthChecker {
	var h *observability.HealthChecker
	if sc.Obs != nil {
		h = sc.Obs.Health
	}
	if h == nil {
		h = observability.NewHealthChecker(sc.Logger)
	}

	h.AddCheck("workspace", observability.WritableDirCheck(sc.Workspace.Root))
	h.AddCheck("sessions", observability.WritableDirCheck(sc.Workspace.SessionsDir()))

	interpreters := sc.Config.Sandbox.Interpreters
	if len(interpreters) == 0 {
		interpreters = []string{"/bin/sh", "/bin/bash"}
	}
	if shell := sc.Config.Sandbox.Shell; shell != "" {
		interpreters = append([]string{shell}, interpreters...)
	}
	h.AddCheck("interpreters", observability.InterpretersCheck(interpreters))

	includeDB, includeSandbox := true, true
	if sc.Config.Observability != nil && sc.Config.Observability.Health != nil {
		includeDB = sc.Config.Observability.Health.IncludeDB
		includeSandbox = sc.Config.Observability.Health.IncludeSandbox
	}
	if includeDB && sc.AuditStore != nil {
		h.AddCheck("audit_db", observability.PingCheck(sc.AuditStore))
	}
	if includeSandbox && sc.Executor.Supports(sandbox.StrategyContainer) {
		h.AddCheck("container_runtime", sc.Executor.PingContainerRuntime)
	}
	if sc.Config.Tools.Calc.Interpreter {
		h.AddCheck("calc_interpreter", observability.InterpretersCheck([]string{"python3"}))
	}
	return h
}

func retryPolicy(r config.RetryConfig) retry.Policy {
	return retry.Policy{
		InitialDelay: r.InitialDelay(),
		MaxDelay:     r.MaxDelay(),
		Multiplier:   r.BackoffMultiplier(),
		Jitter:       r.Jitter,
	}
}
