package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/agentrelay/server/agent"
	"github.com/agentrelay/server/api"
	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/config"
	"github.com/agentrelay/server/hitl"
	"github.com/agentrelay/server/logger"
	"github.com/agentrelay/server/metrics"
	"github.com/agentrelay/server/orchestrator"
	"github.com/agentrelay/server/session"
	"github.com/agentrelay/server/settings"
	"github.com/agentrelay/server/task"
	"github.com/agentrelay/server/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (REST + WebSocket channels)",
	RunE:  runServe,
}

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(logger.Config{DataDir: cfg.DataDir, DevMode: cfg.DevMode})

	deps, err := buildServer(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	engine := api.NewEngine(cfg.DevMode)
	deps.rest.Register(engine)
	engine.GET("/rpc", func(c *gin.Context) {
		deps.rpc.ServeHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"addr", cfg.ListenAddr, "backend", cfg.Backend, "workDir", cfg.WorkDir,
			"version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	printPairingInfo(cfg)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	}

	deps.registry.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown did not finish cleanly", "error", err)
	}
	return nil
}

// serverDeps bundles the long-lived components so serve and mcp share the
// same construction path.
type serverDeps struct {
	registry *task.Registry
	orch     *orchestrator.Orchestrator
	bus      *bus.Bus
	store    *session.Store
	settings *settings.Store
	rest     *api.Server
	rpc      *ws.RPCHandler
	watcher  *settings.Watcher
}

func (d *serverDeps) close() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			slog.Warn("failed to close session store", "error", err)
		}
	}
}

func buildServer(cfg config.Config) (*serverDeps, error) {
	store, err := session.Open(cfg.DataDir + "/sessions.db")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	settingsStore, err := settings.NewStore(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	applyConfigDefaults(settingsStore, cfg)

	watcher := settings.NewWatcher(settingsStore)
	if err := watcher.Start(); err != nil {
		slog.Warn("settings watcher unavailable", "error", err)
		watcher = nil
	}

	eventBus := bus.New()
	registry := task.NewRegistry()
	coord := hitl.New(eventBus, cfg.HITLTimeout())

	var driver agent.Driver
	switch cfg.Backend {
	case config.BackendClient:
		driver = agent.NewClientDriver(cfg.AgentBin)
	default:
		driver = agent.NewSubprocessDriver(cfg.AgentBin)
	}

	orch := orchestrator.New(orchestrator.Options{
		Driver:      driver,
		Registry:    registry,
		Coordinator: coord,
		Bus:         eventBus,
		Store:       store,
		Settings:    settingsStore,
		Metrics:     metrics.Default(),
		TaskTimeout: cfg.TaskTimeout(),
	})

	return &serverDeps{
		registry: registry,
		orch:     orch,
		bus:      eventBus,
		store:    store,
		settings: settingsStore,
		rest:     api.NewServer(cfg.AuthToken, version, orch, eventBus, store, settingsStore),
		rpc:      ws.NewRPCHandler(cfg.AuthToken, version, string(cfg.Backend), cfg.DevMode, orch, eventBus, store, settingsStore),
		watcher:  watcher,
	}, nil
}

// applyConfigDefaults seeds the mutable settings from static config on first
// run: existing settings on disk win over config values.
func applyConfigDefaults(store *settings.Store, cfg config.Config) {
	s := store.Get()
	changed := false
	if s.DefaultWorkDir == "" && cfg.WorkDir != "" {
		s.DefaultWorkDir = cfg.WorkDir
		changed = true
	}
	if cfg.AutoApprove && !s.AutoApprove {
		s.AutoApprove = true
		changed = true
	}
	if changed {
		if err := store.Update(s); err != nil {
			slog.Warn("failed to seed settings", "error", err)
		}
	}
}
