// Package daemon wires the full agent runtime: configuration, logging,
// metrics, the message bus, sessions, credential profiles, the fallback
// engine, tools, hooks, memory, subagents, the agent loop, and the
// reminder scheduler.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/kirana/internal/config"
	"github.com/harun/kirana/internal/logger"
	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/pkg/agent"
	"github.com/harun/kirana/pkg/bus"
	"github.com/harun/kirana/pkg/cron"
	"github.com/harun/kirana/pkg/failover"
	"github.com/harun/kirana/pkg/hooks"
	"github.com/harun/kirana/pkg/memory"
	"github.com/harun/kirana/pkg/profiles"
	"github.com/harun/kirana/pkg/provider"
	"github.com/harun/kirana/pkg/session"
	"github.com/harun/kirana/pkg/subagent"
	"github.com/harun/kirana/pkg/tools"
)

// Daemon owns the long-running agent process.
type Daemon struct {
	cfg       *config.Config
	logHandle *logger.Logger
	logger    zerolog.Logger

	bus          *bus.MessageBus
	sessions     *session.Manager
	profileStore *profiles.Store
	watcher      *profiles.Watcher
	engine       *failover.Engine
	registry     *tools.Registry
	hooks        *hooks.Dispatcher
	memStore     *memory.Store
	consolidator *memory.Consolidator
	subagents    *subagent.Manager
	loop         *agent.Loop
	cronService  *cron.Service
	router       *Router

	metricsServer *http.Server
	startedAt     time.Time
}

// New builds a daemon from configuration. Nothing runs until Run.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logHandle, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	observability.EnsureRegistered()

	d := &Daemon{
		cfg:       cfg,
		logHandle: logHandle,
		logger:    log.With().Str("component", "daemon").Logger(),
	}

	d.bus = bus.New(256)

	sessions, err := session.NewManager(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, err
	}
	d.sessions = sessions

	store, err := profiles.NewStore(filepath.Join(cfg.DataDir, "profile-usage.toml"), cfg.Auth.Cooldowns, log.Logger)
	if err != nil {
		return nil, err
	}
	d.profileStore = store

	watcher, err := profiles.NewWatcher(store, log.Logger)
	if err != nil {
		d.logger.Warn().Err(err).Msg("profile usage watcher unavailable")
	} else {
		d.watcher = watcher
	}

	d.engine = failover.NewEngine(cfg, provider.SDKFactory{}, store, log.Logger)
	d.hooks = hooks.NewDispatcher(log.Logger)

	memStore, err := memory.NewStore(cfg.WorkspacePath)
	if err != nil {
		return nil, err
	}
	d.memStore = memStore
	d.consolidator = memory.NewConsolidator(d.engine, sessions, memStore, "", cfg.Agent.MemoryWindow)

	d.registry = tools.NewRegistry(cfg.Tools.OptionalAllowlist, log.Logger)
	if err := d.registry.Register(tools.NewMessageTool(d.bus), false); err != nil {
		return nil, err
	}

	d.subagents = subagent.NewManager(d.engine, d.registry, d.bus, cfg.WorkspacePath, cfg.Models.Default)
	if err := d.registry.Register(tools.NewSpawnTool(d.subagents), true); err != nil {
		return nil, err
	}

	if cfg.Cron.Enabled {
		cronService, err := cron.NewService(cfg.Cron.StorePath, d.bus)
		if err != nil {
			return nil, err
		}
		d.cronService = cronService
		if err := d.registry.Register(tools.NewRemindTool(cronService), true); err != nil {
			return nil, err
		}
	}

	d.loop = agent.NewLoop(agent.Options{
		Config:       cfg,
		Bus:          d.bus,
		Engine:       d.engine,
		Registry:     d.registry,
		Sessions:     sessions,
		Consolidator: d.consolidator,
		MemoryStore:  memStore,
		Hooks:        d.hooks,
	})

	d.router = NewRouter(d.bus, log.Logger)
	return d, nil
}

// Loop exposes the agent loop for direct (CLI) processing.
func (d *Daemon) Loop() *agent.Loop { return d.loop }

// Hooks exposes the dispatcher so embedders can register handlers
// before Run.
func (d *Daemon) Hooks() *hooks.Dispatcher { return d.hooks }

// Router exposes the outbound router for channel sender registration.
func (d *Daemon) Router() *Router { return d.router }

// Run starts everything and blocks until the context ends or a
// termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d.startedAt = time.Now()
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to start profile usage watcher")
		}
	}
	if err := d.startMetrics(); err != nil {
		d.logger.Warn().Err(err).Msg("metrics endpoint unavailable")
	}

	go d.router.Run(ctx)
	go d.loop.Run(ctx)

	d.logger.Info().
		Str("data_dir", d.cfg.DataDir).
		Str("default_model", d.cfg.Models.Default).
		Msg("daemon started")

	<-ctx.Done()
	return d.shutdown()
}

func (d *Daemon) startMetrics() error {
	if !d.cfg.Metrics.Enabled {
		return nil
	}
	addr := net.JoinHostPort(d.cfg.Metrics.Host, fmt.Sprintf("%d", d.cfg.Metrics.Port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	d.metricsServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := d.metricsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	d.logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	return nil
}

// shutdown drains background work in dependency order.
func (d *Daemon) shutdown() error {
	d.logger.Info().Msg("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.cronService != nil {
		if err := d.cronService.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("cron shutdown failed")
		}
	}
	if err := d.subagents.Shutdown(drainCtx); err != nil {
		d.logger.Warn().Err(err).Int("running", d.subagents.RunningCount()).Msg("subagents did not drain")
	}
	if err := d.loop.Drain(drainCtx); err != nil {
		d.logger.Warn().Err(err).Msg("background tasks did not drain")
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("watcher stop failed")
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(drainCtx); err != nil {
			d.logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}
	d.bus.Close()
	d.logger.Info().Dur("uptime", time.Since(d.startedAt)).Msg("daemon stopped")
	if err := d.logHandle.Close(); err != nil {
		return err
	}
	return nil
}
