// crewd is the multi-agent coordination daemon: it watches the team's
// message store and channels, decides when each agent subprocess should run,
// and exposes the REST and WebSocket control surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/api"
	"github.com/crewd/crewd/internal/askagent"
	"github.com/crewd/crewd/internal/channel"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/database"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/events"
	gws "github.com/crewd/crewd/internal/gateway/websocket"
	"github.com/crewd/crewd/internal/orchestrate"
	"github.com/crewd/crewd/internal/standup"
	"github.com/crewd/crewd/internal/store"
	ws "github.com/crewd/crewd/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Fatal("Failed to load configuration", zap.Error(err))
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		logger.Default().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store: SQLite by default, PostgreSQL when a database host is configured
	var st store.Store
	if cfg.Database.Host != "" {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		st, err = store.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize postgres store", zap.Error(err))
		}
	} else {
		st, err = store.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open sqlite store", zap.Error(err))
		}
	}
	defer st.Close()

	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := provided.Bus

	registry := agents.NewRegistry(cfg.Agent.Roster)
	if len(registry.List()) == 0 {
		log.Warn("Agent roster is empty; nothing will be dispatched")
	}

	// Runner: host processes by default, containers when docker is enabled
	var runner dispatcher.Runner
	if cfg.Docker.Enabled {
		runner, err = dispatcher.NewDockerRunner(cfg.Docker, cfg.Agent.Command, log)
		if err != nil {
			log.Fatal("Failed to initialize docker runner", zap.Error(err))
		}
	} else {
		runner = dispatcher.NewLocalRunner(cfg.Agent.Command, cfg.Agent.ProjectRoot)
	}

	sessions := dispatcher.NewSessionRegistry(st, cfg.Agent.ProjectRoot)
	disp := dispatcher.New(cfg.Dispatcher, registry, sessions, runner, eventBus, log)

	channelLog, err := channel.NewLog(cfg.Channels.DataDir)
	if err != nil {
		log.Fatal("Failed to open channel log", zap.Error(err))
	}
	channels := channel.NewService(channelLog, st, registry, eventBus, log)

	standupQueue := standup.NewQueue(disp, st, eventBus, log)
	orchestrator := orchestrate.NewService(runner, eventBus, log)
	ask := askagent.NewService(disp, registry, cfg.Dispatcher, eventBus, log)

	// Channel sinks run synchronously in append order: the standup queue
	// observes posts before mention triggers fire
	channels.AddSink(standupQueue)
	channels.AddSink(dispatcher.NewMentionSink(disp, registry, log))

	wsDispatcher := ws.NewDispatcher()
	hub := gws.NewHub(wsDispatcher, log)
	gws.RegisterActions(wsDispatcher, gws.ActionDeps{
		Dispatcher:   disp,
		Standup:      standupQueue,
		Orchestrator: orchestrator,
		Ask:          ask,
		Channels:     channels,
	})
	go hub.Run(ctx)

	broadcaster := gws.NewBroadcaster(hub, eventBus, log)
	if err := broadcaster.Start(); err != nil {
		log.Fatal("Failed to start event broadcaster", zap.Error(err))
	}
	defer broadcaster.Stop()

	disp.Start()

	var poller *dispatcher.Poller
	if cfg.Dispatcher.Enabled {
		poller = dispatcher.NewPoller(disp, st, registry, cfg.Dispatcher.PollInterval(), log)
		poller.Start(ctx)
	} else {
		log.Info("Dispatcher poll loop disabled; agents run on manual and channel triggers only")
	}

	server := api.NewServer(cfg.Server, api.Services{
		Dispatcher:   disp,
		Standup:      standupQueue,
		Orchestrator: orchestrator,
		Ask:          ask,
		Channels:     channels,
		Store:        st,
		Registry:     registry,
		Hub:          hub,
	}, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	// Stop taking new work first, then drain. Agent subprocesses are not
	// killed; they persist their own session state.
	if poller != nil {
		poller.Stop()
	}
	disp.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
