// Package api exposes the HTTP surface: the REST endpoints for triggering
// and inspecting agents, and the WebSocket upgrade for event observers.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/askagent"
	"github.com/crewd/crewd/internal/channel"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/httpmw"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	gws "github.com/crewd/crewd/internal/gateway/websocket"
	"github.com/crewd/crewd/internal/orchestrate"
	"github.com/crewd/crewd/internal/standup"
	"github.com/crewd/crewd/internal/store"
)

// Services bundles everything the HTTP surface operates on.
type Services struct {
	Dispatcher   *dispatcher.Dispatcher
	Standup      *standup.Queue
	Orchestrator *orchestrate.Service
	Ask          *askagent.Service
	Channels     *channel.Service
	Store        store.Store
	Registry     *agents.Registry
	Hub          *gws.Hub
}

// Server is the crewd HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer builds the gin engine, mounts every route, and wraps it in an
// http.Server.
func NewServer(cfg config.ServerConfig, svc Services, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "api"))

	h := &handlers{svc: svc, logger: log.WithFields(zap.String("component", "api"))}
	h.mount(engine)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		logger: log,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
