package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/askagent"
	apperrors "github.com/crewd/crewd/internal/common/errors"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	gws "github.com/crewd/crewd/internal/gateway/websocket"
	"github.com/crewd/crewd/internal/orchestrate"
	"github.com/crewd/crewd/internal/standup"
	"github.com/crewd/crewd/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway serves local tooling; origin checks are not enforced.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type handlers struct {
	svc    Services
	logger *logger.Logger
}

func (h *handlers) mount(engine *gin.Engine) {
	engine.GET("/health", h.health)
	engine.GET("/ws", h.serveWS)

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/agents", h.listAgents)
		v1.GET("/agents/:id", h.agentStatus)
		v1.POST("/agents/:id/trigger", h.triggerAgent)
		v1.POST("/agents/:id/refresh", h.refreshAgent)

		v1.GET("/dispatcher/status", h.dispatcherStatus)

		v1.POST("/ask", h.ask)

		v1.POST("/standup", h.startStandup)
		v1.GET("/standup/status", h.standupStatus)

		v1.POST("/orchestrator/trigger", h.triggerOrchestrator)
		v1.GET("/orchestrator/status", h.orchestratorStatus)

		v1.POST("/messages", h.sendMessage)
		v1.GET("/messages/unread", h.unreadMessages)
		v1.POST("/messages/:id/read", h.markMessageRead)

		v1.GET("/channels", h.listChannels)
		v1.GET("/channels/:channel/messages", h.readChannel)
		v1.POST("/channels/:channel/messages", h.postChannel)
		v1.GET("/channels/:channel/unread", h.unreadChannel)
		v1.POST("/channels/:channel/read", h.markChannelRead)
	}
}

// respondError maps domain errors onto HTTP statuses: busy and singleton
// conflicts are 409, unknown resources 404, policy and validation failures
// 400, everything else 500.
func (h *handlers) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	switch {
	case errors.Is(err, dispatcher.ErrAgentBusy),
		errors.Is(err, dispatcher.ErrCooldown),
		errors.Is(err, standup.ErrStandupActive),
		errors.Is(err, orchestrate.ErrAlreadyRunning):
		appErr = apperrors.Conflict(err.Error())
	case errors.Is(err, dispatcher.ErrUnknownAgent), errors.Is(err, store.ErrNotFound):
		appErr = &apperrors.AppError{
			Code:       apperrors.ErrCodeNotFound,
			Message:    err.Error(),
			HTTPStatus: http.StatusNotFound,
		}
	case errors.Is(err, askagent.ErrDepthExceeded),
		errors.Is(err, askagent.ErrTooManyCalls),
		errors.Is(err, askagent.ErrSelfCall),
		errors.Is(err, askagent.ErrCycle),
		errors.Is(err, orchestrate.ErrUnknownCommand),
		errors.Is(err, standup.ErrNoParticipants):
		appErr = apperrors.BadRequest(err.Error())
	default:
		if !errors.As(err, &appErr) {
			appErr = apperrors.InternalError("request failed", err)
			h.logger.WithError(err).Error("Request failed",
				zap.String("path", c.Request.URL.Path))
		}
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{"code": appErr.Code, "message": appErr.Message}})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"dispatcher": h.svc.Dispatcher.IsRunning(),
		"clients":    h.svc.Hub.GetClientCount(),
	})
}

func (h *handlers) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := gws.NewClient(uuid.New().String(), conn, h.svc.Hub, h.logger)
	h.svc.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump(c.Request.Context())
}

func (h *handlers) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.svc.Dispatcher.Status().Agents})
}

func (h *handlers) agentStatus(c *gin.Context) {
	snap, err := h.svc.Dispatcher.AgentStatus(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type triggerRequest struct {
	Body string `json:"body,omitempty"`
}

func (h *handlers) triggerAgent(c *gin.Context) {
	var req triggerRequest
	_ = c.ShouldBindJSON(&req)

	sessionID, err := h.svc.Dispatcher.Trigger(c.Request.Context(), dispatcher.TriggerRequest{
		AgentID:        c.Param("id"),
		Reason:         dispatcher.ReasonManual,
		Source:         "manual:api",
		Body:           req.Body,
		BypassCooldown: true,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID})
}

func (h *handlers) refreshAgent(c *gin.Context) {
	force := c.Query("force") == "true"
	sessionID, err := h.svc.Dispatcher.Refresh(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

func (h *handlers) dispatcherStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Dispatcher.Status())
}

type askRequest struct {
	Caller      string   `json:"caller" binding:"required"`
	Target      string   `json:"target" binding:"required"`
	Question    string   `json:"question" binding:"required"`
	Depth       int      `json:"depth"`
	CallerChain []string `json:"caller_chain"`
}

func (h *handlers) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("caller, target, and question are required"))
		return
	}

	answer, err := h.svc.Ask.Ask(c.Request.Context(), askagent.Request{
		Caller:      req.Caller,
		Target:      req.Target,
		Question:    req.Question,
		Depth:       req.Depth,
		CallerChain: req.CallerChain,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": answer})
}

type standupRequest struct {
	Channel string   `json:"channel" binding:"required"`
	Agents  []string `json:"agents"`
}

func (h *handlers) startStandup(c *gin.Context) {
	var req standupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("channel is required"))
		return
	}
	if len(req.Agents) == 0 {
		req.Agents = h.svc.Registry.List()
	}

	sessionID, err := h.svc.Standup.Start(c.Request.Context(), req.Channel, req.Agents)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID})
}

func (h *handlers) standupStatus(c *gin.Context) {
	status := h.svc.Standup.Status()
	if status == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "session": status})
}

type orchestratorRequest struct {
	Command string `json:"command" binding:"required"`
	Task    string `json:"task"`
	EpicID  string `json:"epic_id"`
	Channel string `json:"channel"`
}

func (h *handlers) triggerOrchestrator(c *gin.Context) {
	var req orchestratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("command is required"))
		return
	}

	sessionID, err := h.svc.Orchestrator.Trigger(c.Request.Context(), req.Command, orchestrate.Params{
		Task:    req.Task,
		EpicID:  req.EpicID,
		Channel: req.Channel,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID})
}

func (h *handlers) orchestratorStatus(c *gin.Context) {
	status := h.svc.Orchestrator.Status()
	if status == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "session": status})
}

type messageRequest struct {
	From    string `json:"from" binding:"required"`
	To      string `json:"to" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (h *handlers) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("from, to, and content are required"))
		return
	}

	msg, err := h.svc.Store.AppendMessage(c.Request.Context(), req.From, req.To, req.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handlers) unreadMessages(c *gin.Context) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		h.respondError(c, apperrors.BadRequest("agent_id is required"))
		return
	}

	count, msgs, err := h.svc.Store.UnreadFor(c.Request.Context(), agentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count, "messages": msgs})
}

type markReadRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

func (h *handlers) markMessageRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("agent_id is required"))
		return
	}

	if err := h.svc.Store.MarkRead(c.Request.Context(), c.Param("id"), req.AgentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listChannels(c *gin.Context) {
	channels, err := h.svc.Channels.Channels()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (h *handlers) readChannel(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondError(c, apperrors.BadRequest("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	msgs, err := h.svc.Channels.Read(c.Request.Context(), c.Param("channel"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type channelPostRequest struct {
	From     string `json:"from" binding:"required"`
	Content  string `json:"content" binding:"required"`
	ThreadID string `json:"thread_id"`
}

func (h *handlers) postChannel(c *gin.Context) {
	var req channelPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("from and content are required"))
		return
	}

	msg, err := h.svc.Channels.Append(c.Request.Context(), c.Param("channel"), req.From, req.Content, req.ThreadID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handlers) unreadChannel(c *gin.Context) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		h.respondError(c, apperrors.BadRequest("agent_id is required"))
		return
	}

	msgs, err := h.svc.Channels.Unread(c.Request.Context(), c.Param("channel"), agentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *handlers) markChannelRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("agent_id is required"))
		return
	}

	if err := h.svc.Channels.MarkRead(c.Request.Context(), c.Param("channel"), req.AgentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
