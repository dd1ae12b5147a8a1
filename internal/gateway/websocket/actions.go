package websocket

import (
	"context"
	"errors"

	"github.com/crewd/crewd/internal/askagent"
	"github.com/crewd/crewd/internal/channel"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/orchestrate"
	"github.com/crewd/crewd/internal/standup"
	ws "github.com/crewd/crewd/pkg/websocket"
)

// ActionDeps bundles the services the WebSocket actions operate on.
type ActionDeps struct {
	Dispatcher   *dispatcher.Dispatcher
	Standup      *standup.Queue
	Orchestrator *orchestrate.Service
	Ask          *askagent.Service
	Channels     *channel.Service
}

type agentTriggerPayload struct {
	AgentID string `json:"agent_id"`
	Body    string `json:"body,omitempty"`
}

type agentRefreshPayload struct {
	AgentID string `json:"agent_id"`
	Force   bool   `json:"force,omitempty"`
}

type agentAskPayload struct {
	Caller      string   `json:"caller"`
	Target      string   `json:"target"`
	Question    string   `json:"question"`
	Depth       int      `json:"depth,omitempty"`
	CallerChain []string `json:"caller_chain,omitempty"`
}

type standupStartPayload struct {
	Channel string   `json:"channel"`
	Agents  []string `json:"agents"`
}

type orchestratorTriggerPayload struct {
	Command string `json:"command"`
	Task    string `json:"task,omitempty"`
	EpicID  string `json:"epic_id,omitempty"`
	Channel string `json:"channel"`
}

type channelPostPayload struct {
	Channel  string `json:"channel"`
	From     string `json:"from"`
	Content  string `json:"content"`
	ThreadID string `json:"thread_id,omitempty"`
}

type channelReadPayload struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit,omitempty"`
}

// RegisterActions wires every WebSocket action onto the dispatcher.
func RegisterActions(d *ws.Dispatcher, deps ActionDeps) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]string{"status": "ok"})
	})

	d.RegisterFunc(ws.ActionAgentList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, deps.Dispatcher.Status().Agents)
	})

	d.RegisterFunc(ws.ActionDispatcherStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, deps.Dispatcher.Status())
	})

	d.RegisterFunc(ws.ActionAgentTrigger, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var p agentTriggerPayload
		if err := msg.ParsePayload(&p); err != nil || p.AgentID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "agent_id is required", nil)
		}
		sessionID, err := deps.Dispatcher.Trigger(ctx, dispatcher.TriggerRequest{
			AgentID:        p.AgentID,
			Reason:         dispatcher.ReasonManual,
			Source:         "manual:websocket",
			Body:           p.Body,
			BypassCooldown: true,
		})
		if err != nil {
			return actionError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]string{"session_id": sessionID})
	})

	d.RegisterFunc(ws.ActionAgentRefresh, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var p agentRefreshPayload
		if err := msg.ParsePayload(&p); err != nil || p.AgentID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "agent_id is required", nil)
		}
		sessionID, err := deps.Dispatcher.Refresh(ctx, p.AgentID, p.Force)
		if err != nil {
			return actionError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]string{"session_id": sessionID})
	})

	d.RegisterFunc(ws.ActionAgentAsk, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var p agentAskPayload
		if err := msg.ParsePayload(&p); err != nil || p.Caller == "" || p.Target == "" || p.Question == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest,
				"caller, target, and question are required", nil)
		}
		answer, err := deps.Ask.Ask(ctx, askagent.Request{
			Caller:      p.Caller,
			Target:      p.Target,
			Question:    p.Question,
			Depth:       p.Depth,
			CallerChain: p.CallerChain,
		})
		if err != nil {
			return actionError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]string{"response": answer})
	})

	d.RegisterFunc(ws.ActionStandupStart, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var p standupStartPayload
		if err := msg.ParsePayload(&p); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		sessionID, err := deps.Standup.Start(ctx, p.Channel, p.Agents)
		if err != nil {
			return actionError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]string{"session_id": sessionID})
	})

	d.RegisterFunc(ws.ActionStandupStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, deps.Standup.Status())
	})

	d.RegisterFunc(ws.ActionOrchestratorTrigger, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var p orchestratorTriggerPayload
		if err := msg.ParsePayload(&p); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		sessionID, err := deps.Orchestrator.Trigger(ctx, p.Command, orchestrate.Params{
			Task:    p.Task,
			EpicID:  p.EpicID,
			Channel: p.Channel,
		})
		if err != nil {
			return actionError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]string{"session_id": sessionID})
	})

	d.RegisterFunc(ws.ActionOrchestratorStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, deps.Orchestrator.Status())
	})

	d.RegisterFunc(ws.ActionChannelPost, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var p channelPostPayload
		if err := msg.ParsePayload(&p); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		posted, err := deps.Channels.Append(ctx, p.Channel, p.From, p.Content, p.ThreadID)
		if err != nil {
			return actionError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, posted)
	})

	d.RegisterFunc(ws.ActionChannelRead, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var p channelReadPayload
		if err := msg.ParsePayload(&p); err != nil || p.Channel == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "channel is required", nil)
		}
		msgs, err := deps.Channels.Read(ctx, p.Channel, p.Limit)
		if err != nil {
			return actionError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, msgs)
	})
}

// actionError maps domain errors onto the wire error codes.
func actionError(msg *ws.Message, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	switch {
	case errors.Is(err, dispatcher.ErrAgentBusy),
		errors.Is(err, dispatcher.ErrCooldown),
		errors.Is(err, standup.ErrStandupActive),
		errors.Is(err, orchestrate.ErrAlreadyRunning):
		code = ws.ErrorCodeConflict
	case errors.Is(err, dispatcher.ErrUnknownAgent):
		code = ws.ErrorCodeNotFound
	case errors.Is(err, askagent.ErrDepthExceeded),
		errors.Is(err, askagent.ErrTooManyCalls),
		errors.Is(err, askagent.ErrSelfCall),
		errors.Is(err, askagent.ErrCycle),
		errors.Is(err, orchestrate.ErrUnknownCommand),
		errors.Is(err, standup.ErrNoParticipants):
		code = ws.ErrorCodeValidation
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
}
