// Package events defines the event types crewd publishes on the bus and
// provides the configured bus implementation.
package events

import "time"

// Event types. The bus subject for each event equals its type string.
const (
	AgentTriggered          = "agent_triggered"
	AgentSessionEnded       = "agent_session_ended"
	AgentTriggerFailed      = "agent_trigger_failed"
	SessionRefreshed        = "session_refreshed"
	StandupSessionStart     = "standup_session_start"
	StandupAgentComplete    = "standup_agent_complete"
	StandupSessionComplete  = "standup_session_complete"
	OrchestratorStarted     = "orchestrator_started"
	OrchestratorEnded       = "orchestrator_ended"
	OrchestratorFailed      = "orchestrator_failed"
	AgentConversation       = "agent_conversation"
	DispatcherStatusChanged = "dispatcher_status"
	ChannelMessagePosted    = "channel_message"
)

// AllTypes lists every event type crewd emits, in no particular order.
// The WebSocket broadcaster subscribes to each of these.
var AllTypes = []string{
	AgentTriggered,
	AgentSessionEnded,
	AgentTriggerFailed,
	SessionRefreshed,
	StandupSessionStart,
	StandupAgentComplete,
	StandupSessionComplete,
	OrchestratorStarted,
	OrchestratorEnded,
	OrchestratorFailed,
	AgentConversation,
	DispatcherStatusChanged,
	ChannelMessagePosted,
}

// AgentTriggeredPayload accompanies agent_triggered.
type AgentTriggeredPayload struct {
	AgentID   string   `json:"agent_id"`
	Trigger   string   `json:"trigger"`
	Source    string   `json:"source"`
	Senders   []string `json:"senders,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	SessionID string   `json:"session_id"`
}

// AgentSessionEndedPayload accompanies agent_session_ended.
type AgentSessionEndedPayload struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Duration  int64  `json:"duration_ms"`
}

// AgentTriggerFailedPayload accompanies agent_trigger_failed.
type AgentTriggerFailedPayload struct {
	AgentID string `json:"agent_id"`
	Trigger string `json:"trigger"`
	Error   string `json:"error"`
}

// SessionRefreshedPayload accompanies session_refreshed.
type SessionRefreshedPayload struct {
	AgentID      string `json:"agent_id"`
	OldSessionID string `json:"old_session_id,omitempty"`
	NewSessionID string `json:"new_session_id"`
	Forced       bool   `json:"forced"`
}

// StandupSessionStartPayload accompanies standup_session_start.
type StandupSessionStartPayload struct {
	SessionID string   `json:"session_id"`
	Channel   string   `json:"channel"`
	Agents    []string `json:"agents"`
}

// StandupAgentCompletePayload accompanies standup_agent_complete.
type StandupAgentCompletePayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Channel   string `json:"channel"`
}

// StandupSessionCompletePayload accompanies standup_session_complete.
type StandupSessionCompletePayload struct {
	SessionID       string   `json:"session_id"`
	Channel         string   `json:"channel"`
	CompletedAgents []string `json:"completed_agents"`
}

// OrchestratorStartedPayload accompanies orchestrator_started.
type OrchestratorStartedPayload struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Channel   string `json:"channel,omitempty"`
}

// OrchestratorEndedPayload accompanies orchestrator_ended and
// orchestrator_failed.
type OrchestratorEndedPayload struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
}

// AgentConversationPayload accompanies agent_conversation, emitted at the
// boundaries of an agent-to-agent ask call.
type AgentConversationPayload struct {
	Status  string `json:"status"` // started, completed
	Caller  string `json:"caller"`
	Target  string `json:"target"`
	Depth   int    `json:"depth"`
	Preview string `json:"preview,omitempty"`
}

// AgentStatusSnapshot is one agent's entry in a dispatcher_status payload.
type AgentStatusSnapshot struct {
	AgentID         string     `json:"agent_id"`
	State           string     `json:"state"` // idle, cooldown, active
	Health          string     `json:"health"`
	TriggerCount    int        `json:"trigger_count"`
	LastExitCode    *int       `json:"last_exit_code,omitempty"`
	LastTriggerTime *time.Time `json:"last_trigger_time,omitempty"`
	ActiveSince     *time.Time `json:"active_since,omitempty"`
}

// DispatcherStatusPayload accompanies dispatcher_status.
type DispatcherStatusPayload struct {
	Running bool                  `json:"running"`
	Agents  []AgentStatusSnapshot `json:"agents"`
}

// ChannelMessagePayload accompanies channel_message.
type ChannelMessagePayload struct {
	ID       string   `json:"id"`
	Channel  string   `json:"channel"`
	From     string   `json:"from"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
	ThreadID string   `json:"thread_id,omitempty"`
}
