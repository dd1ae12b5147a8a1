package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Agent actions
	ActionAgentList    = "agent.list"
	ActionAgentTrigger = "agent.trigger"
	ActionAgentRefresh = "agent.refresh"
	ActionAgentAsk     = "agent.ask"

	// Dispatcher actions
	ActionDispatcherStatus = "dispatcher.status"

	// Standup actions
	ActionStandupStart  = "standup.start"
	ActionStandupStatus = "standup.status"

	// Orchestrator actions
	ActionOrchestratorTrigger = "orchestrator.trigger"
	ActionOrchestratorStatus  = "orchestrator.status"

	// Channel actions
	ActionChannelPost = "channel.post"
	ActionChannelRead = "channel.read"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
