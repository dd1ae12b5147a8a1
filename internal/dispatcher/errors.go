package dispatcher

import "errors"

var (
	// ErrUnknownAgent is returned when the requested agent is not dispatchable.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentBusy is returned when the agent already has an active subprocess.
	ErrAgentBusy = errors.New("agent busy")

	// ErrCooldown is returned when the agent's cooldown has not elapsed.
	ErrCooldown = errors.New("agent in cooldown")

	// ErrNotRunning is returned when the dispatcher is stopped.
	ErrNotRunning = errors.New("dispatcher not running")
)
