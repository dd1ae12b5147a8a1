// Package orchestrate owns the orchestrator slot: at most one long-running
// orchestrator subprocess exists process-wide.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
)

// Orchestrator commands.
const (
	CommandDecompose = "decompose"
	CommandStatus    = "status"
)

var (
	// ErrAlreadyRunning is returned while the slot is occupied.
	ErrAlreadyRunning = errors.New("orchestrator already running")

	// ErrUnknownCommand is returned for commands outside the known set.
	ErrUnknownCommand = errors.New("unknown orchestrator command")
)

// Params carries the command-specific parameters.
type Params struct {
	Task    string `json:"task,omitempty"`
	EpicID  string `json:"epic_id,omitempty"`
	Channel string `json:"channel"`
}

// slot records the single in-flight orchestrator session.
type slot struct {
	sessionID string
	command   string
	startedAt time.Time
}

// Status is a read-only snapshot of the occupied slot.
type Status struct {
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// Service enforces the at-most-one orchestrator invariant.
type Service struct {
	runner dispatcher.Runner
	bus    bus.EventBus
	logger *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	active *slot
	wg     sync.WaitGroup
}

// NewService creates the orchestrator service.
func NewService(runner dispatcher.Runner, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		runner: runner,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "orchestrate")),
		now:    time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Trigger starts an orchestrator session for the command. Each call gets a
// fresh session id; the slot is freed when the subprocess exits.
func (s *Service) Trigger(ctx context.Context, command string, params Params) (string, error) {
	body, err := promptBody(command, params)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return "", fmt.Errorf("%w: session %s (command %s)",
			ErrAlreadyRunning, s.active.sessionID, s.active.command)
	}

	now := s.now()
	sessionID := uuid.New().String()
	prompt := dispatcher.BuildPrompt(dispatcher.DispatchContext{
		Timestamp: now.UTC(),
		AgentID:   agents.Orchestrator,
		Trigger:   dispatcher.ReasonOrchestrate,
		Source:    "orchestrate:" + command,
		Channel:   params.Channel,
	}, body)

	proc, err := s.runner.Start(context.Background(), dispatcher.Invocation{
		AgentID:   agents.Orchestrator,
		SessionID: sessionID,
		Prompt:    prompt,
	})
	if err != nil {
		s.logger.WithError(err).Error("Orchestrator failed to start",
			zap.String("command", command))
		s.publish(events.OrchestratorFailed, events.OrchestratorEndedPayload{
			SessionID: sessionID,
			Command:   command,
			ExitCode:  -1,
		})
		return "", err
	}

	s.active = &slot{sessionID: sessionID, command: command, startedAt: now}

	s.logger.Info("Orchestrator started",
		zap.String("session_id", sessionID),
		zap.String("command", command))

	s.publish(events.OrchestratorStarted, events.OrchestratorStartedPayload{
		SessionID: sessionID,
		Command:   command,
		Channel:   params.Channel,
	})

	s.wg.Add(1)
	go s.supervise(sessionID, command, proc)

	return sessionID, nil
}

func (s *Service) supervise(sessionID, command string, proc dispatcher.Process) {
	defer s.wg.Done()

	res, err := proc.Wait()
	exitCode := -1
	if err == nil {
		exitCode = res.ExitCode
	}

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	payload := events.OrchestratorEndedPayload{
		SessionID: sessionID,
		Command:   command,
		ExitCode:  exitCode,
	}
	if exitCode == 0 {
		s.logger.Info("Orchestrator ended", zap.String("session_id", sessionID))
		s.publish(events.OrchestratorEnded, payload)
	} else {
		s.logger.Warn("Orchestrator failed",
			zap.String("session_id", sessionID),
			zap.Int("exit_code", exitCode))
		s.publish(events.OrchestratorFailed, payload)
	}
}

// Status returns a snapshot of the occupied slot, or nil when free.
func (s *Service) Status() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil
	}
	return &Status{
		SessionID: s.active.sessionID,
		Command:   s.active.command,
		StartedAt: s.active.startedAt,
	}
}

// Wait blocks until any in-flight orchestrator supervision finishes.
func (s *Service) Wait() {
	s.wg.Wait()
}

func promptBody(command string, params Params) (string, error) {
	if params.Channel == "" {
		return "", fmt.Errorf("channel is required")
	}
	switch command {
	case CommandDecompose:
		if params.Task == "" {
			return "", fmt.Errorf("task is required for decompose")
		}
		return fmt.Sprintf(
			"Decompose the following task into concrete subtasks, assign each to "+
				"the best-suited agent, and post the plan to the #%s channel.\n\nTask: %s",
			params.Channel, params.Task), nil
	case CommandStatus:
		if params.EpicID == "" {
			return "", fmt.Errorf("epic_id is required for status")
		}
		return fmt.Sprintf(
			"Collect the current status of epic %s from the team and post a "+
				"summary to the #%s channel.",
			params.EpicID, params.Channel), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

func (s *Service) publish(eventType string, payload any) {
	event := bus.NewEvent(eventType, "orchestrate", payload)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.WithError(err).Warn("Failed to publish event",
			zap.String("event_type", eventType))
	}
}
