// Package dispatcher decides when to launch agent subprocesses. It keeps a
// per-agent state machine (idle, cooldown, active), enforces single-flight
// and cooldown, handles the resume-to-create session fallback, and derives
// per-agent health.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
)

// missingSessionSentinel is the stderr substring that distinguishes "the
// session does not exist yet" from every other subprocess failure. It is
// matched in isMissingSession and nowhere else.
const missingSessionSentinel = "No conversation found"

// stuckThreshold is how long an agent may stay active before its health
// turns red.
const stuckThreshold = 2 * time.Minute

// Agent states.
const (
	StateIdle     = "idle"
	StateCooldown = "cooldown"
	StateActive   = "active"
)

// agentState is the mutable per-agent record. All fields are guarded by mu.
type agentState struct {
	mu                  sync.Mutex
	lastTriggerTime     time.Time
	lastSeenMessageTime time.Time
	active              bool
	activeStart         time.Time
	triggerCount        int
	lastExitCode        *int
}

// TriggerRequest carries one spawn request into the dispatcher.
type TriggerRequest struct {
	AgentID string
	Reason  string
	Source  string
	Sender  string
	Senders []string
	Channel string
	Preview string
	// Body overrides the reason-specific instruction body when set.
	Body string
	// BypassCooldown is set by the manual, standup, and ask paths.
	BypassCooldown bool
}

// Dispatcher is the per-agent spawn controller.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	registry *agents.Registry
	sessions *SessionRegistry
	runner   Runner
	bus      bus.EventBus
	logger   *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	states  map[string]*agentState
	running bool
	wg      sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg config.DispatcherConfig, registry *agents.Registry, sessions *SessionRegistry, runner Runner, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		runner:   runner,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
		now:      time.Now,
		states:   make(map[string]*agentState),
	}
}

// SetNow overrides the clock, for tests.
func (d *Dispatcher) SetNow(now func() time.Time) {
	d.now = now
}

// Start marks the dispatcher running and announces the initial status.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	d.logger.Info("Dispatcher started")
	d.publishStatus()
}

// Stop marks the dispatcher stopped and waits for supervision goroutines.
// Active subprocesses are left to finish; they persist their own state.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.publishStatus()
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// IsRunning reports whether the dispatcher accepts triggers.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) state(agentID string) *agentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[agentID]
	if !ok {
		st = &agentState{}
		d.states[agentID] = st
	}
	return st
}

func (d *Dispatcher) validateAgent(agentID string) error {
	if d.registry.IsDispatchable(agentID) {
		return nil
	}
	return fmt.Errorf("%w: %q (valid agents: %s)",
		ErrUnknownAgent, agentID, strings.Join(d.registry.List(), ", "))
}

// cooldownRemaining returns how long until the agent may be triggered
// again. Zero or negative means the cooldown has elapsed; the boundary is
// inclusive.
func (d *Dispatcher) cooldownRemaining(st *agentState, now time.Time) time.Duration {
	if st.lastTriggerTime.IsZero() {
		return 0
	}
	return d.cfg.Cooldown() - now.Sub(st.lastTriggerTime)
}

// CanTrigger reports whether a cooldown-respecting trigger would currently
// be accepted for the agent, with a human-readable reason when not.
func (d *Dispatcher) CanTrigger(agentID string) (bool, string) {
	st := d.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.active {
		return false, "agent busy"
	}
	if remaining := d.cooldownRemaining(st, d.now()); remaining > 0 {
		return false, fmt.Sprintf("cooldown (%s remaining)", remaining.Round(time.Millisecond))
	}
	return true, ""
}

// Trigger spawns the agent if its state machine accepts the request, and
// returns the session id the subprocess was attached to. The subprocess is
// supervised in the background; its exit produces agent_session_ended.
func (d *Dispatcher) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	if !d.IsRunning() {
		return "", ErrNotRunning
	}
	if err := d.validateAgent(req.AgentID); err != nil {
		return "", err
	}

	st := d.state(req.AgentID)
	st.mu.Lock()
	sessionID, err := d.acceptAndSpawnLocked(ctx, st, req, nil)
	st.mu.Unlock()

	if err != nil {
		return "", err
	}
	d.publishStatus()
	return sessionID, nil
}

// TriggerFromPoll is the poll loop's entry point. The newest-unread check,
// the lastSeenMessageTime advance, and the spawn decision happen in one
// per-agent critical section so a batch is triggered at most once.
func (d *Dispatcher) TriggerFromPoll(ctx context.Context, agentID string, newest time.Time, senders []string, preview string) error {
	if !d.IsRunning() {
		return ErrNotRunning
	}
	if err := d.validateAgent(agentID); err != nil {
		return err
	}

	req := TriggerRequest{
		AgentID: agentID,
		Reason:  ReasonDM,
		Source:  "dm:" + firstOr(senders, "unknown"),
		Senders: senders,
		Preview: preview,
	}

	st := d.state(agentID)
	st.mu.Lock()
	if !newest.After(st.lastSeenMessageTime) {
		// Batch already triggered for
		st.mu.Unlock()
		return nil
	}
	_, err := d.acceptAndSpawnLocked(ctx, st, req, func() {
		st.lastSeenMessageTime = newest
	})
	st.mu.Unlock()

	if err == nil {
		d.publishStatus()
	}
	return err
}

// acceptAndSpawnLocked runs the accept check and the spawn while holding
// the agent's lock. beforeSpawn, when set, runs after the request is
// accepted and before the subprocess is started.
func (d *Dispatcher) acceptAndSpawnLocked(ctx context.Context, st *agentState, req TriggerRequest, beforeSpawn func()) (string, error) {
	now := d.now()

	if st.active {
		return "", fmt.Errorf("%w: %s", ErrAgentBusy, req.AgentID)
	}
	if !req.BypassCooldown {
		if remaining := d.cooldownRemaining(st, now); remaining > 0 {
			return "", fmt.Errorf("%w: %s remaining", ErrCooldown, remaining.Round(time.Millisecond))
		}
	}

	if beforeSpawn != nil {
		beforeSpawn()
	}

	sessionID, err := d.sessions.GetOrCreate(ctx, req.AgentID)
	if err != nil {
		d.failTrigger(req, err)
		return "", err
	}

	inv := Invocation{
		AgentID:   req.AgentID,
		SessionID: sessionID,
		Prompt:    d.buildPrompt(req, now),
		Resume:    true,
	}

	proc, err := d.runner.Start(context.Background(), inv)
	if err != nil {
		// Exec failure leaves the agent idle
		d.failTrigger(req, err)
		return "", err
	}

	st.active = true
	st.activeStart = now
	st.lastTriggerTime = now
	st.triggerCount++

	d.publish(events.AgentTriggered, events.AgentTriggeredPayload{
		AgentID:   req.AgentID,
		Trigger:   req.Reason,
		Source:    req.Source,
		Senders:   req.Senders,
		Channel:   req.Channel,
		SessionID: sessionID,
	})

	d.wg.Add(1)
	go d.supervise(req.AgentID, sessionID, inv, proc, now)

	return sessionID, nil
}

func (d *Dispatcher) failTrigger(req TriggerRequest, err error) {
	d.logger.WithAgentID(req.AgentID).WithError(err).Error("Trigger failed",
		zap.String("reason", req.Reason))
	d.publish(events.AgentTriggerFailed, events.AgentTriggerFailedPayload{
		AgentID: req.AgentID,
		Trigger: req.Reason,
		Error:   err.Error(),
	})
}

// supervise waits for the subprocess, applying the create-mode fallback
// when the session was missing, then moves the agent to cooldown.
func (d *Dispatcher) supervise(agentID, sessionID string, inv Invocation, proc Process, started time.Time) {
	defer d.wg.Done()

	res := d.waitWithFallback(context.Background(), inv, proc)

	st := d.state(agentID)
	st.mu.Lock()
	st.active = false
	st.activeStart = time.Time{}
	code := res.ExitCode
	st.lastExitCode = &code
	st.mu.Unlock()

	d.logger.WithAgentID(agentID).Info("Agent session ended",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", res.ExitCode))

	d.publish(events.AgentSessionEnded, events.AgentSessionEndedPayload{
		AgentID:   agentID,
		SessionID: sessionID,
		ExitCode:  res.ExitCode,
		Duration:  d.now().Sub(started).Milliseconds(),
	})
	d.publishStatus()
}

// isMissingSession reports whether the result is the "session does not
// exist" failure that warrants one create-mode retry. This is the only
// place the sentinel is matched.
func isMissingSession(res *Result) bool {
	return res.ExitCode != 0 && strings.Contains(res.Stderr, missingSessionSentinel)
}

// waitWithFallback waits for an already-started resume-mode subprocess.
// If it failed because the session did not exist, the invocation is retried
// exactly once in create mode with the same session id and prompt. The
// retry is part of the same spawn; retry failures are final.
func (d *Dispatcher) waitWithFallback(ctx context.Context, inv Invocation, proc Process) *Result {
	res, err := proc.Wait()
	if err != nil {
		return &Result{ExitCode: -1, Stderr: err.Error()}
	}
	if !inv.Resume || !isMissingSession(res) {
		return res
	}

	d.logger.WithAgentID(inv.AgentID).Info("Session missing, retrying in create mode",
		zap.String("session_id", inv.SessionID))

	retry := inv
	retry.Resume = false
	retryProc, err := d.runner.Start(ctx, retry)
	if err != nil {
		d.logger.WithAgentID(inv.AgentID).WithError(err).Error("Create-mode retry failed to start")
		return res
	}
	retryRes, err := retryProc.Wait()
	if err != nil {
		return &Result{ExitCode: -1, Stderr: err.Error()}
	}
	return retryRes
}

// RunSession runs the agent synchronously against its current session,
// outside the agent's active-process slot. It is the ask path: busy checks
// are bypassed, stdout is captured, and the run still counts toward the
// agent's cooldown as if it were a normal spawn. The context deadline kills
// the subprocess.
func (d *Dispatcher) RunSession(ctx context.Context, agentID, prompt string, env map[string]string) (*Result, error) {
	if !d.IsRunning() {
		return nil, ErrNotRunning
	}
	if err := d.validateAgent(agentID); err != nil {
		return nil, err
	}

	sessionID, err := d.sessions.GetOrCreate(ctx, agentID)
	if err != nil {
		return nil, err
	}

	inv := Invocation{
		AgentID:   agentID,
		SessionID: sessionID,
		Prompt:    prompt,
		Resume:    true,
		Env:       env,
	}

	started := d.now()
	proc, err := d.runner.Start(ctx, inv)
	if err != nil {
		return nil, err
	}
	res := d.waitWithFallback(ctx, inv, proc)

	st := d.state(agentID)
	st.mu.Lock()
	st.lastTriggerTime = started
	st.triggerCount++
	code := res.ExitCode
	st.lastExitCode = &code
	st.mu.Unlock()

	if ctx.Err() != nil {
		return res, fmt.Errorf("agent run timed out: %w", ctx.Err())
	}
	return res, nil
}

// Refresh deletes the agent's stored sessions and allocates a fresh one,
// resetting the poll watermark and the last exit code. Rejected while the
// agent is active unless force is set.
func (d *Dispatcher) Refresh(ctx context.Context, agentID string, force bool) (string, error) {
	if err := d.validateAgent(agentID); err != nil {
		return "", err
	}

	st := d.state(agentID)
	st.mu.Lock()
	if st.active && !force {
		st.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAgentBusy, agentID)
	}

	oldID, _ := d.sessions.Get(ctx, agentID)
	if err := d.sessions.Delete(ctx, agentID); err != nil {
		st.mu.Unlock()
		return "", err
	}
	newID, err := d.sessions.GetOrCreate(ctx, agentID)
	if err != nil {
		st.mu.Unlock()
		return "", err
	}
	st.lastSeenMessageTime = time.Time{}
	st.lastExitCode = nil
	st.mu.Unlock()

	d.logger.WithAgentID(agentID).Info("Agent session refreshed",
		zap.String("old_session_id", oldID),
		zap.String("new_session_id", newID),
		zap.Bool("forced", force))

	d.publish(events.SessionRefreshed, events.SessionRefreshedPayload{
		AgentID:      agentID,
		OldSessionID: oldID,
		NewSessionID: newID,
		Forced:       force,
	})
	return newID, nil
}

// snapshotLocked derives the agent's state and health. Caller holds st.mu.
func (d *Dispatcher) snapshotLocked(agentID string, st *agentState) events.AgentStatusSnapshot {
	now := d.now()

	state := StateIdle
	if st.active {
		state = StateActive
	} else if d.cooldownRemaining(st, now) > 0 {
		state = StateCooldown
	}

	var health string
	switch {
	case st.active && now.Sub(st.activeStart) >= stuckThreshold:
		health = "red"
	case st.active:
		health = "yellow"
	case st.lastExitCode != nil && *st.lastExitCode != 0:
		health = "red"
	case state == StateCooldown:
		health = "yellow"
	default:
		health = "green"
	}

	snap := events.AgentStatusSnapshot{
		AgentID:      agentID,
		State:        state,
		Health:       health,
		TriggerCount: st.triggerCount,
		LastExitCode: st.lastExitCode,
	}
	if !st.lastTriggerTime.IsZero() {
		t := st.lastTriggerTime
		snap.LastTriggerTime = &t
	}
	if st.active {
		t := st.activeStart
		snap.ActiveSince = &t
	}
	return snap
}

// AgentStatus returns one agent's current snapshot.
func (d *Dispatcher) AgentStatus(agentID string) (events.AgentStatusSnapshot, error) {
	if err := d.validateAgent(agentID); err != nil {
		return events.AgentStatusSnapshot{}, err
	}
	st := d.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return d.snapshotLocked(agentID, st), nil
}

// Status returns the dispatcher-wide snapshot, one entry per roster agent.
func (d *Dispatcher) Status() events.DispatcherStatusPayload {
	payload := events.DispatcherStatusPayload{Running: d.IsRunning()}
	for _, agentID := range d.registry.List() {
		st := d.state(agentID)
		st.mu.Lock()
		payload.Agents = append(payload.Agents, d.snapshotLocked(agentID, st))
		st.mu.Unlock()
	}
	return payload
}

// LastSeenMessageTime returns the agent's poll watermark.
func (d *Dispatcher) LastSeenMessageTime(agentID string) time.Time {
	st := d.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSeenMessageTime
}

func (d *Dispatcher) buildPrompt(req TriggerRequest, now time.Time) string {
	body := req.Body
	if body == "" {
		switch req.Reason {
		case ReasonDM:
			body = dmPromptBody(req.Senders)
		case ReasonMention:
			body = mentionPromptBody(req.Channel, req.Sender)
		case ReasonStandup:
			body = standupPromptBody(req.Channel)
		default:
			body = "Check your unread messages and respond as appropriate."
		}
	}

	return BuildPrompt(DispatchContext{
		Timestamp:      now.UTC(),
		AgentID:        req.AgentID,
		Trigger:        req.Reason,
		Source:         req.Source,
		Sender:         req.Sender,
		Senders:        req.Senders,
		Channel:        req.Channel,
		MessagePreview: Preview(req.Preview),
	}, body)
}

func (d *Dispatcher) publish(eventType string, payload any) {
	event := bus.NewEvent(eventType, "dispatcher", payload)
	if err := d.bus.Publish(context.Background(), eventType, event); err != nil {
		d.logger.WithError(err).Warn("Failed to publish event",
			zap.String("event_type", eventType))
	}
}

func (d *Dispatcher) publishStatus() {
	d.publish(events.DispatcherStatusChanged, d.Status())
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
