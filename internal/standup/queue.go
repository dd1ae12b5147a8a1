// Package standup runs the sequential standup chain: one agent at a time
// is asked to post its update, and the queue advances when the agent's post
// is observed in the target channel.
package standup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/channel"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/store"
)

// ErrStandupActive is returned when a standup session already exists.
var ErrStandupActive = errors.New("standup already active")

// ErrNoParticipants is returned when a standup is started with no agents.
var ErrNoParticipants = errors.New("no participants")

// session is the in-memory queue state. It is not persisted; a restart
// cancels any in-flight standup.
type session struct {
	id        string
	channel   string
	pending   []string
	current   string
	completed []string
	startedAt time.Time
}

// Status is a read-only snapshot of the active standup session.
type Status struct {
	SessionID string    `json:"session_id"`
	Channel   string    `json:"channel"`
	Pending   []string  `json:"pending"`
	Current   string    `json:"current,omitempty"`
	Completed []string  `json:"completed"`
	StartedAt time.Time `json:"started_at"`
}

// Queue is the process-wide standup runner. At most one session exists at
// a time.
type Queue struct {
	dispatcher *dispatcher.Dispatcher
	store      store.Store
	bus        bus.EventBus
	logger     *logger.Logger
	now        func() time.Time

	mu     sync.Mutex
	active *session
}

// NewQueue creates the standup runner.
func NewQueue(d *dispatcher.Dispatcher, st store.Store, eventBus bus.EventBus, log *logger.Logger) *Queue {
	return &Queue{
		dispatcher: d,
		store:      st,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "standup")),
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (q *Queue) SetNow(now func() time.Time) {
	q.now = now
}

// Start begins a standup session over the given agents, posting to channel.
// Rejected while another session is active.
func (q *Queue) Start(ctx context.Context, channelName string, agentIDs []string) (string, error) {
	if channelName == "" {
		return "", fmt.Errorf("channel is required")
	}
	if len(agentIDs) == 0 {
		return "", ErrNoParticipants
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active != nil {
		return "", fmt.Errorf("%w: session %s", ErrStandupActive, q.active.id)
	}

	s := &session{
		id:        uuid.New().String(),
		channel:   channelName,
		pending:   append([]string(nil), agentIDs...),
		startedAt: q.now(),
	}
	q.active = s

	q.logger.Info("Standup session started",
		zap.String("session_id", s.id),
		zap.String("channel", channelName),
		zap.Strings("agents", agentIDs))

	q.publish(events.StandupSessionStart, events.StandupSessionStartPayload{
		SessionID: s.id,
		Channel:   channelName,
		Agents:    agentIDs,
	})

	q.advanceLocked(ctx)
	return s.id, nil
}

// advanceLocked pops the next pending agent and spawns it. An agent whose
// spawn is rejected or fails to start is passed over immediately; otherwise
// a missing post would wedge the queue. Caller holds q.mu.
func (q *Queue) advanceLocked(ctx context.Context) {
	s := q.active
	for s != nil {
		if len(s.pending) == 0 {
			completed := append([]string(nil), s.completed...)
			q.active = nil
			q.logger.Info("Standup session complete",
				zap.String("session_id", s.id),
				zap.Strings("completed", completed))
			q.publish(events.StandupSessionComplete, events.StandupSessionCompletePayload{
				SessionID:       s.id,
				Channel:         s.channel,
				CompletedAgents: completed,
			})
			return
		}

		s.current = s.pending[0]
		s.pending = s.pending[1:]

		_, err := q.dispatcher.Trigger(ctx, dispatcher.TriggerRequest{
			AgentID:        s.current,
			Reason:         dispatcher.ReasonStandup,
			Source:         "standup:" + s.channel,
			Channel:        s.channel,
			BypassCooldown: true,
		})
		if err == nil {
			return
		}

		q.logger.WithAgentID(s.current).WithError(err).Warn("Standup spawn failed, skipping agent")
		s.completed = append(s.completed, s.current)
		s.current = ""
	}
}

// OnChannelMessage implements channel.Sink. A post from the current agent
// to the session's channel completes that agent's turn; posts to other
// channels, from other agents, or from already completed agents are
// ignored. Only the first matching post advances the queue.
func (q *Queue) OnChannelMessage(ctx context.Context, msg *channel.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.active
	if s == nil || msg.Channel != s.channel || msg.From != s.current || s.current == "" {
		return
	}

	if err := q.store.PostStandup(ctx, &store.StandupPost{
		SessionID: s.id,
		AgentID:   s.current,
		Channel:   s.channel,
		Content:   msg.Content,
	}); err != nil {
		q.logger.WithAgentID(s.current).WithError(err).Error("Failed to persist standup post")
	}

	completedAgent := s.current
	s.completed = append(s.completed, completedAgent)
	s.current = ""

	q.publish(events.StandupAgentComplete, events.StandupAgentCompletePayload{
		SessionID: s.id,
		AgentID:   completedAgent,
		Channel:   s.channel,
	})

	q.advanceLocked(ctx)
}

// Status returns a snapshot of the active session, or nil when idle.
func (q *Queue) Status() *Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == nil {
		return nil
	}
	s := q.active
	return &Status{
		SessionID: s.id,
		Channel:   s.channel,
		Pending:   append([]string(nil), s.pending...),
		Current:   s.current,
		Completed: append([]string(nil), s.completed...),
		StartedAt: s.startedAt,
	}
}

func (q *Queue) publish(eventType string, payload any) {
	event := bus.NewEvent(eventType, "standup", payload)
	if err := q.bus.Publish(context.Background(), eventType, event); err != nil {
		q.logger.WithError(err).Warn("Failed to publish event",
			zap.String("event_type", eventType))
	}
}
