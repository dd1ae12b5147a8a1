package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/store"
)

// Sink receives every appended channel message, synchronously, in append
// order. Sinks must not block; they translate messages into trigger input
// (standup advancement, mention triggers).
type Sink interface {
	OnChannelMessage(ctx context.Context, msg *Message)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg *Message)

// OnChannelMessage implements Sink.
func (f SinkFunc) OnChannelMessage(ctx context.Context, msg *Message) {
	f(ctx, msg)
}

// Service owns the channel log and fans appended messages out to sinks and
// the event bus.
type Service struct {
	log      *Log
	store    store.Store
	registry *agents.Registry
	bus      bus.EventBus
	sinks    []Sink
	now      func() time.Time
	logger   *logger.Logger
}

// NewService builds a channel service over the given log.
func NewService(l *Log, st store.Store, reg *agents.Registry, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		log:      l,
		store:    st,
		registry: reg,
		bus:      eventBus,
		now:      time.Now,
		logger:   log.WithFields(zap.String("component", "channel")),
	}
}

// AddSink registers a sink. Not safe to call after messages start flowing.
func (s *Service) AddSink(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// SetNow overrides the clock, for tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Append parses mentions, persists the message to the channel log, invokes
// every sink synchronously, and publishes a channel_message event.
func (s *Service) Append(ctx context.Context, channel, from, content, threadID string) (*Message, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	if from == "" {
		return nil, fmt.Errorf("sender is required")
	}
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}

	msg := &Message{
		ID:        uuid.New().String(),
		Timestamp: s.now().UTC(),
		Channel:   channel,
		From:      from,
		Content:   content,
		Mentions:  ParseMentions(content, from, s.registry.List()),
		ThreadID:  threadID,
	}

	if err := s.log.Append(msg); err != nil {
		return nil, err
	}

	s.logger.WithChannel(channel).Debug("Channel message appended",
		zap.String("from", from),
		zap.Strings("mentions", msg.Mentions))

	for _, sink := range s.sinks {
		sink.OnChannelMessage(ctx, msg)
	}

	event := bus.NewEvent(events.ChannelMessagePosted, "channel", events.ChannelMessagePayload{
		ID:       msg.ID,
		Channel:  msg.Channel,
		From:     msg.From,
		Content:  msg.Content,
		Mentions: msg.Mentions,
		ThreadID: msg.ThreadID,
	})
	if err := s.bus.Publish(ctx, events.ChannelMessagePosted, event); err != nil {
		s.logger.WithError(err).Warn("Failed to publish channel_message event")
	}

	return msg, nil
}

// Read returns the last limit messages of a channel.
func (s *Service) Read(ctx context.Context, channel string, limit int) ([]Message, error) {
	return s.log.Read(channel, limit)
}

// Unread returns the channel messages newer than the agent's read cursor,
// excluding the agent's own posts.
func (s *Service) Unread(ctx context.Context, channel, agentID string) ([]Message, error) {
	cursor, err := s.store.ChannelCursor(ctx, channel, agentID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.log.Read(channel, 0)
	if err != nil {
		return nil, err
	}
	var unread []Message
	for _, m := range msgs {
		if m.From == agentID {
			continue
		}
		if m.Timestamp.After(cursor) {
			unread = append(unread, m)
		}
	}
	return unread, nil
}

// MarkRead advances the agent's read cursor to the newest message in the
// channel. A channel with no messages leaves the cursor untouched.
func (s *Service) MarkRead(ctx context.Context, channel, agentID string) error {
	msgs, err := s.log.Read(channel, 0)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	newest := msgs[0].Timestamp
	for _, m := range msgs[1:] {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return s.store.MarkChannelRead(ctx, channel, agentID, newest)
}

// Channels lists the known channels.
func (s *Service) Channels() ([]string, error) {
	return s.log.Channels()
}
