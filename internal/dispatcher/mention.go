package dispatcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/channel"
	"github.com/crewd/crewd/internal/common/logger"
)

// MentionSink translates channel @mentions into dispatcher triggers. Unlike
// the poll loop, a mention that finds its agent busy or cooling down is
// dropped silently and never retried.
type MentionSink struct {
	dispatcher *Dispatcher
	registry   *agents.Registry
	logger     *logger.Logger
}

// NewMentionSink creates the mention trigger sink.
func NewMentionSink(d *Dispatcher, registry *agents.Registry, log *logger.Logger) *MentionSink {
	return &MentionSink{
		dispatcher: d,
		registry:   registry,
		logger:     log.WithFields(zap.String("component", "mention_sink")),
	}
}

// OnChannelMessage implements channel.Sink.
func (s *MentionSink) OnChannelMessage(ctx context.Context, msg *channel.Message) {
	for _, mentioned := range msg.Mentions {
		if !s.registry.IsDispatchable(mentioned) {
			continue
		}

		_, err := s.dispatcher.Trigger(ctx, TriggerRequest{
			AgentID: mentioned,
			Reason:  ReasonMention,
			Source:  "mention:" + msg.Channel,
			Sender:  msg.From,
			Channel: msg.Channel,
			Preview: Preview(msg.Content),
		})
		if err == nil {
			continue
		}
		if errors.Is(err, ErrAgentBusy) || errors.Is(err, ErrCooldown) {
			s.logger.WithAgentID(mentioned).Debug("Mention dropped",
				zap.String("channel", msg.Channel),
				zap.String("reason", err.Error()))
			continue
		}
		s.logger.WithAgentID(mentioned).WithError(err).Error("Mention trigger failed",
			zap.String("channel", msg.Channel))
	}
}
