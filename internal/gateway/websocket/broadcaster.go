package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	ws "github.com/crewd/crewd/pkg/websocket"
)

// Broadcaster mirrors every bus event to the hub as a notification. The
// notification action is the event type, so clients can filter without
// parsing payloads.
type Broadcaster struct {
	hub    *Hub
	bus    bus.EventBus
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewBroadcaster creates a broadcaster over the given hub and bus.
func NewBroadcaster(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
}

// Start subscribes to every event type.
func (b *Broadcaster) Start() error {
	for _, eventType := range events.AllTypes {
		sub, err := b.bus.Subscribe(eventType, b.handle)
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	b.logger.Info("Event broadcaster started", zap.Int("subjects", len(events.AllTypes)))
	return nil
}

// Stop removes all subscriptions.
func (b *Broadcaster) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.WithError(err).Warn("Failed to unsubscribe")
		}
	}
	b.subs = nil
}

// handle must not block: it hands the event to the hub's buffered queue and
// lets the hub drop it if observers cannot keep up.
func (b *Broadcaster) handle(ctx context.Context, event *bus.Event) error {
	msg, err := ws.NewNotification(event.Type, event)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to build notification",
			zap.String("event_type", event.Type))
		return nil
	}
	b.hub.Broadcast(msg)
	return nil
}
