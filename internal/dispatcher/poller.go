package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/store"
)

// Poller periodically scans the store for new unread messages and asks the
// dispatcher to trigger the addressed agents.
type Poller struct {
	dispatcher *Dispatcher
	store      store.Store
	registry   *agents.Registry
	interval   time.Duration
	logger     *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a poller.
func NewPoller(d *Dispatcher, st store.Store, registry *agents.Registry, interval time.Duration, log *logger.Logger) *Poller {
	return &Poller{
		dispatcher: d,
		store:      st,
		registry:   registry,
		interval:   interval,
		logger:     log.WithFields(zap.String("component", "poller")),
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("Poll loop started", zap.Duration("interval", p.interval))
}

// Stop halts the poll loop and waits for the current tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Poll loop stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one poll pass over every dispatchable agent. Exported so the
// loop body can be driven directly in tests.
func (p *Poller) Tick(ctx context.Context) {
	for _, agentID := range p.registry.List() {
		count, msgs, err := p.store.UnreadFor(ctx, agentID)
		if err != nil {
			p.logger.WithAgentID(agentID).WithError(err).Error("Unread query failed")
			continue
		}
		if count == 0 {
			continue
		}

		newest := newestTimestamp(msgs)
		senders := uniqueSenders(msgs)
		preview := Preview(msgs[0].Content)

		err = p.dispatcher.TriggerFromPoll(ctx, agentID, newest, senders, preview)
		switch {
		case err == nil:
		case errors.Is(err, ErrAgentBusy), errors.Is(err, ErrCooldown):
			// Watermark untouched; the batch is retried on a later tick
			p.logger.WithAgentID(agentID).Debug("Poll trigger deferred",
				zap.String("reason", err.Error()),
				zap.Int("unread", count))
		default:
			p.logger.WithAgentID(agentID).WithError(err).Error("Poll trigger failed")
		}
	}
}

// newestTimestamp returns the max message timestamp; ties and ordering are
// total because the store orders by timestamp then id.
func newestTimestamp(msgs []store.Message) time.Time {
	var newest time.Time
	for _, m := range msgs {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return newest
}

func uniqueSenders(msgs []store.Message) []string {
	seen := make(map[string]struct{})
	var senders []string
	for _, m := range msgs {
		if _, ok := seen[m.From]; ok {
			continue
		}
		seen[m.From] = struct{}{}
		senders = append(senders, m.From)
	}
	return senders
}
