package standup_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/channel"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/dispatcher/dispatchertest"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/standup"
	"github.com/crewd/crewd/internal/store"
)

type fixture struct {
	queue  *standup.Queue
	runner *dispatchertest.Runner
	store  store.Store
	bus    bus.EventBus
}

func newFixture(t *testing.T, roster ...string) *fixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "crewd.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DispatcherConfig{
		Enabled:               true,
		PollIntervalMs:        5000,
		CooldownMs:            60000,
		AskTimeoutMs:          60000,
		MaxAskDepth:           3,
		MaxAskCallsPerSession: 10,
	}

	runner := dispatchertest.NewRunner()
	eventBus := bus.NewMemoryEventBus(log)
	registry := agents.NewRegistry(roster)
	sessions := dispatcher.NewSessionRegistry(st, "/work")

	d := dispatcher.New(cfg, registry, sessions, runner, eventBus, log)
	d.Start()
	t.Cleanup(d.Stop)

	return &fixture{
		queue:  standup.NewQueue(d, st, eventBus, log),
		runner: runner,
		store:  st,
		bus:    eventBus,
	}
}

func (f *fixture) collect(t *testing.T, subjects ...string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 32)
	for _, subject := range subjects {
		_, err := f.bus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			ch <- event
			return nil
		})
		if err != nil {
			t.Fatalf("failed to subscribe to %s: %v", subject, err)
		}
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func post(channelName, from, content string) *channel.Message {
	return &channel.Message{
		ID:        from + "-post",
		Timestamp: time.Now().UTC(),
		Channel:   channelName,
		From:      from,
		Content:   content,
	}
}

func TestStandupRunsAgentsInOrder(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	eventCh := f.collect(t,
		events.StandupSessionStart,
		events.StandupAgentComplete,
		events.StandupSessionComplete,
	)
	ctx := context.Background()

	sessionID, err := f.queue.Start(ctx, "standup", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := waitEvent(t, eventCh).Type; got != events.StandupSessionStart {
		t.Fatalf("first event %s, want standup_session_start", got)
	}

	status := f.queue.Status()
	if status == nil || status.Current != "alice" {
		t.Fatalf("expected alice current, got %+v", status)
	}
	if f.runner.CallCount() != 1 {
		t.Fatalf("only the current agent may be spawned, got %d", f.runner.CallCount())
	}

	f.queue.OnChannelMessage(ctx, post("standup", "alice", "shipped the parser"))
	if got := waitEvent(t, eventCh).Type; got != events.StandupAgentComplete {
		t.Fatalf("expected standup_agent_complete, got %s", got)
	}

	status = f.queue.Status()
	if status == nil || status.Current != "bob" {
		t.Fatalf("expected bob current, got %+v", status)
	}

	f.queue.OnChannelMessage(ctx, post("standup", "bob", "reviewing PRs"))
	waitEvent(t, eventCh) // bob's agent_complete

	event := waitEvent(t, eventCh)
	if event.Type != events.StandupSessionComplete {
		t.Fatalf("expected standup_session_complete, got %s", event.Type)
	}
	payload := event.Data.(events.StandupSessionCompletePayload)
	if len(payload.CompletedAgents) != 2 || payload.CompletedAgents[0] != "alice" || payload.CompletedAgents[1] != "bob" {
		t.Errorf("unexpected completed agents: %v", payload.CompletedAgents)
	}

	if f.queue.Status() != nil {
		t.Error("session should be discarded after completion")
	}

	posts, err := f.store.StandupPosts(ctx, sessionID)
	if err != nil {
		t.Fatalf("StandupPosts failed: %v", err)
	}
	if len(posts) != 2 || posts[0].AgentID != "alice" || posts[1].AgentID != "bob" {
		t.Errorf("unexpected persisted posts: %+v", posts)
	}
}

func TestStandupIgnoresUnrelatedPosts(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	if _, err := f.queue.Start(ctx, "standup", []string{"alice", "bob"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wrong channel, wrong sender, and a post from a not-yet-current agent
	f.queue.OnChannelMessage(ctx, post("general", "alice", "chatter"))
	f.queue.OnChannelMessage(ctx, post("standup", "carol", "not in roster"))
	f.queue.OnChannelMessage(ctx, post("standup", "bob", "jumping the queue"))

	status := f.queue.Status()
	if status == nil || status.Current != "alice" {
		t.Fatalf("queue should still wait on alice, got %+v", status)
	}

	// Completed agents posting again must not re-advance anything
	f.queue.OnChannelMessage(ctx, post("standup", "alice", "real update"))
	f.queue.OnChannelMessage(ctx, post("standup", "alice", "second post"))

	status = f.queue.Status()
	if status == nil || status.Current != "bob" {
		t.Fatalf("expected bob current after alice's first post, got %+v", status)
	}
	if len(status.Completed) != 1 {
		t.Errorf("alice must complete exactly once, got %v", status.Completed)
	}
}

func TestStandupSkipsAgentThatFailsToSpawn(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	eventCh := f.collect(t, events.StandupAgentComplete)
	ctx := context.Background()

	f.runner.Enqueue(dispatchertest.Step{StartErr: fmt.Errorf("executable not found")})

	if _, err := f.queue.Start(ctx, "standup", []string{"alice", "bob"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// alice's spawn failed, so the queue moved straight on to bob
	status := f.queue.Status()
	if status == nil || status.Current != "bob" {
		t.Fatalf("expected bob current after alice's spawn failure, got %+v", status)
	}

	f.queue.OnChannelMessage(ctx, post("standup", "bob", "update"))
	payload := waitEvent(t, eventCh).Data.(events.StandupAgentCompletePayload)
	if payload.AgentID != "bob" {
		t.Errorf("skipped agent must not emit agent_complete, got %s", payload.AgentID)
	}
	if f.queue.Status() != nil {
		t.Error("session should complete after the last agent posts")
	}
}

func TestStandupRejectsConcurrentSession(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	if _, err := f.queue.Start(ctx, "standup", []string{"alice"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := f.queue.Start(ctx, "standup", []string{"alice"}); !errors.Is(err, standup.ErrStandupActive) {
		t.Fatalf("expected ErrStandupActive, got %v", err)
	}
}

func TestStandupValidation(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	if _, err := f.queue.Start(ctx, "", []string{"alice"}); err == nil {
		t.Error("expected error for missing channel")
	}
	if _, err := f.queue.Start(ctx, "standup", nil); !errors.Is(err, standup.ErrNoParticipants) {
		t.Errorf("expected ErrNoParticipants, got %v", err)
	}
}
