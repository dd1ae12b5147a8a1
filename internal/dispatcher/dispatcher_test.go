package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/dispatcher/dispatchertest"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	dispatcher *dispatcher.Dispatcher
	runner     *dispatchertest.Runner
	bus        bus.EventBus
	store      store.Store
	registry   *agents.Registry
	clock      *testClock
	logger     *logger.Logger
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
	clock := newTestClock()
	d.SetNow(clock.Now)
	d.Start()
	t.Cleanup(d.Stop)

	return &fixture{
		dispatcher: d,
		runner:     runner,
		bus:        eventBus,
		store:      st,
		registry:   registry,
		clock:      clock,
		logger:     log,
	}
}

// collect subscribes to a subject and buffers every event it sees.
func (f *fixture) collect(t *testing.T, subject string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 16)
	_, err := f.bus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		ch <- event
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe to %s: %v", subject, err)
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

func TestTriggerSpawnsResumeMode(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)

	sessionID, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a session id")
	}

	waitEvent(t, ended)

	calls := f.runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 spawn, got %d", len(calls))
	}
	inv := calls[0]
	if !inv.Resume {
		t.Error("expected resume mode")
	}
	if inv.SessionID != sessionID {
		t.Errorf("invocation session %s does not match returned %s", inv.SessionID, sessionID)
	}
	if !strings.HasPrefix(inv.Prompt, "<dispatch_context>") {
		t.Errorf("prompt missing dispatch context header: %q", inv.Prompt)
	}
	if !strings.Contains(inv.Prompt, "\n\n") {
		t.Error("prompt missing blank line between header and body")
	}
}

func TestResumeFallbackToCreateMode(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)

	f.runner.Enqueue(
		dispatchertest.Step{Result: &dispatcher.Result{
			ExitCode: 1,
			Stderr:   "Error: No conversation found with session ID abc\n",
		}},
		dispatchertest.Step{Result: &dispatcher.Result{ExitCode: 0, Stdout: "ok"}},
	)

	sessionID, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	event := waitEvent(t, ended)
	payload := event.Data.(events.AgentSessionEndedPayload)
	if payload.ExitCode != 0 {
		t.Errorf("expected final exit 0 after create-mode retry, got %d", payload.ExitCode)
	}

	calls := f.runner.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected resume then create spawn, got %d calls", len(calls))
	}
	if !calls[0].Resume {
		t.Error("first spawn should be resume mode")
	}
	if calls[1].Resume {
		t.Error("retry spawn should be create mode")
	}
	if calls[1].SessionID != sessionID {
		t.Error("retry must reuse the same session id")
	}
	if calls[1].Prompt != calls[0].Prompt {
		t.Error("retry must reuse the same prompt")
	}
}

func TestNoFallbackOnOtherFailures(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)

	f.runner.Enqueue(dispatchertest.Step{Result: &dispatcher.Result{
		ExitCode: 1,
		Stderr:   "Error: rate limited\n",
	}})

	if _, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	event := waitEvent(t, ended)
	payload := event.Data.(events.AgentSessionEndedPayload)
	if payload.ExitCode != 1 {
		t.Errorf("expected exit 1, got %d", payload.ExitCode)
	}
	if f.runner.CallCount() != 1 {
		t.Errorf("expected no retry, got %d calls", f.runner.CallCount())
	}
}

func TestCooldownBoundaryInclusive(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)

	trigger := func() error {
		_, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
			AgentID: "alice",
			Reason:  dispatcher.ReasonManual,
			Source:  "manual:test",
		})
		return err
	}

	if err := trigger(); err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}
	waitEvent(t, ended)

	f.clock.Advance(59 * time.Second)
	if err := trigger(); !errors.Is(err, dispatcher.ErrCooldown) {
		t.Fatalf("expected ErrCooldown at 59s, got %v", err)
	}

	f.clock.Advance(1 * time.Second)
	if err := trigger(); err != nil {
		t.Fatalf("expected trigger accepted at exactly 60s, got %v", err)
	}
	waitEvent(t, ended)
}

func TestBypassCooldown(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)

	if _, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	}); err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}
	waitEvent(t, ended)

	f.clock.Advance(time.Second)
	if _, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID:        "alice",
		Reason:         dispatcher.ReasonManual,
		Source:         "manual:test",
		BypassCooldown: true,
	}); err != nil {
		t.Fatalf("bypass trigger failed: %v", err)
	}
	waitEvent(t, ended)
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)

	f.runner.Enqueue(dispatchertest.Step{Block: true})

	if _, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	}); err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}

	_, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID:        "alice",
		Reason:         dispatcher.ReasonManual,
		Source:         "manual:test",
		BypassCooldown: true,
	})
	if !errors.Is(err, dispatcher.ErrAgentBusy) {
		t.Fatalf("expected ErrAgentBusy while active, got %v", err)
	}

	f.runner.Proc(0).Release()
	waitEvent(t, ended)

	if f.runner.CallCount() != 1 {
		t.Errorf("expected exactly one spawn, got %d", f.runner.CallCount())
	}
}

func TestUnknownAgentRejected(t *testing.T) {
	f := newFixture(t, "alice")

	_, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "mallory",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	})
	if !errors.Is(err, dispatcher.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	if !strings.Contains(err.Error(), "alice") {
		t.Errorf("error should list valid agents: %v", err)
	}
}

func TestStartFailureLeavesAgentIdle(t *testing.T) {
	f := newFixture(t, "alice")
	failed := f.collect(t, events.AgentTriggerFailed)

	f.runner.Enqueue(dispatchertest.Step{StartErr: fmt.Errorf("executable not found")})

	_, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	})
	if err == nil {
		t.Fatal("expected trigger error")
	}
	waitEvent(t, failed)

	// A failed exec must not start a cooldown
	if ok, reason := f.dispatcher.CanTrigger("alice"); !ok {
		t.Errorf("agent should be immediately triggerable after exec failure: %s", reason)
	}
}

func TestPollWatermark(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)
	ctx := context.Background()

	t1 := f.clock.Now()
	if err := f.dispatcher.TriggerFromPoll(ctx, "alice", t1, []string{"bob"}, "hi"); err != nil {
		t.Fatalf("first poll trigger failed: %v", err)
	}
	waitEvent(t, ended)

	// Same batch again: silently skipped, not a cooldown error
	if err := f.dispatcher.TriggerFromPoll(ctx, "alice", t1, []string{"bob"}, "hi"); err != nil {
		t.Fatalf("repeated poll for the same batch should be a no-op, got %v", err)
	}
	if f.runner.CallCount() != 1 {
		t.Fatalf("watermark should suppress the duplicate spawn, got %d calls", f.runner.CallCount())
	}

	// Newer message during cooldown: deferred, watermark untouched
	t2 := t1.Add(10 * time.Second)
	f.clock.Advance(10 * time.Second)
	if err := f.dispatcher.TriggerFromPoll(ctx, "alice", t2, []string{"bob"}, "again"); !errors.Is(err, dispatcher.ErrCooldown) {
		t.Fatalf("expected ErrCooldown, got %v", err)
	}
	if got := f.dispatcher.LastSeenMessageTime("alice"); !got.Equal(t1) {
		t.Errorf("watermark must not advance on a deferred trigger: got %v want %v", got, t1)
	}

	f.clock.Advance(60 * time.Second)
	if err := f.dispatcher.TriggerFromPoll(ctx, "alice", t2, []string{"bob"}, "again"); err != nil {
		t.Fatalf("poll trigger after cooldown failed: %v", err)
	}
	waitEvent(t, ended)

	if f.runner.CallCount() != 2 {
		t.Errorf("expected 2 spawns, got %d", f.runner.CallCount())
	}
	if got := f.dispatcher.LastSeenMessageTime("alice"); !got.Equal(t2) {
		t.Errorf("watermark should advance with the accepted batch: got %v want %v", got, t2)
	}
}

func TestHealthTransitions(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)

	status := func() events.AgentStatusSnapshot {
		t.Helper()
		snap, err := f.dispatcher.AgentStatus("alice")
		if err != nil {
			t.Fatalf("AgentStatus failed: %v", err)
		}
		return snap
	}

	if snap := status(); snap.State != dispatcher.StateIdle || snap.Health != "green" {
		t.Errorf("fresh agent should be idle/green, got %s/%s", snap.State, snap.Health)
	}

	f.runner.Enqueue(dispatchertest.Step{Block: true, Result: &dispatcher.Result{ExitCode: 1}})
	if _, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if snap := status(); snap.State != dispatcher.StateActive || snap.Health != "yellow" {
		t.Errorf("active agent should be active/yellow, got %s/%s", snap.State, snap.Health)
	}

	f.clock.Advance(2 * time.Minute)
	if snap := status(); snap.Health != "red" {
		t.Errorf("agent active for 2m should be red, got %s", snap.Health)
	}

	f.runner.Proc(0).Release()
	waitEvent(t, ended)

	// Cooldown elapsed during the long run; the nonzero exit keeps it red
	if snap := status(); snap.State != dispatcher.StateIdle || snap.Health != "red" {
		t.Errorf("after exit 1 expected idle/red, got %s/%s", snap.State, snap.Health)
	}

	if _, err := f.dispatcher.Refresh(context.Background(), "alice", false); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if snap := status(); snap.Health != "green" {
		t.Errorf("refresh should clear the failure, got %s", snap.Health)
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, "alice")
	refreshed := f.collect(t, events.SessionRefreshed)
	ended := f.collect(t, events.AgentSessionEnded)
	ctx := context.Background()

	oldID, err := f.dispatcher.Trigger(ctx, dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitEvent(t, ended)

	newID, err := f.dispatcher.Refresh(ctx, "alice", false)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if newID == oldID {
		t.Error("refresh must allocate a different session id")
	}

	event := waitEvent(t, refreshed)
	payload := event.Data.(events.SessionRefreshedPayload)
	if payload.OldSessionID != oldID || payload.NewSessionID != newID {
		t.Errorf("unexpected refresh payload: %+v", payload)
	}

	if got := f.dispatcher.LastSeenMessageTime("alice"); !got.IsZero() {
		t.Errorf("refresh should reset the poll watermark, got %v", got)
	}
}

func TestRefreshRejectedWhileActive(t *testing.T) {
	f := newFixture(t, "alice")
	ended := f.collect(t, events.AgentSessionEnded)
	ctx := context.Background()

	f.runner.Enqueue(dispatchertest.Step{Block: true})
	if _, err := f.dispatcher.Trigger(ctx, dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if _, err := f.dispatcher.Refresh(ctx, "alice", false); !errors.Is(err, dispatcher.ErrAgentBusy) {
		t.Fatalf("expected ErrAgentBusy, got %v", err)
	}

	// force bypasses the busy check
	if _, err := f.dispatcher.Refresh(ctx, "alice", true); err != nil {
		t.Fatalf("forced refresh failed: %v", err)
	}

	f.runner.Proc(0).Release()
	waitEvent(t, ended)
}

func TestRunSessionCountsTowardCooldown(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	f.runner.Enqueue(dispatchertest.Step{Result: &dispatcher.Result{ExitCode: 0, Stdout: "the answer"}})

	res, err := f.dispatcher.RunSession(ctx, "alice", "prompt", map[string]string{"ASK_DEPTH": "1"})
	if err != nil {
		t.Fatalf("RunSession failed: %v", err)
	}
	if res.Stdout != "the answer" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}

	inv := f.runner.Calls()[0]
	found := false
	for _, entry := range inv.ChildEnv() {
		if entry == "ASK_DEPTH=1" {
			found = true
		}
	}
	if !found {
		t.Error("extra env not propagated to the child")
	}

	_, err = f.dispatcher.Trigger(ctx, dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	})
	if !errors.Is(err, dispatcher.ErrCooldown) {
		t.Fatalf("a synchronous run should start a cooldown, got %v", err)
	}
}
