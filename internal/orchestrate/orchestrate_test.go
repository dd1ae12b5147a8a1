package orchestrate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/dispatcher/dispatchertest"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/orchestrate"
)

func newService(t *testing.T) (*orchestrate.Service, *dispatchertest.Runner, bus.EventBus) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	runner := dispatchertest.NewRunner()
	eventBus := bus.NewMemoryEventBus(log)
	return orchestrate.NewService(runner, eventBus, log), runner, eventBus
}

func collect(t *testing.T, eventBus bus.EventBus, subjects ...string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 16)
	for _, subject := range subjects {
		_, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
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

func TestOrchestratorSingleSlot(t *testing.T) {
	svc, runner, eventBus := newService(t)
	eventCh := collect(t, eventBus, events.OrchestratorStarted, events.OrchestratorEnded)
	ctx := context.Background()

	runner.Enqueue(dispatchertest.Step{Block: true})

	sessionID, err := svc.Trigger(ctx, orchestrate.CommandDecompose, orchestrate.Params{
		Task:    "build the login page",
		Channel: "general",
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if got := waitEvent(t, eventCh).Type; got != events.OrchestratorStarted {
		t.Fatalf("expected orchestrator_started, got %s", got)
	}

	_, err = svc.Trigger(ctx, orchestrate.CommandStatus, orchestrate.Params{
		EpicID:  "epic-1",
		Channel: "general",
	})
	if !errors.Is(err, orchestrate.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("rejection must say already running: %v", err)
	}
	if !strings.Contains(err.Error(), sessionID) {
		t.Errorf("rejection should name the active session: %v", err)
	}

	runner.Proc(0).Release()
	if got := waitEvent(t, eventCh).Type; got != events.OrchestratorEnded {
		t.Fatalf("expected orchestrator_ended, got %s", got)
	}
	svc.Wait()

	// Slot is free again; each run gets a fresh session id
	secondID, err := svc.Trigger(ctx, orchestrate.CommandStatus, orchestrate.Params{
		EpicID:  "epic-1",
		Channel: "general",
	})
	if err != nil {
		t.Fatalf("Trigger after slot freed failed: %v", err)
	}
	if secondID == sessionID {
		t.Error("each orchestrator run must get a fresh session id")
	}
	waitEvent(t, eventCh)
	svc.Wait()
}

func TestOrchestratorSpawnShape(t *testing.T) {
	svc, runner, eventBus := newService(t)
	eventCh := collect(t, eventBus, events.OrchestratorEnded)
	ctx := context.Background()

	if _, err := svc.Trigger(ctx, orchestrate.CommandDecompose, orchestrate.Params{
		Task:    "split the migration epic",
		Channel: "planning",
	}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitEvent(t, eventCh)
	svc.Wait()

	inv := runner.Calls()[0]
	if inv.Resume {
		t.Error("orchestrator sessions always start in create mode")
	}
	if inv.AgentID != "orchestrator" {
		t.Errorf("agent id = %s, want orchestrator", inv.AgentID)
	}
	if !strings.HasPrefix(inv.Prompt, "<dispatch_context>") {
		t.Errorf("prompt missing dispatch context header: %q", inv.Prompt)
	}
	if !strings.Contains(inv.Prompt, "split the migration epic") {
		t.Errorf("prompt missing the task: %q", inv.Prompt)
	}
	if !strings.Contains(inv.Prompt, `"source":"orchestrate:decompose"`) {
		t.Errorf("prompt missing the source tag: %q", inv.Prompt)
	}
}

func TestOrchestratorFailedStartFreesSlot(t *testing.T) {
	svc, runner, eventBus := newService(t)
	eventCh := collect(t, eventBus, events.OrchestratorFailed, events.OrchestratorEnded)
	ctx := context.Background()

	runner.Enqueue(dispatchertest.Step{StartErr: errors.New("executable not found")})

	if _, err := svc.Trigger(ctx, orchestrate.CommandDecompose, orchestrate.Params{
		Task:    "anything",
		Channel: "general",
	}); err == nil {
		t.Fatal("expected start error")
	}
	if got := waitEvent(t, eventCh).Type; got != events.OrchestratorFailed {
		t.Fatalf("expected orchestrator_failed, got %s", got)
	}
	if svc.Status() != nil {
		t.Fatal("failed start must leave the slot free")
	}

	if _, err := svc.Trigger(ctx, orchestrate.CommandDecompose, orchestrate.Params{
		Task:    "anything",
		Channel: "general",
	}); err != nil {
		t.Fatalf("slot should accept a new run: %v", err)
	}
	waitEvent(t, eventCh)
	svc.Wait()
}

func TestOrchestratorNonZeroExit(t *testing.T) {
	svc, runner, eventBus := newService(t)
	eventCh := collect(t, eventBus, events.OrchestratorFailed)
	ctx := context.Background()

	runner.Enqueue(dispatchertest.Step{Result: &dispatcher.Result{ExitCode: 2}})

	if _, err := svc.Trigger(ctx, orchestrate.CommandStatus, orchestrate.Params{
		EpicID:  "epic-9",
		Channel: "general",
	}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	payload := waitEvent(t, eventCh).Data.(events.OrchestratorEndedPayload)
	if payload.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", payload.ExitCode)
	}
	svc.Wait()
	if svc.Status() != nil {
		t.Error("slot must be freed after a failed run")
	}
}

func TestOrchestratorValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		command string
		params  orchestrate.Params
	}{
		{"missing channel", orchestrate.CommandDecompose, orchestrate.Params{Task: "x"}},
		{"decompose without task", orchestrate.CommandDecompose, orchestrate.Params{Channel: "general"}},
		{"status without epic", orchestrate.CommandStatus, orchestrate.Params{Channel: "general"}},
		{"unknown command", "deploy", orchestrate.Params{Channel: "general"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Trigger(ctx, tc.command, tc.params); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
