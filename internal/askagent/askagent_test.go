package askagent_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/askagent"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/dispatcher/dispatchertest"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/store"
)

func newService(t *testing.T, cfg config.DispatcherConfig, roster ...string) (*askagent.Service, *dispatchertest.Runner, bus.EventBus) {
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

	runner := dispatchertest.NewRunner()
	eventBus := bus.NewMemoryEventBus(log)
	registry := agents.NewRegistry(roster)
	sessions := dispatcher.NewSessionRegistry(st, "/work")

	d := dispatcher.New(cfg, registry, sessions, runner, eventBus, log)
	d.Start()
	t.Cleanup(d.Stop)

	return askagent.NewService(d, registry, cfg, eventBus, log), runner, eventBus
}

func defaultConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		Enabled:               true,
		PollIntervalMs:        5000,
		CooldownMs:            60000,
		AskTimeoutMs:          60000,
		MaxAskDepth:           3,
		MaxAskCallsPerSession: 10,
	}
}

func TestAskReturnsStdout(t *testing.T) {
	svc, runner, eventBus := newService(t, defaultConfig(), "alice", "bob")

	conversations := make(chan *bus.Event, 4)
	if _, err := eventBus.Subscribe(events.AgentConversation, func(ctx context.Context, event *bus.Event) error {
		conversations <- event
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	runner.Enqueue(dispatchertest.Step{Result: &dispatcher.Result{ExitCode: 0, Stdout: "use the v2 endpoint"}})

	answer, err := svc.Ask(context.Background(), askagent.Request{
		Caller:   "alice",
		Target:   "bob",
		Question: "which endpoint should I call?",
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if answer != "use the v2 endpoint" {
		t.Errorf("answer = %q", answer)
	}

	inv := runner.Calls()[0]
	if inv.AgentID != "bob" {
		t.Errorf("spawned %s, want bob", inv.AgentID)
	}
	if !inv.Resume {
		t.Error("ask runs against the target's existing session")
	}
	env := inv.ChildEnv()
	wantDepth, wantChain := false, false
	for _, e := range env {
		if e == "ASK_DEPTH=1" {
			wantDepth = true
		}
		if e == "ASK_CALLER_CHAIN=alice" {
			wantChain = true
		}
	}
	if !wantDepth || !wantChain {
		t.Errorf("ask env not propagated: %v", env)
	}

	started := <-conversations
	if started.Data.(events.AgentConversationPayload).Status != "started" {
		t.Error("first conversation event should be started")
	}
	completed := <-conversations
	if completed.Data.(events.AgentConversationPayload).Status != "completed" {
		t.Error("second conversation event should be completed")
	}
}

func TestAskDepthCap(t *testing.T) {
	svc, runner, _ := newService(t, defaultConfig(), "alice", "bob")

	_, err := svc.Ask(context.Background(), askagent.Request{
		Caller:      "alice",
		Target:      "bob",
		Question:    "q",
		Depth:       3,
		CallerChain: []string{"carol", "dave", "alice"},
	})
	if !errors.Is(err, askagent.ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
	if runner.CallCount() != 0 {
		t.Error("rejected calls must not spawn")
	}
}

func TestAskCallCap(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxAskCallsPerSession = 2
	svc, _, _ := newService(t, cfg, "alice", "bob")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Ask(ctx, askagent.Request{Caller: "alice", Target: "bob", Question: "q"}); err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
	}

	_, err := svc.Ask(ctx, askagent.Request{Caller: "alice", Target: "bob", Question: "q"})
	if !errors.Is(err, askagent.ErrTooManyCalls) {
		t.Fatalf("expected ErrTooManyCalls, got %v", err)
	}
}

func TestAskSelfCallRejected(t *testing.T) {
	svc, _, _ := newService(t, defaultConfig(), "alice")

	_, err := svc.Ask(context.Background(), askagent.Request{Caller: "alice", Target: "alice", Question: "q"})
	if !errors.Is(err, askagent.ErrSelfCall) {
		t.Fatalf("expected ErrSelfCall, got %v", err)
	}
	if !strings.Contains(err.Error(), "message_send") {
		t.Errorf("policy rejection should suggest async messaging: %v", err)
	}
}

func TestAskCycleRejected(t *testing.T) {
	svc, _, _ := newService(t, defaultConfig(), "alice", "bob")

	// bob asked alice, and alice is now asking bob back
	_, err := svc.Ask(context.Background(), askagent.Request{
		Caller:      "alice",
		Target:      "bob",
		Question:    "q",
		Depth:       1,
		CallerChain: []string{"bob"},
	})
	if !errors.Is(err, askagent.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestAskUnknownTargetListsAgents(t *testing.T) {
	svc, _, _ := newService(t, defaultConfig(), "alice", "bob")

	_, err := svc.Ask(context.Background(), askagent.Request{Caller: "alice", Target: "mallory", Question: "q"})
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
	if !strings.Contains(err.Error(), "alice") || !strings.Contains(err.Error(), "bob") {
		t.Errorf("error should list valid agents: %v", err)
	}
}

func TestAskTimeoutKillsSubprocess(t *testing.T) {
	cfg := defaultConfig()
	cfg.AskTimeoutMs = 50
	svc, runner, _ := newService(t, cfg, "alice", "bob")

	runner.Enqueue(dispatchertest.Step{Block: true})

	start := time.Now()
	_, err := svc.Ask(context.Background(), askagent.Request{Caller: "alice", Target: "bob", Question: "q"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("ask did not respect its deadline: %v", elapsed)
	}
}

func TestCallerChainRoundTrip(t *testing.T) {
	cases := []struct {
		csv   string
		chain []string
	}{
		{"", nil},
		{"alice", []string{"alice"}},
		{"alice,bob,carol", []string{"alice", "bob", "carol"}},
	}
	for _, tc := range cases {
		if got := askagent.ParseCallerChain(tc.csv); !reflect.DeepEqual(got, tc.chain) {
			t.Errorf("ParseCallerChain(%q) = %v, want %v", tc.csv, got, tc.chain)
		}
		if got := askagent.ChainCSV(tc.chain); got != tc.csv {
			t.Errorf("ChainCSV(%v) = %q, want %q", tc.chain, got, tc.csv)
		}
	}
}
