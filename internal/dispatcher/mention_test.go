package dispatcher_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crewd/crewd/internal/channel"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/dispatcher/dispatchertest"
	"github.com/crewd/crewd/internal/events"
)

func mentionMsg(channelName, from, content string, mentions ...string) *channel.Message {
	return &channel.Message{
		Channel:  channelName,
		From:     from,
		Content:  content,
		Mentions: mentions,
	}
}

func TestMentionTriggersAgent(t *testing.T) {
	f := newFixture(t, "alice")
	sink := dispatcher.NewMentionSink(f.dispatcher, f.registry, f.logger)
	ended := f.collect(t, events.AgentSessionEnded)

	sink.OnChannelMessage(context.Background(),
		mentionMsg("team", "user", "@alice please review the deploy", "alice"))
	waitEvent(t, ended)

	calls := f.runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 spawn, got %d", len(calls))
	}
	prompt := calls[0].Prompt
	if !strings.Contains(prompt, `"trigger":"mention"`) {
		t.Errorf("prompt missing mention trigger: %q", prompt)
	}
	if !strings.Contains(prompt, `"source":"mention:team"`) {
		t.Errorf("prompt missing mention source: %q", prompt)
	}
	if !strings.Contains(prompt, `"sender":"user"`) {
		t.Errorf("prompt missing sender: %q", prompt)
	}
	if !strings.Contains(prompt, "@alice please review the deploy") {
		t.Errorf("prompt missing message preview: %q", prompt)
	}
}

func TestMentionTriggersEachMentionedAgent(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	sink := dispatcher.NewMentionSink(f.dispatcher, f.registry, f.logger)
	ended := f.collect(t, events.AgentSessionEnded)

	sink.OnChannelMessage(context.Background(),
		mentionMsg("team", "user", "@alice @bob sync up", "alice", "bob"))
	waitEvent(t, ended)
	waitEvent(t, ended)

	spawned := map[string]bool{}
	for _, inv := range f.runner.Calls() {
		spawned[inv.AgentID] = true
	}
	if !spawned["alice"] || !spawned["bob"] {
		t.Errorf("expected both mentioned agents spawned, got %v", spawned)
	}
}

func TestMentionDroppedDuringCooldown(t *testing.T) {
	f := newFixture(t, "alice")
	sink := dispatcher.NewMentionSink(f.dispatcher, f.registry, f.logger)
	ended := f.collect(t, events.AgentSessionEnded)

	if _, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitEvent(t, ended)

	f.clock.Advance(30 * time.Second)
	triggered := f.collect(t, events.AgentTriggered)
	failed := f.collect(t, events.AgentTriggerFailed)

	sink.OnChannelMessage(context.Background(),
		mentionMsg("team", "user", "@alice ping", "alice"))

	if got := f.runner.CallCount(); got != 1 {
		t.Fatalf("expected mention under cooldown to be dropped, got %d spawns", got)
	}
	// The drop is silent: neither a trigger nor a failure event fires.
	select {
	case e := <-triggered:
		t.Fatalf("unexpected agent_triggered event: %+v", e.Data)
	case e := <-failed:
		t.Fatalf("unexpected agent_trigger_failed event: %+v", e.Data)
	default:
	}

	// Unlike a deferred DM, a dropped mention is never retried.
	f.clock.Advance(time.Minute)
	if got := f.runner.CallCount(); got != 1 {
		t.Fatalf("expected dropped mention to stay dropped, got %d spawns", got)
	}
}

func TestMentionDroppedWhileBusy(t *testing.T) {
	f := newFixture(t, "alice")
	sink := dispatcher.NewMentionSink(f.dispatcher, f.registry, f.logger)
	ended := f.collect(t, events.AgentSessionEnded)

	f.runner.Enqueue(dispatchertest.Step{Block: true})
	if _, err := f.dispatcher.Trigger(context.Background(), dispatcher.TriggerRequest{
		AgentID: "alice",
		Reason:  dispatcher.ReasonManual,
		Source:  "manual:test",
	}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	sink.OnChannelMessage(context.Background(),
		mentionMsg("team", "user", "@alice status?", "alice"))
	if got := f.runner.CallCount(); got != 1 {
		t.Fatalf("expected mention against busy agent to be dropped, got %d spawns", got)
	}

	f.runner.Proc(0).Release()
	waitEvent(t, ended)
}

func TestMentionSkipsNonDispatchableNames(t *testing.T) {
	f := newFixture(t, "alice")
	sink := dispatcher.NewMentionSink(f.dispatcher, f.registry, f.logger)
	failed := f.collect(t, events.AgentTriggerFailed)

	sink.OnChannelMessage(context.Background(),
		mentionMsg("team", "user", "@zoe are you there", "zoe"))

	if got := f.runner.CallCount(); got != 0 {
		t.Fatalf("expected no spawn for non-dispatchable mention, got %d", got)
	}
	select {
	case e := <-failed:
		t.Fatalf("unexpected agent_trigger_failed event: %+v", e.Data)
	default:
	}
}
