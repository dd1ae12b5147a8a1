package dispatcher

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestInvocationArgv(t *testing.T) {
	inv := Invocation{AgentID: "alice", SessionID: "sid-1", Prompt: "do the thing"}

	inv.Resume = true
	if got, want := inv.Argv(), []string{"-r", "sid-1", "do the thing", "-p"}; !reflect.DeepEqual(got, want) {
		t.Errorf("resume argv = %v, want %v", got, want)
	}

	inv.Resume = false
	if got, want := inv.Argv(), []string{"--session-id", "sid-1", "do the thing", "-p"}; !reflect.DeepEqual(got, want) {
		t.Errorf("create argv = %v, want %v", got, want)
	}
}

func TestChildEnvAlwaysCarriesAgentID(t *testing.T) {
	inv := Invocation{AgentID: "alice", Env: map[string]string{"ASK_DEPTH": "2"}}
	env := inv.ChildEnv()

	if env[0] != "AGENT_ID=alice" {
		t.Errorf("first env entry = %q, want AGENT_ID=alice", env[0])
	}
	found := false
	for _, e := range env {
		if e == "ASK_DEPTH=2" {
			found = true
		}
	}
	if !found {
		t.Errorf("extra env missing from %v", env)
	}
}

func TestBuildPromptLayout(t *testing.T) {
	dc := DispatchContext{
		Timestamp: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		AgentID:   "alice",
		Trigger:   ReasonDM,
		Source:    "dm:bob",
		Senders:   []string{"bob"},
	}
	prompt := BuildPrompt(dc, "Check your messages.")

	if !strings.HasPrefix(prompt, "<dispatch_context>") {
		t.Fatalf("prompt missing header tag: %q", prompt)
	}
	header, body, ok := strings.Cut(strings.TrimPrefix(prompt, "<dispatch_context>"), "\n\n")
	if !ok {
		t.Fatal("prompt missing blank line separator")
	}
	if body != "Check your messages." {
		t.Errorf("body = %q", body)
	}

	var parsed DispatchContext
	if err := json.Unmarshal([]byte(header), &parsed); err != nil {
		t.Fatalf("header is not valid JSON: %v", err)
	}
	if parsed.AgentID != "alice" || parsed.Trigger != ReasonDM || parsed.Source != "dm:bob" {
		t.Errorf("unexpected parsed header: %+v", parsed)
	}
}

func TestPreviewTruncation(t *testing.T) {
	short := "hello"
	if Preview(short) != short {
		t.Error("short content must pass through unchanged")
	}

	long := strings.Repeat("x", 500)
	if got := Preview(long); len(got) != previewLimit {
		t.Errorf("preview length = %d, want %d", len(got), previewLimit)
	}
}

func TestIsMissingSession(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		want bool
	}{
		{"missing session", Result{ExitCode: 1, Stderr: "Error: No conversation found with session ID abc"}, true},
		{"clean exit with sentinel text", Result{ExitCode: 0, Stderr: "No conversation found"}, false},
		{"other failure", Result{ExitCode: 1, Stderr: "rate limited"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isMissingSession(&tc.res); got != tc.want {
				t.Errorf("isMissingSession = %v, want %v", got, tc.want)
			}
		})
	}
}
