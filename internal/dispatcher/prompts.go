package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Trigger reason tags carried in the dispatch context header.
const (
	ReasonDM          = "dm"
	ReasonMention     = "mention"
	ReasonStandup     = "standup"
	ReasonAsk         = "ask_agent"
	ReasonOrchestrate = "orchestrate"
	ReasonManual      = "manual"
)

// previewLimit caps the message preview carried in the dispatch context.
const previewLimit = 200

// DispatchContext is the structured header prefixed to every spawned prompt.
type DispatchContext struct {
	Timestamp      time.Time `json:"timestamp"`
	AgentID        string    `json:"agent_id"`
	Trigger        string    `json:"trigger"`
	Source         string    `json:"source"`
	Sender         string    `json:"sender,omitempty"`
	Senders        []string  `json:"senders,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	MessagePreview string    `json:"message_preview,omitempty"`
}

// BuildPrompt renders the prompt passed to the subprocess: one header line
// beginning with <dispatch_context> and holding the JSON context, a blank
// line, then the trigger-specific instruction body.
func BuildPrompt(dc DispatchContext, body string) string {
	header, err := json.Marshal(dc)
	if err != nil {
		// DispatchContext contains only marshalable fields
		header = []byte("{}")
	}
	return "<dispatch_context>" + string(header) + "\n\n" + body
}

// Preview truncates content for the dispatch context header.
func Preview(content string) string {
	if len(content) <= previewLimit {
		return content
	}
	return content[:previewLimit]
}

func dmPromptBody(senders []string) string {
	return fmt.Sprintf(
		"You have unread direct messages from: %s. "+
			"List your unread messages, read them, and reply to each sender via direct message.",
		strings.Join(senders, ", "))
}

func mentionPromptBody(channel, sender string) string {
	return fmt.Sprintf(
		"You were mentioned by %s in the #%s channel. "+
			"Read the channel's unread messages and reply by writing to the channel.",
		sender, channel)
}

func standupPromptBody(channel string) string {
	return fmt.Sprintf(
		"It is your turn in the team standup. "+
			"Post a short standup update to the #%s channel: what you finished, "+
			"what you are working on, and anything blocking you.",
		channel)
}
