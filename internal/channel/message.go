// Package channel implements the append-only channel log: one JSONL file
// per channel, @mention parsing at append time, and synchronous delivery
// to registered message sinks.
package channel

import (
	"regexp"
	"time"
)

// Team is the mention token that expands to every dispatchable agent.
const Team = "team"

// Message is one channel log entry.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// ParseMentions extracts @name tokens from content. @team expands to the
// given roster. The result is deduplicated, preserving first-seen order;
// the sender is never included in their own mentions.
func ParseMentions(content, from string, roster []string) []string {
	seen := make(map[string]struct{})
	var mentions []string
	add := func(name string) {
		if name == from {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		mentions = append(mentions, name)
	}

	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := match[1]
		if name == Team {
			for _, id := range roster {
				add(id)
			}
			continue
		}
		add(name)
	}
	return mentions
}
