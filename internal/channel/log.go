package channel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Log stores channel messages as one append-only JSONL file per channel.
type Log struct {
	dir string
	mu  sync.Mutex
}

// NewLog creates the data directory if needed and returns a Log over it.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create channel data dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

func (l *Log) path(channel string) (string, error) {
	if !channelNamePattern.MatchString(channel) {
		return "", fmt.Errorf("invalid channel name %q", channel)
	}
	return filepath.Join(l.dir, channel+".jsonl"), nil
}

// Append writes one message to the channel's log file and syncs it.
func (l *Log) Append(msg *Message) error {
	path, err := l.path(msg.Channel)
	if err != nil {
		return err
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal channel message: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open channel log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append channel message: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync channel log: %w", err)
	}
	return nil
}

// Read returns the last limit messages of a channel in log order. A limit
// of zero or less returns every message. A channel with no log file yet
// reads as empty.
func (l *Log) Read(channel string, limit int) ([]Message, error) {
	path, err := l.path(channel)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open channel log: %w", err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			// Skip torn or corrupt lines rather than fail the whole read
			continue
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read channel log: %w", err)
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Channels lists the channels that have a log file, without extension.
func (l *Log) Channels() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel data dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		names = append(names, name[:len(name)-len(".jsonl")])
	}
	return names, nil
}
