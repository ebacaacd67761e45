// Package syncq persists mutating CLI commands that could not reach the API
// so `tp sync` can replay them later under their original idempotency keys.
package syncq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

type Command struct {
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Body           map[string]any `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	QueuedAt       time.Time      `json:"queued_at"`
	Attempts       int            `json:"attempts,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

// Queue is a JSON file of pending commands.
type Queue struct {
	path string
}

func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{path: filepath.Join(dir, "queue.json")}, nil
}

func (q *Queue) Load() ([]Command, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Save(commands []Command) error {
	if len(commands) == 0 {
		if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *Queue) Push(cmd Command) error {
	commands, err := q.Load()
	if err != nil {
		return err
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	commands = append(commands, cmd)
	return q.Save(commands)
}

// Replay sends every queued command in order through send. Commands for which
// keep reports true are retained with the error recorded; the rest are dropped.
func (q *Queue) Replay(send func(Command) error, keep func(error) bool) (sent int, failed []Command, err error) {
	commands, err := q.Load()
	if err != nil {
		return 0, nil, err
	}
	var remaining []Command
	for _, cmd := range commands {
		sendErr := send(cmd)
		if sendErr == nil {
			sent++
			continue
		}
		cmd.Attempts++
		cmd.LastError = sendErr.Error()
		failed = append(failed, cmd)
		if keep(sendErr) {
			remaining = append(remaining, cmd)
		}
	}
	if err := q.Save(remaining); err != nil {
		return sent, failed, err
	}
	return sent, failed, nil
}
