// Package notify carries the user-facing success/info/error messages emitted
// while a checkout progresses.
package notify

import (
	"sync"

	"github.com/vitwit/stablepay/logger"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notification is one user-visible message.
type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

type Notifier interface {
	Notify(level Level, message string)
}

// Func adapts a function to Notifier.
type Func func(level Level, message string)

func (f Func) Notify(level Level, message string) { f(level, message) }

type Noop struct{}

func (Noop) Notify(Level, string) {}

// LogNotifier forwards notifications to a logger.
type LogNotifier struct {
	Logger logger.Logger
}

func (n LogNotifier) Notify(level Level, message string) {
	fields := map[string]any{"notification": string(level)}
	if level == LevelError {
		n.Logger.Warn(message, fields)
		return
	}
	n.Logger.Info(message, fields)
}

// Memory records notifications in order.
type Memory struct {
	mu   sync.Mutex
	list []Notification
}

func (m *Memory) Notify(level Level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = append(m.list, Notification{Level: level, Message: message})
}

// All returns a copy of the recorded notifications.
func (m *Memory) All() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.list))
	copy(out, m.list)
	return out
}

// Count returns how many notifications with the given level and message were recorded.
func (m *Memory) Count(level Level, message string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.list {
		if item.Level == level && item.Message == message {
			n++
		}
	}
	return n
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(level Level, message string) {
	for _, n := range m {
		n.Notify(level, message)
	}
}
