package download

import (
	"sync"
	"time"

	"runicorn-client/backend/pkg/types"
)

// Notifier receives user-facing messages, the terminal counterpart of a toast.
type Notifier interface {
	Success(msg string)
	Info(msg string)
	Error(msg string)
}

type nopNotifier struct{}

func (nopNotifier) Success(string) {}
func (nopNotifier) Info(string)    {}
func (nopNotifier) Error(string)   {}

// FuncNotifier adapts an emit function (level, message) to Notifier.
// Levels follow types.LogEntry: SUCCESS, INFO, ERROR.
type FuncNotifier func(level, message string)

func (f FuncNotifier) Success(msg string) { f("SUCCESS", msg) }
func (f FuncNotifier) Info(msg string)    { f("INFO", msg) }
func (f FuncNotifier) Error(msg string)   { f("ERROR", msg) }

// Recorder keeps every message it receives.
type Recorder struct {
	mu      sync.Mutex
	entries []types.LogEntry
}

func (r *Recorder) Success(msg string) { r.add("SUCCESS", msg) }
func (r *Recorder) Info(msg string)    { r.add("INFO", msg) }
func (r *Recorder) Error(msg string)   { r.add("ERROR", msg) }

// Entries returns a copy of the recorded messages.
func (r *Recorder) Entries() []types.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.LogEntry(nil), r.entries...)
}

func (r *Recorder) add(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, types.LogEntry{
		Timestamp: time.Now().Format("15:04:05"),
		Level:     level,
		Message:   msg,
	})
}
