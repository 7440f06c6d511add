package util

import (
	"fmt"
	"sync"
	"time"
)

// EventLog keeps the most recent timestamped event lines for a subsystem.
// When full, new entries push out the oldest. Safe for concurrent use.
type EventLog struct {
	mu    sync.RWMutex
	buf   []string
	head  int
	count int
}

// NewEventLog creates an event log holding up to capacity entries.
func NewEventLog(capacity int) *EventLog {
	return &EventLog{buf: make([]string, capacity)}
}

// Add records a formatted event line with a wall-clock prefix.
func (l *EventLog) Add(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	l.mu.Lock()
	idx := (l.head + l.count) % len(l.buf)
	l.buf[idx] = line
	if l.count == len(l.buf) {
		l.head = (l.head + 1) % len(l.buf)
	} else {
		l.count++
	}
	l.mu.Unlock()
}

// Recent returns the stored lines, oldest first.
func (l *EventLog) Recent() []string {
	l.mu.RLock()
	out := make([]string, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	l.mu.RUnlock()
	return out
}

// Len returns the number of stored lines.
func (l *EventLog) Len() int {
	l.mu.RLock()
	n := l.count
	l.mu.RUnlock()
	return n
}
