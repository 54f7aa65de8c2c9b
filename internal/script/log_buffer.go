package script

import (
	"sync"
	"time"
)

// LogEntry is one line of console output from a hosted document.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Extension string    `json:"extension"`
	Level     string    `json:"level"` // debug, info, warn, error
	Message   string    `json:"message"`
}

// LogBuffer is a fixed-size ring of console output shared by all hosts.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	head    int
	count   int
}

// NewLogBuffer creates a buffer holding at most maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an entry, overwriting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.maxSize
	if b.count < b.maxSize {
		b.count++
	}
}

// Log records a console line for extension.
func (b *LogBuffer) Log(extension, level, message string) {
	b.Add(LogEntry{
		Timestamp: time.Now(),
		Extension: extension,
		Level:     level,
		Message:   message,
	})
}

// Recent returns up to n entries, newest first. n <= 0 means all.
func (b *LogBuffer) Recent(n int) []LogEntry {
	return b.collect(n, func(LogEntry) bool { return true })
}

// ForExtension returns up to n entries of one extension, newest first.
func (b *LogBuffer) ForExtension(id string, n int) []LogEntry {
	return b.collect(n, func(e LogEntry) bool { return e.Extension == id })
}

var levelOrder = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// AtLeast returns entries at or above minLevel, newest first.
func (b *LogBuffer) AtLeast(minLevel string) []LogEntry {
	min := levelOrder[minLevel]
	return b.collect(0, func(e LogEntry) bool { return levelOrder[e.Level] >= min })
}

func (b *LogBuffer) collect(n int, keep func(LogEntry) bool) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	result := make([]LogEntry, 0, n)
	for i := 0; i < b.count && len(result) < n; i++ {
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		if keep(b.entries[idx]) {
			result = append(result, b.entries[idx])
		}
	}
	return result
}

// Clear drops every entry.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
