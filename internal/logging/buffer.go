package logging

import (
	"sync"
	"time"
)

// LogEntry is one log record kept in memory for run reports.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the most recent log entries. Once full, each write
// overwrites the oldest entry and counts it as evicted.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
	evicted uint64
}

// NewRingBuffer returns a buffer holding up to capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{entries: make([]LogEntry, capacity)}
}

func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.full {
		rb.evicted++
	}
	rb.entries[rb.next] = entry
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.full = true
	}
}

// ReadAll returns the buffered entries oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Tail(0, nil)
}

// Tail returns up to limit of the newest entries accepted by keep, oldest
// first. A zero limit means no limit and a nil keep accepts everything.
func (rb *RingBuffer) Tail(limit int, keep func(LogEntry) bool) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.countLocked()
	var out []LogEntry
	for i := n - 1; i >= 0; i-- {
		e := rb.entries[(rb.next-n+i+len(rb.entries))%len(rb.entries)]
		if keep != nil && !keep(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Count returns the number of buffered entries.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.countLocked()
}

// Evicted returns how many entries were overwritten since creation.
func (rb *RingBuffer) Evicted() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.evicted
}

func (rb *RingBuffer) countLocked() int {
	if rb.full {
		return len(rb.entries)
	}
	return rb.next
}
