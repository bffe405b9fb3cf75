package debugtools

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultLogSize is the number of entries a [LogBuffer] keeps when created
// with a non-positive size.
const DefaultLogSize = 100

// Entry types.
const (
	EntryRequest  = "request"
	EntryResponse = "response"
	EntryError    = "error"
)

// Entry is one recorded interaction with an upstream API.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`

	// Type is one of [EntryRequest], [EntryResponse] or [EntryError].
	Type string `json:"type"`

	// Endpoint names the upstream operation, e.g. "deepgram.projects".
	Endpoint string `json:"endpoint,omitempty"`

	Data any `json:"data,omitempty"`

	// Duration is zero for request entries.
	Duration time.Duration `json:"-"`
}

// MarshalJSON renders Duration as whole milliseconds.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	out := struct {
		plain
		DurationMS int64 `json:"duration_ms,omitempty"`
	}{plain: plain(e), DurationMS: e.Duration.Milliseconds()}
	return json.Marshal(out)
}

// LogBuffer keeps the most recent entries, dropping the oldest once full.
//
// All methods are safe for concurrent use.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	now     func() time.Time
}

// NewLogBuffer creates a buffer that retains at most maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = DefaultLogSize
	}
	return &LogBuffer{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Add appends e, stamping it with the current time when Timestamp is zero.
func (b *LogBuffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		// Copy so dropped entries can be collected.
		keep := b.entries[len(b.entries)-b.maxSize:]
		fresh := make([]Entry, len(keep), b.maxSize)
		copy(fresh, keep)
		b.entries = fresh
	}
}

// Recent returns up to limit of the newest entries in chronological order.
// A non-positive limit returns everything.
func (b *LogBuffer) Recent(limit int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	src := b.entries
	if limit > 0 && limit < len(src) {
		src = src[len(src)-limit:]
	}
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear drops every entry.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	b.entries = make([]Entry, 0, b.maxSize)
	b.mu.Unlock()
}
