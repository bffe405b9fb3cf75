package playbook

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// MemoryIndex is an in-process Index and Writer. It is used when no database
// is configured and in tests. Safe for concurrent use.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries []Entry
}

var (
	_ Index  = (*MemoryIndex)(nil)
	_ Writer = (*MemoryIndex)(nil)
)

// NewMemoryIndex returns an index holding entries.
func NewMemoryIndex(entries ...Entry) *MemoryIndex {
	m := &MemoryIndex{}
	_ = m.Upsert(context.Background(), entries)
	return m
}

// Upsert implements Writer.
func (m *MemoryIndex) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		replaced := false
		for i := range m.entries {
			if m.entries[i].Intent == e.Intent && m.entries[i].Phrase == e.Phrase {
				m.entries[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			m.entries = append(m.entries, e)
		}
	}
	return nil
}

// FindNearest implements Index with a linear cosine scan.
func (m *MemoryIndex) FindNearest(_ context.Context, embedding []float32, threshold float64) (Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := NoMatch
	for _, e := range m.entries {
		if len(e.Embedding) != len(embedding) {
			return NoMatch, fmt.Errorf("%w: entry %s/%q has %d, query has %d",
				ErrDimensionMismatch, e.Intent, e.Phrase, len(e.Embedding), len(embedding))
		}
		sim := CosineSimilarity(e.Embedding, embedding)
		if sim >= threshold && (!best.Matched || sim > best.Similarity) {
			best = Match{Matched: true, Intent: e.Intent, Script: e.Script, Similarity: sim}
		}
	}
	return best, nil
}

// Len returns the number of stored entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 when
// either has zero magnitude. a and b must have equal length.
func CosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
