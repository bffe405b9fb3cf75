// Package playbook defines the script corpus the matcher searches: intents,
// their representative phrases and the script an agent should read when a
// customer says something close to one of those phrases.
//
// The corpus is stored one row per representative phrase, each with the
// embedding of that phrase. A lookup embeds the customer's utterance and
// returns the single closest phrase whose cosine similarity clears a
// threshold.
package playbook

import (
	"context"
	"errors"
)

// DefaultThreshold is the minimum cosine similarity for a match.
const DefaultThreshold = 0.4

// ErrDimensionMismatch is returned when a vector's length does not match the
// index.
var ErrDimensionMismatch = errors.New("playbook: embedding dimension mismatch")

// Entry is one representative phrase of an intent.
type Entry struct {
	Intent    string
	Phrase    string
	Script    string
	Embedding []float32
}

// Match is the outcome of a lookup. Matched is false for the explicit
// "no match" value; the other fields are then zero.
type Match struct {
	Matched    bool    `json:"matched"`
	Intent     string  `json:"intent,omitempty"`
	Script     string  `json:"script,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// NoMatch is the "no match" value.
var NoMatch = Match{}

// Index looks up the nearest script for an embedding.
type Index interface {
	// FindNearest returns the best entry with similarity >= threshold, or
	// NoMatch when none qualifies.
	FindNearest(ctx context.Context, embedding []float32, threshold float64) (Match, error)
}

// Writer persists embedded entries.
type Writer interface {
	// Upsert inserts or replaces entries keyed by (Intent, Phrase).
	Upsert(ctx context.Context, entries []Entry) error
}

// Script is one intent with its representative phrases, as written in a
// playbook file.
type Script struct {
	Intent  string   `yaml:"intent"`
	Phrases []string `yaml:"phrases"`
	Script  string   `yaml:"script"`
}

// Entries expands scripts into one unembedded Entry per phrase.
func Entries(scripts []Script) []Entry {
	var out []Entry
	for _, s := range scripts {
		for _, p := range s.Phrases {
			out = append(out, Entry{Intent: s.Intent, Phrase: p, Script: s.Script})
		}
	}
	return out
}
