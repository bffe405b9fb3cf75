// Package mock provides a scripted [matcher.Scorer] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/internal/matcher"
	"github.com/zeroscript/zeroscript/pkg/playbook"
)

// ScoreCall records one Score invocation.
type ScoreCall struct {
	Cred auth.Credential
	Text string
}

// Scorer returns Result and Err. When Block is non-nil each call waits for
// a value on it (or ctx) before answering.
type Scorer struct {
	mu sync.Mutex

	Result playbook.Match
	Err    error
	Block  chan struct{}

	// Started, if non-nil, receives the text of each call as it begins.
	Started chan string

	Calls []ScoreCall
}

var _ matcher.Scorer = (*Scorer)(nil)

// Score implements matcher.Scorer.
func (s *Scorer) Score(ctx context.Context, cred auth.Credential, text string) (playbook.Match, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, ScoreCall{Cred: cred, Text: text})
	res, err, block, started := s.Result, s.Err, s.Block, s.Started
	s.mu.Unlock()

	if started != nil {
		started <- text
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return playbook.NoMatch, ctx.Err()
		}
	}
	return res, err
}

// CallCount returns the number of Score calls. Thread-safe.
func (s *Scorer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Texts returns the text of every call in order. Thread-safe.
func (s *Scorer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		out[i] = c.Text
	}
	return out
}
