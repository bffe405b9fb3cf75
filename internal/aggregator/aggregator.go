// Package aggregator buffers final transcript fragments and hands the
// accumulated utterance downstream once the speaker has been quiet for a
// configurable period.
//
// Every final fragment resets the quiet timer. When the timer fires the
// buffer is snapshotted and cleared before the dispatch callback runs, so a
// given utterance produces at most one dispatch and nothing from it leaks
// into the next one. Interim fragments bypass the buffer entirely.
package aggregator

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

// DefaultQuietPeriod is the silence after the last final fragment that ends
// an utterance.
const DefaultQuietPeriod = 500 * time.Millisecond

// Config configures an [Aggregator].
type Config struct {
	// QuietPeriod defaults to DefaultQuietPeriod.
	QuietPeriod time.Duration

	// OnDispatch receives each completed utterance. It is called from a timer
	// goroutine and must not block for long; hand slow work to another
	// goroutine.
	OnDispatch func(text string)

	// OnInterim receives non-final fragments for live display. Optional.
	OnInterim func(text string)
}

// Aggregator is the debounce state machine. All methods are safe for
// concurrent use.
type Aggregator struct {
	quiet      time.Duration
	onDispatch func(string)
	onInterim  func(string)

	mu      sync.Mutex
	buf     strings.Builder
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// New returns an Aggregator. OnDispatch must be set.
func New(cfg Config) *Aggregator {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.OnDispatch == nil {
		panic("aggregator: OnDispatch is required")
	}
	return &Aggregator{
		quiet:      cfg.QuietPeriod,
		onDispatch: cfg.OnDispatch,
		onInterim:  cfg.OnInterim,
	}
}

// Add routes a transcript: finals go to [Aggregator.OnFinal], interims to
// the interim callback.
func (a *Aggregator) Add(t stt.Transcript) {
	if t.IsFinal {
		a.OnFinal(t.Text)
		return
	}
	if a.onInterim == nil || t.Text == "" {
		return
	}
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if !stopped {
		a.onInterim(t.Text)
	}
}

// OnFinal appends a final fragment and restarts the quiet timer. Blank
// fragments are ignored and leave the timer alone.
func (a *Aggregator) OnFinal(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	a.buf.WriteString(" ")
	a.buf.WriteString(text)

	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.quiet, func() { a.fire(gen) })
}

// fire dispatches the buffer if gen is still the current generation. A
// timer that was superseded or stopped after it started running sees a
// newer generation and does nothing.
func (a *Aggregator) fire(gen uint64) {
	a.mu.Lock()
	if a.stopped || gen != a.gen || a.buf.Len() == 0 {
		a.mu.Unlock()
		return
	}
	text := a.buf.String()
	a.buf.Reset()
	a.timer = nil
	a.mu.Unlock()

	slog.Debug("aggregator: dispatching utterance", "chars", len(text))
	a.onDispatch(text)
}

// Pending returns the buffered text not yet dispatched.
func (a *Aggregator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Stop cancels the quiet timer and drops the partial buffer without
// dispatching it. Fragments added afterwards are ignored. Stop is
// idempotent.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if n := a.buf.Len(); n > 0 {
		slog.Debug("aggregator: dropped partial utterance", "chars", n)
	}
	a.buf.Reset()
}
