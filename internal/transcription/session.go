// Package transcription owns the lifecycle of one streaming speech-to-text
// connection for a call: it acquires the capture device, obtains a
// transcription token (refreshing the credential once on rejection), opens
// the stream, forwards audio with keep-alives, and re-emits the stream's
// ordered events.
//
// State machine:
//
//	Idle → RequestingToken → Connecting → Open → Closing → Idle
//	                 any non-Idle state ──────────────────→ Error
//
// Start is accepted from Idle and Error. Every exit path releases the
// capture device, and all cleanup is finished before the Close event is
// delivered.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/pkg/audio"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

var (
	// ErrTransport wraps connection failures: dial errors, abnormal closes,
	// protocol errors.
	ErrTransport = errors.New("transcription: transport error")

	// ErrActive is returned by Start while a connection is being set up or
	// is open.
	ErrActive = errors.New("transcription: session already active")
)

// State is a position in the session state machine.
type State int

const (
	StateIdle State = iota
	StateRequestingToken
	StateConnecting
	StateOpen
	StateClosing
	StateError
)

// String returns the state name used in logs and status events.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingToken:
		return "requesting-token"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CredentialSource supplies the bearer credential. *auth.Supplier
// implements it.
type CredentialSource interface {
	Credential(ctx context.Context, forceRefresh bool) (auth.Credential, bool)
}

// TokenIssuer mints transcription tokens. A rejected credential must be
// reported as auth.ErrUnauthorized. *backend.Client implements it.
type TokenIssuer interface {
	IssueToken(ctx context.Context, cred auth.Credential) (stt.Token, error)
}

// Config holds the per-session tunables.
type Config struct {
	// Stream is passed to the dialer unchanged.
	Stream stt.StreamConfig

	// KeepAliveInterval is the period of keep-alive frames while open.
	// Default: 5s.
	KeepAliveInterval time.Duration

	// PendingFrames bounds the frames buffered before the connection is
	// open. The oldest frame is dropped on overflow. Default: 100.
	PendingFrames int

	// DrainTimeout bounds the graceful close issued when the capture device
	// runs out of audio. Default: 5s.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 5 * time.Second
	}
	if c.PendingFrames <= 0 {
		c.PendingFrames = 100
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// Option configures a Session.
type Option func(*Session)

// WithStateObserver is called after every state change. It runs on the
// goroutine that changed the state and must not call back into the session.
func WithStateObserver(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// Session is one call's transcription connection. All methods are safe for
// concurrent use.
type Session struct {
	device audio.Device
	creds  CredentialSource
	issuer TokenIssuer
	dialer stt.Dialer
	cfg    Config

	onState func(State)

	// op serialises Start and Stop.
	op sync.Mutex

	mu          sync.Mutex
	state       State
	stream      stt.Stream
	token       stt.Token
	events      chan stt.Event
	cancelStart context.CancelFunc
	run         *run
}

// run is the goroutine set of one started connection.
type run struct {
	cancel      context.CancelFunc
	workers     sync.WaitGroup // forwarder and keep-alive
	pumpDone    chan struct{}
	releaseOnce sync.Once
	stopping    bool
}

// New creates an idle session.
func New(device audio.Device, creds CredentialSource, issuer TokenIssuer, dialer stt.Dialer, cfg Config, opts ...Option) *Session {
	cfg.applyDefaults()
	s := &Session{
		device: device,
		creds:  creds,
		issuer: issuer,
		dialer: dialer,
		cfg:    cfg,
		events: closedEvents(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func closedEvents() chan stt.Event {
	ch := make(chan stt.Event)
	close(ch)
	return ch
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the transcription token of the open connection, if any.
func (s *Session) Token() stt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Events returns the event channel of the current connection: transcripts,
// errors and exactly one Close, after which the channel is closed. Before
// the first Start it returns a closed channel. Callers must drain it.
func (s *Session) Events() <-chan stt.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// Start acquires the capture device, obtains a token and opens the stream.
// Device failures wrap audio.ErrDeviceUnavailable and happen before any
// network call. A missing credential is auth.ErrAuthRequired; a token
// request rejected twice is auth.ErrUnauthorized. Any failure leaves the
// session in StateError with the device released.
func (s *Session) Start(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.state != StateIdle && s.state != StateError {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrActive, st)
	}
	startCtx, cancelStart := context.WithCancel(ctx)
	s.cancelStart = cancelStart
	s.mu.Unlock()
	defer func() {
		cancelStart()
		s.mu.Lock()
		s.cancelStart = nil
		s.mu.Unlock()
	}()

	frames, err := s.device.Open(startCtx)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("transcription: start: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	r := &run{cancel: cancelRun, pumpDone: make(chan struct{})}
	attach := make(chan stt.Stream, 1)
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		s.forward(runCtx, frames, attach)
	}()

	fail := func(err error) error {
		cancelRun()
		r.workers.Wait()
		s.releaseDevice(r)
		s.setState(StateError)
		return err
	}

	s.setState(StateRequestingToken)
	tok, err := s.acquireToken(startCtx)
	if err != nil {
		return fail(fmt.Errorf("transcription: token: %w", err))
	}

	s.setState(StateConnecting)
	stream, err := s.dialer.Dial(startCtx, tok, s.cfg.Stream)
	if err != nil {
		return fail(fmt.Errorf("%w: dial: %w", ErrTransport, err))
	}

	events := make(chan stt.Event, 64)
	s.mu.Lock()
	s.stream = stream
	s.token = tok
	s.events = events
	s.run = r
	s.mu.Unlock()
	s.setState(StateOpen)

	attach <- stream
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		s.keepAlive(runCtx, stream)
	}()
	go s.pump(r, stream, events)

	slog.Info("transcription: stream open", "user_id", tok.UserID, "token_expires_at", tok.ExpiresAt)
	return nil
}

// acquireToken requests a token, forcing exactly one credential refresh
// and one retry when the first request is rejected.
func (s *Session) acquireToken(ctx context.Context) (stt.Token, error) {
	const maxAttempts = 2

	var lastErr error
	for attempt := range maxAttempts {
		forceRefresh := attempt > 0
		cred, ok := s.creds.Credential(ctx, forceRefresh)
		if !ok {
			return stt.Token{}, auth.ErrAuthRequired
		}

		tok, err := s.issuer.IssueToken(ctx, cred)
		if err == nil {
			return tok, nil
		}
		lastErr = err
		if !errors.Is(err, auth.ErrUnauthorized) {
			return stt.Token{}, err
		}
		slog.Info("transcription: token request rejected", "attempt", attempt+1, "err", err)
	}
	return stt.Token{}, lastErr
}

// forward moves frames from the device to the stream. Until a stream is
// attached, frames are buffered in a bounded FIFO. On attach it sends one
// keep-alive, then the buffered frames, then live frames, all from this
// goroutine so the order on the wire is exactly that.
func (s *Session) forward(ctx context.Context, frames <-chan []byte, attach <-chan stt.Stream) {
	var (
		stream   stt.Stream
		pending  [][]byte
		dropped  int
		inputEnd bool
	)

	send := func(frame []byte) bool {
		if err := stream.SendAudio(frame); err != nil {
			s.onSendError(stream, err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return

		case st := <-attach:
			stream = st
			if err := stream.KeepAlive(); err != nil {
				s.onSendError(stream, err)
				return
			}
			if dropped > 0 {
				slog.Warn("transcription: dropped frames while connecting", "dropped", dropped)
			}
			for _, f := range pending {
				if !send(f) {
					return
				}
			}
			pending = nil
			if inputEnd {
				s.drain(stream)
				return
			}

		case f, ok := <-frames:
			if !ok {
				if stream != nil {
					s.drain(stream)
					return
				}
				inputEnd = true
				frames = nil
				continue
			}
			if stream == nil {
				if len(pending) == s.cfg.PendingFrames {
					pending = pending[1:]
					dropped++
				}
				pending = append(pending, f)
				continue
			}
			if !send(f) {
				return
			}
		}
	}
}

// drain closes the stream gracefully after the device ran out of audio so
// the provider can flush its last results.
func (s *Session) drain(stream stt.Stream) {
	slog.Info("transcription: capture ended, closing stream")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancel()
		if err := stream.Close(ctx); err != nil {
			slog.Warn("transcription: close after capture end", "err", err)
		}
	}()
}

// onSendError aborts the stream on a send failure. stt.ErrClosed just means
// the close is already under way.
func (s *Session) onSendError(stream stt.Stream, err error) {
	if errors.Is(err, stt.ErrClosed) {
		return
	}
	slog.Warn("transcription: send failed, aborting stream", "err", err)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = stream.Close(ctx)
	}()
}

func (s *Session) keepAlive(ctx context.Context, stream stt.Stream) {
	t := time.NewTicker(s.cfg.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := stream.KeepAlive(); err != nil {
				if !errors.Is(err, stt.ErrClosed) {
					slog.Warn("transcription: keep-alive failed", "err", err)
				}
				return
			}
		}
	}
}

// pump re-emits stream events. On the stream's Close it tears the
// connection down first, so that keep-alives have stopped and the device is
// released by the time the Close event is delivered.
func (s *Session) pump(r *run, stream stt.Stream, out chan<- stt.Event) {
	defer close(r.pumpDone)
	defer close(out)

	for ev := range stream.Events() {
		switch ev.Type {
		case stt.EventTranscript:
			out <- ev
		case stt.EventError:
			ev.Err = fmt.Errorf("%w: %w", ErrTransport, ev.Err)
			out <- ev
		case stt.EventClose:
			s.teardown(r, !ev.Normal())
			slog.Info("transcription: stream closed", "code", ev.Code, "reason", ev.Reason)
			out <- ev
		}
	}
}

// teardown stops the workers, releases the device and resets the session.
// It runs once per connection, from the pump.
func (s *Session) teardown(r *run, abnormal bool) {
	r.cancel()
	r.workers.Wait()
	s.releaseDevice(r)

	s.mu.Lock()
	stopping := r.stopping
	if s.run == r {
		s.stream = nil
		s.token = stt.Token{}
		s.run = nil
	}
	s.mu.Unlock()

	switch {
	case stopping:
		// Stop sets the final state.
	case abnormal:
		s.setState(StateError)
	default:
		s.setState(StateIdle)
	}
}

func (s *Session) releaseDevice(r *run) {
	r.releaseOnce.Do(func() {
		if err := s.device.Close(); err != nil {
			slog.Warn("transcription: release capture device", "err", err)
		}
	})
}

// Stop ends the connection: keep-alives and forwarding stop, the stream is
// closed gracefully (a failed close is logged, not fatal) and the device is
// released regardless. A Start still waiting on the network is cancelled.
// Stop is idempotent and safe on a session that never started.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelStart != nil {
		s.cancelStart()
	}
	s.mu.Unlock()

	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	r, stream := s.run, s.stream
	if r == nil {
		s.mu.Unlock()
		if s.State() != StateIdle {
			s.setState(StateIdle)
		}
		return nil
	}
	r.stopping = true
	s.mu.Unlock()
	s.setState(StateClosing)

	r.cancel()
	r.workers.Wait()

	var closeErr error
	if err := stream.Close(ctx); err != nil {
		closeErr = fmt.Errorf("transcription: close stream: %w", err)
		slog.Warn("transcription: graceful close failed", "err", err)
	}
	s.releaseDevice(r)

	select {
	case <-r.pumpDone:
	case <-ctx.Done():
		slog.Warn("transcription: event consumer did not drain before stop deadline")
	}

	s.mu.Lock()
	if s.run == r {
		s.stream = nil
		s.token = stt.Token{}
		s.run = nil
	}
	s.mu.Unlock()
	s.setState(StateIdle)
	return closeErr
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev == st {
		return
	}
	slog.Debug("transcription: state", "from", prev.String(), "to", st.String())
	if s.onState != nil {
		s.onState(st)
	}
}
