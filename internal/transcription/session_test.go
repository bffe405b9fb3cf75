package transcription_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zeroscript/zeroscript/internal/auth"
	authmock "github.com/zeroscript/zeroscript/internal/auth/mock"
	"github.com/zeroscript/zeroscript/internal/transcription"
	"github.com/zeroscript/zeroscript/pkg/audio"
	audiomock "github.com/zeroscript/zeroscript/pkg/audio/mock"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
	sttmock "github.com/zeroscript/zeroscript/pkg/provider/stt/mock"
)

// fakeIssuer answers token requests from a script of errors. Calls past the
// end of Errs succeed.
type fakeIssuer struct {
	mu    sync.Mutex
	Errs  []error
	Block chan struct{}
	Calls []auth.Credential
}

func (f *fakeIssuer) IssueToken(ctx context.Context, cred auth.Credential) (stt.Token, error) {
	f.mu.Lock()
	i := len(f.Calls)
	f.Calls = append(f.Calls, cred)
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Token{}, ctx.Err()
		}
	}
	if i < len(f.Errs) && f.Errs[i] != nil {
		return stt.Token{}, f.Errs[i]
	}
	return stt.Token{Key: "dg-temp", ExpiresIn: 300, UserID: "u-1"}, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

type fixture struct {
	dev    *audiomock.Device
	creds  *authmock.Source
	issuer *fakeIssuer
	stream *sttmock.Stream
	dialer *sttmock.Dialer
	sess   *transcription.Session
}

func newFixture(t *testing.T, cfg transcription.Config) *fixture {
	t.Helper()
	f := &fixture{
		dev:    &audiomock.Device{},
		creds:  &authmock.Source{Cred: auth.Credential{AccessToken: "access-1"}, OK: true},
		issuer: &fakeIssuer{},
		stream: sttmock.NewStream(),
	}
	f.dialer = &sttmock.Dialer{Stream: f.stream}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = time.Hour
	}
	f.sess = transcription.New(f.dev, f.creds, f.issuer, f.dialer, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.sess.Stop(ctx)
	})
	return f
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, ch <-chan stt.Event) stt.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return stt.Event{}
}

func TestStart_KeepAliveThenBufferedThenLive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{Stream: stt.StreamConfig{SampleRate: 16000, Channels: 1, Encoding: "linear16"}})
	f.issuer.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- f.sess.Start(context.Background()) }()

	waitFor(t, "device open", f.dev.IsOpen)
	f.dev.Push([]byte{1})
	f.dev.Push([]byte{2})
	close(f.issuer.Block)

	if err := <-errc; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.sess.State(); got != transcription.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
	f.dev.Push([]byte{3})

	waitFor(t, "frames forwarded", func() bool { return len(f.stream.Sent()) == 4 })
	sent := f.stream.Sent()
	if !sent[0].KeepAlive {
		t.Errorf("first frame = %+v, want keep-alive", sent[0])
	}
	for i, want := range []byte{1, 2, 3} {
		if fr := sent[i+1]; fr.KeepAlive || len(fr.Data) != 1 || fr.Data[0] != want {
			t.Errorf("frame %d = %+v, want audio %d", i+1, fr, want)
		}
	}

	dc := f.dialer.DialCalls[0]
	if dc.Token.Key != "dg-temp" || dc.Cfg.SampleRate != 16000 || dc.Cfg.Encoding != "linear16" {
		t.Errorf("dial call = %+v", dc)
	}
}

func TestStart_PendingBufferDropsOldest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{PendingFrames: 2})
	f.issuer.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- f.sess.Start(context.Background()) }()

	waitFor(t, "device open", f.dev.IsOpen)
	for i := byte(1); i <= 3; i++ {
		f.dev.Push([]byte{i})
	}
	time.Sleep(50 * time.Millisecond)
	close(f.issuer.Block)
	if err := <-errc; err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "flush", func() bool { return len(f.stream.Sent()) == 3 })
	sent := f.stream.Sent()
	if sent[1].Data[0] != 2 || sent[2].Data[0] != 3 {
		t.Errorf("flushed = %v, %v; want frames 2 and 3", sent[1].Data, sent[2].Data)
	}
}

func TestStart_RefreshesOnceOnUnauthorized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	f.issuer.Errs = []error{fmt.Errorf("backend: %w", auth.ErrUnauthorized)}
	f.creds.Forced = &auth.Credential{AccessToken: "access-2"}

	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.issuer.callCount(); got != 2 {
		t.Fatalf("token requests = %d, want 2", got)
	}
	if f.issuer.Calls[1].AccessToken != "access-2" {
		t.Errorf("retry used %q, want refreshed credential", f.issuer.Calls[1].AccessToken)
	}
	if got := f.creds.ForcedCount(); got != 1 {
		t.Errorf("forced refreshes = %d, want 1", got)
	}
}

func TestStart_SecondUnauthorizedIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	f.issuer.Errs = []error{auth.ErrUnauthorized, auth.ErrUnauthorized, nil}
	f.creds.Forced = &auth.Credential{AccessToken: "access-2"}

	err := f.sess.Start(context.Background())
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("Start = %v, want ErrUnauthorized", err)
	}
	if got := f.issuer.callCount(); got != 2 {
		t.Errorf("token requests = %d, want exactly 2", got)
	}
	if f.dialer.DialCallCount() != 0 {
		t.Error("dialed after token failure")
	}
	if opens, closes := f.dev.Calls(); opens != 1 || closes != 1 {
		t.Errorf("device opens/closes = %d/%d, want 1/1", opens, closes)
	}
	if got := f.sess.State(); got != transcription.StateError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestStart_OtherTokenErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	errDown := errors.New("503 key service down")
	f.issuer.Errs = []error{errDown}

	if err := f.sess.Start(context.Background()); !errors.Is(err, errDown) {
		t.Fatalf("Start = %v, want %v", err, errDown)
	}
	if got := f.issuer.callCount(); got != 1 {
		t.Errorf("token requests = %d, want 1", got)
	}
}

func TestStart_NoCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	f.creds.OK = false

	if err := f.sess.Start(context.Background()); !errors.Is(err, auth.ErrAuthRequired) {
		t.Fatalf("Start = %v, want ErrAuthRequired", err)
	}
	if f.issuer.callCount() != 0 {
		t.Error("requested a token without a credential")
	}
	if _, closes := f.dev.Calls(); closes != 1 {
		t.Errorf("device closes = %d, want 1", closes)
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	f.dev.OpenErr = fmt.Errorf("%w: microphone permission denied", audio.ErrDeviceUnavailable)

	err := f.sess.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	if f.creds.CallCount() != 0 || f.issuer.callCount() != 0 || f.dialer.DialCallCount() != 0 {
		t.Error("network activity after device failure")
	}
	if _, closes := f.dev.Calls(); closes != 0 {
		t.Errorf("device closes = %d, want 0 (nothing to release)", closes)
	}
}

func TestStart_DialFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	f.dialer.DialErr = errors.New("handshake refused")

	if err := f.sess.Start(context.Background()); !errors.Is(err, transcription.ErrTransport) {
		t.Fatalf("Start = %v, want ErrTransport", err)
	}
	if f.dev.IsOpen() {
		t.Error("device still open after dial failure")
	}
}

func TestStart_RejectsWhileActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.sess.Start(context.Background()); !errors.Is(err, transcription.ErrActive) {
		t.Errorf("second Start = %v, want ErrActive", err)
	}
}

func TestSession_ServerErrorClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{KeepAliveInterval: 5 * time.Millisecond})
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := f.sess.Events()

	f.stream.Emit(stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "hello", IsFinal: true}})
	if ev := nextEvent(t, events); ev.Type != stt.EventTranscript || ev.Transcript.Text != "hello" {
		t.Fatalf("event = %+v, want transcript", ev)
	}

	waitFor(t, "keep-alives", func() bool { return f.stream.KeepAliveCount() >= 2 })
	f.stream.CloseWith(stt.CloseInternalError, "server error")

	ev := nextEvent(t, events)
	if ev.Type != stt.EventError || !errors.Is(ev.Err, transcription.ErrTransport) {
		t.Fatalf("event = %+v, want transport error", ev)
	}
	ev = nextEvent(t, events)
	if ev.Type != stt.EventClose || ev.Code != stt.CloseInternalError {
		t.Fatalf("event = %+v, want close 1011", ev)
	}

	// Cleanup has finished by the time Close is observed.
	if f.dev.IsOpen() {
		t.Error("device still open at close")
	}
	if got := f.sess.State(); got != transcription.StateError {
		t.Errorf("state = %v, want error", got)
	}
	kas := f.stream.KeepAliveCount()
	time.Sleep(30 * time.Millisecond)
	if got := f.stream.KeepAliveCount(); got != kas {
		t.Errorf("keep-alives continued after close: %d -> %d", kas, got)
	}

	if _, ok := <-events; ok {
		t.Error("event after close")
	}
	if _, closes := f.dev.Calls(); closes != 1 {
		t.Errorf("device closes = %d, want 1", closes)
	}
}

func TestSession_RestartAfterError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.stream.CloseWith(stt.CloseAbnormal, "")
	for range f.sess.Events() {
	}

	f.dialer.Stream = sttmock.NewStream()
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := f.sess.State(); got != transcription.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	ctx := context.Background()

	if err := f.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := f.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		for range f.sess.Events() {
		}
	}()

	for i := range 3 {
		if err := f.sess.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if got := f.stream.Closes(); got != 1 {
		t.Errorf("stream closes = %d, want 1", got)
	}
	if _, closes := f.dev.Calls(); closes != 1 {
		t.Errorf("device closes = %d, want 1", closes)
	}
	if got := f.sess.State(); got != transcription.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if tok := f.sess.Token(); tok.Key != "" {
		t.Errorf("token not cleared: %+v", tok)
	}
}

func TestStop_ReleasesDeviceWhenCloseFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	f.stream.CloseErr = errors.New("close handshake timed out")
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := f.sess.Stop(context.Background())
	if err == nil {
		t.Error("Stop = nil, want close error reported")
	}
	if f.dev.IsOpen() {
		t.Error("device not released")
	}
}

func TestStop_CancelsPendingStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	f.issuer.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- f.sess.Start(context.Background()) }()
	waitFor(t, "token request", func() bool { return f.issuer.callCount() == 1 })

	if err := f.sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Start = %v, want context.Canceled", err)
	}
	if f.dev.IsOpen() {
		t.Error("device not released")
	}
	if got := f.sess.State(); got != transcription.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestSession_DeviceEndDrainsStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transcription.Config{})
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := f.sess.Events()

	_ = f.dev.Close() // source ran out of audio

	ev := nextEvent(t, events)
	if ev.Type != stt.EventClose || !ev.Normal() {
		t.Fatalf("event = %+v, want normal close", ev)
	}
	if got := f.sess.State(); got != transcription.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestStateObserver(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		states []transcription.State
	)
	dev := &audiomock.Device{}
	stream := sttmock.NewStream()
	sess := transcription.New(dev,
		&authmock.Source{Cred: auth.Credential{AccessToken: "a"}, OK: true},
		&fakeIssuer{},
		&sttmock.Dialer{Stream: stream},
		transcription.Config{},
		transcription.WithStateObserver(func(s transcription.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}),
	)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		for range sess.Events() {
		}
	}()
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []transcription.State{
		transcription.StateRequestingToken,
		transcription.StateConnecting,
		transcription.StateOpen,
		transcription.StateClosing,
		transcription.StateIdle,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}
