// Package deepgram provides a Deepgram-backed stt.Dialer using the Deepgram
// streaming WebSocket API, plus a KeyIssuer for minting the short-lived keys
// that authorise those streams.
//
// Streams authenticate with the temporary key carried in the WebSocket
// subprotocol list (["token", key]), the same handshake browsers use because
// they cannot set an Authorization header.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-2"
	defaultLanguage = "en-US"
	defaultEncoding = "linear16"

	keepAliveMessage   = `{"type":"KeepAlive"}`
	closeStreamMessage = `{"type":"CloseStream"}`

	readLimit = 1 << 20
)

// KeepAliveMode selects the frame sent by Stream.KeepAlive.
type KeepAliveMode string

const (
	// KeepAliveMessage sends the {"type":"KeepAlive"} control message.
	KeepAliveMessage KeepAliveMode = "message"

	// KeepAliveEmpty sends a zero-length binary frame. Only for endpoints
	// that accept empty audio as a no-op.
	KeepAliveEmpty KeepAliveMode = "empty"
)

// Option is a functional option for configuring the Dialer.
type Option func(*Dialer)

// WithEndpoint overrides the streaming endpoint (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(d *Dialer) {
		d.endpoint = endpoint
	}
}

// WithKeepAliveMode sets the keep-alive frame kind.
func WithKeepAliveMode(mode KeepAliveMode) Option {
	return func(d *Dialer) {
		d.keepAlive = mode
	}
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) {
		d.httpClient = c
	}
}

// Dialer implements stt.Dialer backed by the Deepgram streaming API.
type Dialer struct {
	endpoint   string
	keepAlive  KeepAliveMode
	httpClient *http.Client
}

var _ stt.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer with the given options applied over defaults.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		endpoint:  defaultEndpoint,
		keepAlive: KeepAliveMessage,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens a stream authorised by token.
func (d *Dialer) Dial(ctx context.Context, token stt.Token, cfg stt.StreamConfig) (stt.Stream, error) {
	if token.Key == "" {
		return nil, errors.New("deepgram: dial: empty token")
	}
	wsURL, err := buildURL(d.endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:   d.httpClient,
		Subprotocols: []string{"token", token.Key},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	return newStream(conn, d.keepAlive), nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func buildURL(endpoint string, cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// deepgramMessage is the JSON structure of server messages. Only the fields
// used for Results and Metadata are decoded.
type deepgramMessage struct {
	Type      string `json:"type"`
	IsFinal   bool   `json:"is_final"`
	RequestID string `json:"request_id"`
	Channel   struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// stream is a live Deepgram connection. It implements stt.Stream.
//
// readLoop is the only goroutine that sends on events, which is what keeps
// the close event last.
type stream struct {
	conn      *websocket.Conn
	keepAlive KeepAliveMode

	out    chan outbound
	events chan stt.Event

	ctx    context.Context
	cancel context.CancelFunc

	done       chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once

	localClose atomic.Bool
	writeErr   atomic.Pointer[error]
}

func newStream(conn *websocket.Conn, mode KeepAliveMode) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:       conn,
		keepAlive:  mode,
		out:        make(chan outbound, 256),
		events:     make(chan stt.Event, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// SendAudio queues an audio frame for delivery to Deepgram.
func (s *stream) SendAudio(frame []byte) error {
	return s.enqueue(outbound{typ: websocket.MessageBinary, data: frame})
}

// KeepAlive queues a keep-alive frame.
func (s *stream) KeepAlive() error {
	if s.keepAlive == KeepAliveEmpty {
		return s.enqueue(outbound{typ: websocket.MessageBinary, data: []byte{}})
	}
	return s.enqueue(outbound{typ: websocket.MessageText, data: []byte(keepAliveMessage)})
}

func (s *stream) enqueue(m outbound) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return stt.ErrClosed
	case <-s.writerDone:
		return stt.ErrClosed
	}
}

// Events returns the ordered event channel.
func (s *stream) Events() <-chan stt.Event { return s.events }

// Close sends CloseStream so Deepgram flushes pending results, waits for the
// server to finish (bounded by ctx) and completes the close handshake.
func (s *stream) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.localClose.Store(true)
		close(s.done)

		select {
		case <-s.writerDone:
		case <-ctx.Done():
		}

		select {
		case <-s.readerDone:
			// The server already went away; nothing left to flush.
		default:
			if werr := s.conn.Write(ctx, websocket.MessageText, []byte(closeStreamMessage)); werr != nil {
				err = fmt.Errorf("deepgram: send CloseStream: %w", werr)
			}
			select {
			case <-s.readerDone:
			case <-ctx.Done():
			}
		}

		select {
		case <-s.readerDone:
		default:
			if cerr := s.conn.Close(websocket.StatusNormalClosure, "stream closed"); cerr != nil && err == nil {
				err = fmt.Errorf("deepgram: close: %w", cerr)
			}
		}
		s.cancel()
		<-s.readerDone
	})
	return err
}

// writeLoop sends queued frames in order. A write failure tears the
// connection down so readLoop reports it.
func (s *stream) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case m := <-s.out:
			if err := s.conn.Write(s.ctx, m.typ, m.data); err != nil {
				werr := fmt.Errorf("deepgram: write: %w", err)
				s.writeErr.Store(&werr)
				s.conn.CloseNow()
				return
			}
		case <-s.done:
			for {
				select {
				case m := <-s.out:
					if err := s.conn.Write(s.ctx, m.typ, m.data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop decodes server messages into events until the connection ends,
// then emits exactly one close event and closes the channel.
func (s *stream) readLoop() {
	defer close(s.readerDone)
	defer close(s.events)
	defer s.cancel() // unblocks a writer stuck on a dead connection

	for {
		typ, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		t, ok, perr := parseMessage(msg)
		if perr != nil {
			s.events <- stt.Event{Type: stt.EventError, Err: perr}
			continue
		}
		if !ok {
			continue
		}
		s.events <- stt.Event{Type: stt.EventTranscript, Transcript: t}
	}
}

// finish translates the terminal read error into error/close events.
func (s *stream) finish(err error) {
	code := int(websocket.CloseStatus(err))
	var reason string
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}

	if wp := s.writeErr.Load(); wp != nil {
		s.events <- stt.Event{Type: stt.EventError, Err: *wp}
		if code == -1 {
			code = stt.CloseAbnormal
		}
	}

	switch {
	case code == -1 && s.localClose.Load():
		code, reason = stt.CloseNormal, "closed by client"
	case code == -1:
		code = stt.CloseAbnormal
		s.events <- stt.Event{Type: stt.EventError, Err: fmt.Errorf("deepgram: read: %w", err)}
	case code != stt.CloseNormal:
		s.events <- stt.Event{Type: stt.EventError, Err: fmt.Errorf("deepgram: connection closed: status %d: %s", code, reason)}
	}

	s.events <- stt.Event{Type: stt.EventClose, Code: code, Reason: reason}
}

// parseMessage decodes a raw server message. It returns ok=false for
// messages that carry no transcript (Metadata, SpeechStarted, UtteranceEnd).
func parseMessage(data []byte) (stt.Transcript, bool, error) {
	var m deepgramMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Transcript{}, false, fmt.Errorf("deepgram: malformed message: %w", err)
	}
	switch m.Type {
	case "Results":
	case "Metadata":
		slog.Debug("deepgram: metadata", "request_id", m.RequestID)
		return stt.Transcript{}, false, nil
	default:
		return stt.Transcript{}, false, nil
	}
	if len(m.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false, nil
	}

	alt := m.Channel.Alternatives[0]
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    m.IsFinal,
		Confidence: alt.Confidence,
	}, true, nil
}
