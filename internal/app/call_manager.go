package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zeroscript/zeroscript/internal/aggregator"
	"github.com/zeroscript/zeroscript/internal/matcher"
	"github.com/zeroscript/zeroscript/internal/notify"
	"github.com/zeroscript/zeroscript/internal/observe"
	"github.com/zeroscript/zeroscript/internal/transcription"
	"github.com/zeroscript/zeroscript/pkg/audio"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

const (
	// endTimeout bounds the teardown of a call that ended on its own.
	endTimeout = 5 * time.Second

	// matchTimeout bounds one script match.
	matchTimeout = 15 * time.Second
)

var (
	// ErrCallActive is returned by StartCall while another call is active.
	ErrCallActive = errors.New("app: a call is already active")
)

// CallInfo holds metadata about the active call.
type CallInfo struct {
	// CallID is a random identifier stamped on every event of the call.
	CallID string

	// StartedAt is when StartCall was accepted.
	StartedAt time.Time

	// UserID is the identity the transcription token was issued to.
	UserID string
}

// Credentials supplies the bearer credential to both the transcription
// session and the matcher. *auth.Supplier implements it.
type Credentials interface {
	transcription.CredentialSource
	matcher.CredentialSource
}

// CallManagerConfig holds all dependencies for a [CallManager].
type CallManagerConfig struct {
	Device      audio.Device
	Dialer      stt.Dialer
	Credentials Credentials
	Issuer      transcription.TokenIssuer
	Scorer      matcher.Scorer
	Sink        notify.Sink

	// Session is passed to every transcription session.
	Session transcription.Config

	// QuietPeriod and Threshold apply to calls started after they are set.
	QuietPeriod time.Duration
	Threshold   float64

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// CallManager runs the lifecycle of calls. Only one call can be active at a
// time; it owns the capture device for its whole duration. All exported
// methods are safe for concurrent use.
type CallManager struct {
	device  audio.Device
	dialer  stt.Dialer
	creds   Credentials
	issuer  transcription.TokenIssuer
	scorer  matcher.Scorer
	sink    notify.Sink
	session transcription.Config
	metrics *observe.Metrics

	quiet     atomic.Int64  // time.Duration
	threshold atomic.Uint64 // math.Float64bits

	mu   sync.Mutex
	call *call
}

// call is one CallSession: the token, transcription session, aggregation
// buffer and matcher bound to a single StartCall.
type call struct {
	info    CallInfo
	ctx     context.Context
	cancel  context.CancelFunc
	sess    *transcription.Session
	agg     *aggregator.Aggregator
	matcher *matcher.Matcher

	// done is closed once nothing reads the session's events any more.
	done chan struct{}

	active  atomic.Bool
	ending  atomic.Bool
	endOnce sync.Once
}

// NewCallManager creates a CallManager with the given dependencies.
func NewCallManager(cfg CallManagerConfig) *CallManager {
	if cfg.Sink == nil {
		cfg.Sink = notify.LogSink{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	c := &CallManager{
		device:  cfg.Device,
		dialer:  cfg.Dialer,
		creds:   cfg.Credentials,
		issuer:  cfg.Issuer,
		scorer:  cfg.Scorer,
		sink:    cfg.Sink,
		session: cfg.Session,
		metrics: cfg.Metrics,
	}
	c.SetQuietPeriod(cfg.QuietPeriod)
	c.SetThreshold(cfg.Threshold)
	return c
}

// SetQuietPeriod changes the debounce period of future calls. Zero or
// negative selects aggregator.DefaultQuietPeriod.
func (c *CallManager) SetQuietPeriod(d time.Duration) {
	if d <= 0 {
		d = aggregator.DefaultQuietPeriod
	}
	c.quiet.Store(int64(d))
}

// SetThreshold changes the similarity threshold of future calls. Zero or
// negative selects playbook.DefaultThreshold.
func (c *CallManager) SetThreshold(t float64) {
	if t <= 0 {
		t = playbook.DefaultThreshold
	}
	c.threshold.Store(math.Float64bits(t))
}

// Info returns the active call, if any.
func (c *CallManager) Info() (CallInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return CallInfo{}, false
	}
	return c.call.info, true
}

// IsActive reports whether a call is running or starting.
func (c *CallManager) IsActive() bool {
	_, ok := c.Info()
	return ok
}

// StartCall opens the capture device, obtains a transcription token and
// opens the stream. It returns once audio is flowing. A second call while
// one is active is rejected with ErrCallActive. Failures are reported to
// the sink as well as returned, and the call is not kept.
func (c *CallManager) StartCall(ctx context.Context) (CallInfo, error) {
	c.mu.Lock()
	if c.call != nil {
		id := c.call.info.CallID
		c.mu.Unlock()
		return CallInfo{}, fmt.Errorf("%w (id=%s)", ErrCallActive, id)
	}

	id := uuid.NewString()
	callCtx, cancel := context.WithCancel(observe.WithCallID(context.Background(), id))
	cl := &call{
		info:   CallInfo{CallID: id, StartedAt: time.Now().UTC()},
		ctx:    callCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	cl.matcher = matcher.New(c.creds, c.scorer,
		matcher.WithThreshold(math.Float64frombits(c.threshold.Load())),
		matcher.WithResultObserver(func(d time.Duration, _ playbook.Match, _ error) {
			c.metrics.MatchDuration.Record(callCtx, d.Seconds())
		}),
	)
	cl.agg = aggregator.New(aggregator.Config{
		QuietPeriod: time.Duration(c.quiet.Load()),
		OnDispatch:  func(text string) { go c.match(cl, text) },
		OnInterim:   func(text string) { c.sink.Notify(notify.NewInterim(id, text)) },
	})
	cl.sess = transcription.New(c.device, c.creds, c.issuer, c.dialer, c.session,
		transcription.WithStateObserver(func(st transcription.State) {
			observe.Logger(callCtx).Debug("call: transcription state", "state", st.String())
		}),
	)
	// Visible before Start so that EndCall can abort a pending start.
	c.call = cl
	c.mu.Unlock()

	log := observe.Logger(callCtx)
	c.sink.Notify(notify.NewStatus(id, notify.StateConnecting, ""))

	start := time.Now()
	startCtx, span := observe.StartSpan(observe.WithCallID(ctx, id), "call.start")
	err := cl.sess.Start(startCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
	}
	span.End()
	if err != nil {
		close(cl.done)
		cl.agg.Stop()
		cancel()

		c.mu.Lock()
		if c.call == cl {
			c.call = nil
		}
		c.mu.Unlock()

		if cl.ending.Load() {
			// EndCall aborted the start and reports idle itself.
			return CallInfo{}, fmt.Errorf("app: start call: %w", context.Canceled)
		}
		log.Warn("call: start failed", "err", err)
		c.report(id, err)
		c.sink.Notify(notify.NewStatus(id, notify.StateIdle, ""))
		return CallInfo{}, fmt.Errorf("app: start call: %w", err)
	}
	c.metrics.ConnectDuration.Record(callCtx, time.Since(start).Seconds())

	if cl.ending.Load() {
		// EndCall ran before Start held the session, so its Stop found
		// nothing to stop. The device and stream are released here.
		c.abort(cl)
		return CallInfo{}, fmt.Errorf("app: start call: %w", context.Canceled)
	}

	c.mu.Lock()
	cl.info.UserID = cl.sess.Token().UserID
	info := cl.info
	c.mu.Unlock()

	cl.active.Store(true)
	c.metrics.ActiveCalls.Add(callCtx, 1)
	go c.consume(cl)

	if cl.ending.Load() {
		return CallInfo{}, fmt.Errorf("app: start call: %w", context.Canceled)
	}
	c.sink.Notify(notify.NewStatus(id, notify.StateListening, ""))
	log.Info("call started", "user_id", info.UserID, "connect_ms", time.Since(start).Milliseconds())
	return info, nil
}

// EndCall tears the active call down: the pending debounce timer is
// cancelled without dispatch, audio forwarding stops, the stream is closed
// gracefully (a failed close is logged), the device is released, and the
// buffer, token and in-flight match are discarded. EndCall is idempotent;
// with no active call it does nothing.
func (c *CallManager) EndCall(ctx context.Context) error {
	c.mu.Lock()
	cl := c.call
	c.call = nil
	c.mu.Unlock()
	if cl == nil {
		return nil
	}
	return c.end(ctx, cl)
}

func (c *CallManager) end(ctx context.Context, cl *call) error {
	var err error
	cl.endOnce.Do(func() {
		id := cl.info.CallID
		log := observe.Logger(cl.ctx)
		cl.ending.Store(true)
		c.sink.Notify(notify.NewStatus(id, notify.StateStopping, ""))

		cl.agg.Stop()
		if stopErr := cl.sess.Stop(ctx); stopErr != nil {
			log.Warn("call: stop transcription", "err", stopErr)
			err = stopErr
		}
		cl.cancel()

		select {
		case <-cl.done:
		case <-ctx.Done():
			log.Warn("call: event consumer still running at end deadline")
		}
		if cl.active.Load() {
			c.metrics.ActiveCalls.Add(context.Background(), -1)
		}

		c.sink.Notify(notify.NewStatus(id, notify.StateIdle, ""))
		log.Info("call ended", "duration", time.Since(cl.info.StartedAt).Round(time.Millisecond))
	})
	return err
}

// abort stops a session whose call was ended while it was still starting.
// Its events are drained and discarded.
func (c *CallManager) abort(cl *call) {
	go func() {
		for range cl.sess.Events() {
		}
		close(cl.done)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	if err := cl.sess.Stop(ctx); err != nil {
		observe.Logger(cl.ctx).Warn("call: stop aborted transcription", "err", err)
	}
	cl.cancel()
}

// consume delivers the session's events in arrival order. When the stream
// closes on its own the call is ended here.
func (c *CallManager) consume(cl *call) {
	id := cl.info.CallID
	log := observe.Logger(cl.ctx)

	// An abnormal close is preceded by its error event; report it once.
	reported := false
	for ev := range cl.sess.Events() {
		switch ev.Type {
		case stt.EventTranscript:
			c.metrics.RecordTranscript(cl.ctx, ev.Transcript.IsFinal)
			cl.agg.Add(ev.Transcript)
		case stt.EventError:
			if cl.ending.Load() {
				continue
			}
			log.Warn("call: transcription error", "err", ev.Err)
			c.report(id, ev.Err)
			reported = true
		case stt.EventClose:
			if !ev.Normal() && !cl.ending.Load() && !reported {
				err := fmt.Errorf("%w: closed with code %d: %s", transcription.ErrTransport, ev.Code, ev.Reason)
				log.Warn("call: transcription closed unexpectedly", "code", ev.Code, "reason", ev.Reason)
				c.report(id, err)
			}
		}
	}
	close(cl.done)

	c.mu.Lock()
	current := c.call == cl
	if current {
		c.call = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	_ = c.end(ctx, cl)
}

// match resolves one dispatched snapshot. Results that arrive after the
// call ended are discarded.
func (c *CallManager) match(cl *call, text string) {
	ctx, cancel := context.WithTimeout(cl.ctx, matchTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "call.match", trace.WithAttributes(attribute.Int("text_len", len(text))))
	defer span.End()
	log := observe.Logger(ctx)

	m, err := cl.matcher.Match(ctx, text)
	if err != nil && !errors.Is(err, matcher.ErrBusy) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "match failed")
	}
	span.SetAttributes(attribute.Bool("matched", m.Matched))
	if cl.ctx.Err() != nil {
		log.Debug("call: discarding match result of ended call")
		return
	}

	id := cl.info.CallID
	switch {
	case errors.Is(err, matcher.ErrBusy):
		c.metrics.RecordMatch(ctx, observe.MatchBusy)
		log.Debug("call: match in flight, dropping snapshot", "text_len", len(text))
		return
	case err != nil:
		c.metrics.RecordMatch(ctx, observe.MatchError)
		log.Warn("call: match failed", "err", err)
		c.report(id, err)
		c.sink.Notify(notify.NewStatus(id, notify.StateListening, ""))
		return
	}

	if m.Matched {
		c.metrics.RecordMatch(ctx, observe.MatchMatched)
	} else {
		c.metrics.RecordMatch(ctx, observe.MatchNone)
	}
	c.sink.Notify(notify.NewMatch(id, notify.Match{
		Matched:    m.Matched,
		Intent:     m.Intent,
		Script:     m.Script,
		Similarity: m.Similarity,
	}))
}

func (c *CallManager) report(callID string, err error) {
	c.sink.Notify(notify.NewError(callID, Classify(err)))
}

// Shutdown ends the active call, if any, within ctx.
func (c *CallManager) Shutdown(ctx context.Context) error {
	if err := c.EndCall(ctx); err != nil {
		slog.Warn("call manager: end call on shutdown", "err", err)
		return err
	}
	return nil
}
