package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/ctxbus/envelope"
	"github.com/vinayprograms/ctxbus/heartbeat"
	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/port"
	"github.com/vinayprograms/ctxbus/telemetry"
)

// ErrHandshake is returned when a port does not open with a valid hello.
var ErrHandshake = errors.New("session handshake failed")

// ErrTrackerClosed is returned by Accept after Close.
var ErrTrackerClosed = errors.New("session tracker closed")

// Info describes an accepted session.
type Info struct {
	ID       string
	Identity envelope.Identity
	Instance string
	Started  time.Time
}

// Ended is reported once per session.
type Ended struct {
	Info
	Reason   Reason
	Duration time.Duration
}

// TrackerConfig configures the background side.
type TrackerConfig struct {
	// Monitor decides when a silent session expires.
	Monitor heartbeat.MonitorConfig

	// HandshakeTimeout bounds the wait for the hello frame.
	// Default: 5 seconds
	HandshakeTimeout time.Duration

	// Logger for session events. Default: discard.
	Logger *logging.Logger

	// Tracer for session spans. Default: global tracer.
	Tracer *telemetry.Tracer
}

// DefaultTrackerConfig returns configuration with sensible defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Monitor:          heartbeat.DefaultMonitorConfig(),
		HandshakeTimeout: 5 * time.Second,
	}
}

type tracked struct {
	info Info
	port port.Port
	span trace.Span
	once sync.Once
}

// Tracker accepts sessions on the background side and reports how each
// one ended.
type Tracker struct {
	cfg     TrackerConfig
	monitor *heartbeat.Monitor
	logger  *logging.Logger
	tracer  *telemetry.Tracer

	mu       sync.Mutex
	sessions map[string]*tracked
	onEnd    []func(Ended)
	closed   bool
	wg       sync.WaitGroup
}

// NewTracker creates a tracker and starts its heartbeat monitor.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultTrackerConfig().HandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}

	t := &Tracker{
		cfg:      cfg,
		monitor:  heartbeat.NewMonitor(cfg.Monitor),
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		sessions: make(map[string]*tracked),
	}
	t.monitor.OnDead(t.expire)
	t.monitor.Start()
	return t
}

// OnEnd registers a callback run once for every session that ends.
// Callbacks run on the goroutine that observed the end.
func (t *Tracker) OnEnd(fn func(Ended)) {
	t.mu.Lock()
	t.onEnd = append(t.onEnd, fn)
	t.mu.Unlock()
}

// Accept waits for the hello frame on p and starts watching the session.
// A port that does not open with a valid hello is closed.
func (t *Tracker) Accept(ctx context.Context, p port.Port) (Info, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		p.Close()
		return Info{}, ErrTrackerClosed
	}

	hello, err := t.handshake(ctx, p)
	if err != nil {
		p.Close()
		return Info{}, err
	}

	info := Info{
		ID:       hello.Session,
		Identity: *hello.Identity,
		Instance: hello.Instance,
		Started:  time.Now(),
	}
	_, span := t.tracer.StartSessionSpan(ctx, info.ID)
	tr := &tracked{info: info, port: p, span: span}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.Close()
		span.End()
		return Info{}, ErrTrackerClosed
	}
	if _, dup := t.sessions[info.ID]; dup {
		t.mu.Unlock()
		p.Close()
		span.End()
		return Info{}, fmt.Errorf("%w: duplicate session %s", ErrHandshake, info.ID)
	}
	t.sessions[info.ID] = tr
	t.wg.Add(1)
	t.mu.Unlock()

	t.monitor.Track(info.ID)
	t.logger.SessionStarted(info.ID, info.Identity.String())

	go t.watch(tr)
	return info, nil
}

func (t *Tracker) handshake(ctx context.Context, p port.Port) (Frame, error) {
	timer := time.NewTimer(t.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-p.Recv():
		if !ok {
			return Frame{}, fmt.Errorf("%w: port closed before hello", ErrHandshake)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if f.Kind != FrameHello {
			return Frame{}, fmt.Errorf("%w: expected hello, got %s", ErrHandshake, f.Kind)
		}
		return f, nil
	case <-timer.C:
		return Frame{}, fmt.Errorf("%w: no hello within %s", ErrHandshake, t.cfg.HandshakeTimeout)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *Tracker) watch(tr *tracked) {
	defer t.wg.Done()
	for data := range tr.port.Recv() {
		f, err := decodeFrame(data)
		if err != nil || f.Session != tr.info.ID {
			t.logger.Warn("session_frame_dropped", map[string]interface{}{"session": tr.info.ID})
			continue
		}
		switch f.Kind {
		case FrameBeat:
			b := *f.Beat
			b.Session = tr.info.ID
			t.monitor.Receive(b)
		case FrameBye:
			t.end(tr, ReasonReleased)
			return
		}
	}
	t.end(tr, ReasonDisconnected)
}

func (t *Tracker) expire(id string) {
	t.mu.Lock()
	tr, ok := t.sessions[id]
	t.mu.Unlock()
	if ok {
		t.end(tr, ReasonExpired)
	}
}

func (t *Tracker) end(tr *tracked, reason Reason) {
	tr.once.Do(func() {
		t.mu.Lock()
		delete(t.sessions, tr.info.ID)
		callbacks := make([]func(Ended), len(t.onEnd))
		copy(callbacks, t.onEnd)
		t.mu.Unlock()

		t.monitor.Forget(tr.info.ID)
		tr.port.Close()

		ended := Ended{Info: tr.info, Reason: reason, Duration: time.Since(tr.info.Started)}
		t.tracer.EndSessionSpan(tr.span, string(reason))
		t.logger.SessionEnded(tr.info.ID, string(reason), ended.Duration)

		for _, cb := range callbacks {
			cb(ended)
		}
	})
}

// Active returns the open sessions, oldest first.
func (t *Tracker) Active() []Info {
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for _, tr := range t.sessions {
		out = append(out, tr.info)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Close stops accepting, closes every open session and waits for their
// end callbacks. Sessions still open end as disconnected.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	open := make([]*tracked, 0, len(t.sessions))
	for _, tr := range t.sessions {
		open = append(open, tr)
	}
	t.mu.Unlock()

	t.monitor.Stop()
	for _, tr := range open {
		t.end(tr, ReasonDisconnected)
	}
	t.wg.Wait()
	return nil
}
