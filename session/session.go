package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/ctxbus/envelope"
	"github.com/vinayprograms/ctxbus/heartbeat"
	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/port"
)

// Reason says why a session ended.
type Reason string

const (
	ReasonReleased     Reason = "released"
	ReasonDisconnected Reason = "disconnected"
	ReasonExpired      Reason = "expired"
)

// Config configures the panel side of a session.
type Config struct {
	// Identity announced in the hello frame.
	// Default: panel
	Identity envelope.Identity

	// Instance of the bus binding behind the session, if any.
	Instance string

	// Heartbeat interval.
	// Default: 5 seconds
	Heartbeat time.Duration

	// Logger for session events. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Identity:  envelope.Panel(),
		Heartbeat: heartbeat.DefaultSenderConfig().Interval,
	}
}

// Session is the panel's end of an open session.
type Session struct {
	id       string
	identity envelope.Identity
	port     port.Port
	sender   *heartbeat.Sender
	logger   *logging.Logger

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Open announces a new session on p and starts beating. The port belongs
// to the session from here on: Close closes it.
func Open(ctx context.Context, p port.Port, cfg Config) (*Session, error) {
	if p == nil {
		return nil, errors.New("session: nil port")
	}
	if cfg.Identity.IsZero() {
		cfg.Identity = envelope.Panel()
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	s := &Session{
		id:       uuid.NewString(),
		identity: cfg.Identity,
		port:     p,
		logger:   cfg.Logger,
	}

	id := cfg.Identity
	if err := s.send(ctx, Frame{Kind: FrameHello, Session: s.id, Identity: &id, Instance: cfg.Instance}); err != nil {
		p.Close()
		return nil, fmt.Errorf("session hello: %w", err)
	}

	sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
		Session:  s.id,
		Interval: cfg.Heartbeat,
		Emit: func(ctx context.Context, b heartbeat.Beat) error {
			return s.send(ctx, Frame{Kind: FrameBeat, Session: s.id, Beat: &b})
		},
		OnError: func(err error) {
			if !errors.Is(err, port.ErrClosed) {
				s.logger.Warn("heartbeat_failed", map[string]interface{}{"session": s.id, "error": err.Error()})
			}
		},
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	s.sender = sender
	sender.Start(context.Background())

	s.logger.SessionStarted(s.id, id.String())
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Identity returns the identity announced in the hello frame.
func (s *Session) Identity() envelope.Identity { return s.identity }

// Done is closed when the port ends, from either side.
func (s *Session) Done() <-chan struct{} { return s.port.Done() }

// Close says bye, stops beating and closes the port. Only the first call
// does anything; later calls return its result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.sender.Stop()
		err := s.send(ctx, Frame{Kind: FrameBye, Session: s.id})
		if errors.Is(err, port.ErrClosed) {
			err = nil
		}
		if cerr := s.port.Close(); err == nil {
			err = cerr
		}
		s.closeErr = err
		s.logger.Info("session_closed", map[string]interface{}{"session": s.id})
	})
	return s.closeErr
}

func (s *Session) send(ctx context.Context, f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.port.Send(ctx, data)
}

// DialFunc opens the port a session runs over.
type DialFunc func(ctx context.Context) (port.Port, error)

// Scope opens a session, runs fn and closes the session on every return
// path, including a panic in fn.
func Scope(ctx context.Context, dial DialFunc, cfg Config, fn func(ctx context.Context, s *Session) error) error {
	p, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("session dial: %w", err)
	}
	s, err := Open(ctx, p, cfg)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))
	return fn(ctx, s)
}
