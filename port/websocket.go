package port

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// WebSocketPort implements Port over a WebSocket connection. It is used
// when the panel and the background run as separate processes.
type WebSocketPort struct {
	conn   *websocket.Conn
	name   string
	config Config

	in      *inbox
	writeMu sync.Mutex

	readEnded chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// NewWebSocketPort wraps an established connection and starts its read
// and keepalive loops.
func NewWebSocketPort(conn *websocket.Conn, name string, cfg Config) *WebSocketPort {
	cfg = cfg.withDefaults()
	conn.SetReadLimit(cfg.MaxFrameSize)

	p := &WebSocketPort{
		conn:   conn,
		name:   name,
		config: cfg,
		in:        newInbox(),
		readEnded: make(chan struct{}),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	if cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}

	var g errgroup.Group
	g.Go(p.readLoop)
	g.Go(p.pingLoop)
	go func() {
		err := g.Wait()
		p.finish(err)
	}()

	return p
}

// NewWebSocketUpgrader creates an upgrader for accepting port connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// Dial opens a port to a Listener at rawURL.
func Dial(ctx context.Context, rawURL, name string, cfg Config) (*WebSocketPort, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse port url: %w", err)
	}
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial port: %w", err)
	}
	return NewWebSocketPort(conn, name, cfg), nil
}

// Name returns the port label.
func (p *WebSocketPort) Name() string { return p.name }

// Recv returns the channel for incoming frames.
func (p *WebSocketPort) Recv() <-chan []byte { return p.in.out }

// Done is closed when the connection ends.
func (p *WebSocketPort) Done() <-chan struct{} { return p.done }

// Err reports an abnormal end, nil for a normal closure.
func (p *WebSocketPort) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Send writes a frame. The write deadline is the earlier of the context
// deadline and WriteTimeout.
func (p *WebSocketPort) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if int64(len(frame)) > p.config.MaxFrameSize {
		return ErrFrameTooBig
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(p.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		select {
		case <-p.done:
			return ErrClosed
		default:
		}
		return fmt.Errorf("port write: %w", err)
	}
	return nil
}

// Close sends a normal closure and tears the connection down.
func (p *WebSocketPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closing)
		p.writeMu.Lock()
		p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		p.writeMu.Unlock()

		p.in.abort()
		err = p.conn.Close()
		p.markDone(nil)
	})
	return err
}

// readLoop reads frames until the connection ends.
func (p *WebSocketPort) readLoop() error {
	defer close(p.readEnded)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-p.closing:
				return nil
			default:
			}
			return fmt.Errorf("port read: %w", err)
		}
		p.in.push(data)
	}
}

// pingLoop sends keepalive pings until the read side ends.
func (p *WebSocketPort) pingLoop() error {
	if p.config.PingInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(p.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.readEnded:
			return nil
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.config.WriteTimeout))
			p.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				select {
				case <-p.closing:
					return nil
				case <-p.readEnded:
					return nil
				default:
				}
				// Unblock the reader so the group can finish.
				p.conn.Close()
				return fmt.Errorf("port ping: %w", err)
			}
		}
	}
}

func (p *WebSocketPort) markDone(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil && p.err == nil {
		p.err = err
	}
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// finish records the loop error and lets queued frames drain.
func (p *WebSocketPort) finish(err error) {
	p.markDone(err)
	p.in.finish()
	if err != nil {
		p.conn.Close()
	}
}
