package port

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Listener accepts ports over WebSocket. It is an http.Handler; mount it
// on the background's server and call Accept for each incoming port.
type Listener struct {
	upgrader  *websocket.Upgrader
	config    Config
	accepted  chan *WebSocketPort
	done      chan struct{}
	closeOnce sync.Once
}

// NewListener creates a listener with the given port configuration.
func NewListener(cfg Config) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		upgrader: NewWebSocketUpgrader(),
		config:   cfg,
		accepted: make(chan *WebSocketPort, cfg.AcceptBacklog),
		done:     make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and queues the port for Accept.
// The port name comes from the "name" query parameter.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, ErrEmptyName.Error(), http.StatusBadRequest)
		return
	}
	select {
	case <-l.done:
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	p := NewWebSocketPort(conn, name, l.config)

	select {
	case l.accepted <- p:
	case <-l.done:
		p.Close()
	case <-r.Context().Done():
		p.Close()
	}
}

// Accept waits for the next incoming port.
func (l *Listener) Accept(ctx context.Context) (Port, error) {
	select {
	case p := <-l.accepted:
		return p, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and closes ports nobody accepted.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		for {
			select {
			case p := <-l.accepted:
				p.Close()
			default:
				return
			}
		}
	})
	return nil
}
