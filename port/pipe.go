package port

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory ports. Frames sent on one arrive on
// the other. Closing either end ends both.
func Pipe(name string) (Port, Port) {
	state := &pipeState{done: make(chan struct{})}
	a := &pipeEnd{name: name, state: state, in: newInbox()}
	b := &pipeEnd{name: name, state: state, in: newInbox()}
	a.peer, b.peer = b, a
	return a, b
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	name  string
	state *pipeState
	in    *inbox
	peer  *pipeEnd
}

func (p *pipeEnd) Name() string { return p.name }

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	if !p.peer.in.push(buf) {
		return ErrClosed
	}
	return nil
}

func (p *pipeEnd) Recv() <-chan []byte { return p.in.out }

func (p *pipeEnd) Done() <-chan struct{} { return p.state.done }

func (p *pipeEnd) Err() error { return nil }

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	// What this end had not read yet is no longer wanted; what it sent
	// still reaches the peer.
	p.in.abort()
	p.peer.in.finish()
	return nil
}
