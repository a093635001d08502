package port

import "sync"

// inbox is an unbounded frame queue feeding a channel. finish lets queued
// frames drain before the channel closes; abort discards them.
type inbox struct {
	mu        sync.Mutex
	items     [][]byte
	finishing bool
	signal    chan struct{}
	aborted   chan struct{}
	abortOnce sync.Once
	out       chan []byte
}

func newInbox() *inbox {
	in := &inbox{
		signal:  make(chan struct{}, 1),
		aborted: make(chan struct{}),
		out:     make(chan []byte),
	}
	go in.pump()
	return in
}

func (in *inbox) push(frame []byte) bool {
	in.mu.Lock()
	if in.finishing {
		in.mu.Unlock()
		return false
	}
	in.items = append(in.items, frame)
	in.mu.Unlock()
	in.wake()
	return true
}

func (in *inbox) finish() {
	in.mu.Lock()
	in.finishing = true
	in.mu.Unlock()
	in.wake()
}

func (in *inbox) abort() {
	in.mu.Lock()
	in.finishing = true
	in.items = nil
	in.mu.Unlock()
	in.abortOnce.Do(func() { close(in.aborted) })
}

func (in *inbox) wake() {
	select {
	case in.signal <- struct{}{}:
	default:
	}
}

func (in *inbox) pump() {
	defer close(in.out)
	for {
		in.mu.Lock()
		var next []byte
		have := len(in.items) > 0
		if have {
			next = in.items[0]
			in.items[0] = nil
			in.items = in.items[1:]
		}
		done := !have && in.finishing
		in.mu.Unlock()

		if done {
			return
		}
		if !have {
			select {
			case <-in.signal:
				continue
			case <-in.aborted:
				return
			}
		}

		select {
		case in.out <- next:
		case <-in.aborted:
			return
		}
	}
}
