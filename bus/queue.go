package bus

import "sync"

// fifo is an unbounded queue feeding a channel. Producers never block;
// a pump goroutine forwards items to out in insertion order.
type fifo struct {
	mu      sync.Mutex
	items   []*Message
	signal  chan struct{}
	stop    chan struct{}
	stopped bool
	out     chan *Message
}

func newFIFO(capacity int) *fifo {
	q := &fifo{
		items:  make([]*Message, 0, capacity),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan *Message),
	}
	go q.pump()
	return q
}

// push appends msg. Returns false once the queue is stopped.
func (q *fifo) push(msg *Message) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// close stops the pump. Undelivered items are discarded and out is closed.
func (q *fifo) close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.items = nil
	q.mu.Unlock()
	close(q.stop)
}

func (q *fifo) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		var next *Message
		if len(q.items) > 0 {
			next = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
		}
		q.mu.Unlock()

		if next == nil {
			select {
			case <-q.signal:
				continue
			case <-q.stop:
				return
			}
		}

		select {
		case q.out <- next:
		case <-q.stop:
			return
		}
	}
}
