package heartbeat

import (
	"context"
	"sync/atomic"
	"time"
)

// Sender emits beats for one session at a fixed interval.
type Sender struct {
	session  string
	emit     EmitFunc
	interval time.Duration
	onError  func(error)

	seq     atomic.Uint64
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a new heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	onError := cfg.OnError
	if onError == nil {
		onError = func(error) {}
	}

	return &Sender{
		session:  cfg.Session,
		emit:     cfg.Emit,
		interval: interval,
		onError:  onError,
	}, nil
}

// Start begins sending beats. The first beat goes out immediately.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main heartbeat loop.
func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.beat(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Sender) beat(ctx context.Context) {
	b := Beat{
		Session:   s.session,
		Seq:       s.seq.Add(1),
		Timestamp: time.Now().UTC(),
	}
	if err := s.emit(ctx, b); err != nil {
		s.onError(err)
	}
}

// Stop stops sending beats and waits for the loop to exit.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Sent returns the number of beats emitted so far.
func (s *Sender) Sent() uint64 {
	return s.seq.Load()
}

// Session returns the session the sender beats for.
func (s *Sender) Session() string {
	return s.session
}
