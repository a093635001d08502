package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"
)

// Monitor tracks when each session last beat and reports sessions that
// fell silent. Liveness is judged on the monitor's own clock, so clock
// skew between contexts does not matter.
type Monitor struct {
	timeout       time.Duration
	checkInterval time.Duration

	mu       sync.RWMutex
	lastSeen map[string]time.Time
	lastBeat map[string]Beat
	deadCBs  []func(string)
	reported map[string]bool // Track already-reported dead sessions

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a new heartbeat monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultMonitorConfig().Timeout
	}

	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultMonitorConfig().CheckInterval
	}

	return &Monitor{
		timeout:       timeout,
		checkInterval: checkInterval,
		lastSeen:      make(map[string]time.Time),
		lastBeat:      make(map[string]Beat),
		reported:      make(map[string]bool),
	}
}

// Track starts watching a session as if it had just beat.
func (m *Monitor) Track(session string) {
	m.mu.Lock()
	m.lastSeen[session] = time.Now()
	delete(m.reported, session)
	m.mu.Unlock()
}

// Receive records a beat. Beats of untracked sessions are ignored.
func (m *Monitor) Receive(b Beat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lastSeen[b.Session]; !ok {
		return
	}
	m.lastSeen[b.Session] = time.Now()
	m.lastBeat[b.Session] = b
}

// Forget stops watching a session.
func (m *Monitor) Forget(session string) {
	m.mu.Lock()
	delete(m.lastSeen, session)
	delete(m.lastBeat, session)
	delete(m.reported, session)
	m.mu.Unlock()
}

// Start runs the dead session checker until Stop.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckDead()
		}
	}
}

// CheckDead reports sessions silent for longer than the timeout. Each dead
// session is reported once until it beats or is tracked again.
func (m *Monitor) CheckDead() {
	now := time.Now()
	var dead []string

	m.mu.Lock()
	for session, seen := range m.lastSeen {
		if now.Sub(seen) > m.timeout && !m.reported[session] {
			dead = append(dead, session)
			m.reported[session] = true
		}
	}
	callbacks := make([]func(string), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	for _, session := range dead {
		for _, cb := range callbacks {
			cb(session)
		}
	}
}

// IsAlive reports whether a tracked session beat within the timeout.
func (m *Monitor) IsAlive(session string) bool {
	m.mu.RLock()
	seen, ok := m.lastSeen[session]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return time.Since(seen) <= m.timeout
}

// LastBeat returns the last beat received for a session.
func (m *Monitor) LastBeat(session string) (Beat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.lastBeat[session]
	return b, ok
}

// OnDead registers a callback for when a session is presumed dead.
func (m *Monitor) OnDead(callback func(session string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Stop stops the checker.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}
