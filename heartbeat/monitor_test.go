package heartbeat

import (
	"sync"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestDefaultMonitorConfig(t *testing.T) {
	cfg := DefaultMonitorConfig()
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.Timeout)
	}
	if cfg.CheckInterval != time.Second {
		t.Errorf("CheckInterval = %v, want 1s", cfg.CheckInterval)
	}
}

func TestMonitor_TrackAndReceive(t *testing.T) {
	m := NewMonitor(MonitorConfig{Timeout: time.Second})

	if m.IsAlive("s-1") {
		t.Error("untracked session should not be alive")
	}

	m.Receive(Beat{Session: "s-1", Seq: 1})
	if _, ok := m.LastBeat("s-1"); ok {
		t.Error("beats of untracked sessions are ignored")
	}

	m.Track("s-1")
	if !m.IsAlive("s-1") {
		t.Error("tracked session should be alive")
	}

	m.Receive(Beat{Session: "s-1", Seq: 7})
	b, ok := m.LastBeat("s-1")
	if !ok || b.Seq != 7 {
		t.Errorf("LastBeat = %+v %v", b, ok)
	}

	m.Forget("s-1")
	if m.IsAlive("s-1") {
		t.Error("forgotten session should not be alive")
	}
}

func TestMonitor_CheckDeadReportsOnce(t *testing.T) {
	m := NewMonitor(MonitorConfig{Timeout: 10 * time.Millisecond})

	var mu sync.Mutex
	var dead []string
	m.OnDead(func(session string) {
		mu.Lock()
		dead = append(dead, session)
		mu.Unlock()
	})

	m.Track("s-1")
	m.Track("s-2")
	time.Sleep(20 * time.Millisecond)
	m.Receive(Beat{Session: "s-2", Seq: 1})

	m.CheckDead()
	m.CheckDead()

	mu.Lock()
	defer mu.Unlock()
	if len(dead) != 1 || dead[0] != "s-1" {
		t.Errorf("dead = %v, want [s-1]", dead)
	}
}

// --- Integration Tests ---

func TestMonitor_StartDetectsSilence(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Timeout:       30 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
	})

	dead := make(chan string, 1)
	m.OnDead(func(session string) { dead <- session })

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	if err := m.Start(); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v", err)
	}

	m.Track("panel-session")

	select {
	case s := <-dead:
		if s != "panel-session" {
			t.Errorf("dead session = %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dead session")
	}
}

func TestMonitor_BeatsKeepAlive(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Timeout:       40 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
	})

	dead := make(chan string, 1)
	m.OnDead(func(session string) { dead <- session })
	m.Start()
	defer m.Stop()

	m.Track("s-1")
	for i := 1; i <= 10; i++ {
		time.Sleep(10 * time.Millisecond)
		m.Receive(Beat{Session: "s-1", Seq: uint64(i)})
	}

	select {
	case s := <-dead:
		t.Errorf("session %q reported dead while beating", s)
	default:
	}
}

func TestMonitor_StopNotStarted(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	if err := m.Stop(); err != ErrNotStarted {
		t.Errorf("Stop = %v, want ErrNotStarted", err)
	}
}
