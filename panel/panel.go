// Package panel is the side panel context. It exists only while the user
// keeps the panel open, and it holds exactly one session with the
// background for that whole time.
package panel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vinayprograms/ctxbus"
	"github.com/vinayprograms/ctxbus/envelope"
	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/messages"
	"github.com/vinayprograms/ctxbus/session"
)

// Config wires a panel service.
type Config struct {
	// Bus is the unbound bus of the panel. Required.
	Bus *ctxbus.Bus

	// Dial opens the session port to the background. Required.
	Dial session.DialFunc

	// Session tunes the heartbeat.
	Session session.Config

	// Logger for the service. Default: the bus logger.
	Logger *logging.Logger
}

// State is what the panel shows.
type State struct {
	Selecting   bool
	ActiveTab   int
	Selected    *messages.ElementInfo
	SelectedTab int
	CaptureOpen bool
	LastCapture *messages.CaptureTabResult
}

// Service is the panel context.
type Service struct {
	cfg    Config
	bus    *ctxbus.Bus
	logger *logging.Logger

	mu      sync.Mutex
	state   State
	sess    *session.Session
	unsubs  []ctxbus.Unsubscribe
	started bool
	closed  bool
}

// New validates cfg and builds a service.
func New(cfg Config) (*Service, error) {
	if cfg.Bus == nil || cfg.Dial == nil {
		return nil, errors.New("panel: bus and dial are required")
	}
	return &Service{cfg: cfg, bus: cfg.Bus, logger: cfg.Logger}, nil
}

// Start binds the panel identity and opens the session. activeTab is the
// tab the panel was opened on.
func (s *Service) Start(ctx context.Context, activeTab int) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("panel: already started")
	}
	s.started = true
	s.state.ActiveTab = activeTab
	s.mu.Unlock()

	if err := s.bus.SetContext(ctx, envelope.Panel()); err != nil {
		return err
	}
	if s.logger == nil {
		s.logger = s.bus.Logger()
	}

	s.mu.Lock()
	s.unsubs = []ctxbus.Unsubscribe{
		ctxbus.Handle(s.bus, s.onSelected),
		ctxbus.Handle(s.bus, s.onUnselected),
		ctxbus.Handle(s.bus, s.onTabActivated),
		ctxbus.Handle(s.bus, s.onTabUpdated),
		ctxbus.Handle(s.bus, s.onCaptureResult),
	}
	s.mu.Unlock()

	p, err := s.cfg.Dial(ctx)
	if err != nil {
		s.bus.Close(ctx)
		return err
	}
	cfg := s.cfg.Session
	cfg.Identity = envelope.Panel()
	cfg.Instance = s.bus.Instance()
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	sess, err := session.Open(ctx, p, cfg)
	if err != nil {
		s.bus.Close(ctx)
		return err
	}

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	return nil
}

// Session returns the open session, nil before Start.
func (s *Service) Session() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// State returns a snapshot of what the panel shows.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.Selected != nil {
		sel := *st.Selected
		st.Selected = &sel
	}
	if st.LastCapture != nil {
		c := *st.LastCapture
		st.LastCapture = &c
	}
	return st
}

// ToggleSelection flips selection mode in the active tab. Turning it off
// also clears the selection there.
func (s *Service) ToggleSelection(ctx context.Context) error {
	s.mu.Lock()
	s.state.Selecting = !s.state.Selecting
	enabled, tab := s.state.Selecting, s.state.ActiveTab
	s.mu.Unlock()

	if !enabled {
		if _, err := ctxbus.Send(ctx, s.bus, messages.ClearSelection{Timestamp: time.Now().UTC()}, ctxbus.ToTab(tab)); err != nil {
			return err
		}
	}
	_, err := ctxbus.Send(ctx, s.bus, messages.ToggleSelectionMode{Enabled: enabled}, ctxbus.ToTab(tab))
	return err
}

// SelectElement asks the active tab to select the element at path, e.g.
// from the DOM tree view.
func (s *Service) SelectElement(ctx context.Context, path []int) error {
	_, err := ctxbus.Send(ctx, s.bus, messages.SelectElement{Path: path}, ctxbus.ToTab(s.activeTab()))
	return err
}

// UpdateStyle edits inline styles of an element in the active tab.
func (s *Service) UpdateStyle(ctx context.Context, path []int, styles map[string]string) error {
	_, err := ctxbus.Send(ctx, s.bus, messages.UpdateElementStyle{Path: path, Styles: styles}, ctxbus.ToTab(s.activeTab()))
	return err
}

// Capture asks the background for a screenshot and waits for the answer
// to this very request. The capture dialog opens on success.
func (s *Service) Capture(ctx context.Context) (messages.CaptureTabResult, error) {
	res, _, err := ctxbus.RequestAs[messages.CaptureTabResult](ctx, s.bus,
		messages.CaptureTab{Timestamp: time.Now().UTC()}, ctxbus.To(envelope.Background()))
	if err != nil {
		return messages.CaptureTabResult{}, err
	}
	s.mu.Lock()
	s.state.LastCapture = &res
	s.state.CaptureOpen = res.Success
	s.mu.Unlock()
	return res, nil
}

// RequestCapture broadcasts CAPTURE_TAB without correlation. Whatever
// result arrives next is shown, so two overlapping requests cannot tell
// their results apart.
func (s *Service) RequestCapture(ctx context.Context) error {
	_, err := ctxbus.Send(ctx, s.bus, messages.CaptureTab{Timestamp: time.Now().UTC()})
	return err
}

// CloseCaptureDialog hides the last capture.
func (s *Service) CloseCaptureDialog() {
	s.mu.Lock()
	s.state.CaptureOpen = false
	s.mu.Unlock()
}

// Close releases the session and leaves the bus. The background reverts
// the tabs once it sees the session end.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess, unsubs := s.sess, s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	var errs []error
	if sess != nil {
		errs = append(errs, sess.Close(ctx))
	}
	errs = append(errs, s.bus.Close(ctx))
	return errors.Join(errs...)
}

func (s *Service) activeTab() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ActiveTab
}

func (s *Service) onSelected(ctx context.Context, env *envelope.Envelope, m messages.ElementSelected) error {
	info := m.ElementInfo
	s.mu.Lock()
	s.state.Selected = &info
	s.state.SelectedTab = env.Source().TabID
	s.mu.Unlock()
	return nil
}

func (s *Service) onUnselected(ctx context.Context, _ *envelope.Envelope, _ messages.ElementUnselected) error {
	s.mu.Lock()
	s.state.Selected = nil
	s.state.SelectedTab = 0
	s.mu.Unlock()
	return nil
}

func (s *Service) onCaptureResult(ctx context.Context, env *envelope.Envelope, m messages.CaptureTabResult) error {
	// Correlated replies are taken by Capture.
	if env.CorrelationID() != "" {
		return nil
	}
	s.mu.Lock()
	s.state.LastCapture = &m
	s.state.CaptureOpen = m.Success
	s.mu.Unlock()
	return nil
}

func (s *Service) onTabActivated(ctx context.Context, _ *envelope.Envelope, m messages.TabActivated) error {
	return s.leaveTab(ctx, m.TabID)
}

func (s *Service) onTabUpdated(ctx context.Context, _ *envelope.Envelope, m messages.TabUpdated) error {
	if m.TabID != s.activeTab() {
		return nil
	}
	return s.leaveTab(ctx, m.TabID)
}

// leaveTab resets selection state when the page under the panel changes.
// The old tab is told to stop selecting if it still exists.
func (s *Service) leaveTab(ctx context.Context, next int) error {
	s.mu.Lock()
	prev, selecting := s.state.ActiveTab, s.state.Selecting
	s.state.ActiveTab = next
	s.state.Selecting = false
	s.state.Selected = nil
	s.state.SelectedTab = 0
	s.state.CaptureOpen = false
	s.mu.Unlock()

	if !selecting || prev == 0 {
		return nil
	}
	_, err := ctxbus.Send(ctx, s.bus, messages.ToggleSelectionMode{Enabled: false}, ctxbus.ToTab(prev))
	if err != nil && prev != next {
		s.logger.Debug("previous_tab_gone", map[string]interface{}{"tab": prev})
		return nil
	}
	return err
}
