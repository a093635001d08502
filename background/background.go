// Package background is the long-lived context of the extension. It owns
// the browser APIs the other contexts cannot reach: tab events, screen
// capture and the side panel. It also relays envelopes between the panel
// and content contexts and cleans up after a panel session ends.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/ctxbus"
	"github.com/vinayprograms/ctxbus/browser"
	"github.com/vinayprograms/ctxbus/envelope"
	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/messages"
	"github.com/vinayprograms/ctxbus/port"
	"github.com/vinayprograms/ctxbus/ratelimit"
	"github.com/vinayprograms/ctxbus/session"
	"github.com/vinayprograms/ctxbus/settings"
	"github.com/vinayprograms/ctxbus/teardown"
)

// DefaultPanelPath is the page the side panel loads.
const DefaultPanelPath = "sidepanel.html"

// Config wires the background service.
type Config struct {
	// Bus is the unbound bus of this process. Required.
	Bus *ctxbus.Bus

	Tabs      browser.Tabs      // required
	Capturer  browser.Capturer  // required
	SidePanel browser.SidePanel // required

	// Limiter throttles captures. Default: the browser's capture quota.
	Limiter ratelimit.RateLimiter

	// Settings, when set, drive the log level.
	Settings *settings.Store

	// Sessions tracks panel sessions. Default: a tracker with default
	// heartbeat timeouts.
	Sessions *session.Tracker

	// PanelPath is the side panel page. Default: sidepanel.html
	PanelPath string

	// Logger for the service. Default: the bus logger.
	Logger *logging.Logger
}

// Service is the background context.
type Service struct {
	cfg      Config
	bus      *ctxbus.Bus
	limiter  ratelimit.RateLimiter
	sessions *session.Tracker
	logger   *logging.Logger
	td       *teardown.Teardown

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and builds a service. Nothing runs until Start.
func New(cfg Config) (*Service, error) {
	if cfg.Bus == nil || cfg.Tabs == nil || cfg.Capturer == nil || cfg.SidePanel == nil {
		return nil, errors.New("background: bus, tabs, capturer and side panel are required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewCaptureLimiter(cfg.Logger)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewTracker(session.TrackerConfig{Logger: cfg.Logger})
	}
	if cfg.PanelPath == "" {
		cfg.PanelPath = DefaultPanelPath
	}
	return &Service{
		cfg:      cfg,
		bus:      cfg.Bus,
		limiter:  cfg.Limiter,
		sessions: cfg.Sessions,
		logger:   cfg.Logger,
	}, nil
}

// Start binds the background identity, subscribes its handlers, enables
// the side panel and starts forwarding browser events.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.SetContext(ctx, envelope.Background()); err != nil {
		return err
	}
	if s.logger == nil {
		s.logger = s.bus.Logger()
	}

	unsubs := []ctxbus.Unsubscribe{
		ctxbus.Handle(s.bus, s.onDebug),
		ctxbus.Handle(s.bus, s.onCapture),
	}

	if err := s.cfg.SidePanel.Configure(ctx, browser.PanelOptions{Enabled: true, Path: s.cfg.PanelPath}); err != nil {
		s.logger.Error("side_panel_setup_failed", map[string]interface{}{"error": err.Error()})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.cfg.Settings != nil {
		if err := s.applySettings(runCtx); err != nil {
			s.logger.Warn("settings_unavailable", map[string]interface{}{"error": err.Error()})
		}
	}

	s.sessions.OnEnd(s.onSessionEnd)

	s.wg.Add(1)
	go s.forwardTabs(runCtx)

	s.td = teardown.New(teardown.Config{Logger: s.logger})
	s.td.Add("handlers", teardown.PhaseIntake, func(context.Context) error {
		for _, u := range unsubs {
			u()
		}
		cancel()
		s.wg.Wait()
		return nil
	})
	s.td.Add("sessions", teardown.PhaseRelease, func(context.Context) error { return s.sessions.Close() })
	s.td.Add("limiter", teardown.PhaseRelease, func(context.Context) error {
		if err := s.limiter.Close(); err != nil && !errors.Is(err, ratelimit.ErrClosed) {
			return err
		}
		return nil
	})
	s.td.Add("bus", teardown.PhaseFlush, s.bus.Close)

	s.logger.Info("background_started", nil)
	return nil
}

// AcceptSession takes a port opened by the panel and tracks its session.
func (s *Service) AcceptSession(ctx context.Context, p port.Port) (session.Info, error) {
	return s.sessions.Accept(ctx, p)
}

// Sessions returns the panel session tracker.
func (s *Service) Sessions() *session.Tracker { return s.sessions }

// Close tears the background down.
func (s *Service) Close(ctx context.Context) error {
	if s.td == nil {
		return nil
	}
	_, err := s.td.Run(ctx)
	return err
}

func (s *Service) onDebug(ctx context.Context, env *envelope.Envelope, m messages.Debug) error {
	target := "broadcast"
	if to, ok := env.Target(); ok {
		target = to.String()
	}
	fields := map[string]interface{}{
		"from":    env.Source().String(),
		"to":      target,
		"message": m.Message,
		"sent":    env.Timestamp().Format(time.RFC3339Nano),
	}
	for k, v := range m.Fields {
		fields["f."+k] = v
	}
	s.logger.Info("debug", fields)
	return nil
}

// onCapture captures the active tab and answers the requester. A failed
// capture is answered too, with Success false.
func (s *Service) onCapture(ctx context.Context, env *envelope.Envelope, _ messages.CaptureTab) error {
	result := s.capture(ctx)
	if !result.Success {
		s.logger.Error("capture_failed", map[string]interface{}{"error": result.Error})
	}
	_, err := s.bus.Reply(ctx, env, messages.TypeCaptureTabResult, result)
	return err
}

func (s *Service) capture(ctx context.Context) messages.CaptureTabResult {
	if err := s.limiter.Acquire(ctx, ratelimit.ResourceCapture); err != nil {
		return messages.CaptureTabResult{Error: fmt.Sprintf("capture throttled: %v", err)}
	}
	tab, err := s.cfg.Tabs.ActiveTab(ctx)
	if err != nil {
		return messages.CaptureTabResult{Error: err.Error()}
	}
	img, err := s.cfg.Capturer.CaptureVisibleTab(ctx, tab.WindowID)
	if errors.Is(err, browser.ErrQuota) {
		s.limiter.AnnounceReduced(ratelimit.ResourceCapture, err.Error())
	}
	if err != nil {
		return messages.CaptureTabResult{Error: err.Error()}
	}
	return messages.CaptureTabResult{Success: true, ImageDataURL: img, URL: tab.URL}
}

func (s *Service) forwardTabs(ctx context.Context) {
	defer s.wg.Done()
	events := s.cfg.Tabs.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.forward(ctx, e); err != nil {
				s.logger.Error("tab_event_failed", map[string]interface{}{
					"event": string(e.Kind),
					"tab":   e.TabID,
					"error": err.Error(),
				})
			}
		}
	}
}

func (s *Service) forward(ctx context.Context, e browser.Event) error {
	var err error
	switch e.Kind {
	case browser.EventTabActivated:
		tab, gerr := s.cfg.Tabs.Get(ctx, e.TabID)
		if gerr != nil {
			return gerr
		}
		_, err = ctxbus.Send(ctx, s.bus, messages.TabActivated{
			TabID: e.TabID, WindowID: e.WindowID, URL: tab.URL, Title: tab.Title,
		})
	case browser.EventTabUpdated:
		_, err = ctxbus.Send(ctx, s.bus, messages.TabUpdated{
			TabID: e.TabID, URL: e.URL, Title: e.Title, Status: e.Status,
		})
	case browser.EventTabRemoved:
		// The content context of a closed tab cannot deregister itself.
		if derr := s.bus.Presence().Deregister(ctx, envelope.Content(e.TabID), ""); derr != nil {
			s.logger.Warn("presence_cleanup_failed", map[string]interface{}{"tab": e.TabID, "error": derr.Error()})
		}
		_, err = ctxbus.Send(ctx, s.bus, messages.TabRemoved{TabID: e.TabID, WindowID: e.WindowID})
	case browser.EventWindowFocusChanged:
		_, err = ctxbus.Send(ctx, s.bus, messages.WindowFocusChanged{WindowID: e.WindowID})
	case browser.EventActionClicked:
		err = s.cfg.SidePanel.Open(ctx, e.WindowID)
	}
	return err
}

// onSessionEnd removes the panel from presence and tells every content
// context to revert what the panel asked it to do.
func (s *Service) onSessionEnd(e session.Ended) {
	ctx := context.Background()
	if e.Identity.Kind == envelope.KindPanel {
		if err := s.bus.Presence().Deregister(ctx, e.Identity, e.Instance); err != nil {
			s.logger.Warn("presence_cleanup_failed", map[string]interface{}{"session": e.ID, "error": err.Error()})
		}
	}
	_, err := ctxbus.Send(ctx, s.bus, messages.SidePanelClosed{
		SessionID: e.ID,
		Reason:    string(e.Reason),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("cleanup_broadcast_failed", map[string]interface{}{"session": e.ID, "error": err.Error()})
	}
}

func (s *Service) applySettings(ctx context.Context) error {
	cur, err := s.cfg.Settings.Load(ctx)
	if err != nil {
		return err
	}
	s.logger.SetLevel(cur.Level())
	return s.cfg.Settings.Watch(ctx, func(set settings.Settings) {
		s.logger.SetLevel(set.Level())
		s.logger.Info("log_level_changed", map[string]interface{}{"level": string(set.Level())})
	})
}
