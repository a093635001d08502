// Package content is the context that lives inside one tab's page. It
// picks and highlights elements for the panel, applies style edits and
// reverts every change it made once the panel goes away.
package content

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/ctxbus"
	"github.com/vinayprograms/ctxbus/browser"
	"github.com/vinayprograms/ctxbus/envelope"
	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/messages"
	"github.com/vinayprograms/ctxbus/teardown"
)

// Highlight is applied to the selected element.
var Highlight = map[string]string{
	"background-color": "rgba(255, 255, 0, 0.3)",
	"outline":          "2px solid #ffd700",
	"border":           "1px solid #ffd700",
}

// SelectionCursor is shown while selection mode is on.
const SelectionCursor = "crosshair"

// Config wires a content service.
type Config struct {
	// Bus is the unbound bus of this page. Required.
	Bus *ctxbus.Bus

	// TabID of the page. Required.
	TabID int

	// DOM of the page. Required.
	DOM browser.DOM

	// Logger for the service. Default: the bus logger.
	Logger *logging.Logger
}

type saved struct {
	path     []int
	original map[string]string
}

// Service is the content context of one tab.
type Service struct {
	bus    *ctxbus.Bus
	tabID  int
	dom    browser.DOM
	logger *logging.Logger
	td     *teardown.Teardown

	mu        sync.Mutex
	selecting bool
	highlight *saved
	edits     map[string]*saved
	unsubs    []ctxbus.Unsubscribe
}

// New validates cfg and builds a service.
func New(cfg Config) (*Service, error) {
	if cfg.Bus == nil || cfg.DOM == nil {
		return nil, errors.New("content: bus and DOM are required")
	}
	if cfg.TabID <= 0 {
		return nil, fmt.Errorf("content: invalid tab id %d", cfg.TabID)
	}
	return &Service{
		bus:    cfg.Bus,
		tabID:  cfg.TabID,
		dom:    cfg.DOM,
		logger: cfg.Logger,
		edits:  make(map[string]*saved),
	}, nil
}

// Start binds the tab's identity and subscribes the handlers.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.SetContext(ctx, envelope.Content(s.tabID)); err != nil {
		return err
	}
	if s.logger == nil {
		s.logger = s.bus.Logger()
	}

	s.mu.Lock()
	s.unsubs = []ctxbus.Unsubscribe{
		ctxbus.Handle(s.bus, s.onToggle),
		ctxbus.Handle(s.bus, s.onSelect),
		ctxbus.Handle(s.bus, s.onClear),
		ctxbus.Handle(s.bus, s.onUpdateStyle),
		ctxbus.Handle(s.bus, s.onPanelClosed),
	}
	s.mu.Unlock()

	s.td = teardown.New(teardown.Config{Logger: s.logger})
	s.td.Add("handlers", teardown.PhaseIntake, s.unsubscribe)
	s.td.Add("page", teardown.PhaseRevert, s.Revert)
	s.td.Add("bus", teardown.PhaseRelease, s.bus.Close)
	return nil
}

// Unload runs when the page goes away: it stops handling, reverts the page
// and leaves the bus. Safe to call more than once.
func (s *Service) Unload(ctx context.Context) error {
	if s.td == nil {
		return nil
	}
	_, err := s.td.Run(ctx)
	return err
}

// Click is the user clicking the element at path. It selects the element
// when selection mode is on and reports whether it did.
func (s *Service) Click(ctx context.Context, path []int) (bool, error) {
	s.mu.Lock()
	selecting := s.selecting
	s.mu.Unlock()
	if !selecting || len(path) == 0 {
		return false, nil
	}
	return true, s.selectElement(ctx, path)
}

// Selecting reports whether selection mode is on.
func (s *Service) Selecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selecting
}

// Highlighted returns the path of the highlighted element.
func (s *Service) Highlighted() ([]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.highlight == nil {
		return nil, false
	}
	return append([]int(nil), s.highlight.path...), true
}

// Edited returns how many elements carry style edits.
func (s *Service) Edited() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edits)
}

// Revert turns selection mode off and restores every style the service
// changed.
func (s *Service) Revert(ctx context.Context) error {
	s.mu.Lock()
	s.selecting = false
	edits := make([]*saved, 0, len(s.edits))
	for _, e := range s.edits {
		edits = append(edits, e)
	}
	s.edits = make(map[string]*saved)
	s.mu.Unlock()

	var errs []error
	if err := s.dom.SetCursor(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	// Edits first: an edit may have recorded the highlight as its original.
	sort.Slice(edits, func(i, j int) bool { return pathKey(edits[i].path) < pathKey(edits[j].path) })
	for _, e := range edits {
		if err := s.dom.SetStyles(ctx, e.path, e.original); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.restoreHighlight(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) unsubscribe(context.Context) error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	return nil
}

func (s *Service) onToggle(ctx context.Context, _ *envelope.Envelope, m messages.ToggleSelectionMode) error {
	s.mu.Lock()
	s.selecting = m.Enabled
	s.mu.Unlock()

	cursor := ""
	if m.Enabled {
		cursor = SelectionCursor
	}
	if err := s.dom.SetCursor(ctx, cursor); err != nil {
		return err
	}
	s.logger.Debug("selection_mode", map[string]interface{}{"enabled": m.Enabled})
	if !m.Enabled {
		return s.restoreHighlight(ctx)
	}
	return nil
}

func (s *Service) onSelect(ctx context.Context, _ *envelope.Envelope, m messages.SelectElement) error {
	if err := s.selectElement(ctx, m.Path); err != nil {
		// A stale path from the panel is not worth failing the handler.
		if errors.Is(err, browser.ErrNoElement) {
			s.logger.Warn("element_not_found", map[string]interface{}{"path": pathKey(m.Path)})
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) onClear(ctx context.Context, _ *envelope.Envelope, _ messages.ClearSelection) error {
	if err := s.restoreHighlight(ctx); err != nil {
		return err
	}
	_, err := ctxbus.Send(ctx, s.bus, messages.ElementUnselected{Timestamp: time.Now().UTC()})
	return err
}

func (s *Service) onUpdateStyle(ctx context.Context, _ *envelope.Envelope, m messages.UpdateElementStyle) error {
	if len(m.Styles) == 0 {
		return nil
	}
	props := make([]string, 0, len(m.Styles))
	for p := range m.Styles {
		props = append(props, p)
	}
	current, err := s.dom.Styles(ctx, m.Path, props)
	if err != nil {
		return err
	}

	key := pathKey(m.Path)
	s.mu.Lock()
	e, ok := s.edits[key]
	if !ok {
		e = &saved{path: append([]int(nil), m.Path...), original: make(map[string]string)}
		s.edits[key] = e
	}
	for _, p := range props {
		if _, seen := e.original[p]; !seen {
			e.original[p] = current[p]
		}
	}
	s.mu.Unlock()

	return s.dom.SetStyles(ctx, m.Path, m.Styles)
}

func (s *Service) onPanelClosed(ctx context.Context, _ *envelope.Envelope, m messages.SidePanelClosed) error {
	s.logger.Info("panel_closed_cleanup", map[string]interface{}{"session": m.SessionID, "reason": m.Reason})
	return s.Revert(ctx)
}

func (s *Service) selectElement(ctx context.Context, path []int) error {
	el, err := s.dom.Describe(ctx, path)
	if err != nil {
		return err
	}
	if err := s.restoreHighlight(ctx); err != nil {
		return err
	}

	props := make([]string, 0, len(Highlight))
	for p := range Highlight {
		props = append(props, p)
	}
	original, err := s.dom.Styles(ctx, path, props)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.highlight = &saved{path: append([]int(nil), path...), original: original}
	s.mu.Unlock()

	if err := s.dom.SetStyles(ctx, path, Highlight); err != nil {
		return err
	}
	_, err = ctxbus.Send(ctx, s.bus, messages.ElementSelected{ElementInfo: elementInfo(el)})
	return err
}

func (s *Service) restoreHighlight(ctx context.Context) error {
	s.mu.Lock()
	h := s.highlight
	s.highlight = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return s.dom.SetStyles(ctx, h.path, h.original)
}

func elementInfo(el browser.Element) messages.ElementInfo {
	info := messages.ElementInfo{
		StartTag:      el.StartTag,
		Path:          el.Path,
		ComputedStyle: el.ComputedStyle,
	}
	for _, c := range el.Children {
		info.Children = append(info.Children, elementInfo(c))
	}
	return info
}

func pathKey(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, "/")
}
