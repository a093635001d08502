package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryTabs is an in-memory tab strip. Its mutators emit the same events
// a browser would.
type MemoryTabs struct {
	mu     sync.Mutex
	tabs   map[int]Tab
	active map[int]int // window -> tab
	focus  int
	events chan Event
	closed bool
}

// NewMemoryTabs creates an empty tab strip.
func NewMemoryTabs() *MemoryTabs {
	return &MemoryTabs{
		tabs:   make(map[int]Tab),
		active: make(map[int]int),
		events: make(chan Event, 256),
	}
}

// Open adds a loaded tab without activating it.
func (m *MemoryTabs) Open(t Tab) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = "complete"
	}
	t.Active = false
	m.tabs[t.ID] = t
	if m.focus == 0 {
		m.focus = t.WindowID
	}
}

// Activate makes a tab active in its window.
func (m *MemoryTabs) Activate(id int) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNoTab
	}
	if prev, ok := m.active[t.WindowID]; ok {
		p := m.tabs[prev]
		p.Active = false
		m.tabs[prev] = p
	}
	t.Active = true
	m.tabs[id] = t
	m.active[t.WindowID] = id
	m.mu.Unlock()

	m.emit(Event{Kind: EventTabActivated, TabID: id, WindowID: t.WindowID})
	return nil
}

// Navigate changes a tab's URL and title.
func (m *MemoryTabs) Navigate(id int, url, title string) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNoTab
	}
	t.URL, t.Title, t.Status = url, title, "complete"
	m.tabs[id] = t
	m.mu.Unlock()

	m.emit(Event{Kind: EventTabUpdated, TabID: id, WindowID: t.WindowID, URL: url, Title: title, Status: t.Status})
	return nil
}

// Remove closes a tab.
func (m *MemoryTabs) Remove(id int) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNoTab
	}
	delete(m.tabs, id)
	if m.active[t.WindowID] == id {
		delete(m.active, t.WindowID)
	}
	m.mu.Unlock()

	m.emit(Event{Kind: EventTabRemoved, TabID: id, WindowID: t.WindowID})
	return nil
}

// FocusWindow moves focus to a window.
func (m *MemoryTabs) FocusWindow(windowID int) {
	m.mu.Lock()
	m.focus = windowID
	m.mu.Unlock()
	m.emit(Event{Kind: EventWindowFocusChanged, WindowID: windowID})
}

// ClickAction simulates a click on the toolbar button in a tab.
func (m *MemoryTabs) ClickAction(id int) error {
	t, err := m.Get(context.Background(), id)
	if err != nil {
		return err
	}
	m.emit(Event{Kind: EventActionClicked, TabID: id, WindowID: t.WindowID})
	return nil
}

// ActiveTab returns the active tab of the focused window.
func (m *MemoryTabs) ActiveTab(ctx context.Context) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[m.focus]
	if !ok {
		return Tab{}, ErrNoTab
	}
	return m.tabs[id], nil
}

// Get returns a tab by ID.
func (m *MemoryTabs) Get(ctx context.Context, id int) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return Tab{}, ErrNoTab
	}
	return t, nil
}

// List returns every tab ordered by ID.
func (m *MemoryTabs) List() []Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events yields emitted events until Close.
func (m *MemoryTabs) Events() <-chan Event { return m.events }

// Close ends the event stream.
func (m *MemoryTabs) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

func (m *MemoryTabs) emit(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.events <- e
	}
}

// MemoryCapturer renders fake screenshots and enforces the browser's
// per-second capture quota.
type MemoryCapturer struct {
	// PerSecond is the quota; zero disables it.
	PerSecond int

	mu    sync.Mutex
	calls []time.Time
	fail  error
	total int
}

// NewMemoryCapturer creates a capturer with the given quota.
func NewMemoryCapturer(perSecond int) *MemoryCapturer {
	return &MemoryCapturer{PerSecond: perSecond}
}

// FailWith makes every later capture fail with err; nil clears it.
func (c *MemoryCapturer) FailWith(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

// Calls returns how many captures succeeded.
func (c *MemoryCapturer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// CaptureVisibleTab returns a data URL naming the window and call number.
func (c *MemoryCapturer) CaptureVisibleTab(ctx context.Context, windowID int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail != nil {
		return "", c.fail
	}
	now := time.Now()
	if c.PerSecond > 0 {
		recent := c.calls[:0]
		for _, at := range c.calls {
			if now.Sub(at) < time.Second {
				recent = append(recent, at)
			}
		}
		c.calls = recent
		if len(c.calls) >= c.PerSecond {
			return "", ErrQuota
		}
		c.calls = append(c.calls, now)
	}
	c.total++
	shot := fmt.Sprintf("window-%d-shot-%d", windowID, c.total)
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte(shot)), nil
}

// MemorySidePanel records what was asked of the side panel.
type MemorySidePanel struct {
	mu      sync.Mutex
	options PanelOptions
	opened  []int
	onOpen  func(windowID int)
}

// NewMemorySidePanel creates a side panel. onOpen, if set, runs after each
// Open, e.g. to start a panel context.
func NewMemorySidePanel(onOpen func(windowID int)) *MemorySidePanel {
	return &MemorySidePanel{onOpen: onOpen}
}

// Configure records the options.
func (p *MemorySidePanel) Configure(ctx context.Context, opts PanelOptions) error {
	p.mu.Lock()
	p.options = opts
	p.mu.Unlock()
	return nil
}

// Open records the window and runs the open hook.
func (p *MemorySidePanel) Open(ctx context.Context, windowID int) error {
	p.mu.Lock()
	if !p.options.Enabled {
		p.mu.Unlock()
		return fmt.Errorf("side panel not enabled")
	}
	p.opened = append(p.opened, windowID)
	hook := p.onOpen
	p.mu.Unlock()
	if hook != nil {
		hook(windowID)
	}
	return nil
}

// Options returns the configured options.
func (p *MemorySidePanel) Options() PanelOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.options
}

// Opened returns the windows the panel was opened in.
func (p *MemorySidePanel) Opened() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.opened...)
}

// Node is an element of a MemoryDOM.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Style    map[string]string
	Children []*Node
}

// El builds a node.
func El(tag string, attrs map[string]string, children ...*Node) *Node {
	return &Node{Tag: tag, Attrs: attrs, Children: children}
}

// MemoryDOM is an in-memory page.
type MemoryDOM struct {
	mu     sync.Mutex
	root   *Node
	cursor string
}

// NewMemoryDOM creates a page whose document element is root.
func NewMemoryDOM(root *Node) *MemoryDOM {
	return &MemoryDOM{root: root}
}

// SamplePage returns a small page used by tests and the example.
func SamplePage() *Node {
	return El("html", nil,
		El("head", nil, El("title", nil)),
		El("body", map[string]string{"class": "page"},
			El("h1", map[string]string{"id": "title"}),
			El("div", map[string]string{"class": "card"},
				El("p", nil),
				El("img", map[string]string{"src": "a.png"}),
			),
		),
	)
}

func (d *MemoryDOM) node(path []int) (*Node, error) {
	cur := d.root
	for _, i := range path {
		if cur == nil || i < 0 || i >= len(cur.Children) {
			return nil, fmt.Errorf("%w: path %v", ErrNoElement, path)
		}
		cur = cur.Children[i]
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: path %v", ErrNoElement, path)
	}
	return cur, nil
}

// Describe returns the element at path with its descendants.
func (d *MemoryDOM) Describe(ctx context.Context, path []int) (Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(path)
	if err != nil {
		return Element{}, err
	}
	return describe(n, append([]int(nil), path...)), nil
}

func describe(n *Node, path []int) Element {
	el := Element{StartTag: startTag(n), Path: path, ComputedStyle: copyStyles(n.Style)}
	for i, c := range n.Children {
		childPath := append(append([]int(nil), path...), i)
		el.Children = append(el.Children, describe(c, childPath))
	}
	return el
}

func startTag(n *Node) string {
	var b strings.Builder
	b.WriteString("<" + n.Tag)
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, n.Attrs[k])
	}
	if len(n.Style) > 0 {
		props := make([]string, 0, len(n.Style))
		for p := range n.Style {
			props = append(props, p)
		}
		sort.Strings(props)
		decls := make([]string, len(props))
		for i, p := range props {
			decls[i] = p + ": " + n.Style[p]
		}
		fmt.Fprintf(&b, " style=%q", strings.Join(decls, "; ")+";")
	}
	b.WriteString(">")
	return b.String()
}

func copyStyles(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Styles returns the named inline styles of the element at path.
func (d *MemoryDOM) Styles(ctx context.Context, path []int, props []string) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(props))
	for _, p := range props {
		out[p] = n.Style[p]
	}
	return out, nil
}

// SetStyles sets inline styles on the element at path.
func (d *MemoryDOM) SetStyles(ctx context.Context, path []int, styles map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(path)
	if err != nil {
		return err
	}
	for p, v := range styles {
		if v == "" {
			delete(n.Style, p)
			continue
		}
		if n.Style == nil {
			n.Style = make(map[string]string)
		}
		n.Style[p] = v
	}
	return nil
}

// SetCursor sets the page cursor.
func (d *MemoryDOM) SetCursor(ctx context.Context, cursor string) error {
	d.mu.Lock()
	d.cursor = cursor
	d.mu.Unlock()
	return nil
}

// Cursor returns the page cursor.
func (d *MemoryDOM) Cursor() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

var (
	_ Tabs      = (*MemoryTabs)(nil)
	_ Capturer  = (*MemoryCapturer)(nil)
	_ SidePanel = (*MemorySidePanel)(nil)
	_ DOM       = (*MemoryDOM)(nil)
)
