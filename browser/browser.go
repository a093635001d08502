// Package browser declares the browser APIs the contexts depend on.
//
// Tab queries, screenshots, the side panel and the page DOM belong to the
// browser, not the bus. The background and content services take these
// interfaces; the Memory* implementations back tests and the example
// extension.
package browser

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrNoTab     = errors.New("tab not found")
	ErrNoElement = errors.New("element not found")

	// ErrQuota is returned when a capture exceeds the browser's rate.
	ErrQuota = errors.New("MAX_CAPTURE_VISIBLE_TAB_CALLS_PER_SECOND exceeded")
)

// Tab is a browser tab.
type Tab struct {
	ID       int
	WindowID int
	URL      string
	Title    string
	Status   string
	Active   bool
}

// EventKind tags a browser event.
type EventKind string

const (
	EventTabActivated       EventKind = "tab_activated"
	EventTabUpdated         EventKind = "tab_updated"
	EventTabRemoved         EventKind = "tab_removed"
	EventWindowFocusChanged EventKind = "window_focus_changed"
	EventActionClicked      EventKind = "action_clicked"
)

// Event is a tab or window change reported by the browser.
type Event struct {
	Kind     EventKind
	TabID    int
	WindowID int
	URL      string
	Title    string
	Status   string
}

// Tabs queries tabs and reports their changes.
type Tabs interface {
	// ActiveTab returns the active tab of the focused window.
	ActiveTab(ctx context.Context) (Tab, error)

	// Get returns a tab by ID, ErrNoTab if it is gone.
	Get(ctx context.Context, id int) (Tab, error)

	// Events yields browser events until the source is closed.
	Events() <-chan Event
}

// Capturer takes screenshots.
type Capturer interface {
	// CaptureVisibleTab returns the visible area of the window's active
	// tab as a PNG data URL.
	CaptureVisibleTab(ctx context.Context, windowID int) (string, error)
}

// PanelOptions configures the side panel.
type PanelOptions struct {
	Enabled bool
	Path    string
}

// SidePanel controls the extension's side panel.
type SidePanel interface {
	Configure(ctx context.Context, opts PanelOptions) error
	Open(ctx context.Context, windowID int) error
}

// DOM is the page of one tab, addressed by child-index paths from the
// document element.
type DOM interface {
	// Describe returns the element at path with its descendants.
	Describe(ctx context.Context, path []int) (Element, error)

	// Styles returns the named inline styles of the element at path.
	// Unset properties map to "".
	Styles(ctx context.Context, path []int, props []string) (map[string]string, error)

	// SetStyles sets inline styles; an empty value removes the property.
	SetStyles(ctx context.Context, path []int, styles map[string]string) error

	// SetCursor sets the page cursor; "" restores the default.
	SetCursor(ctx context.Context, cursor string) error
}

// Element describes one DOM element.
type Element struct {
	StartTag      string
	Path          []int
	ComputedStyle map[string]string
	Children      []Element
}
