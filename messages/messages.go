// Package messages is the closed catalog of message types the extension
// exchanges, each with a fixed payload shape.
package messages

import (
	"time"

	"github.com/vinayprograms/ctxbus/envelope"
)

// Message types.
const (
	TypePing               envelope.Type = "PING"
	TypeDebug              envelope.Type = "DEBUG"
	TypeCaptureTab         envelope.Type = "CAPTURE_TAB"
	TypeCaptureTabResult   envelope.Type = "CAPTURE_TAB_RESULT"
	TypeTabActivated       envelope.Type = "TAB_ACTIVATED"
	TypeTabUpdated         envelope.Type = "TAB_UPDATED"
	TypeTabRemoved         envelope.Type = "TAB_REMOVED"
	TypeWindowFocusChanged envelope.Type = "WINDOW_FOCUS_CHANGED"
	TypeSelectElement      envelope.Type = "SELECT_ELEMENT"
	TypeElementSelected    envelope.Type = "ELEMENT_SELECTED"
	TypeElementUnselected  envelope.Type = "ELEMENT_UNSELECTED"
	TypeClearSelection     envelope.Type = "CLEAR_SELECTION"
	TypeToggleSelection    envelope.Type = "TOGGLE_SELECTION_MODE"
	TypeUpdateElementStyle envelope.Type = "UPDATE_ELEMENT_STYLE"
	TypeSidePanelClosed    envelope.Type = "SIDE_PANEL_CLOSED"
)

// Payload is implemented by every catalog payload and nothing else.
type Payload interface {
	Type() envelope.Type
	sealed()
}

// Ping is a liveness check.
type Ping struct {
	N int `json:"n"`
}

// Debug asks the background to log a message.
type Debug struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// CaptureTab asks the background to capture the visible tab.
type CaptureTab struct {
	Timestamp time.Time `json:"timestamp"`
}

// CaptureTabResult answers CaptureTab.
type CaptureTabResult struct {
	Success      bool   `json:"success"`
	ImageDataURL string `json:"image_data_url,omitempty"`
	URL          string `json:"url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TabActivated reports that the user switched tabs.
type TabActivated struct {
	TabID    int    `json:"tab_id"`
	WindowID int    `json:"window_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// TabUpdated reports a navigation or load-state change.
type TabUpdated struct {
	TabID  int    `json:"tab_id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// TabRemoved reports a closed tab.
type TabRemoved struct {
	TabID    int `json:"tab_id"`
	WindowID int `json:"window_id"`
}

// WindowFocusChanged reports a focus change between browser windows.
type WindowFocusChanged struct {
	WindowID int `json:"window_id"`
}

// ElementInfo describes a DOM element as plain data.
// Path holds child indices from the document root.
type ElementInfo struct {
	StartTag      string            `json:"start_tag"`
	Path          []int             `json:"path"`
	ComputedStyle map[string]string `json:"computed_style,omitempty"`
	Children      []ElementInfo     `json:"children,omitempty"`
}

// SelectElement asks a content context to select the element at Path.
type SelectElement struct {
	Path []int `json:"path"`
}

// ElementSelected reports the element a content context selected.
type ElementSelected struct {
	ElementInfo ElementInfo `json:"element_info"`
}

// ElementUnselected reports that the selection was cleared.
type ElementUnselected struct {
	Timestamp time.Time `json:"timestamp"`
}

// ClearSelection asks content contexts to clear their selection.
type ClearSelection struct {
	Timestamp time.Time `json:"timestamp"`
}

// ToggleSelectionMode switches element picking on or off.
type ToggleSelectionMode struct {
	Enabled bool `json:"enabled"`
}

// UpdateElementStyle sets inline styles on the element at Path.
// An empty value removes the property.
type UpdateElementStyle struct {
	Path   []int             `json:"path"`
	Styles map[string]string `json:"styles"`
}

// SidePanelClosed is the cleanup broadcast issued when a panel session ends.
type SidePanelClosed struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (Ping) Type() envelope.Type                { return TypePing }
func (Debug) Type() envelope.Type               { return TypeDebug }
func (CaptureTab) Type() envelope.Type          { return TypeCaptureTab }
func (CaptureTabResult) Type() envelope.Type    { return TypeCaptureTabResult }
func (TabActivated) Type() envelope.Type        { return TypeTabActivated }
func (TabUpdated) Type() envelope.Type          { return TypeTabUpdated }
func (TabRemoved) Type() envelope.Type          { return TypeTabRemoved }
func (WindowFocusChanged) Type() envelope.Type  { return TypeWindowFocusChanged }
func (SelectElement) Type() envelope.Type       { return TypeSelectElement }
func (ElementSelected) Type() envelope.Type     { return TypeElementSelected }
func (ElementUnselected) Type() envelope.Type   { return TypeElementUnselected }
func (ClearSelection) Type() envelope.Type      { return TypeClearSelection }
func (ToggleSelectionMode) Type() envelope.Type { return TypeToggleSelection }
func (UpdateElementStyle) Type() envelope.Type  { return TypeUpdateElementStyle }
func (SidePanelClosed) Type() envelope.Type     { return TypeSidePanelClosed }

func (Ping) sealed()                {}
func (Debug) sealed()               {}
func (CaptureTab) sealed()          {}
func (CaptureTabResult) sealed()    {}
func (TabActivated) sealed()        {}
func (TabUpdated) sealed()          {}
func (TabRemoved) sealed()          {}
func (WindowFocusChanged) sealed()  {}
func (SelectElement) sealed()       {}
func (ElementSelected) sealed()     {}
func (ElementUnselected) sealed()   {}
func (ClearSelection) sealed()      {}
func (ToggleSelectionMode) sealed() {}
func (UpdateElementStyle) sealed()  {}
func (SidePanelClosed) sealed()     {}
