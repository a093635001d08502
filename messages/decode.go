package messages

import (
	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
)

var catalog = []envelope.Type{
	TypePing,
	TypeDebug,
	TypeCaptureTab,
	TypeCaptureTabResult,
	TypeTabActivated,
	TypeTabUpdated,
	TypeTabRemoved,
	TypeWindowFocusChanged,
	TypeSelectElement,
	TypeElementSelected,
	TypeElementUnselected,
	TypeClearSelection,
	TypeToggleSelection,
	TypeUpdateElementStyle,
	TypeSidePanelClosed,
}

// Types lists every type in the catalog.
func Types() []envelope.Type {
	return append([]envelope.Type(nil), catalog...)
}

// Known reports whether t is in the catalog.
func Known(t envelope.Type) bool {
	_, err := zero(t)
	return err == nil
}

// Decode returns the typed payload of env.
func Decode(env *envelope.Envelope) (Payload, error) {
	p, err := zero(env.Type())
	if err != nil {
		return nil, err
	}
	if err := env.Decode(p); err != nil {
		return nil, err
	}
	return deref(p), nil
}

// zero returns a pointer to an empty payload of type t.
func zero(t envelope.Type) (any, error) {
	switch t {
	case TypePing:
		return &Ping{}, nil
	case TypeDebug:
		return &Debug{}, nil
	case TypeCaptureTab:
		return &CaptureTab{}, nil
	case TypeCaptureTabResult:
		return &CaptureTabResult{}, nil
	case TypeTabActivated:
		return &TabActivated{}, nil
	case TypeTabUpdated:
		return &TabUpdated{}, nil
	case TypeTabRemoved:
		return &TabRemoved{}, nil
	case TypeWindowFocusChanged:
		return &WindowFocusChanged{}, nil
	case TypeSelectElement:
		return &SelectElement{}, nil
	case TypeElementSelected:
		return &ElementSelected{}, nil
	case TypeElementUnselected:
		return &ElementUnselected{}, nil
	case TypeClearSelection:
		return &ClearSelection{}, nil
	case TypeToggleSelection:
		return &ToggleSelectionMode{}, nil
	case TypeUpdateElementStyle:
		return &UpdateElementStyle{}, nil
	case TypeSidePanelClosed:
		return &SidePanelClosed{}, nil
	}
	return nil, buserr.New(buserr.ErrCodeUnknownType, "unknown message type "+string(t),
		buserr.WithMessageType(string(t)))
}

func deref(p any) Payload {
	switch v := p.(type) {
	case *Ping:
		return *v
	case *Debug:
		return *v
	case *CaptureTab:
		return *v
	case *CaptureTabResult:
		return *v
	case *TabActivated:
		return *v
	case *TabUpdated:
		return *v
	case *TabRemoved:
		return *v
	case *WindowFocusChanged:
		return *v
	case *SelectElement:
		return *v
	case *ElementSelected:
		return *v
	case *ElementUnselected:
		return *v
	case *ClearSelection:
		return *v
	case *ToggleSelectionMode:
		return *v
	case *UpdateElementStyle:
		return *v
	case *SidePanelClosed:
		return *v
	}
	panic("messages: deref of non-catalog payload")
}
