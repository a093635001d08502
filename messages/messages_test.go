package messages

import (
	"reflect"
	"testing"
	"time"

	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
)

func samples() []Payload {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []Payload{
		Ping{N: 1},
		Debug{Message: "hello", Fields: map[string]string{"k": "v"}},
		CaptureTab{Timestamp: now},
		CaptureTabResult{Success: true, ImageDataURL: "data:image/png;base64,AA==", URL: "https://example.com"},
		TabActivated{TabID: 3, WindowID: 1, URL: "https://example.com", Title: "Example"},
		TabUpdated{TabID: 3, URL: "https://example.com/a", Title: "A", Status: "complete"},
		TabRemoved{TabID: 3, WindowID: 1},
		WindowFocusChanged{WindowID: 2},
		SelectElement{Path: []int{1, 0, 2}},
		ElementSelected{ElementInfo: ElementInfo{
			StartTag: `<div class="x">`,
			Path:     []int{1, 0},
			Children: []ElementInfo{{StartTag: "<span>", Path: []int{1, 0, 0}}},
		}},
		ElementUnselected{Timestamp: now},
		ClearSelection{Timestamp: now},
		ToggleSelectionMode{Enabled: true},
		UpdateElementStyle{Path: []int{1}, Styles: map[string]string{"color": "red"}},
		SidePanelClosed{SessionID: "s", Reason: "disconnected", Timestamp: now},
	}
}

func TestCatalogIsExhaustive(t *testing.T) {
	seen := map[envelope.Type]bool{}
	for _, p := range samples() {
		seen[p.Type()] = true
	}
	for _, typ := range Types() {
		if !seen[typ] {
			t.Errorf("no sample for %s", typ)
		}
		if !Known(typ) {
			t.Errorf("Known(%s) = false", typ)
		}
	}
	if len(seen) != len(Types()) {
		t.Errorf("samples cover %d types, catalog has %d", len(seen), len(Types()))
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	for _, want := range samples() {
		t.Run(string(want.Type()), func(t *testing.T) {
			env, err := envelope.New(envelope.Spec{
				Type:    want.Type(),
				Payload: want,
				Source:  envelope.Background(),
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			got, err := Decode(env)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Decode = %#v, want %#v", got, want)
			}
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	env, _ := envelope.New(envelope.Spec{Type: "GET_CURRENT_TAB", Source: envelope.Content(1)})

	_, err := Decode(env)
	if !buserr.Is(err, buserr.ErrCodeUnknownType) {
		t.Errorf("Decode unknown = %v", err)
	}
	if Known("GET_CURRENT_TAB") {
		t.Error("Known should be false for types outside the catalog")
	}
}

func TestDecode_WrongShape(t *testing.T) {
	env, _ := envelope.New(envelope.Spec{Type: TypePing, Payload: "not an object", Source: envelope.Panel()})

	if _, err := Decode(env); !buserr.IsSerialization(err) {
		t.Errorf("Decode wrong shape = %v", err)
	}
}

func TestTypes_ReturnsCopy(t *testing.T) {
	types := Types()
	types[0] = "MUTATED"
	if Types()[0] != TypePing {
		t.Error("Types() should return a copy")
	}
}
