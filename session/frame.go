package session

import (
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/ctxbus/envelope"
	"github.com/vinayprograms/ctxbus/heartbeat"
)

// FrameKind tags a session frame.
type FrameKind string

const (
	FrameHello FrameKind = "hello"
	FrameBeat  FrameKind = "beat"
	FrameBye   FrameKind = "bye"
)

// Frame is what travels over the session port.
type Frame struct {
	Kind     FrameKind          `json:"kind"`
	Session  string             `json:"session"`
	Identity *envelope.Identity `json:"identity,omitempty"`
	Instance string             `json:"instance,omitempty"`
	Beat     *heartbeat.Beat    `json:"beat,omitempty"`
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Session == "" {
		return Frame{}, fmt.Errorf("frame %q without session", f.Kind)
	}
	switch f.Kind {
	case FrameHello:
		if f.Identity == nil {
			return Frame{}, fmt.Errorf("hello without identity")
		}
		if err := f.Identity.Validate(); err != nil {
			return Frame{}, err
		}
	case FrameBeat:
		if f.Beat == nil {
			return Frame{}, fmt.Errorf("beat frame without beat")
		}
	case FrameBye:
	default:
		return Frame{}, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return f, nil
}
