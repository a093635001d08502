package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidIdentity is returned for identities that name no context.
var ErrInvalidIdentity = errors.New("invalid identity")

// Kind names the kind of execution context.
type Kind string

const (
	KindBackground Kind = "background"
	KindContent    Kind = "content"
	KindPanel      Kind = "panel"
)

// Identity names exactly one context: the background, the content context
// of one tab, or the panel.
type Identity struct {
	Kind  Kind
	TabID int // content only
}

// Background returns the background identity.
func Background() Identity { return Identity{Kind: KindBackground} }

// Content returns the identity of the content context of a tab.
func Content(tabID int) Identity { return Identity{Kind: KindContent, TabID: tabID} }

// Panel returns the panel identity.
func Panel() Identity { return Identity{Kind: KindPanel} }

// IsZero reports whether no identity is set.
func (id Identity) IsZero() bool {
	return id.Kind == "" && id.TabID == 0
}

// Validate checks that the identity names a context.
func (id Identity) Validate() error {
	switch id.Kind {
	case KindBackground, KindPanel:
		if id.TabID != 0 {
			return fmt.Errorf("%w: %s carries tab id %d", ErrInvalidIdentity, id.Kind, id.TabID)
		}
	case KindContent:
		if id.TabID <= 0 {
			return fmt.Errorf("%w: content needs a positive tab id, got %d", ErrInvalidIdentity, id.TabID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentity, id.Kind)
	}
	return nil
}

// String renders the identity for logs: background, content(42), panel.
func (id Identity) String() string {
	if id.Kind == KindContent {
		return fmt.Sprintf("content(%d)", id.TabID)
	}
	if id.Kind == "" {
		return "none"
	}
	return string(id.Kind)
}

// Subject renders the identity as a subject token: background, content.42, panel.
func (id Identity) Subject() string {
	if id.Kind == KindContent {
		return "content." + strconv.Itoa(id.TabID)
	}
	return string(id.Kind)
}

// ParseSubject is the inverse of Subject.
func ParseSubject(s string) (Identity, error) {
	var id Identity
	switch {
	case s == string(KindBackground):
		id = Background()
	case s == string(KindPanel):
		id = Panel()
	case strings.HasPrefix(s, "content."):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "content."))
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
		}
		id = Content(n)
	default:
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// MarshalJSON encodes the identity as its subject string.
func (id Identity) MarshalJSON() ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(id.Subject())
}

// UnmarshalJSON decodes a subject string.
func (id *Identity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	parsed, err := ParseSubject(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
