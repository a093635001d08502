// Package settings holds the user preferences shared by every context of
// the extension.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/state"
)

// DefaultKey is where settings live in the store.
const DefaultKey = "settings"

// Share formats.
const (
	FormatPDF = "pdf"
	FormatPPT = "ppt"
)

// ErrInvalid is returned for settings outside the allowed values.
var ErrInvalid = errors.New("invalid settings")

// Settings are the user preferences.
type Settings struct {
	// LogLevel is one of error, warn, info or debug.
	LogLevel string `json:"log_level"`

	// ShareFormat is pdf or ppt.
	ShareFormat string `json:"share_format"`
}

// Defaults returns the settings used until the user changes them.
func Defaults() Settings {
	return Settings{LogLevel: "info", ShareFormat: FormatPPT}
}

// Validate checks both fields.
func (s Settings) Validate() error {
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch s.ShareFormat {
	case FormatPDF, FormatPPT:
	default:
		return fmt.Errorf("%w: unknown share format %q", ErrInvalid, s.ShareFormat)
	}
	return nil
}

// Level returns the log level, INFO if it does not parse.
func (s Settings) Level() logging.Level {
	lvl, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

// Patch changes some fields. Nil fields are left as they are.
type Patch struct {
	LogLevel    *string
	ShareFormat *string
}

func (p Patch) apply(s Settings) Settings {
	if p.LogLevel != nil {
		s.LogLevel = strings.ToLower(strings.TrimSpace(*p.LogLevel))
	}
	if p.ShareFormat != nil {
		s.ShareFormat = strings.ToLower(strings.TrimSpace(*p.ShareFormat))
	}
	return s
}

// Store reads and writes settings in a state.Store.
type Store struct {
	kv  state.Store
	key string
}

// New returns settings stored under DefaultKey.
func New(kv state.Store) *Store {
	return &Store{kv: kv, key: DefaultKey}
}

// Load returns the stored settings, writing the defaults first when
// nothing is stored yet.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, state.ErrNotFound) {
		def := Defaults()
		return def, s.save(ctx, def)
	}
	if err != nil {
		return Settings{}, err
	}
	return decode(data)
}

// Update merges p into the stored settings and saves the result.
func (s *Store) Update(ctx context.Context, p Patch) (Settings, error) {
	cur, err := s.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	next := p.apply(cur)
	if err := next.Validate(); err != nil {
		return cur, err
	}
	if next == cur {
		return cur, nil
	}
	return next, s.save(ctx, next)
}

// Watch calls fn with the settings after every change until ctx ends.
// Values that fail to decode are skipped.
func (s *Store) Watch(ctx context.Context, fn func(Settings)) error {
	ch, err := s.kv.Watch(ctx, s.key)
	if err != nil {
		return err
	}
	go func() {
		for kv := range ch {
			if kv.Operation != state.OpPut {
				continue
			}
			if set, err := decode(kv.Value); err == nil {
				fn(set)
			}
		}
	}()
	return nil
}

func (s *Store) save(ctx context.Context, set Settings) error {
	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, s.key, data)
	return err
}

func decode(data []byte) (Settings, error) {
	set := Defaults()
	if err := json.Unmarshal(data, &set); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return set, nil
}
