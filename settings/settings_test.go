package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/state"
)

func strp(s string) *string { return &s }

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Settings
		wantErr bool
	}{
		{"defaults", Defaults(), false},
		{"pdf debug", Settings{LogLevel: "debug", ShareFormat: FormatPDF}, false},
		{"bad level", Settings{LogLevel: "loud", ShareFormat: FormatPDF}, true},
		{"bad format", Settings{LogLevel: "info", ShareFormat: "docx"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("error should wrap ErrInvalid: %v", err)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	if (Settings{LogLevel: "warn"}).Level() != logging.LevelWarn {
		t.Error("warn should map to WARN")
	}
	if (Settings{LogLevel: "??"}).Level() != logging.LevelInfo {
		t.Error("unparseable level should fall back to INFO")
	}
}

func TestStore_LoadWritesDefaults(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	s := New(kv)

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != Defaults() {
		t.Errorf("Load = %+v, want defaults", got)
	}
	if _, err := kv.Get(context.Background(), DefaultKey); err != nil {
		t.Errorf("defaults should be persisted: %v", err)
	}
}

func TestStore_Update(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	s := New(kv)
	ctx := context.Background()

	got, err := s.Update(ctx, Patch{LogLevel: strp(" DEBUG ")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.LogLevel != "debug" || got.ShareFormat != FormatPPT {
		t.Errorf("Update = %+v", got)
	}

	if _, err := s.Update(ctx, Patch{ShareFormat: strp("docx")}); !errors.Is(err, ErrInvalid) {
		t.Errorf("invalid patch err = %v", err)
	}
	loaded, _ := s.Load(ctx)
	if loaded.ShareFormat != FormatPPT {
		t.Error("rejected patch must not be stored")
	}
}

func TestStore_Watch(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	s := New(kv)
	s.Load(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Settings, 4)
	if err := s.Watch(ctx, func(set Settings) { changes <- set }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	s.Update(context.Background(), Patch{LogLevel: strp("error")})

	select {
	case set := <-changes:
		if set.LogLevel != "error" {
			t.Errorf("watched = %+v", set)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for settings change")
	}
}
