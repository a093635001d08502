//go:build integration

package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// getNATSURL returns the NATS URL from environment or default.
func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

// newTestNATSStore creates a NATSStore for testing.
func newTestNATSStore(t *testing.T, bucket string) *NATSStore {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	store, err := NewNATSStore(context.Background(), NATSStoreConfig{
		Conn:   conn,
		Bucket: bucket,
	})
	if err != nil {
		conn.Close()
		t.Fatalf("NewNATSStore failed: %v", err)
	}

	t.Cleanup(func() {
		js, _ := jetstream.New(conn)
		js.DeleteKeyValue(context.Background(), bucket)
		store.Close()
		conn.Close()
	})

	return store
}

func TestNATSStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t, "ctxbus-test-basic")

	rev, err := s.Put(ctx, "presence.panel", []byte("v"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.GetKeyValue(ctx, "presence.panel")
	if err != nil {
		t.Fatalf("GetKeyValue: %v", err)
	}
	if string(got.Value) != "v" || got.Revision != rev {
		t.Errorf("GetKeyValue = %+v", got)
	}

	if err := s.Delete(ctx, "presence.panel"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "presence.panel"); err != ErrNotFound {
		t.Errorf("Get after delete = %v", err)
	}
}

func TestNATSStore_DeleteIf(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t, "ctxbus-test-deleteif")

	old, _ := s.Put(ctx, "presence.panel", []byte("a"))
	newer, _ := s.Put(ctx, "presence.panel", []byte("b"))

	if err := s.DeleteIf(ctx, "presence.panel", old); err != ErrRevisionMismatch {
		t.Errorf("DeleteIf stale = %v", err)
	}
	if err := s.DeleteIf(ctx, "presence.panel", newer); err != nil {
		t.Errorf("DeleteIf current = %v", err)
	}
}

func TestNATSStore_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestNATSStore(t, "ctxbus-test-watch")

	ch, err := s.Watch(ctx, "presence.*")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	s.Put(ctx, "presence.content.3", []byte("x"))
	s.Delete(ctx, "presence.content.3")

	select {
	case kv := <-ch:
		if kv.Operation != OpPut || kv.Key != "presence.content.3" {
			t.Errorf("first event = %+v", kv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for put")
	}
	select {
	case kv := <-ch:
		if kv.Operation != OpDelete {
			t.Errorf("second event = %+v", kv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delete")
	}
}
