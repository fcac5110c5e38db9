package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mnehpets/googlelogin/auth"
	goredis "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), mr.Addr(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestErrorSlotPutTake(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	slot := NewErrorSlot(client)

	id, err := slot.Put(ctx, auth.Flash{Code: auth.CodeNotAllowed, Message: auth.Message(auth.CodeNotAllowed)}, 5*time.Minute)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	f, err := slot.Take(ctx, id)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if f.Code != auth.CodeNotAllowed || f.Message == "" {
		t.Fatalf("got %+v", f)
	}
	if _, err := slot.Take(ctx, id); !errors.Is(err, auth.ErrSlotNotFound) {
		t.Fatalf("second Take: got %v, want ErrSlotNotFound", err)
	}
}

func TestErrorSlotExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	slot := NewErrorSlot(client)

	id, err := slot.Put(ctx, auth.Flash{Code: auth.CodeInvalidState}, 5*time.Minute)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	mr.FastForward(6 * time.Minute)
	if _, err := slot.Take(ctx, id); !errors.Is(err, auth.ErrSlotNotFound) {
		t.Fatalf("Take after expiry: got %v, want ErrSlotNotFound", err)
	}
}

func TestReplayLedger(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	l := NewReplayLedger(client)

	first, err := l.Consume(ctx, "state:abc", time.Minute)
	if err != nil || !first {
		t.Fatalf("first Consume = %v, %v", first, err)
	}
	first, err = l.Consume(ctx, "state:abc", time.Minute)
	if err != nil || first {
		t.Fatalf("second Consume = %v, %v", first, err)
	}
	mr.FastForward(2 * time.Minute)
	first, _ = l.Consume(ctx, "state:abc", time.Minute)
	if !first {
		t.Fatal("Consume after expiry = false")
	}
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := New(context.Background(), addr, ""); err == nil {
		t.Fatal("expected ping error")
	}
}
