package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// newTestClient connects to TEST_REDIS_ADDR under a random key prefix.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, KeyPrefix: "escrowbot-test-" + uuid.NewString()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKey(t *testing.T) {
	tests := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"", []string{"lock", "trade:7"}, "lock:trade:7"},
		{"escrow", []string{"lock", "trade:7"}, "escrow:lock:trade:7"},
		{"escrow", nil, "escrow"},
	}
	for _, tt := range tests {
		c := &Client{prefix: tt.prefix}
		if got := c.key(tt.parts...); got != tt.want {
			t.Errorf("key(%q, %v) = %q, want %q", tt.prefix, tt.parts, got, tt.want)
		}
	}
}

func TestLockManager(t *testing.T) {
	c := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "trade:1", 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := lm.Acquire(ctx, "trade:1", 5*time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire err = %v, want ErrLockHeld", err)
	}
	unlock()
	unlock()

	again, err := lm.Acquire(ctx, "trade:1", 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire after unlock: %v", err)
	}
	again()
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(newTestClient(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "tenant-a", 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("request %d: allowed=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := rl.Allow(ctx, "tenant-a", 3, time.Minute); ok {
		t.Fatal("fourth request allowed")
	}
	if ok, _ := rl.Allow(ctx, "tenant-b", 3, time.Minute); !ok {
		t.Fatal("other tenant throttled")
	}
}

func TestSignalBus_Stream(t *testing.T) {
	sb := NewSignalBus(newTestClient(t))
	ctx := context.Background()

	for _, p := range []string{"one", "two"} {
		if err := sb.StreamAppend(ctx, domain.StreamTrades, []byte(p)); err != nil {
			t.Fatalf("StreamAppend: %v", err)
		}
	}
	msgs, err := sb.StreamRead(ctx, domain.StreamTrades, "0", 10)
	if err != nil {
		t.Fatalf("StreamRead: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0].Payload) != "one" || string(msgs[1].Payload) != "two" {
		t.Fatalf("messages = %+v", msgs)
	}
}
