package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

func TestTradeLocker_SerializesOneTrade(t *testing.T) {
	l := NewTradeLocker(nil, 0)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), 7)
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("max concurrent holders = %d", maxInside)
	}
	if l.held() != 0 {
		t.Fatalf("locks leaked: %d", l.held())
	}
}

func TestTradeLocker_ContextCancelled(t *testing.T) {
	l := NewTradeLocker(nil, 0)
	unlock, _ := l.Lock(context.Background(), 1)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}

	other, err := l.Lock(context.Background(), 2)
	if err != nil {
		t.Fatalf("other trade blocked: %v", err)
	}
	other()
}

// heldOnce reports ErrLockHeld on the first attempt for each key.
type heldOnce struct {
	mu    sync.Mutex
	tries map[string]int
}

func (h *heldOnce) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tries[key]++
	if h.tries[key] == 1 {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

func TestTradeLocker_RetriesDistributedLock(t *testing.T) {
	dist := &heldOnce{tries: map[string]int{}}
	l := NewTradeLocker(dist, time.Second)
	unlock, err := l.Lock(context.Background(), 3)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	unlock()
	if dist.tries["trade:3"] != 2 {
		t.Fatalf("tries = %d, want 2", dist.tries["trade:3"])
	}
}
