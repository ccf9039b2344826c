package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

const lockRetryInterval = 25 * time.Millisecond

// TradeLocker serializes work on a single trade. The in-process keyed mutex
// covers goroutines of this replica; the optional distributed lock covers
// other replicas sharing the database. Different trades never contend.
type TradeLocker struct {
	dist domain.LockManager
	ttl  time.Duration

	mu    sync.Mutex
	locks map[int64]*tradeLock
}

type tradeLock struct {
	ch   chan struct{}
	refs int
}

// NewTradeLocker creates a locker. dist may be nil.
func NewTradeLocker(dist domain.LockManager, ttl time.Duration) *TradeLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TradeLocker{dist: dist, ttl: ttl, locks: make(map[int64]*tradeLock)}
}

// Lock blocks until the trade is exclusively held or ctx ends.
func (l *TradeLocker) Lock(ctx context.Context, tradeID int64) (func(), error) {
	tl := l.ref(tradeID)
	select {
	case tl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(tradeID)
		return nil, fmt.Errorf("locker: trade %d: %w", tradeID, ctx.Err())
	}
	local := func() {
		<-tl.ch
		l.unref(tradeID)
	}

	if l.dist == nil {
		return local, nil
	}

	key := "trade:" + strconv.FormatInt(tradeID, 10)
	for {
		unlock, err := l.dist.Acquire(ctx, key, l.ttl)
		if err == nil {
			return func() {
				unlock()
				local()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			local()
			return nil, fmt.Errorf("locker: trade %d: %w", tradeID, err)
		}
		select {
		case <-ctx.Done():
			local()
			return nil, fmt.Errorf("locker: trade %d: %w", tradeID, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

func (l *TradeLocker) ref(id int64) *tradeLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &tradeLock{ch: make(chan struct{}, 1)}
		l.locks[id] = tl
	}
	tl.refs++
	return tl
}

func (l *TradeLocker) unref(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl := l.locks[id]
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, id)
	}
}

// held returns the number of trades with waiters or holders.
func (l *TradeLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
