package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// stalledNotifier blocks every call until release is closed.
type stalledNotifier struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func newStalledNotifier() *stalledNotifier {
	return &stalledNotifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (n *stalledNotifier) NotifyTrade(ctx context.Context, _ string, _ domain.TradeEvent) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	select {
	case n.entered <- struct{}{}:
	default:
	}
	select {
	case <-n.release:
	case <-ctx.Done():
	}
	return nil
}

func TestMutator_PublishesAfterUnlock(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var lockErrs []error
	env.deps.Publisher.Subscribe(func(ev domain.TradeEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		unlock, err := env.deps.Locker.Lock(ctx, ev.TradeID)
		if err == nil {
			unlock()
		}
		mu.Lock()
		lockErrs = append(lockErrs, err)
		mu.Unlock()
	})

	tr := env.open(t, DefaultPolicy())
	env.pay(t, "v-s", "Alice", "12.34")
	if _, err := env.resolver.CloseTicket(context.Background(), tr.ID, admin); err != nil {
		t.Fatalf("CloseTicket: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lockErrs) == 0 {
		t.Fatal("no events published")
	}
	for i, err := range lockErrs {
		if err != nil {
			t.Fatalf("event %d published while the trade was locked: %v", i, err)
		}
	}
}

func TestPublisher_StalledNotifierDoesNotBlockReconciliation(t *testing.T) {
	env := newTestEnv(t)
	notifier := newStalledNotifier()
	defer close(notifier.release)

	env.deps.Publisher = NewPublisher(notifier, nil, env.deps.Logger)
	env.reconciler = NewReconciler(env.deps, ReconcilerConfig{Collector: collector})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.deps.Publisher.Run(ctx)

	tr := env.open(t, DefaultPolicy())
	select {
	case <-notifier.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier never called")
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var last outcome
		for _, ev := range []domain.PaymentEvent{
			{ReferenceID: "v-s", TenantID: "guild-1", PayerHandle: "Alice", RecipientHandle: collector, Amount: d("12.34"), Source: domain.SourceChat},
			{ReferenceID: "v-r", TenantID: "guild-1", PayerHandle: "Bob", RecipientHandle: collector, Amount: d("7.01"), Source: domain.SourceChat},
		} {
			last.res, last.err = env.reconciler.Process(ctx, ev)
			if last.err != nil {
				break
			}
		}
		done <- last
	}()

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("Process: %v", got.err)
		}
		if got.res.Outcome != OutcomeMatched || got.res.Trade == nil || got.res.Trade.Status != domain.StatusVerified {
			t.Fatalf("result = %+v, want VERIFIED", got.res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reconciliation stalled behind the notifier")
	}
	if env.get(t, tr.ID).Status != domain.StatusVerified {
		t.Fatal("trade not verified")
	}
}
