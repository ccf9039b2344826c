package service

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// flakySettlements fails MarkSent a set number of times.
type flakySettlements struct {
	domain.SettlementStore
	mu           sync.Mutex
	markSentErrs int
}

func (f *flakySettlements) MarkSent(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	fail := f.markSentErrs > 0
	if fail {
		f.markSentErrs--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.SettlementStore.MarkSent(ctx, id, at)
}

type flakyStore struct {
	domain.Store
	settlements domain.SettlementStore
}

func (s flakyStore) Settlements() domain.SettlementStore { return s.settlements }

// scriptedSender is connected and fails its first sends with the given
// errors.
type scriptedSender struct {
	mu       sync.Mutex
	errs     []error
	commands []string
}

func (s *scriptedSender) IsConnected() bool { return true }

func (s *scriptedSender) Send(_ context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *scriptedSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// released returns an env whose only settlement is a pending 95.00 payout to Bob.
func released(t *testing.T) (*testEnv, domain.Trade) {
	t.Helper()
	env := newTestEnv(t)
	tr := env.escrowed(t)
	if _, err := env.resolver.Release(context.Background(), tr.ID, alice); err != nil {
		t.Fatalf("Release: %v", err)
	}
	return env, tr
}

func TestDispatcher_HoldsUntilOnline(t *testing.T) {
	env := newTestEnv(t)
	tr := env.escrowed(t)
	ctx := context.Background()
	if _, err := env.resolver.Release(ctx, tr.ID, alice); err != nil {
		t.Fatalf("Release: %v", err)
	}

	sender := &fakeSender{}
	disp := NewDispatcher(env.deps, sender, DispatcherConfig{})

	n, err := disp.DispatchPending(ctx)
	if err != nil || n != 0 {
		t.Fatalf("offline pass: n = %d, err = %v", n, err)
	}
	pending, _ := env.store.Settlements().ListPending(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	sender.online = true
	n, err = disp.DispatchPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("online pass: n = %d, err = %v", n, err)
	}
	if got, want := sender.sent(), []string{"/pay Bob 95.00"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}

	n, _ = disp.DispatchPending(ctx)
	if n != 0 || len(sender.sent()) != 1 {
		t.Fatal("settlement sent twice")
	}
	audit := env.audit(t, tr.ID)
	if audit[len(audit)-1] != domain.AuditSettlementSent {
		t.Fatalf("audit = %v", audit)
	}
	kinds := env.events.kinds()
	if kinds[len(kinds)-1] != domain.EventSettlementSent {
		t.Fatalf("events = %v", kinds)
	}
}

func TestDispatcher_PayCommandTemplate(t *testing.T) {
	env := newTestEnv(t)
	disp := NewDispatcher(env.deps, &fakeSender{}, DispatcherConfig{PayCommand: "/eco pay {handle} {amount}"})
	if got := disp.PayCommand("Bob", "12.00"); got != "/eco pay Bob 12.00" {
		t.Fatalf("PayCommand = %q", got)
	}
}

func TestDispatcher_TriggerDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	disp := NewDispatcher(env.deps, &fakeSender{}, DispatcherConfig{})
	for i := 0; i < 5; i++ {
		disp.Trigger()
	}
	disp.OnBridgeState(domain.BridgeSpawned)
}

func TestDispatcher_MarkSentFailureNeverResends(t *testing.T) {
	env, tr := released(t)
	ctx := context.Background()
	settlements := &flakySettlements{SettlementStore: env.store.Settlements(), markSentErrs: 1}
	deps := env.deps
	deps.Store = flakyStore{Store: env.store, settlements: settlements}
	sender := &fakeSender{online: true}
	disp := NewDispatcher(deps, sender, DispatcherConfig{})

	if _, err := disp.DispatchPending(ctx); err == nil {
		t.Fatal("first pass: want the MarkSent error")
	}
	n, err := disp.DispatchPending(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second pass: n = %d, err = %v", n, err)
	}
	if got, want := sender.sent(), []string{"/pay Bob 95.00"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}

	held, err := disp.Unconfirmed(ctx)
	if err != nil || len(held) != 1 || held[0].Status != domain.SettlementSending || held[0].Attempts != 1 {
		t.Fatalf("unconfirmed = %+v, err = %v", held, err)
	}
	audit := env.audit(t, tr.ID)
	if audit[len(audit)-1] != domain.AuditSettlementUnconfirmed {
		t.Fatalf("audit = %v", audit)
	}

	if _, err := disp.Confirm(ctx, held[0].ID, alice); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("Confirm by user err = %v", err)
	}
	st, err := disp.Confirm(ctx, held[0].ID, admin)
	if err != nil || st.Status != domain.SettlementSent {
		t.Fatalf("Confirm = %+v, %v", st, err)
	}
	if held, _ := disp.Unconfirmed(ctx); len(held) != 0 {
		t.Fatalf("still unconfirmed: %+v", held)
	}
	if n, _ := disp.DispatchPending(ctx); n != 0 || len(sender.sent()) != 1 {
		t.Fatal("settlement sent twice")
	}
	if audit := env.audit(t, tr.ID); audit[len(audit)-1] != domain.AuditSettlementSent {
		t.Fatalf("audit = %v", audit)
	}
}

func TestDispatcher_SendOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		sendErr    error
		wantErr    error
		wantStatus domain.SettlementStatus
		wantError  string
	}{
		{"offline before write is requeued", domain.ErrBridgeOffline, nil, domain.SettlementPending, domain.ErrBridgeOffline.Error()},
		{"unknown delivery is held", domain.ErrDeliveryUnknown, domain.ErrDeliveryUnknown, domain.SettlementSending, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, tr := released(t)
			ctx := context.Background()
			sender := &scriptedSender{errs: []error{tt.sendErr}}
			disp := NewDispatcher(env.deps, sender, DispatcherConfig{})

			n, err := disp.DispatchPending(ctx)
			if n != 0 || !errors.Is(err, tt.wantErr) {
				t.Fatalf("n = %d, err = %v, want %v", n, err, tt.wantErr)
			}
			sts, _ := env.store.Settlements().ListByTrade(ctx, tr.ID)
			if len(sts) != 1 || sts[0].Status != tt.wantStatus || sts[0].LastError != tt.wantError || sts[0].Attempts != 1 {
				t.Fatalf("settlement = %+v", sts)
			}

			// A second pass resends only what went back to PENDING.
			disp.DispatchPending(ctx)
			want := 0
			if tt.wantStatus == domain.SettlementPending {
				want = 1
			}
			if got := len(sender.sent()); got != want {
				t.Fatalf("commands written = %d, want %d", got, want)
			}
		})
	}
}

func TestDispatcher_RequeueResends(t *testing.T) {
	env, _ := released(t)
	ctx := context.Background()
	sender := &scriptedSender{errs: []error{domain.ErrDeliveryUnknown}}
	disp := NewDispatcher(env.deps, sender, DispatcherConfig{})
	disp.DispatchPending(ctx)

	held, _ := disp.Unconfirmed(ctx)
	if len(held) != 1 {
		t.Fatalf("unconfirmed = %+v", held)
	}
	if _, err := disp.Requeue(ctx, held[0].ID, admin); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if _, err := disp.Requeue(ctx, held[0].ID, admin); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("second Requeue err = %v", err)
	}
	if _, err := disp.Confirm(ctx, "missing", admin); !errors.Is(err, domain.ErrSettlementNotFound) {
		t.Fatalf("Confirm unknown err = %v", err)
	}

	n, err := disp.DispatchPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("pass after requeue: n = %d, err = %v", n, err)
	}
	if got, want := sender.sent(), []string{"/pay Bob 95.00"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
}

func TestDispatcher_ConcurrentPassesSendOnce(t *testing.T) {
	env, _ := released(t)
	ctx := context.Background()
	sender := &fakeSender{online: true}
	a := NewDispatcher(env.deps, sender, DispatcherConfig{})
	b := NewDispatcher(env.deps, sender, DispatcherConfig{})

	var wg sync.WaitGroup
	for _, disp := range []*Dispatcher{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			disp.DispatchPending(ctx)
		}()
	}
	wg.Wait()
	if got := sender.sent(); len(got) != 1 {
		t.Fatalf("commands = %v, want one", got)
	}
}
