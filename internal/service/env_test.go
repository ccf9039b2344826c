package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/store/sqlite"
)

const collector = "EscrowBot"

var (
	alice = domain.Actor{Ref: "user-alice", Type: domain.ActorUser}
	bob   = domain.Actor{Ref: "user-bob", Type: domain.ActorUser}
	admin = domain.Actor{Ref: "admin-1", Type: domain.ActorAdmin}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// amountSource yields bytes that make the generator draw exactly the given
// cent values, in order.
func amountSource(cents ...int64) io.Reader {
	var buf bytes.Buffer
	for _, c := range cents {
		n := c - 100
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
	}
	return &buf
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.TradeEvent
}

func (r *eventRecorder) record(ev domain.TradeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []domain.TradeEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TradeEventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type testEnv struct {
	store      domain.Store
	deps       Deps
	clock      time.Time
	events     *eventRecorder
	trades     *TradeService
	resolver   *Resolver
	reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "escrow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:  st,
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		events: &eventRecorder{},
	}
	pub := NewPublisher(nil, nil, logger)
	pub.Subscribe(env.events.record)
	env.deps = Deps{
		Store:     st,
		Locker:    NewTradeLocker(nil, 0),
		Publisher: pub,
		Logger:    logger,
		Now:       func() time.Time { return env.clock },
	}
	env.resolver = NewResolver(env.deps)
	env.reconciler = NewReconciler(env.deps, ReconcilerConfig{Collector: collector})
	return env
}

// open creates a trade for 100.00 between Alice (sender) and Bob (receiver)
// whose verification amounts are 12.34 and 7.01.
func (e *testEnv) open(t *testing.T, policy Policy) domain.Trade {
	t.Helper()
	return e.openIn(t, "guild-1", policy)
}

// openIn is open for a trade owned by tenant.
func (e *testEnv) openIn(t *testing.T, tenant string, policy Policy) domain.Trade {
	t.Helper()
	gen := domain.NewVerificationAmountGenerator().WithSource(amountSource(1234, 701))
	svc := NewTradeService(e.deps, PolicyFunc(func(string) Policy { return policy }), gen)
	e.trades = svc
	tr, err := svc.Open(context.Background(), OpenRequest{
		TenantID:       tenant,
		SenderRef:      alice.Ref,
		ReceiverRef:    bob.Ref,
		SenderHandle:   "Alice",
		ReceiverHandle: "Bob",
		SaleAmount:     d("100.00"),
	}, alice)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tr
}

func (e *testEnv) pay(t *testing.T, ref, payer, amount string) Result {
	t.Helper()
	res, err := e.reconciler.Process(context.Background(), domain.PaymentEvent{
		ReferenceID:     ref,
		TenantID:        "guild-1",
		PayerHandle:     payer,
		RecipientHandle: collector,
		Amount:          d(amount),
		RawLine:         payer + " paid you $" + amount + ".",
		Source:          domain.SourceChat,
	})
	if err != nil {
		t.Fatalf("Process(%s %s): %v", payer, amount, err)
	}
	return res
}

// escrowed opens a trade and drives it to IN_ESCROW with a 100.00 deposit.
func (e *testEnv) escrowed(t *testing.T) domain.Trade {
	t.Helper()
	tr := e.open(t, DefaultPolicy())
	e.pay(t, "v-s", "Alice", "12.34")
	e.pay(t, "v-r", "Bob", "7.01")
	res := e.pay(t, "dep", "Alice", "100.00")
	if res.Outcome != OutcomeMatched || res.Trade.Status != domain.StatusInEscrow {
		t.Fatalf("deposit result = %+v", res)
	}
	return e.get(t, tr.ID)
}

func (e *testEnv) get(t *testing.T, id int64) domain.Trade {
	t.Helper()
	tr, err := e.store.Trades().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return tr
}

func (e *testEnv) audit(t *testing.T, id int64) []domain.AuditAction {
	t.Helper()
	entries, err := e.store.Audit().List(context.Background(), id, domain.ListOpts{})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	out := make([]domain.AuditAction, len(entries))
	for i, en := range entries {
		out[i] = en.Action
	}
	return out
}

// fakeSender records commands and can be switched offline.
type fakeSender struct {
	mu       sync.Mutex
	online   bool
	commands []string
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeSender) Send(_ context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return domain.ErrBridgeOffline
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}
