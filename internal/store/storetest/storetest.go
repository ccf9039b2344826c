// Package storetest holds the behavioural suite every domain.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) domain.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CompareAndSetStatusConflict", func(t *testing.T) { testStatusConflict(t, newStore(t)) })
	t.Run("DuplicateReference", func(t *testing.T) { testDuplicateReference(t, newStore(t)) })
	t.Run("ApplyErrorWritesNothing", func(t *testing.T) { testApplyError(t, newStore(t)) })
	t.Run("SettlementOutbox", func(t *testing.T) { testSettlementOutbox(t, newStore(t)) })
	t.Run("Candidates", func(t *testing.T) { testCandidates(t, newStore(t)) })
	t.Run("Expired", func(t *testing.T) { testExpired(t, newStore(t)) })
	t.Run("StaleCreated", func(t *testing.T) { testStaleCreated(t, newStore(t)) })
	t.Run("ConcurrentCompareAndSet", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("ArchiveMarks", func(t *testing.T) { testArchive(t, newStore(t)) })
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// NewTrade returns a CREATED trade between alice and bob for 100.00.
func NewTrade(tenant string) domain.Trade {
	return domain.Trade{
		TenantID:       tenant,
		SenderRef:      "user-alice",
		ReceiverRef:    "user-bob",
		SenderHandle:   "Alice",
		ReceiverHandle: "Bob",
		SaleAmount:     d("100.00"),
		FeePercent:     domain.DefaultFeePercent,
		Depositor:      domain.RoleSender,
		FeeBearer:      domain.RoleReceiver,
		Status:         domain.StatusCreated,
		TicketRef:      "ticket-" + uuid.NewString(),
	}
}

func create(t *testing.T, s domain.Store, tr domain.Trade) domain.Trade {
	t.Helper()
	created, err := s.Trades().Create(context.Background(), tr, domain.Ticket{},
		domain.NewAudit(0, domain.SystemActor, domain.AuditTradeCreated, nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func awaiting(t *testing.T, s domain.Store, tenant string, expires time.Time) domain.Trade {
	t.Helper()
	tr := create(t, s, NewTrade(tenant))
	out, err := s.Trades().CompareAndSet(context.Background(), tr.ID, domain.StatusCreated, domain.Mutation{
		Apply: func(t *domain.Trade) error { return t.RequestVerification(d("12.34"), d("7.01"), expires) },
		Audit: domain.NewAudit(tr.ID, domain.SystemActor, domain.AuditVerificationRequested, nil),
	})
	if err != nil {
		t.Fatalf("RequestVerification CAS: %v", err)
	}
	return out
}

func testCreateAndGet(t *testing.T, s domain.Store) {
	ctx := context.Background()
	tr := create(t, s, NewTrade("guild-1"))
	if tr.ID == 0 {
		t.Fatal("Create did not assign an id")
	}

	got, err := s.Trades().Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusCreated || !got.SaleAmount.Equal(d("100")) || got.SenderHandle != "Alice" {
		t.Fatalf("Get returned %+v", got)
	}
	if got.FeeAmount.Valid {
		t.Fatalf("fee amount set before settlement: %v", got.FeeAmount)
	}

	ticket, err := s.Trades().GetTicket(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if ticket.Status != domain.TicketOpen || ticket.Ref != tr.TicketRef {
		t.Fatalf("ticket = %+v", ticket)
	}

	entries, err := s.Audit().List(ctx, tr.ID, domain.ListOpts{})
	if err != nil {
		t.Fatalf("Audit.List: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != domain.AuditTradeCreated {
		t.Fatalf("audit = %+v", entries)
	}

	if _, err := s.Trades().Get(ctx, tr.ID+1000); !errors.Is(err, domain.ErrTradeNotFound) {
		t.Fatalf("Get missing: err = %v, want ErrTradeNotFound", err)
	}
}

func testStatusConflict(t *testing.T, s domain.Store) {
	ctx := context.Background()
	tr := create(t, s, NewTrade(""))

	_, err := s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusVerified, domain.Mutation{
		Audit: domain.NewAudit(tr.ID, domain.SystemActor, domain.AuditTradeVerified, nil),
	})
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict", err)
	}

	if _, err := s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusCreated, domain.Mutation{
		Apply:       func(t *domain.Trade) error { _, err := t.Cancel(); return err },
		CloseTicket: true,
		Audit:       domain.NewAudit(0, domain.SystemActor, domain.AuditTradeCancelled, nil),
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusAwaitingVerification, domain.Mutation{})
	if !errors.Is(err, domain.ErrTradeTerminal) {
		t.Fatalf("err = %v, want ErrTradeTerminal", err)
	}

	ticket, err := s.Trades().GetTicket(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if ticket.Status != domain.TicketClosed || ticket.ClosedAt == nil {
		t.Fatalf("ticket not closed: %+v", ticket)
	}

	entries, _ := s.Audit().List(ctx, tr.ID, domain.ListOpts{})
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
}

func verification(ref string, rule domain.VerificationRule, amount string) *domain.Verification {
	return &domain.Verification{
		ReferenceID:     ref,
		Rule:            rule,
		PayerHandle:     "Alice",
		RecipientHandle: "EscrowBot",
		ExpectedAmount:  d(amount),
		ReceivedAmount:  d(amount),
		RawEvidence:     "Alice paid you $" + amount,
		Source:          domain.SourceWebhook,
		Verified:        true,
		ObservedAt:      time.Now().UTC(),
	}
}

func testDuplicateReference(t *testing.T, s domain.Store) {
	ctx := context.Background()
	tr := awaiting(t, s, "", time.Now().Add(10*time.Minute))
	mark := func() domain.Mutation {
		return domain.Mutation{
			Apply:        func(t *domain.Trade) error { t.SenderVerified = true; return nil },
			Verification: verification("ref-1", domain.RuleSenderVerification, "12.34"),
			Audit:        domain.NewAudit(tr.ID, domain.SystemActor, domain.AuditVerificationMatched, nil),
		}
	}

	if _, err := s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusAwaitingVerification, mark()); err != nil {
		t.Fatalf("first CAS: %v", err)
	}
	_, err := s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusAwaitingVerification, mark())
	if !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("second CAS err = %v, want ErrDuplicateEvent", err)
	}

	vs, err := s.Trades().ListVerifications(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ListVerifications: %v", err)
	}
	if len(vs) != 1 || vs[0].ReferenceID != "ref-1" || !vs[0].ReceivedAmount.Equal(d("12.34")) {
		t.Fatalf("verifications = %+v", vs)
	}
	ok, err := s.Trades().HasReference(ctx, "ref-1")
	if err != nil || !ok {
		t.Fatalf("HasReference = %v, %v", ok, err)
	}
	entries, _ := s.Audit().List(ctx, tr.ID, domain.ListOpts{})
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want 3 (rolled-back duplicate must not append)", len(entries))
	}
}

func testApplyError(t *testing.T, s domain.Store) {
	ctx := context.Background()
	tr := create(t, s, NewTrade(""))
	boom := errors.New("boom")

	_, err := s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusCreated, domain.Mutation{
		Apply:        func(*domain.Trade) error { return boom },
		Verification: verification("ref-never", domain.RuleDeposit, "1.00"),
		Audit:        domain.NewAudit(tr.ID, domain.SystemActor, domain.AuditEscrowDeposited, nil),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if ok, _ := s.Trades().HasReference(ctx, "ref-never"); ok {
		t.Fatal("verification written despite Apply error")
	}
}

func testSettlementOutbox(t *testing.T, s domain.Store) {
	ctx := context.Background()
	tr := awaiting(t, s, "", time.Now().Add(time.Hour))

	id := uuid.NewString()
	if _, err := s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusAwaitingVerification, domain.Mutation{
		Apply: func(t *domain.Trade) error { _, err := t.Cancel(); return err },
		Settlement: &domain.Settlement{
			ID: id, Kind: domain.SettlementRefund, PayeeHandle: "Alice", Amount: d("100.00"), Fee: decimal.Zero,
		},
		Audit: domain.NewAudit(tr.ID, domain.SystemActor, domain.AuditTradeCancelled, nil),
	}); err != nil {
		t.Fatalf("CAS with settlement: %v", err)
	}

	pending, err := s.Settlements().ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].TradeID != tr.ID || !pending[0].Amount.Equal(d("100")) {
		t.Fatalf("pending = %+v", pending)
	}

	st := s.Settlements()
	if err := st.MarkSent(ctx, id, time.Now()); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("MarkSent before Claim err = %v, want ErrStatusConflict", err)
	}
	if err := st.Claim(ctx, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.Claim(ctx, id); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("second Claim err = %v, want ErrStatusConflict", err)
	}
	if pending, _ = st.ListPending(ctx, 10); len(pending) != 0 {
		t.Fatalf("claimed settlement still pending: %+v", pending)
	}
	unconfirmed, err := st.ListUnconfirmed(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnconfirmed: %v", err)
	}
	if len(unconfirmed) != 1 || unconfirmed[0].ID != id || unconfirmed[0].Status != domain.SettlementSending {
		t.Fatalf("unconfirmed = %+v", unconfirmed)
	}

	if err := st.Requeue(ctx, id, "bridge offline"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if err := st.Requeue(ctx, id, "again"); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("Requeue of pending err = %v, want ErrStatusConflict", err)
	}
	if pending, _ = st.ListPending(ctx, 10); len(pending) != 1 || pending[0].LastError != "bridge offline" {
		t.Fatalf("pending after requeue = %+v", pending)
	}

	if err := st.Claim(ctx, id); err != nil {
		t.Fatalf("second Claim after requeue: %v", err)
	}
	if err := st.MarkSent(ctx, id, time.Now()); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := st.MarkSent(ctx, id, time.Now()); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("second MarkSent err = %v, want ErrStatusConflict", err)
	}

	pending, _ = st.ListPending(ctx, 10)
	unconfirmed, _ = st.ListUnconfirmed(ctx, 10)
	if len(pending) != 0 || len(unconfirmed) != 0 {
		t.Fatalf("after send: pending = %d, unconfirmed = %d", len(pending), len(unconfirmed))
	}
	byTrade, err := st.ListByTrade(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ListByTrade: %v", err)
	}
	if len(byTrade) != 1 || byTrade[0].Status != domain.SettlementSent || byTrade[0].Attempts != 2 ||
		byTrade[0].SentAt == nil || byTrade[0].LastError != "" {
		t.Fatalf("settlement = %+v", byTrade)
	}
	got, err := st.Get(ctx, id)
	if err != nil || got.Status != domain.SettlementSent || got.TradeID != tr.ID {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := st.Get(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, domain.ErrSettlementNotFound) {
		t.Fatalf("Get unknown err = %v, want ErrSettlementNotFound", err)
	}
}

func testCandidates(t *testing.T, s domain.Store) {
	ctx := context.Background()
	a := awaiting(t, s, "guild-a", time.Now().Add(time.Hour))
	b := awaiting(t, s, "guild-b", time.Now().Add(time.Hour))
	create(t, s, NewTrade("guild-a"))

	all, err := s.Trades().ListMatchCandidates(ctx, "")
	if err != nil {
		t.Fatalf("ListMatchCandidates: %v", err)
	}
	if len(all) != 2 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Fatalf("candidates = %v", ids(all))
	}

	scoped, _ := s.Trades().ListMatchCandidates(ctx, "guild-b")
	if len(scoped) != 1 || scoped[0].ID != b.ID {
		t.Fatalf("scoped candidates = %v", ids(scoped))
	}

	if _, err := s.Trades().CompareAndSet(ctx, a.ID, domain.StatusAwaitingVerification, domain.Mutation{
		Apply: func(t *domain.Trade) error { return t.OpenDispute("user-alice", "scam") },
		Audit: domain.NewAudit(a.ID, domain.Actor{Ref: "user-alice", Type: domain.ActorUser}, domain.AuditDisputeOpened, nil),
	}); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	all, _ = s.Trades().ListMatchCandidates(ctx, "")
	if len(all) != 1 || all[0].ID != b.ID {
		t.Fatalf("candidates after dispute = %v", ids(all))
	}

	listed, err := s.Trades().List(ctx, domain.TradeFilter{Status: domain.StatusDisputeOpen})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 || !listed[0].Frozen || listed[0].DisputeReason != "scam" {
		t.Fatalf("disputed = %+v", listed)
	}
}

func testExpired(t *testing.T, s domain.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	old := awaiting(t, s, "", now.Add(-time.Minute))
	awaiting(t, s, "", now.Add(time.Hour))

	expired, err := s.Trades().ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expired = %v", ids(expired))
	}
	if expired[0].ExpiresAt == nil || expired[0].ExpiresAt.After(now) {
		t.Fatalf("expires_at = %v", expired[0].ExpiresAt)
	}
}

func testStaleCreated(t *testing.T, s domain.Store) {
	ctx := context.Background()
	stuck := create(t, s, NewTrade(""))
	awaiting(t, s, "", time.Now().Add(time.Hour))

	stale, err := s.Trades().ListStaleCreated(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStaleCreated: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != stuck.ID {
		t.Fatalf("stale = %v", ids(stale))
	}
	if fresh, _ := s.Trades().ListStaleCreated(ctx, time.Now().Add(-time.Hour)); len(fresh) != 0 {
		t.Fatalf("fresh trades listed as stale: %v", ids(fresh))
	}
}

func testConcurrentCAS(t *testing.T, s domain.Store) {
	ctx := context.Background()
	tr := awaiting(t, s, "", time.Now().Add(time.Hour))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusAwaitingVerification, domain.Mutation{
				Apply: func(t *domain.Trade) error { _, err := t.Cancel(); return err },
				Audit: domain.NewAudit(tr.ID, domain.SystemActor, domain.AuditTradeCancelled,
					map[string]any{"worker": fmt.Sprint(i)}),
			})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrTradeTerminal):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d workers won the compare-and-set, want 1", ok)
	}
}

func testArchive(t *testing.T, s domain.Store) {
	ctx := context.Background()
	tr := create(t, s, NewTrade(""))
	if _, err := s.Trades().CompareAndSet(ctx, tr.ID, domain.StatusCreated, domain.Mutation{
		Apply: func(t *domain.Trade) error { _, err := t.Cancel(); return err },
		Audit: domain.NewAudit(tr.ID, domain.SystemActor, domain.AuditTradeCancelled, nil),
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	cutoff := time.Now().Add(time.Minute)
	terminal, err := s.Trades().ListTerminalBefore(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListTerminalBefore: %v", err)
	}
	if len(terminal) != 1 || terminal[0].ID != tr.ID {
		t.Fatalf("terminal = %v", ids(terminal))
	}

	if err := s.Trades().MarkArchived(ctx, []int64{tr.ID}, time.Now()); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}
	terminal, _ = s.Trades().ListTerminalBefore(ctx, cutoff, 10)
	if len(terminal) != 0 {
		t.Fatalf("archived trade listed again: %v", ids(terminal))
	}
	got, _ := s.Trades().Get(ctx, tr.ID)
	if got.ArchivedAt == nil {
		t.Fatal("archived_at not set")
	}
}

func ids(ts []domain.Trade) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
