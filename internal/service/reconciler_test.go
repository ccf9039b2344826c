package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

func TestReconciler_SenderVerificationOnly(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())
	if !tr.VerificationAmountSender.Equal(d("12.34")) || tr.Status != domain.StatusAwaitingVerification {
		t.Fatalf("opened trade = %+v", tr)
	}

	res := env.pay(t, "chat-1", "alice", "12.34")
	if res.Outcome != OutcomeMatched || res.Rule != domain.RuleSenderVerification {
		t.Fatalf("result = %+v", res)
	}

	got := env.get(t, tr.ID)
	if !got.SenderVerified || got.ReceiverVerified || got.Status != domain.StatusAwaitingVerification {
		t.Fatalf("trade after sender verification = %+v", got)
	}
	vs, _ := env.store.Trades().ListVerifications(context.Background(), tr.ID)
	if len(vs) != 1 || !vs[0].ExpectedAmount.Equal(d("12.34")) || vs[0].RawEvidence == "" {
		t.Fatalf("verifications = %+v", vs)
	}
}

func TestReconciler_VerifiedOnlyWhenBothFlagsSet(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())

	env.pay(t, "r", "Bob", "7.01")
	if got := env.get(t, tr.ID); got.Status != domain.StatusAwaitingVerification {
		t.Fatalf("status after receiver only = %s", got.Status)
	}
	env.pay(t, "s", "Alice", "12.35")
	got := env.get(t, tr.ID)
	if got.Status != domain.StatusVerified || !got.SenderVerified || !got.ReceiverVerified {
		t.Fatalf("trade = %+v", got)
	}

	want := []domain.AuditAction{
		domain.AuditTradeCreated,
		domain.AuditVerificationRequested,
		domain.AuditVerificationMatched,
		domain.AuditTradeVerified,
	}
	if got := env.audit(t, tr.ID); !reflect.DeepEqual(got, want) {
		t.Fatalf("audit = %v, want %v", got, want)
	}
}

func TestReconciler_DepositFundsEscrow(t *testing.T) {
	env := newTestEnv(t)
	tr := env.escrowed(t)
	if !tr.EscrowBalance.Equal(d("100.00")) || tr.Status != domain.StatusInEscrow {
		t.Fatalf("trade = %+v", tr)
	}
	kinds := env.events.kinds()
	if kinds[len(kinds)-1] != domain.EventEscrowFunded {
		t.Fatalf("events = %v", kinds)
	}
}

func TestReconciler_DepositMustComeFromDepositor(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())
	env.pay(t, "s", "Alice", "12.34")
	env.pay(t, "r", "Bob", "7.01")

	if res := env.pay(t, "dep-bob", "Bob", "100.00"); res.Outcome != OutcomeNoMatch {
		t.Fatalf("deposit from receiver: %+v", res)
	}
	if res := env.pay(t, "dep-short", "Alice", "99.98"); res.Outcome != OutcomeNoMatch {
		t.Fatalf("short deposit: %+v", res)
	}
	if got := env.get(t, tr.ID); got.Status != domain.StatusVerified {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestReconciler_SenderBearsFeeDepositsSalePlusFee(t *testing.T) {
	env := newTestEnv(t)
	pol := DefaultPolicy()
	pol.FeeBearer = domain.RoleSender
	tr := env.open(t, pol)
	env.pay(t, "s", "Alice", "12.34")
	env.pay(t, "r", "Bob", "7.01")

	if res := env.pay(t, "dep-100", "Alice", "100.00"); res.Outcome != OutcomeNoMatch {
		t.Fatalf("deposit without fee matched: %+v", res)
	}
	if res := env.pay(t, "dep-105", "Alice", "105.00"); res.Outcome != OutcomeMatched {
		t.Fatalf("deposit with fee: %+v", res)
	}
	if got := env.get(t, tr.ID); !got.EscrowBalance.Equal(d("105")) {
		t.Fatalf("escrow = %s", got.EscrowBalance)
	}
}

func TestReconciler_DuplicateReference(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())

	first := env.pay(t, "wh-42", "Alice", "12.34")
	second := env.pay(t, "wh-42", "Alice", "12.34")
	if first.Outcome != OutcomeMatched || second.Outcome != OutcomeDuplicate {
		t.Fatalf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}
	vs, _ := env.store.Trades().ListVerifications(context.Background(), tr.ID)
	if len(vs) != 1 {
		t.Fatalf("verifications = %d, want 1", len(vs))
	}
}

func TestReconciler_ConcurrentDuplicateDeliveries(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.reconciler.Process(context.Background(), domain.PaymentEvent{
				ReferenceID:     "wh-dup",
				PayerHandle:     "Alice",
				RecipientHandle: collector,
				Amount:          d("12.34"),
				Source:          domain.SourceWebhook,
			})
		}(i)
	}
	wg.Wait()

	var matched int
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("delivery %d: %v", i, errs[i])
		}
		if results[i].Outcome == OutcomeMatched {
			matched++
		}
	}
	if matched != 1 {
		t.Fatalf("matched %d times, want 1", matched)
	}
	vs, _ := env.store.Trades().ListVerifications(context.Background(), tr.ID)
	if len(vs) != 1 {
		t.Fatalf("verifications = %d, want 1", len(vs))
	}
}

func TestReconciler_ConcurrentVerificationsVerifyOnce(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())

	events := []domain.PaymentEvent{
		{ReferenceID: "v-s", PayerHandle: "Alice", RecipientHandle: collector, Amount: d("12.34"), Source: domain.SourceChat},
		{ReferenceID: "v-r", PayerHandle: "Bob", RecipientHandle: collector, Amount: d("7.01"), Source: domain.SourceWebhook},
	}
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]Result, len(events))
	errs := make([]error, len(events))
	for i, ev := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = env.reconciler.Process(context.Background(), ev)
		}()
	}
	close(start)
	wg.Wait()

	for i := range events {
		if errs[i] != nil || results[i].Outcome != OutcomeMatched {
			t.Fatalf("event %s: result = %+v, err = %v", events[i].ReferenceID, results[i], errs[i])
		}
	}
	got := env.get(t, tr.ID)
	if got.Status != domain.StatusVerified || !got.SenderVerified || !got.ReceiverVerified {
		t.Fatalf("trade = %+v", got)
	}
	var verified int
	for _, a := range env.audit(t, tr.ID) {
		if a == domain.AuditTradeVerified {
			verified++
		}
	}
	if verified != 1 {
		t.Fatalf("TRADE_VERIFIED recorded %d times, want 1", verified)
	}
	kinds := env.events.kinds()
	var n int
	for _, k := range kinds {
		if k == domain.EventTradeVerified {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("events = %v", kinds)
	}
}

func TestReconciler_PinnedEventStaysInTenant(t *testing.T) {
	tests := []struct {
		name        string
		tradeTenant string
		eventTenant string
		want        Outcome
	}{
		{"other tenant", "guild-1", "guild-2", OutcomeNoMatch},
		{"untenanted trade", "", "guild-2", OutcomeNoMatch},
		{"same tenant", "guild-1", "guild-1", OutcomeMatched},
		{"event without tenant", "guild-1", "", OutcomeMatched},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tr := env.openIn(t, tt.tradeTenant, DefaultPolicy())
			res, err := env.reconciler.Process(context.Background(), domain.PaymentEvent{
				ReferenceID:     "pin-1",
				TenantID:        tt.eventTenant,
				TradeID:         tr.ID,
				PayerHandle:     "Alice",
				RecipientHandle: collector,
				Amount:          d("12.34"),
				Source:          domain.SourceWebhook,
			})
			if err != nil || res.Outcome != tt.want {
				t.Fatalf("result = %+v, err = %v, want %s", res, err, tt.want)
			}
			if got := env.get(t, tr.ID); got.SenderVerified != (tt.want == OutcomeMatched) {
				t.Fatalf("trade = %+v", got)
			}
		})
	}
}

func TestReconciler_ForeignRecipientNeverMutates(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())

	res, err := env.reconciler.Process(context.Background(), domain.PaymentEvent{
		ReferenceID:     "x",
		PayerHandle:     "Alice",
		RecipientHandle: "SomeoneElse",
		Amount:          d("12.34"),
		Source:          domain.SourceChat,
	})
	if err != nil || res.Outcome != OutcomeForeign {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	if got := env.get(t, tr.ID); got.SenderVerified {
		t.Fatal("foreign payment verified the sender")
	}
}

func TestReconciler_TerminalTradeRejected(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())
	if _, _, err := env.resolver.Cancel(context.Background(), tr.ID, admin); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res, err := env.reconciler.Process(context.Background(), domain.PaymentEvent{
		ReferenceID:     "late",
		TradeID:         tr.ID,
		PayerHandle:     "Alice",
		RecipientHandle: collector,
		Amount:          d("12.34"),
		Source:          domain.SourceWebhook,
	})
	if !errors.Is(err, domain.ErrTradeTerminal) || res.Outcome != OutcomeRejected {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	vs, _ := env.store.Trades().ListVerifications(context.Background(), tr.ID)
	if len(vs) != 0 {
		t.Fatalf("verification written for terminal trade: %+v", vs)
	}
	audit := env.audit(t, tr.ID)
	if audit[len(audit)-1] != domain.AuditPaymentRejected {
		t.Fatalf("audit = %v", audit)
	}
}

func TestReconciler_FrozenTradeIsNotACandidate(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())
	if _, err := env.resolver.OpenDispute(context.Background(), tr.ID, bob, "wrong item"); err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	if res := env.pay(t, "s", "Alice", "12.34"); res.Outcome != OutcomeNoMatch {
		t.Fatalf("result = %+v", res)
	}
}

func TestReconciler_FirstTradeWins(t *testing.T) {
	env := newTestEnv(t)
	first := env.open(t, DefaultPolicy())
	second := env.open(t, DefaultPolicy())

	res := env.pay(t, "s", "Alice", "12.34")
	if res.TradeID != first.ID {
		t.Fatalf("matched trade %d, want %d", res.TradeID, first.ID)
	}
	if got := env.get(t, second.ID); got.SenderVerified {
		t.Fatal("one event verified two trades")
	}
}

func TestReconciler_RunDrainsChannel(t *testing.T) {
	env := newTestEnv(t)
	tr := env.open(t, DefaultPolicy())

	events := make(chan domain.PaymentEvent, 2)
	for i, ev := range []struct{ payer, amount string }{{"Alice", "12.34"}, {"Bob", "7.01"}} {
		events <- domain.PaymentEvent{
			ReferenceID:     fmt.Sprintf("chat-%d", i),
			PayerHandle:     ev.payer,
			RecipientHandle: collector,
			Amount:          d(ev.amount),
			Source:          domain.SourceChat,
		}
	}
	close(events)

	if err := env.reconciler.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := env.get(t, tr.ID); got.Status != domain.StatusVerified {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("connection reset"), true},
		{fmt.Errorf("x: %w", domain.ErrTradeTerminal), false},
		{&domain.TransitionError{From: domain.StatusCreated, To: domain.StatusCompleted}, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
