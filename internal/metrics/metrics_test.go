package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PaymentEvent(domain.SourceChat, OutcomeMatched)
	m.Transition(domain.StatusCreated, domain.StatusCancelled)
	m.BridgeState(domain.BridgeConnected)
	m.BridgeReconnect()
	m.Webhook("t", "200")
	m.Settlement(domain.SettlementRelease, "sent")
	m.PendingSettlements(3)
	m.UnconfirmedSettlements(1)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()
	m.PaymentEvent(domain.SourceWebhook, OutcomeDuplicate)
	m.PaymentEvent(domain.SourceWebhook, OutcomeDuplicate)
	m.Transition(domain.StatusVerified, domain.StatusInEscrow)
	m.Transition(domain.StatusVerified, domain.StatusVerified)
	m.Webhook("guild-1", "401")

	out := scrape(t, m)
	for _, want := range []string{
		`escrowbot_payment_events_total{outcome="duplicate",source="webhook"} 2`,
		`escrowbot_trade_transitions_total{from="VERIFIED",to="IN_ESCROW"} 1`,
		`escrowbot_webhook_requests_total{code="401",tenant="guild-1"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
	if strings.Contains(out, `to="VERIFIED"`) {
		t.Error("self transition recorded")
	}
}

func TestBridgeStateIsOneHot(t *testing.T) {
	m := New()
	m.BridgeState(domain.BridgeConnecting)
	m.BridgeState(domain.BridgeSpawned)

	out := scrape(t, m)
	for _, s := range domain.AllBridgeStates {
		want := 0
		if s == domain.BridgeSpawned {
			want = 1
		}
		line := fmt.Sprintf(`escrowbot_bridge_state{state=%q} %d`, s, want)
		if !strings.Contains(out, line) {
			t.Errorf("metrics output missing %s", line)
		}
	}
}

func TestSettlementGauges(t *testing.T) {
	m := New()
	m.PendingSettlements(4)
	m.UnconfirmedSettlements(2)
	m.Settlement(domain.SettlementRelease, "unconfirmed")

	out := scrape(t, m)
	for _, want := range []string{
		`escrowbot_settlements_pending 4`,
		`escrowbot_settlements_unconfirmed 2`,
		`escrowbot_settlements_total{kind="RELEASE",result="unconfirmed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
