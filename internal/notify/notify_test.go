package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

type fakeSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func event(kind domain.TradeEventKind) domain.TradeEvent {
	return domain.TradeEvent{
		Kind:      kind,
		TradeID:   42,
		TicketRef: "trade-ab12",
		Status:    domain.StatusCompleted,
		Amount:    decimal.RequireFromString("95"),
		Detail:    "Bob",
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRender(t *testing.T) {
	title, msg := Render("trade-ab12", event(domain.EventTradeCompleted))
	if title != "[trade-ab12] Trade completed" {
		t.Fatalf("title = %q", title)
	}
	if want := "Trade #42 is COMPLETED\nAmount: $95.00\nBob"; msg != want {
		t.Fatalf("message = %q, want %q", msg, want)
	}
}

func TestNotifier_Filter(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		kind   domain.TradeEventKind
		want   int
	}{
		{"no filter", nil, domain.EventDisputeOpened, 1},
		{"allowed", []string{"dispute_opened", " trade_completed "}, domain.EventTradeCompleted, 1},
		{"filtered", []string{"dispute_opened"}, domain.EventEscrowFunded, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSender{name: "fake"}
			n := NewNotifier([]Sender{s}, tt.events, discardLogger())
			if err := n.NotifyTrade(context.Background(), "trade-ab12", event(tt.kind)); err != nil {
				t.Fatalf("NotifyTrade: %v", err)
			}
			if len(s.titles) != tt.want {
				t.Fatalf("sent %d, want %d", len(s.titles), tt.want)
			}
		})
	}
}

func TestNotifier_OneFailureDoesNotStopOthers(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Fatal("second sender skipped")
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	if err := n.NotifyTrade(context.Background(), "x", event(domain.EventTradeCompleted)); err != nil {
		t.Fatal(err)
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "TOKEN", "-100")
	if err := s.Send(context.Background(), "Title", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "-100" || got["text"] != "*Title*\nbody" {
		t.Fatalf("payload = %v", got)
	}
}

func TestDiscordSender(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"no content", http.StatusNoContent, false},
		{"rate limited", http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewDiscordSender(srv.URL, "escrowbot").Send(context.Background(), "Title", "body")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got["content"] != "**Title**\nbody" || got["username"] != "escrowbot" {
				t.Fatalf("payload = %v", got)
			}
		})
	}
}
