package invoices

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestClient_Completed(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantIDs     []string
		wantAmounts []string
		wantSkipped int
	}{
		{
			name:        "wrapped items with object fields",
			body:        `{"items":[{"id":101,"amount_paid":"12.50","custom_fields":{"In game name":"Alice"}}]}`,
			wantIDs:     []string{"101"},
			wantAmounts: []string{"12.5"},
		},
		{
			name:        "bare array with list fields and item totals",
			body:        `[{"invoice_id":"inv-2","items":[{"price":2.5,"quantity":4,"custom_fields":[{"name":"In game name","value":"Bob"}]}]}]`,
			wantIDs:     []string{"inv-2"},
			wantAmounts: []string{"10"},
		},
		{
			name:        "missing handle skipped",
			body:        `{"data":[{"id":7,"total":3}]}`,
			wantSkipped: 1,
		},
		{
			name:        "missing amount skipped",
			body:        `{"data":[{"id":8,"custom_fields":{"in_game_name":"Carl"}}]}`,
			wantSkipped: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/shops/shop-1/invoices" {
					t.Errorf("request = %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("Authorization") != "Bearer key" {
					t.Errorf("auth = %q", r.Header.Get("Authorization"))
				}
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL, APIKey: "key", ShopID: "shop-1"}, discardLogger())
			got, skipped, err := c.Completed(context.Background())
			if err != nil {
				t.Fatalf("Completed: %v", err)
			}
			if len(got) != len(tt.wantIDs) || len(skipped) != tt.wantSkipped {
				t.Fatalf("got %+v skipped %+v", got, skipped)
			}
			for i, inv := range got {
				if inv.ID != tt.wantIDs[i] || !inv.Amount.Equal(decimal.RequireFromString(tt.wantAmounts[i])) {
					t.Fatalf("invoice %d = %+v", i, inv)
				}
			}
		})
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL: srv.URL,
		ShopID:  "s",
		Retry:   RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, discardLogger())
	if _, _, err := c.Completed(context.Background()); err != nil {
		t.Fatalf("Completed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ShopID: "s"}, discardLogger())
	if _, _, err := c.Completed(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if d.IsDuplicate("a") {
		t.Fatal("first sighting reported duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Fatal("second sighting not duplicate")
	}
	d.Forget("a")
	if d.IsDuplicate("a") {
		t.Fatal("forgotten id reported duplicate")
	}

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	if d.Len() != 0 {
		t.Fatalf("Len = %d after cleanup", d.Len())
	}
}
