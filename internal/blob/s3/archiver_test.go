package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/store/sqlite"
	"github.com/alanyoungcy/escrowbot/internal/store/storetest"
)

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

func (w *memWriter) withPrefix(prefix string) [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out [][]byte
	for k, v := range w.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	return out
}

func openStore(t *testing.T) domain.Store {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createTrade(t *testing.T, st domain.Store, cancel bool) domain.Trade {
	t.Helper()
	ctx := context.Background()
	tr, err := st.Trades().Create(ctx, storetest.NewTrade("guild-1"), domain.Ticket{},
		domain.NewAudit(0, domain.SystemActor, domain.AuditTradeCreated, nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !cancel {
		return tr
	}
	tr, err = st.Trades().CompareAndSet(ctx, tr.ID, domain.StatusCreated, domain.Mutation{
		Apply: func(t *domain.Trade) error {
			_, err := t.Cancel()
			return err
		},
		Audit: domain.NewAudit(tr.ID, domain.SystemActor, domain.AuditTradeCancelled, nil),
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	return tr
}

func lines(t *testing.T, b []byte) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func TestArchiveTrades(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	first := createTrade(t, st, true)
	second := createTrade(t, st, true)
	open := createTrade(t, st, false)

	w := newMemWriter()
	a := NewArchiver(w, st, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cutoff := time.Now().Add(time.Hour)

	n, err := a.ArchiveTrades(ctx, cutoff)
	if err != nil {
		t.Fatalf("ArchiveTrades: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived %d trades, want 2", n)
	}

	tradeObjs := w.withPrefix("archive/trades/" + cutoff.UTC().Format("2006-01") + "/")
	if len(tradeObjs) != 2 {
		t.Fatalf("trade objects = %d, want one per batch", len(tradeObjs))
	}
	seen := map[int64]bool{}
	for _, obj := range tradeObjs {
		for _, line := range lines(t, obj) {
			var rec ArchivedTrade
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			if rec.Trade.Status != domain.StatusCancelled {
				t.Fatalf("archived status = %s", rec.Trade.Status)
			}
			seen[rec.Trade.ID] = true
		}
	}
	if !seen[first.ID] || !seen[second.ID] || seen[open.ID] {
		t.Fatalf("archived ids = %v", seen)
	}

	auditObjs := w.withPrefix("archive/audit/")
	if len(auditObjs) != 2 {
		t.Fatalf("audit objects = %d", len(auditObjs))
	}
	for _, obj := range auditObjs {
		if got := len(lines(t, obj)); got != 2 {
			t.Fatalf("audit lines = %d, want created + cancelled", got)
		}
	}
	for path, ct := range w.types {
		if ct != contentTypeJSONL {
			t.Fatalf("%s content type = %q", path, ct)
		}
	}

	got, err := st.Trades().Get(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArchivedAt == nil {
		t.Fatal("trade not stamped archived")
	}

	again, err := a.ArchiveTrades(ctx, cutoff)
	if err != nil || again != 0 {
		t.Fatalf("second run = %d, %v; want 0, nil", again, err)
	}

	entries, err := st.Audit().List(ctx, 0, domain.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	var runs int
	for _, e := range entries {
		if e.Action == domain.AuditTradesArchived {
			runs++
		}
	}
	if runs != 2 {
		t.Fatalf("TRADES_ARCHIVED entries = %d, want 2", runs)
	}
}

func TestArchiveTrades_UploadFailureLeavesRowsUnarchived(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	tr := createTrade(t, st, true)

	w := newMemWriter()
	w.err = errors.New("bucket unavailable")
	a := NewArchiver(w, st, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := a.ArchiveTrades(ctx, time.Now().Add(time.Hour)); err == nil {
		t.Fatal("expected upload error")
	}
	got, err := st.Trades().Get(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArchivedAt != nil {
		t.Fatal("trade marked archived after failed upload")
	}
}

func TestArchivePath(t *testing.T) {
	at := time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC)
	if got := archivePath("trades", at, "run-1"); got != "archive/trades/2025-01/run-1.jsonl" {
		t.Fatalf("archivePath = %q", got)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		useSSL bool
		want   string
	}{
		{"https://s3.example.com", false, "https://s3.example.com"},
		{"localhost:9000", false, "http://localhost:9000"},
		{"e2.idrive.com", true, "https://e2.idrive.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := normaliseEndpoint(tt.in, tt.useSSL); got != tt.want {
				t.Fatalf("normaliseEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
