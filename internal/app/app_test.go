package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/config"
	"github.com/alanyoungcy/escrowbot/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Bridge.Handle = "EscrowBot"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "escrow.db")
	return &cfg
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPolicySource(t *testing.T) {
	cfg := testConfig(t)
	three := decimal.NewFromInt(3)
	cfg.Tenants = map[string]config.TenantConfig{
		"guild-1": {FeePercent: &three, FeeBearer: "sender", VerificationWindowMinutes: 20},
		"guild-2": {Depositor: "receiver"},
	}
	src := policySource(cfg)

	tests := []struct {
		tenant    string
		fee       decimal.Decimal
		depositor domain.Role
		bearer    domain.Role
		window    time.Duration
	}{
		{"guild-1", three, domain.RoleSender, domain.RoleSender, 20 * time.Minute},
		{"guild-2", decimal.NewFromInt(5), domain.RoleReceiver, domain.RoleReceiver, 10 * time.Minute},
		{"unknown", decimal.NewFromInt(5), domain.RoleSender, domain.RoleReceiver, 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.tenant, func(t *testing.T) {
			p := src.Policy(tt.tenant)
			if !p.FeePercent.Equal(tt.fee) || p.Depositor != tt.depositor || p.FeeBearer != tt.bearer || p.Window != tt.window {
				t.Fatalf("policy = %+v", p)
			}
		})
	}
}

func TestWire_SQLiteSingleNode(t *testing.T) {
	cfg := testConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Store == nil || deps.Metrics == nil || deps.Notifier == nil {
		t.Fatalf("missing dependencies: %+v", deps)
	}
	if deps.Redis != nil || deps.LockManager != nil || deps.SignalBus != nil || deps.RateLimiter != nil {
		t.Fatal("redis pieces wired while disabled")
	}
	if deps.Archiver != nil {
		t.Fatal("archiver wired without archiving enabled")
	}
	if err := deps.Store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestWire_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"
	if _, _, err := Wire(context.Background(), cfg, discard()); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuildEngine_ServerModeHasNoBridge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Invoices.Enabled = true
	cfg.Invoices.APIKey, cfg.Invoices.ShopID = "k", "shop"

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	a := New(cfg, discard())
	e := a.buildEngine(deps, false)
	if e.bridge != nil {
		t.Fatal("bridge built without withBridge")
	}
	if e.poller == nil {
		t.Fatal("invoice poller not built")
	}
	if e.reconciler.Collector() != "EscrowBot" {
		t.Fatalf("collector = %q", e.reconciler.Collector())
	}

	withBridge := a.buildEngine(deps, true)
	if withBridge.bridge == nil {
		t.Fatal("bridge not built")
	}
}

func TestArchiveMode_RequiresS3(t *testing.T) {
	cfg := testConfig(t)
	a := New(cfg, discard())
	if err := a.ArchiveMode(context.Background(), &Dependencies{}); err == nil {
		t.Fatal("expected error without an archiver")
	}
}

func TestOfflineSender(t *testing.T) {
	var s offlineSender
	if s.IsConnected() {
		t.Fatal("offline sender reports connected")
	}
	if err := s.Send(context.Background(), "/pay Bob 1.00"); err != domain.ErrBridgeOffline {
		t.Fatalf("Send = %v", err)
	}
}
