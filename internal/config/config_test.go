package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const sampleTOML = `
mode = "engine"
log_level = "debug"

[database]
driver = "sqlite"
path = "/var/lib/escrowbot/escrow.db"

[bridge]
handle = "EscrowBot"
base_delay = "1s"
max_delay = "30s"

[engine]
tolerance = "0.02"
fee_percent = 2.5
fee_bearer = "sender"
verification_window = "15m"

[tenants.guild-1]
webhook_secret = "from-file"
fee_percent = "3"

[tenants.guild-2]
depositor = "receiver"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowbot.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "engine" || cfg.LogLevel != "debug" {
		t.Fatalf("top level = %q %q", cfg.Mode, cfg.LogLevel)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "/var/lib/escrowbot/escrow.db" {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Bridge.BaseDelay.Duration != time.Second || cfg.Bridge.MaxDelay.Duration != 30*time.Second {
		t.Fatalf("bridge delays = %v %v", cfg.Bridge.BaseDelay, cfg.Bridge.MaxDelay)
	}
	if !cfg.Engine.Tolerance.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("tolerance = %s", cfg.Engine.Tolerance)
	}
	if !cfg.Engine.FeePercent.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("fee_percent = %s", cfg.Engine.FeePercent)
	}
	if cfg.Engine.VerificationWindow.Duration != 15*time.Minute {
		t.Fatalf("verification_window = %v", cfg.Engine.VerificationWindow)
	}
	// Untouched defaults survive.
	if cfg.Engine.Depositor != "sender" || cfg.Server.Port != 8000 {
		t.Fatalf("defaults lost: depositor=%q port=%d", cfg.Engine.Depositor, cfg.Server.Port)
	}

	g1 := cfg.Tenants["guild-1"]
	if g1.WebhookSecret != "from-file" || g1.FeePercent == nil || !g1.FeePercent.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("guild-1 = %+v", g1)
	}
	if g2 := cfg.Tenants["guild-2"]; g2.FeePercent != nil || g2.Depositor != "receiver" {
		t.Fatalf("guild-2 = %+v", g2)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ESCROWBOT_MODE", "server")
	t.Setenv("ESCROWBOT_SERVER_PORT", "9090")
	t.Setenv("ESCROWBOT_ENGINE_FEE_PERCENT", "7.5")
	t.Setenv("ESCROWBOT_BRIDGE_BASE_DELAY", "250ms")
	t.Setenv("ESCROWBOT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("ESCROWBOT_TENANT_GUILD_1_WEBHOOK_SECRET", "from-env")
	t.Setenv("ESCROWBOT_TENANTS", "guild-3")
	t.Setenv("ESCROWBOT_TENANT_GUILD_3_WEBHOOK_SECRET", "third")
	t.Setenv("ESCROWBOT_REDIS_DB", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "server" || cfg.Server.Port != 9090 {
		t.Fatalf("mode=%q port=%d", cfg.Mode, cfg.Server.Port)
	}
	if !cfg.Engine.FeePercent.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("fee_percent = %s", cfg.Engine.FeePercent)
	}
	if cfg.Bridge.BaseDelay.Duration != 250*time.Millisecond {
		t.Fatalf("base_delay = %v", cfg.Bridge.BaseDelay)
	}
	if got := strings.Join(cfg.Server.CORSOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("cors = %q", got)
	}
	if cfg.Redis.DB != 0 {
		t.Fatalf("unparseable override applied: db = %d", cfg.Redis.DB)
	}

	secrets := cfg.WebhookSecrets()
	if secrets["guild-1"] != "from-env" || secrets["guild-3"] != "third" {
		t.Fatalf("secrets = %v", secrets)
	}
	if _, ok := secrets["guild-2"]; ok {
		t.Fatal("tenant without a secret listed")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_BadDuration(t *testing.T) {
	if _, err := Load(writeConfig(t, "[bridge]\nbase_delay = \"soon\"\n")); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func validConfig() Config {
	cfg := Defaults()
	cfg.Bridge.Handle = "EscrowBot"
	return cfg
}

func TestValidate(t *testing.T) {
	if cfg := validConfig(); cfg.Validate() != nil {
		t.Fatalf("defaults with a handle must validate: %v", cfg.Validate())
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "unknown driver"},
		{"sqlite path", func(c *Config) { c.Database.Driver = "sqlite"; c.Database.Path = "" }, "path"},
		{"pool", func(c *Config) { c.Database.PoolMinConns = 50 }, "pool_min_conns"},
		{"handle", func(c *Config) { c.Bridge.Handle = "" }, "handle"},
		{"delays", func(c *Config) { c.Bridge.MaxDelay = Duration{time.Millisecond} }, "base_delay"},
		{"fee", func(c *Config) { c.Engine.FeePercent = decimal.NewFromInt(101) }, "fee_percent"},
		{"bearer", func(c *Config) { c.Engine.FeeBearer = "buyer" }, "fee_bearer"},
		{"pay command", func(c *Config) { c.Engine.PayCommand = "/pay {handle}" }, "pay_command"},
		{"tenant role", func(c *Config) { c.Tenants["g"] = TenantConfig{Depositor: "x"} }, "tenants.g"},
		{"invoices", func(c *Config) { c.Invoices.Enabled = true }, "invoices"},
		{"archive bucket", func(c *Config) { c.Archive.Enabled = true; c.S3.Bucket = "" }, "bucket"},
		{"redis addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Tenants = map[string]TenantConfig{}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ArchiveModeNeedsNoHandle(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tg"
	cfg.Tenants = map[string]TenantConfig{"guild-1": {WebhookSecret: "s3cret"}}

	out := RedactedConfig(&cfg)
	if out.Database.Password != redacted || out.Server.APIKey != redacted || out.Notify.TelegramToken != redacted {
		t.Fatalf("secrets not redacted: %+v", out)
	}
	if out.Tenants["guild-1"].WebhookSecret != redacted {
		t.Fatal("tenant secret not redacted")
	}
	if out.S3.AccessKey != "" {
		t.Fatal("empty secret should stay empty")
	}
	if cfg.Tenants["guild-1"].WebhookSecret != "s3cret" || cfg.Server.APIKey != "key" {
		t.Fatal("original config mutated")
	}
}
