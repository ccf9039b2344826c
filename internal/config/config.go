// Package config defines the escrowbot configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by ESCROWBOT_* environment variables.
type Config struct {
	Mode      string `toml:"mode"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Database DatabaseConfig          `toml:"database"`
	Redis    RedisConfig             `toml:"redis"`
	S3       S3Config                `toml:"s3"`
	Archive  ArchiveConfig           `toml:"archive"`
	Bridge   BridgeConfig            `toml:"bridge"`
	Engine   EngineConfig            `toml:"engine"`
	Webhook  WebhookConfig           `toml:"webhook"`
	Tenants  map[string]TenantConfig `toml:"tenants"`
	Invoices InvoicesConfig          `toml:"invoices"`
	Server   ServerConfig            `toml:"server"`
	Notify   NotifyConfig            `toml:"notify"`
}

// DatabaseConfig selects and configures the trade store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `toml:"driver"`

	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Name          string `toml:"name"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`

	// Path is the SQLite database file.
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. Without Redis the engine
// runs single-node: in-process locks, no bus, no webhook rate limit.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the cold-storage job.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	BatchSize     int    `toml:"batch_size"`
	PartSizeMB    int    `toml:"part_size_mb"`
}

// BridgeConfig configures the chat relay connection.
type BridgeConfig struct {
	Enabled  bool   `toml:"enabled"`
	RelayURL string `toml:"relay_url"`
	// Handle is the bot's in-game name. Every payment is sent to it.
	Handle      string   `toml:"handle"`
	Token       string   `toml:"token"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	Buffer      int      `toml:"buffer"`
}

// EngineConfig tunes reconciliation, expiry and settlement dispatch, and
// carries the policy applied to tenants without their own.
type EngineConfig struct {
	Tolerance          decimal.Decimal `toml:"tolerance"`
	FeePercent         decimal.Decimal `toml:"fee_percent"`
	Depositor          string          `toml:"depositor"`
	FeeBearer          string          `toml:"fee_bearer"`
	VerificationWindow Duration        `toml:"verification_window"`

	ExpiryInterval    Duration `toml:"expiry_interval"`
	ExpirePartial     bool     `toml:"expire_partial"`
	// StaleCreatedAfter cancels trades stuck in CREATED for this long.
	StaleCreatedAfter Duration `toml:"stale_created_after"`

	DispatchInterval Duration `toml:"dispatch_interval"`
	DispatchBatch    int      `toml:"dispatch_batch"`
	PayCommand       string   `toml:"pay_command"`
	CommandGap       Duration `toml:"command_gap"`

	LockTTL    Duration `toml:"lock_ttl"`
	Retries    int      `toml:"retries"`
	RetryDelay Duration `toml:"retry_delay"`
}

// WebhookConfig controls the signed payment webhook.
type WebhookConfig struct {
	RateLimit  int      `toml:"rate_limit"`
	RateWindow Duration `toml:"rate_window"`
}

// TenantConfig holds one tenant's webhook secret and settlement policy.
// Unset policy fields fall back to [engine].
type TenantConfig struct {
	WebhookSecret             string           `toml:"webhook_secret"`
	FeePercent                *decimal.Decimal `toml:"fee_percent"`
	Depositor                 string           `toml:"depositor"`
	FeeBearer                 string           `toml:"fee_bearer"`
	VerificationWindowMinutes int              `toml:"verification_window_minutes"`
}

// InvoicesConfig configures the storefront invoice poller.
type InvoicesConfig struct {
	Enabled   bool            `toml:"enabled"`
	BaseURL   string          `toml:"base_url"`
	APIKey    string          `toml:"api_key"`
	ShopID    string          `toml:"shop_id"`
	NameField string          `toml:"name_field"`
	PerPage   int             `toml:"per_page"`
	Interval  Duration        `toml:"interval"`
	TenantID  string          `toml:"tenant_id"`
	// Multiplier converts storefront currency into in-game currency.
	Multiplier decimal.Decimal `toml:"multiplier"`
	MaxAmount  decimal.Decimal `toml:"max_amount"`
	DedupTTL   Duration        `toml:"dedup_ttl"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects the operator API. A bcrypt hash is accepted.
	APIKey string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
}

// Duration wraps time.Duration so TOML strings like "5m" or "30s" decode.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values config.example.toml
// documents.
func Defaults() Config {
	return Config{
		Mode:      "full",
		LogLevel:  "info",
		LogFormat: "json",
		Database: DatabaseConfig{
			Driver:        "postgres",
			Host:          "localhost",
			Port:          5432,
			Name:          "escrowbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			Path:          "escrowbot.db",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "escrowbot",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "escrowbot-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
			BatchSize:     500,
			PartSizeMB:    8,
		},
		Bridge: BridgeConfig{
			Enabled:     true,
			RelayURL:    "ws://127.0.0.1:7300/session",
			BaseDelay:   Duration{2 * time.Second},
			MaxDelay:    Duration{2 * time.Minute},
			MaxAttempts: 10,
			Buffer:      256,
		},
		Engine: EngineConfig{
			Tolerance:          decimal.New(1, -2),
			FeePercent:         decimal.NewFromInt(5),
			Depositor:          "sender",
			FeeBearer:          "receiver",
			VerificationWindow: Duration{10 * time.Minute},
			ExpiryInterval:     Duration{30 * time.Second},
			StaleCreatedAfter:  Duration{15 * time.Minute},
			DispatchInterval:   Duration{15 * time.Second},
			DispatchBatch:      20,
			PayCommand:         "/pay {handle} {amount}",
			CommandGap:         Duration{750 * time.Millisecond},
			LockTTL:            Duration{30 * time.Second},
			Retries:            3,
			RetryDelay:         Duration{500 * time.Millisecond},
		},
		Webhook: WebhookConfig{
			RateLimit:  60,
			RateWindow: Duration{time.Minute},
		},
		Tenants: map[string]TenantConfig{},
		Invoices: InvoicesConfig{
			BaseURL:    "https://api.sellauth.com/v1",
			NameField:  "In game name",
			PerPage:    50,
			Interval:   Duration{time.Minute},
			Multiplier: decimal.NewFromInt(1),
			DedupTTL:   Duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			DiscordUsername: "Escrow",
			Events: []string{
				"escrow_funded", "trade_completed", "dispute_opened",
				"trade_cancelled", "trade_expired", "settlement_sent",
			},
		},
	}
}

var validModes = map[string]bool{
	"full":    true,
	"engine":  true,
	"server":  true,
	"archive": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validRoles = map[string]bool{"sender": true, "receiver": true}

// Validate checks Config for invalid or missing values and returns one error
// listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, engine, server, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if f := strings.ToLower(c.LogFormat); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}

	// Database
	switch c.Database.Driver {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Name == "" {
				errs = append(errs, "database: name must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database: path must not be empty for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("database: unknown driver %q (valid: postgres, sqlite)", c.Database.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled || mode == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archiving")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
	}

	// Bridge. The collector handle is needed even without a live bridge
	// because webhook and invoice events are addressed to it.
	if mode != "archive" && strings.TrimSpace(c.Bridge.Handle) == "" {
		errs = append(errs, "bridge: handle must be set to the bot's in-game name")
	}
	if c.Bridge.Enabled && (mode == "full" || mode == "engine") {
		if c.Bridge.RelayURL == "" {
			errs = append(errs, "bridge: relay_url must not be empty")
		}
		if c.Bridge.BaseDelay.Duration <= 0 || c.Bridge.MaxDelay.Duration < c.Bridge.BaseDelay.Duration {
			errs = append(errs, "bridge: need 0 < base_delay <= max_delay")
		}
		if c.Bridge.MaxAttempts < 0 {
			errs = append(errs, "bridge: max_attempts must be >= 0")
		}
	}

	// Engine
	if c.Engine.Tolerance.IsNegative() {
		errs = append(errs, "engine: tolerance must be >= 0")
	}
	if c.Engine.FeePercent.IsNegative() || c.Engine.FeePercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, "engine: fee_percent must be between 0 and 100")
	}
	if !validRoles[c.Engine.Depositor] {
		errs = append(errs, fmt.Sprintf("engine: depositor must be sender or receiver, got %q", c.Engine.Depositor))
	}
	if !validRoles[c.Engine.FeeBearer] {
		errs = append(errs, fmt.Sprintf("engine: fee_bearer must be sender or receiver, got %q", c.Engine.FeeBearer))
	}
	if c.Engine.VerificationWindow.Duration <= 0 {
		errs = append(errs, "engine: verification_window must be > 0")
	}
	if !strings.Contains(c.Engine.PayCommand, "{handle}") || !strings.Contains(c.Engine.PayCommand, "{amount}") {
		errs = append(errs, "engine: pay_command must contain {handle} and {amount}")
	}

	// Tenants
	for id, t := range c.Tenants {
		if t.FeePercent != nil && (t.FeePercent.IsNegative() || t.FeePercent.GreaterThan(decimal.NewFromInt(100))) {
			errs = append(errs, fmt.Sprintf("tenants.%s: fee_percent must be between 0 and 100", id))
		}
		if t.Depositor != "" && !validRoles[t.Depositor] {
			errs = append(errs, fmt.Sprintf("tenants.%s: depositor must be sender or receiver", id))
		}
		if t.FeeBearer != "" && !validRoles[t.FeeBearer] {
			errs = append(errs, fmt.Sprintf("tenants.%s: fee_bearer must be sender or receiver", id))
		}
		if t.VerificationWindowMinutes < 0 {
			errs = append(errs, fmt.Sprintf("tenants.%s: verification_window_minutes must be >= 0", id))
		}
	}

	// Invoices
	if c.Invoices.Enabled {
		if c.Invoices.APIKey == "" || c.Invoices.ShopID == "" {
			errs = append(errs, "invoices: api_key and shop_id are required when enabled")
		}
		if !c.Invoices.Multiplier.IsPositive() {
			errs = append(errs, "invoices: multiplier must be > 0")
		}
		if c.Invoices.Interval.Duration <= 0 {
			errs = append(errs, "invoices: interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled && (mode == "full" || mode == "server") {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// WebhookSecrets returns tenant id to webhook secret for every tenant that
// has one.
func (c *Config) WebhookSecrets() map[string]string {
	out := make(map[string]string, len(c.Tenants))
	for id, t := range c.Tenants {
		if t.WebhookSecret != "" {
			out[id] = t.WebhookSecret
		}
	}
	return out
}
