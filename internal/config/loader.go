package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const envPrefix = "ESCROWBOT_"

// Load reads the TOML file at path over the built-in defaults, loads .env
// when present and applies ESCROWBOT_* environment overrides. An empty path
// skips the file. The result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-deploy settings
// without touching the TOML file. Only non-empty variables apply.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "ESCROWBOT_MODE")
	setStr(&cfg.LogLevel, "ESCROWBOT_LOG_LEVEL")
	setStr(&cfg.LogFormat, "ESCROWBOT_LOG_FORMAT")

	// ── Database ──
	setStr(&cfg.Database.Driver, "ESCROWBOT_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "ESCROWBOT_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "ESCROWBOT_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "ESCROWBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "ESCROWBOT_DATABASE_PORT")
	setStr(&cfg.Database.Name, "ESCROWBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "ESCROWBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "ESCROWBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "ESCROWBOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "ESCROWBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ESCROWBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ESCROWBOT_DATABASE_RUN_MIGRATIONS")
	setStr(&cfg.Database.Path, "ESCROWBOT_DATABASE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ESCROWBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ESCROWBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ESCROWBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ESCROWBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ESCROWBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ESCROWBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ESCROWBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ESCROWBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ESCROWBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ESCROWBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ESCROWBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ESCROWBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ESCROWBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ESCROWBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ESCROWBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ESCROWBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ESCROWBOT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ESCROWBOT_ARCHIVE_CRON")
	setInt(&cfg.Archive.BatchSize, "ESCROWBOT_ARCHIVE_BATCH_SIZE")

	// ── Bridge ──
	setBool(&cfg.Bridge.Enabled, "ESCROWBOT_BRIDGE_ENABLED")
	setStr(&cfg.Bridge.RelayURL, "ESCROWBOT_BRIDGE_RELAY_URL")
	setStr(&cfg.Bridge.Handle, "ESCROWBOT_BRIDGE_HANDLE")
	setStr(&cfg.Bridge.Token, "ESCROWBOT_BRIDGE_TOKEN")
	setDuration(&cfg.Bridge.BaseDelay, "ESCROWBOT_BRIDGE_BASE_DELAY")
	setDuration(&cfg.Bridge.MaxDelay, "ESCROWBOT_BRIDGE_MAX_DELAY")
	setInt(&cfg.Bridge.MaxAttempts, "ESCROWBOT_BRIDGE_MAX_ATTEMPTS")

	// ── Engine ──
	setDecimal(&cfg.Engine.Tolerance, "ESCROWBOT_ENGINE_TOLERANCE")
	setDecimal(&cfg.Engine.FeePercent, "ESCROWBOT_ENGINE_FEE_PERCENT")
	setStr(&cfg.Engine.Depositor, "ESCROWBOT_ENGINE_DEPOSITOR")
	setStr(&cfg.Engine.FeeBearer, "ESCROWBOT_ENGINE_FEE_BEARER")
	setDuration(&cfg.Engine.VerificationWindow, "ESCROWBOT_ENGINE_VERIFICATION_WINDOW")
	setDuration(&cfg.Engine.ExpiryInterval, "ESCROWBOT_ENGINE_EXPIRY_INTERVAL")
	setBool(&cfg.Engine.ExpirePartial, "ESCROWBOT_ENGINE_EXPIRE_PARTIAL")
	setDuration(&cfg.Engine.StaleCreatedAfter, "ESCROWBOT_ENGINE_STALE_CREATED_AFTER")
	setDuration(&cfg.Engine.DispatchInterval, "ESCROWBOT_ENGINE_DISPATCH_INTERVAL")
	setStr(&cfg.Engine.PayCommand, "ESCROWBOT_ENGINE_PAY_COMMAND")

	// ── Webhook ──
	setInt(&cfg.Webhook.RateLimit, "ESCROWBOT_WEBHOOK_RATE_LIMIT")
	setDuration(&cfg.Webhook.RateWindow, "ESCROWBOT_WEBHOOK_RATE_WINDOW")

	// ── Tenants ──
	applyTenantOverrides(cfg)

	// ── Invoices ──
	setBool(&cfg.Invoices.Enabled, "ESCROWBOT_INVOICES_ENABLED")
	setStr(&cfg.Invoices.BaseURL, "ESCROWBOT_INVOICES_BASE_URL")
	setStr(&cfg.Invoices.APIKey, "ESCROWBOT_INVOICES_API_KEY")
	setStr(&cfg.Invoices.ShopID, "ESCROWBOT_INVOICES_SHOP_ID")
	setStr(&cfg.Invoices.TenantID, "ESCROWBOT_INVOICES_TENANT_ID")
	setDuration(&cfg.Invoices.Interval, "ESCROWBOT_INVOICES_INTERVAL")
	setDecimal(&cfg.Invoices.Multiplier, "ESCROWBOT_INVOICES_MULTIPLIER")
	setDecimal(&cfg.Invoices.MaxAmount, "ESCROWBOT_INVOICES_MAX_AMOUNT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ESCROWBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ESCROWBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ESCROWBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ESCROWBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ESCROWBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ESCROWBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ESCROWBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ESCROWBOT_NOTIFY_EVENTS")
}

// applyTenantOverrides declares tenants listed in ESCROWBOT_TENANTS and
// reads ESCROWBOT_TENANT_<ID>_WEBHOOK_SECRET for every known tenant. <ID> is
// the tenant id upper-cased with '-' and '.' replaced by '_'.
func applyTenantOverrides(cfg *Config) {
	if cfg.Tenants == nil {
		cfg.Tenants = map[string]TenantConfig{}
	}
	var declared []string
	setStringSlice(&declared, envPrefix+"TENANTS")
	for _, id := range declared {
		if _, ok := cfg.Tenants[id]; !ok {
			cfg.Tenants[id] = TenantConfig{}
		}
	}
	for id, t := range cfg.Tenants {
		setStr(&t.WebhookSecret, tenantEnvKey(id, "WEBHOOK_SECRET"))
		cfg.Tenants[id] = t
	}
}

func tenantEnvKey(id, field string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return envPrefix + "TENANT_" + strings.ToUpper(r.Replace(id)) + "_" + field
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
