package config

const redacted = "***"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Bridge.Token)
	redact(&out.Invoices.APIKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Maps and slices are copied so the redacted value shares nothing
	// mutable with cfg.
	out.Tenants = make(map[string]TenantConfig, len(cfg.Tenants))
	for id, t := range cfg.Tenants {
		redact(&t.WebhookSecret)
		out.Tenants[id] = t
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
