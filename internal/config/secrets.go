package config

// RedactedConfig returns a copy of cfg with secrets replaced by "***", safe to
// log at startup.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Chain.PrivateKey)
	redact(&out.Chain.KeyPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	if cfg.Server.Clients != nil {
		out.Server.Clients = make([]ClientConfig, len(cfg.Server.Clients))
		for i, cl := range cfg.Server.Clients {
			redact(&cl.Secret)
			out.Server.Clients[i] = cl
		}
	}
	if cfg.Chain.Markets != nil {
		out.Chain.Markets = make(map[string]MarketConfig, len(cfg.Chain.Markets))
		for k, v := range cfg.Chain.Markets {
			out.Chain.Markets[k] = v
		}
	}
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
