package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/groviaus/jewellery-software-app/internal/invoice"
)

type Config struct {
	AppEnv         string
	Port           string
	LogFormat      string
	LogLevel       string
	AllowedOrigins []string

	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	MigrateOnStart bool

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SettingsCacheTTL time.Duration

	AuthSecret string
	AuthIssuer string

	DiscountPolicy  invoice.NegativePolicy
	CheckoutTimeout time.Duration

	KafkaBrokers      string
	KafkaInvoiceTopic string

	OTLPEndpoint     string
	SamplingRatio    float64
	MetricsNamespace string
}

// Load reads the environment (and an optional .env file). Malformed values
// are errors rather than silent fallbacks.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	p := parser{k: k}
	cfg := &Config{
		AppEnv:            valueOrDefault(k.String("APP_ENV"), "development"),
		Port:              valueOrDefault(k.String("PORT"), "8080"),
		LogFormat:         valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:          valueOrDefault(k.String("LOG_LEVEL"), "info"),
		AllowedOrigins:    splitAndTrim(valueOrDefault(k.String("ALLOWED_ORIGINS"), "http://127.0.0.1:3000")),
		DatabaseURL:       strings.TrimSpace(k.String("DATABASE_URL")),
		DBMaxOpenConns:    p.int("DB_MAX_OPEN_CONNS", 30),
		DBMaxIdleConns:    p.int("DB_MAX_IDLE_CONNS", 8),
		MigrateOnStart:    p.bool("MIGRATE_ON_START", true),
		RedisAddr:         strings.TrimSpace(k.String("REDIS_ADDR")),
		RedisPassword:     k.String("REDIS_PASSWORD"),
		RedisDB:           p.int("REDIS_DB", 0),
		SettingsCacheTTL:  p.duration("SETTINGS_CACHE_TTL", time.Minute),
		AuthSecret:        strings.TrimSpace(k.String("AUTH_SECRET")),
		AuthIssuer:        strings.TrimSpace(k.String("AUTH_ISSUER")),
		CheckoutTimeout:   p.duration("CHECKOUT_TIMEOUT", 10*time.Second),
		KafkaBrokers:      strings.TrimSpace(k.String("KAFKA_BROKERS")),
		KafkaInvoiceTopic: valueOrDefault(k.String("KAFKA_INVOICE_TOPIC"), "invoices.finalized"),
		OTLPEndpoint:      strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		SamplingRatio:     p.float("OTEL_SAMPLING_RATIO", 1),
		MetricsNamespace:  valueOrDefault(k.String("METRICS_NAMESPACE"), "jewelpos"),
	}

	policy, err := invoice.ParseNegativePolicy(k.String("DISCOUNT_POLICY"))
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("DISCOUNT_POLICY: %v", err))
	}
	cfg.DiscountPolicy = policy

	if cfg.CheckoutTimeout <= 0 {
		p.errs = append(p.errs, "CHECKOUT_TIMEOUT must be positive")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		p.errs = append(p.errs, "OTEL_SAMPLING_RATIO must be between 0 and 1")
	}
	if len(p.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(p.errs, "; "))
	}
	return cfg, nil
}

func (c *Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

type parser struct {
	k    *koanf.Koanf
	errs []string
}

func (p *parser) raw(key string) (string, bool) {
	v := strings.TrimSpace(p.k.String(key))
	return v, v != ""
}

func (p *parser) int(key string, fallback int) int {
	v, ok := p.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.errs = append(p.errs, fmt.Sprintf("%s: expected a non-negative integer, got %q", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: expected a boolean, got %q", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: expected a duration, got %q", key, v))
		return fallback
	}
	return d
}

func (p *parser) float(key string, fallback float64) float64 {
	v, ok := p.raw(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: expected a number, got %q", key, v))
		return fallback
	}
	return f
}

func valueOrDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
