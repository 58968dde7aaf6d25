package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
)

// Store backends.
const (
	StoreGorm = "gorm"
	StorePgx  = "pgx"
)

// Notifier backends.
const (
	NotifierLog    = "log"
	NotifierKafka  = "kafka"
	NotifierRabbit = "rabbitmq"
)

const (
	defaultDatabaseURL     = "sqlite:///tmp/entitlements.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultKafkaTopic      = "entitlement-events"
	defaultRabbitQueue     = "entitlement-events"
	defaultRequestTimeout  = 5 * time.Second
	defaultSummaryCacheTTL = 5 * time.Minute
	defaultServiceName     = "entitlementd"
	maxRolloverMonths      = 12
)

// Config aggregates runtime settings for entitlementd.
type Config struct {
	DatabaseURL       string
	Store             string
	HTTPListenAddr    string
	GRPCListenAddr    string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration

	Notifier      string
	KafkaBrokers  []string
	KafkaTopic    string
	RabbitMQURL   string
	RabbitMQQueue string

	RedisAddr       string
	RedisPassword   string
	SummaryCacheTTL time.Duration

	TierAllotments string
	RolloverMonths int

	OTelEndpoint string
	ServiceName  string

	tiers entitlement.TierTable
}

// Validate fills defaults and rejects inconsistent settings for the server.
func (cfg *Config) Validate() error {
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.Notifier = strings.ToLower(defaultIfEmpty(cfg.Notifier, NotifierLog))
	cfg.KafkaTopic = defaultIfEmpty(cfg.KafkaTopic, defaultKafkaTopic)
	cfg.RabbitMQQueue = defaultIfEmpty(cfg.RabbitMQQueue, defaultRabbitQueue)
	if cfg.SummaryCacheTTL <= 0 {
		cfg.SummaryCacheTTL = defaultSummaryCacheTTL
	}
	cfg.ServiceName = defaultIfEmpty(cfg.ServiceName, defaultServiceName)

	switch cfg.Notifier {
	case NotifierLog:
	case NotifierKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka brokers are required for the kafka notifier")
		}
	case NotifierRabbit:
		if strings.TrimSpace(cfg.RabbitMQURL) == "" {
			return fmt.Errorf("rabbitmq url is required for the rabbitmq notifier")
		}
	default:
		return fmt.Errorf("unsupported notifier %q", cfg.Notifier)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// ValidateStorage checks only what migrate and import-codes need: the
// database, the store backend, and the tier settings.
func (cfg *Config) ValidateStorage() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.Store = strings.ToLower(defaultIfEmpty(cfg.Store, StoreGorm))
	switch cfg.Store {
	case StoreGorm:
	case StorePgx:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store %q requires a postgres database url", StorePgx)
		}
	default:
		return fmt.Errorf("unsupported store %q", cfg.Store)
	}
	if cfg.RolloverMonths < 0 || cfg.RolloverMonths > maxRolloverMonths {
		return fmt.Errorf("rollover months must be between 0 and %d", maxRolloverMonths)
	}
	cfg.tiers = entitlement.DefaultTierTable()
	if strings.TrimSpace(cfg.TierAllotments) != "" {
		tiers, err := entitlement.ParseTierTable(cfg.TierAllotments)
		if err != nil {
			return fmt.Errorf("tier allotments: %w", err)
		}
		cfg.tiers = tiers
	}
	return nil
}

// Tiers returns the validated tier table. Call Validate first.
func (cfg Config) Tiers() entitlement.TierTable {
	return cfg.tiers
}

// Rollover returns the configured rollover policy.
func (cfg Config) Rollover() entitlement.RolloverPolicy {
	return entitlement.RolloverPolicy{MaxRolloverMonths: cfg.RolloverMonths}
}

// IsPostgresURL reports whether dsn names a postgres database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits comma-delimited values into a slice, dropping blanks.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
