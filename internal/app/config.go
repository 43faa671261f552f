package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix: префикс переменных окружения: BOOKSTORE_HTTP_ADDR и т.д.
const EnvPrefix = "BOOKSTORE"

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения. Все поля сравнимы,
// поэтому конфигурации можно сравнивать через ==.
type Config struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LogFormat   string `envconfig:"LOG_FORMAT"`

	StorageDriver       string `envconfig:"STORAGE_DRIVER"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE"`

	// RedisAddr пустой: кэш в памяти процесса.
	RedisAddr          string        `envconfig:"REDIS_ADDR"`
	RedisPassword      string        `envconfig:"REDIS_PASSWORD"`
	RedisDB            int           `envconfig:"REDIS_DB"`
	CacheItemAbsolute  time.Duration `envconfig:"CACHE_ITEM_ABSOLUTE_TTL"`
	CacheItemSliding   time.Duration `envconfig:"CACHE_ITEM_SLIDING_TTL"`
	CacheListAbsolute  time.Duration `envconfig:"CACHE_LIST_ABSOLUTE_TTL"`
	CacheListSliding   time.Duration `envconfig:"CACHE_LIST_SLIDING_TTL"`
	CacheSweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL"`

	// JWTSecret пустой: секрет генерируется при старте, токены не переживают рестарт.
	JWTSecret         string        `envconfig:"JWT_SECRET"`
	JWTIssuer         string        `envconfig:"JWT_ISSUER"`
	JWTAudience       string        `envconfig:"JWT_AUDIENCE"`
	AccessTokenTTL    time.Duration `envconfig:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL   time.Duration `envconfig:"REFRESH_TOKEN_TTL"`
	LoginRateInterval time.Duration `envconfig:"LOGIN_RATE_INTERVAL"`
	LoginRateBurst    int           `envconfig:"LOGIN_RATE_BURST"`

	// KafkaBrokers: список через запятую; пустой выключает Kafka.
	KafkaBrokers          string `envconfig:"KAFKA_BROKERS"`
	KafkaClientID         string `envconfig:"KAFKA_CLIENT_ID"`
	KafkaTopic            string `envconfig:"KAFKA_TOPIC"`
	KafkaDLQTopic         string `envconfig:"KAFKA_DLQ_TOPIC"`
	KafkaGroupID          string `envconfig:"KAFKA_GROUP_ID"`
	KafkaTimelineConsumer bool   `envconfig:"KAFKA_TIMELINE_CONSUMER"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY"`
	// OutboxMaxPending: размер backlog, после которого health-check деградирует; 0: без порога.
	OutboxMaxPending    int           `envconfig:"OUTBOX_MAX_PENDING"`
	OutboxMaxPendingAge time.Duration `envconfig:"OUTBOX_MAX_PENDING_AGE"`

	IdempotencyTTL              time.Duration `envconfig:"IDEMPOTENCY_TTL"`
	IdempotencyCleanupInterval  time.Duration `envconfig:"IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `envconfig:"IDEMPOTENCY_CLEANUP_BATCH_SIZE"`

	OTLPEndpoint     string  `envconfig:"OTLP_ENDPOINT"`
	TraceSampleRatio float64 `envconfig:"TRACE_SAMPLE_RATIO"`

	SeedAdminName     string `envconfig:"SEED_ADMIN_NAME"`
	SeedAdminEmail    string `envconfig:"SEED_ADMIN_EMAIL"`
	SeedAdminPassword string `envconfig:"SEED_ADMIN_PASSWORD"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig возвращает настройки для локального запуска в памяти.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		LogFormat:   "text",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		CacheItemAbsolute:  30 * time.Second,
		CacheItemSliding:   15 * time.Second,
		CacheListAbsolute:  5 * time.Second,
		CacheListSliding:   time.Second,
		CacheSweepInterval: time.Minute,

		JWTIssuer:         "bookstore",
		JWTAudience:       "bookstore-api",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   7 * 24 * time.Hour,
		LoginRateInterval: time.Second,
		LoginRateBurst:    5,

		KafkaClientID: "bookstore-api",
		KafkaTopic:    "bookstore.order.events",
		KafkaDLQTopic: "bookstore.dlq",
		KafkaGroupID:  "bookstore-timeline",

		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    200 * time.Millisecond,
		OutboxMaxPending:    1000,
		OutboxMaxPendingAge: 5 * time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		TraceSampleRatio: 1,

		SeedAdminName: "Administrator",

		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig читает BOOKSTORE_* поверх DefaultConfig. Неразбираемые значения дают
// ошибку; разобранные, но недопустимые значения заменяются значениями по умолчанию
// и возвращаются как предупреждения.
func LoadConfig() (Config, []string, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("read %s_* environment: %w", EnvPrefix, err)
	}
	warnings := cfg.Normalize()
	return cfg, warnings, nil
}

// Normalize приводит строковые значения к каноническому виду и сбрасывает
// недопустимые числовые значения к значениям по умолчанию.
func (c *Config) Normalize() []string {
	defaults := DefaultConfig()
	var warnings []string
	warn := func(name string, value any, rule string) {
		warnings = append(warnings, fmt.Sprintf("invalid %s_%s=%v: %s, using default", EnvPrefix, name, value, rule))
	}

	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	c.PostgresDSN = strings.TrimSpace(c.PostgresDSN)
	c.RedisAddr = strings.TrimSpace(c.RedisAddr)
	c.KafkaBrokers = strings.TrimSpace(c.KafkaBrokers)
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
		zero  bool
	}{
		{"CACHE_ITEM_ABSOLUTE_TTL", &c.CacheItemAbsolute, defaults.CacheItemAbsolute, false},
		{"CACHE_ITEM_SLIDING_TTL", &c.CacheItemSliding, defaults.CacheItemSliding, false},
		{"CACHE_LIST_ABSOLUTE_TTL", &c.CacheListAbsolute, defaults.CacheListAbsolute, false},
		{"CACHE_LIST_SLIDING_TTL", &c.CacheListSliding, defaults.CacheListSliding, false},
		{"CACHE_SWEEP_INTERVAL", &c.CacheSweepInterval, defaults.CacheSweepInterval, false},
		{"ACCESS_TOKEN_TTL", &c.AccessTokenTTL, defaults.AccessTokenTTL, false},
		{"REFRESH_TOKEN_TTL", &c.RefreshTokenTTL, defaults.RefreshTokenTTL, false},
		{"LOGIN_RATE_INTERVAL", &c.LoginRateInterval, defaults.LoginRateInterval, true},
		{"OUTBOX_POLL_INTERVAL", &c.OutboxPollInterval, defaults.OutboxPollInterval, false},
		{"OUTBOX_RETRY_DELAY", &c.OutboxRetryDelay, defaults.OutboxRetryDelay, true},
		{"OUTBOX_MAX_PENDING_AGE", &c.OutboxMaxPendingAge, defaults.OutboxMaxPendingAge, true},
		{"IDEMPOTENCY_TTL", &c.IdempotencyTTL, defaults.IdempotencyTTL, false},
		{"IDEMPOTENCY_CLEANUP_INTERVAL", &c.IdempotencyCleanupInterval, defaults.IdempotencyCleanupInterval, false},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout, defaults.ShutdownTimeout, false},
	}
	for _, d := range durations {
		if *d.value < 0 || (!d.zero && *d.value == 0) {
			rule := "must be > 0"
			if d.zero {
				rule = "must be >= 0"
			}
			warn(d.name, *d.value, rule)
			*d.value = d.def
		}
	}

	ints := []struct {
		name  string
		value *int
		def   int
		zero  bool
	}{
		{"LOGIN_RATE_BURST", &c.LoginRateBurst, defaults.LoginRateBurst, false},
		{"OUTBOX_BATCH_SIZE", &c.OutboxBatchSize, defaults.OutboxBatchSize, false},
		{"OUTBOX_MAX_ATTEMPTS", &c.OutboxMaxAttempts, defaults.OutboxMaxAttempts, false},
		{"OUTBOX_MAX_PENDING", &c.OutboxMaxPending, defaults.OutboxMaxPending, true},
		{"IDEMPOTENCY_CLEANUP_BATCH_SIZE", &c.IdempotencyCleanupBatchSize, defaults.IdempotencyCleanupBatchSize, false},
		{"REDIS_DB", &c.RedisDB, defaults.RedisDB, true},
	}
	for _, i := range ints {
		if *i.value < 0 || (!i.zero && *i.value == 0) {
			rule := "must be > 0"
			if i.zero {
				rule = "must be >= 0"
			}
			warn(i.name, *i.value, rule)
			*i.value = i.def
		}
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		warn("TRACE_SAMPLE_RATIO", c.TraceSampleRatio, "must be within [0, 1]")
		c.TraceSampleRatio = defaults.TraceSampleRatio
	}

	return warnings
}

// KafkaBrokerList разбирает KafkaBrokers.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// ConfigureLogging настраивает формат и уровень logrus.
func ConfigureLogging(cfg Config) error {
	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	level := log.InfoLevel
	if raw := strings.TrimSpace(cfg.LogLevel); raw != "" {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}
	log.SetLevel(level)
	return nil
}
