package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration shared by every command. Values come
// from the environment, then .env, then the optional YAML file named by
// ROLEKEEPER_CONFIG_FILE, in that order of precedence.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`

	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"5s"`
	MigrateOnStart bool          `env:"MIGRATE_ON_START" envDefault:"false"`

	KafkaBrokers         []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic           string   `env:"KAFKA_TOPIC" envDefault:"identity.events"`
	KafkaGroupID         string   `env:"KAFKA_GROUP_ID" envDefault:"role-sync-worker"`
	KafkaStartOffset     string   `env:"KAFKA_START_OFFSET" envDefault:"last"`
	KafkaDeadLetterTopic string   `env:"KAFKA_DEAD_LETTER_TOPIC"`
	KafkaClientID        string   `env:"KAFKA_CLIENT_ID" envDefault:"rolekeeper"`

	WorkerConcurrency        int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	RedeliveryMaxAttempts    int           `env:"REDELIVERY_MAX_ATTEMPTS" envDefault:"5"`
	RedeliveryInitialBackoff time.Duration `env:"REDELIVERY_INITIAL_BACKOFF" envDefault:"200ms"`
	RedeliveryMaxBackoff     time.Duration `env:"REDELIVERY_MAX_BACKOFF" envDefault:"5s"`

	InboxBackend string        `env:"INBOX_BACKEND" envDefault:"postgres"`
	RedisURL     string        `env:"REDIS_URL"`
	InboxTTL     time.Duration `env:"INBOX_TTL" envDefault:"168h"`

	NotifyMode     string        `env:"NOTIFY_MODE" envDefault:"direct"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`

	OutboxBatchSize         int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	OutboxPollInterval      time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxProcessingTimeout time.Duration `env:"OUTBOX_PROCESSING_TIMEOUT" envDefault:"30s"`
	OutboxMaxAttempts       int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`

	DefaultRoleName         string `env:"DEFAULT_ROLE_NAME" envDefault:"USER"`
	DefaultRoleDescription  string `env:"DEFAULT_ROLE_DESCRIPTION" envDefault:"Default role for new accounts"`
	FallbackRoleName        string `env:"FALLBACK_ROLE_NAME" envDefault:"GUEST"`
	FallbackRoleDescription string `env:"FALLBACK_ROLE_DESCRIPTION" envDefault:"Fallback role for accounts left without roles"`

	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var (
	ErrDatabaseURLEmpty = errors.New("DATABASE_URL is empty")
	ErrKafkaBrokers     = errors.New("KAFKA_BROKERS is empty")
)

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(".env", os.Getenv("ROLEKEEPER_CONFIG_FILE"), environ())
}

// LoadFrom builds a Config from an explicit environment, layering the dotenv
// file and YAML file underneath it. Either path may be empty or missing.
func LoadFrom(dotEnvPath, yamlPath string, environment map[string]string) (Config, error) {
	merged := map[string]string{}

	if yamlPath != "" {
		fileVals, err := loadYAML(yamlPath)
		if err != nil {
			return Config{}, err
		}
		for k, v := range fileVals {
			merged[k] = v
		}
	}
	for k, v := range loadDotEnv(dotEnvPath) {
		merged[k] = v
	}
	for k, v := range environment {
		merged[k] = v
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: merged}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	return cfg, nil
}

func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrDatabaseURLEmpty
	}
	return nil
}

func (c Config) RequireKafka() error {
	if len(c.KafkaBrokers) == 0 {
		return ErrKafkaBrokers
	}
	return nil
}

func environ() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
