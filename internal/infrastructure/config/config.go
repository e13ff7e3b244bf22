package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides, e.g. CORRELATOR_REDIS_URL
const EnvPrefix = "CORRELATOR_"

// DefaultPath is read when no config file is given
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string        `koanf:"version"`
	Environment string        `koanf:"environment" validate:"required"`
	LogLevel    string        `koanf:"log_level"`
	RulesDir    string        `koanf:"rules_dir" validate:"required"`
	RunEvery    time.Duration `koanf:"run_every" validate:"gt=0"`
	GCEvery     time.Duration `koanf:"gc_every" validate:"gt=0"`

	Server    ServerConfig    `koanf:"server"`
	Source    SourceConfig    `koanf:"source"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Alerting  AlertingConfig  `koanf:"alerting"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type SourceConfig struct {
	Kind            string `koanf:"kind" validate:"oneof=file sqs"`
	Path            string `koanf:"path" validate:"required_if=Kind file"`
	BatchSize       int    `koanf:"batch_size" validate:"min=1"`
	QueueURL        string `koanf:"queue_url" validate:"required_if=Kind sqs"`
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	WaitSeconds     int32  `koanf:"wait_seconds" validate:"min=0,max=20"`
}

type RedisConfig struct {
	Enabled     bool          `koanf:"enabled"`
	URL         string        `koanf:"url" validate:"required_if=Enabled true"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	PoolSize    int           `koanf:"pool_size"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

type DatabaseConfig struct {
	Enabled         bool          `koanf:"enabled"`
	URL             string        `koanf:"url" validate:"required_if=Enabled true"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

type AlertingConfig struct {
	LogMatches    bool          `koanf:"log_matches"`
	WebhookURLs   []string      `koanf:"webhook_urls" validate:"dive,url"`
	WebhookSecret string        `koanf:"webhook_secret"`
	RatePerSecond float64       `koanf:"rate_per_second" validate:"gte=0"`
	Burst         int           `koanf:"burst" validate:"gte=0"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxAttempts   int           `koanf:"max_attempts" validate:"gte=1"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	DeadLetterMax int           `koanf:"dead_letter_max" validate:"gte=0"`
	// DeadLetterMaxAge expires queued failures; zero keeps them until evicted
	DeadLetterMaxAge time.Duration `koanf:"dead_letter_max_age" validate:"gte=0"`

	CircuitThreshold int           `koanf:"circuit_threshold" validate:"gte=0"`
	CircuitTimeout   time.Duration `koanf:"circuit_timeout"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate" validate:"gte=0,lte=1"`
}

// Defaults returns the configuration used before file and env overrides
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		RulesDir:    "rules",
		RunEvery:    time.Minute,
		GCEvery:     time.Minute,
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Source: SourceConfig{
			Kind:        "file",
			Path:        "data/events.ndjson",
			BatchSize:   500,
			Region:      "us-east-1",
			WaitSeconds: 10,
		},
		Redis: RedisConfig{
			URL:         "localhost:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			ConnMaxLifetime: 30 * time.Minute,
			MigrateOnStart:  true,
		},
		Alerting: AlertingConfig{
			LogMatches:    true,
			RatePerSecond: 5,
			Burst:         10,
			Timeout:       10 * time.Second,
			MaxAttempts:   3,
			RetryDelay:    time.Second,
			DeadLetterMax: 1000,

			DeadLetterMaxAge: 24 * time.Hour,

			CircuitThreshold: 5,
			CircuitTimeout:   time.Minute,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

var sections = []string{"server", "source", "redis", "database", "alerting", "telemetry"}

// envKey maps CORRELATOR_REDIS_URL to redis.url and CORRELATOR_LOG_LEVEL to log_level
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return key
}

// Load reads defaults, then the YAML file at path (optional), then
// environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, validationError("INVALID_CONFIG", "configuration is invalid", err)
	}
	return &cfg, nil
}
