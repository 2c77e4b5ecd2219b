// Package config loads process configuration from an optional .env file, an
// optional YAML file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at the YAML file
const FileEnv = "CAMPUS_CONFIG"

// Config holds every setting of the server and the seed tool
type Config struct {
	DatabaseURL     string        `yaml:"database_url"`
	HTTPAddr        string        `yaml:"http_addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTTTL          time.Duration `yaml:"jwt_ttl"`
	RedisURL        string        `yaml:"redis_url"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	ProductCacheTTL time.Duration `yaml:"product_cache_ttl"`
	KafkaBroker     string        `yaml:"kafka_broker"`
	NotifyTopic     string        `yaml:"notify_topic"`
	OtelEndpoint    string        `yaml:"otel_endpoint"`
	LogLevel        string        `yaml:"log_level"`
	LogDev          bool          `yaml:"log_dev"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Default returns the settings used when nothing overrides them
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		JWTTTL:          24 * time.Hour,
		ProductCacheTTL: 5 * time.Minute,
		NotifyTopic:     "campus.notifications",
		LogLevel:        "info",
		CORSOrigins:     []string{"*"},
	}
}

// Load reads .env (if present), the YAML file named by CAMPUS_CONFIG (if
// set) and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFrom(os.Getenv(FileEnv), os.LookupEnv)
}

// LoadFrom builds a config from an optional YAML file and an environment
// lookup function.
func LoadFrom(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATABASE_URL":   &cfg.DatabaseURL,
		"HTTP_ADDR":      &cfg.HTTPAddr,
		"JWT_SECRET":     &cfg.JWTSecret,
		"REDIS_URL":      &cfg.RedisURL,
		"REDIS_PASSWORD": &cfg.RedisPassword,
		"KAFKA_BROKER":   &cfg.KafkaBroker,
		"NOTIFY_TOPIC":   &cfg.NotifyTopic,
		"OTEL_ENDPOINT":  &cfg.OtelEndpoint,
		"LOG_LEVEL":      &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"JWT_TTL":           &cfg.JWTTTL,
		"PRODUCT_CACHE_TTL": &cfg.ProductCacheTTL,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v, ok := lookup("LOG_DEV"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_DEV: %w", err)
		}
		cfg.LogDev = b
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	return nil
}

// Validate checks the settings the process cannot start without
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive")
	}
	return nil
}
