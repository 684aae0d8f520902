package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Gateway  GatewayConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	// URL is either a postgres:// connection string or a sqlite file path.
	URL string
}

type GatewayConfig struct {
	URL     string
	Timeout time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type DispatchConfig struct {
	BatchDivisor      int
	BatchMin          int
	BatchMax          int
	MessagesPerSecond float64
	BatchDelay        time.Duration

	RequestDedupeWindow   time.Duration
	TransportDedupeWindow time.Duration
	DedupeRetention       time.Duration
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", "sms_dispatch.db"),
		},
		Gateway: GatewayConfig{
			URL:     mustEnv("GATEWAY_URL"),
			Timeout: time.Duration(getEnvInt("GATEWAY_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Dispatch: DispatchConfig{
			BatchDivisor:      getEnvInt("DISPATCH_BATCH_DIVISOR", 20),
			BatchMin:          getEnvInt("DISPATCH_BATCH_MIN", 10),
			BatchMax:          getEnvInt("DISPATCH_BATCH_MAX", 100),
			MessagesPerSecond: getEnvFloat("DISPATCH_MESSAGES_PER_SECOND", 20),
			BatchDelay:        time.Duration(getEnvInt("DISPATCH_BATCH_DELAY_MS", 1000)) * time.Millisecond,

			RequestDedupeWindow:   time.Duration(getEnvInt("DEDUPE_REQUEST_WINDOW_SECONDS", 10)) * time.Second,
			TransportDedupeWindow: time.Duration(getEnvInt("DEDUPE_TRANSPORT_WINDOW_SECONDS", 5)) * time.Second,
			DedupeRetention:       time.Duration(getEnvInt("DEDUPE_RETENTION_SECONDS", 30)) * time.Second,
		},
		Redis: loadRedisConfig(),
	}

	validate(cfg)
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
		TTL:      time.Duration(getEnvInt("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func validate(cfg *Config) {
	if cfg.Dispatch.BatchDivisor <= 0 {
		panic("DISPATCH_BATCH_DIVISOR must be > 0")
	}
	if cfg.Dispatch.BatchMin <= 0 {
		panic("DISPATCH_BATCH_MIN must be > 0")
	}
	if cfg.Dispatch.BatchMax < cfg.Dispatch.BatchMin {
		panic("DISPATCH_BATCH_MAX must be >= DISPATCH_BATCH_MIN")
	}
	if cfg.Dispatch.MessagesPerSecond <= 0 {
		panic("DISPATCH_MESSAGES_PER_SECOND must be > 0")
	}
	if cfg.Gateway.Timeout <= 0 {
		panic("GATEWAY_TIMEOUT_SECONDS must be > 0")
	}
}

func mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float for env %s: %s", key, v))
	}
	return f
}
