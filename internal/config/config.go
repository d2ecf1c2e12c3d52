// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every tunable the server reads at startup.
type Config struct {
	Env      string
	Addr     string
	MongoURI string
	MongoDB  string

	JWTSecret   string
	JWTDuration time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	// Per-user cap on inbound send_message events.
	SendRatePerMinute int
	SendBurst         int

	// Typing indicators older than TypingTimeout are swept away every
	// TypingSweepInterval.
	TypingTimeout       time.Duration
	TypingSweepInterval time.Duration
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:        getEnv("APP_ENV", "dev"),
		Addr:       getEnv("ADDR", ":8080"),
		MongoURI:   os.Getenv("MONGO_URI"),
		MongoDB:    getEnv("MONGO_DB", "converso"),
		JWTSecret:  os.Getenv("JWT_SECRET"),
		KafkaTopic: getEnv("KAFKA_NOTIFY_TOPIC", "push-notifications"),
	}
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.JWTDuration, err = parseDurationEnv("JWT_DURATION", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.TypingTimeout, err = parseDurationEnv("TYPING_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TypingSweepInterval, err = parseDurationEnv("TYPING_SWEEP_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SendRatePerMinute, err = parseIntEnv("SEND_RATE_PER_MINUTE", 120); err != nil {
		return Config{}, err
	}
	if cfg.SendBurst, err = parseIntEnv("SEND_BURST", 20); err != nil {
		return Config{}, err
	}

	if cfg.MongoURI == "" {
		return Config{}, fmt.Errorf("MONGO_URI is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}
