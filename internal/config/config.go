// Package config loads the gateway configuration from a TOML file with
// sensible defaults for every section.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "iris"
	DefaultPGSSLMode    = "disable"
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Admin      AdminConfig      `toml:"admin"`
	Auth       AuthConfig       `toml:"auth"`
	Postgres   PostgresConfig   `toml:"postgres"`
	AI         AIConfig         `toml:"ai"`
	Queue      QueueConfig      `toml:"queue"`
	Limiter    LimiterConfig    `toml:"limiter"`
	Cache      CacheConfig      `toml:"cache"`
	Escalation EscalationConfig `toml:"escalation"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AdminConfig struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// AIConfig describes the external completion collaborator.
type AIConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	SystemContext  string `toml:"system_context"`
	Language       string `toml:"language"`
}

// Timeout returns the AI call budget. Default 2s.
func (c AIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type QueueConfig struct {
	Workers             int `toml:"workers"`
	MaxAttempts         int `toml:"max_attempts"`
	BaseBackoffSeconds  int `toml:"base_backoff_seconds"`
	MaxBackoffSeconds   int `toml:"max_backoff_seconds"`
	LeaseSeconds        int `toml:"lease_seconds"`
	PollIntervalMillis  int `toml:"poll_interval_millis"`
	ReapIntervalSeconds int `toml:"reap_interval_seconds"`
}

func (c QueueConfig) BaseBackoff() time.Duration {
	if c.BaseBackoffSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.BaseBackoffSeconds) * time.Second
}

func (c QueueConfig) MaxBackoff() time.Duration {
	if c.MaxBackoffSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

func (c QueueConfig) Lease() time.Duration {
	if c.LeaseSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c QueueConfig) PollInterval() time.Duration {
	if c.PollIntervalMillis <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

type LimiterConfig struct {
	// DefaultRatePerMinute applies when an account has no explicit send rate.
	DefaultRatePerMinute int `toml:"default_rate_per_minute"`
	SendTimeoutSeconds   int `toml:"send_timeout_seconds"`
}

func (c LimiterConfig) SendTimeout() time.Duration {
	if c.SendTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

type CacheConfig struct {
	MaxBytes   int64 `toml:"max_bytes"`
	TTLSeconds int   `toml:"ttl_seconds"`
}

func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

type EscalationConfig struct {
	ConfidenceThreshold float64  `toml:"confidence_threshold"`
	EscalationIntents   []string `toml:"escalation_intents"`
	SentimentThreshold  float64  `toml:"sentiment_threshold"`
	// ProcessEscalated keeps queueing AI analysis for escalated conversations
	// with the auto-reply suppressed.
	ProcessEscalated bool `toml:"process_escalated"`
	HistoryTurns     int  `toml:"history_turns"`
	// InactivityCloseHours closes conversations with no traffic for this long.
	// Zero disables the sweeper.
	InactivityCloseHours int    `toml:"inactivity_close_hours"`
	FallbackText         string `toml:"fallback_text"`
	HandoffAckText       string `toml:"handoff_ack_text"`
	SendHandoffAck       bool   `toml:"send_handoff_ack"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		AI: AIConfig{
			TimeoutSeconds: 2,
			Language:       "th",
		},
		Queue: QueueConfig{
			Workers:             4,
			MaxAttempts:         3,
			BaseBackoffSeconds:  5,
			MaxBackoffSeconds:   300,
			LeaseSeconds:        60,
			PollIntervalMillis:  250,
			ReapIntervalSeconds: 30,
		},
		Limiter: LimiterConfig{
			DefaultRatePerMinute: 60,
			SendTimeoutSeconds:   5,
		},
		Cache: CacheConfig{
			MaxBytes:   4 << 20,
			TTLSeconds: 300,
		},
		Escalation: EscalationConfig{
			ConfidenceThreshold:  0.3,
			EscalationIntents:    []string{"complaint", "refund", "legal"},
			SentimentThreshold:   -0.7,
			ProcessEscalated:     true,
			HistoryTurns:         10,
			InactivityCloseHours: 72,
			FallbackText:         "We are experiencing technical difficulty. An agent will follow up with you shortly.",
			HandoffAckText:       "Connecting you to an agent.",
			SendHandoffAck:       true,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if cfg.Escalation.ConfidenceThreshold < 0 || cfg.Escalation.ConfidenceThreshold > 1 {
		return cfg, fmt.Errorf("escalation.confidence_threshold must be in [0,1]")
	}
	if cfg.Escalation.SentimentThreshold < -1 || cfg.Escalation.SentimentThreshold > 1 {
		return cfg, fmt.Errorf("escalation.sentiment_threshold must be in [-1,1]")
	}

	return cfg, nil
}
