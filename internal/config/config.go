package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultJWTExpiresIn   = "24h"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "chatrelay"
	DefaultPGSSLMode      = "disable"
	DefaultAIModel        = "gpt-4o-mini"
	DefaultGatewayTimeout = 30
	DefaultTrialDays      = 3
	EnvPrefix             = "CHATRELAY_"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Admin     AdminConfig     `toml:"admin" envPrefix:"ADMIN_"`
	Auth      AuthConfig      `toml:"auth" envPrefix:"AUTH_"`
	Postgres  PostgresConfig  `toml:"postgres" envPrefix:"POSTGRES_"`
	AI        AIConfig        `toml:"ai" envPrefix:"AI_"`
	Gateway   GatewayConfig   `toml:"gateway" envPrefix:"GATEWAY_"`
	Monitor   MonitorConfig   `toml:"monitor" envPrefix:"MONITOR_"`
	Marketing MarketingConfig `toml:"marketing" envPrefix:"MARKETING_"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Retention RetentionConfig `toml:"retention"`
	Trial     TrialConfig     `toml:"trial"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"`
}

type ServerConfig struct {
	Addr string `toml:"addr" env:"SERVER_ADDR"`
}

type AdminConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password" env:"PASSWORD"`
	Email    string `toml:"email"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" env:"JWT_SECRET"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// ExpiresIn parses JWTExpiresIn, falling back to the default on empty input.
func (c AuthConfig) ExpiresIn() (time.Duration, error) {
	raw := c.JWTExpiresIn
	if raw == "" {
		raw = DefaultJWTExpiresIn
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse jwt_expires_in: %w", err)
	}
	return d, nil
}

type PostgresConfig struct {
	Host     string `toml:"host" env:"HOST"`
	Port     int    `toml:"port" env:"PORT"`
	User     string `toml:"user" env:"USER"`
	Password string `toml:"password" env:"PASSWORD"`
	Database string `toml:"database" env:"DATABASE"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int32  `toml:"max_conns"`
}

// DSN renders a postgres:// connection URL.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type AIConfig struct {
	BaseURL        string  `toml:"base_url" env:"BASE_URL"`
	APIKey         string  `toml:"api_key" env:"API_KEY"`
	Model          string  `toml:"model" env:"MODEL"`
	Temperature    float32 `toml:"temperature"`
	MaxTokens      int     `toml:"max_tokens"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

func (c AIConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, 60)
}

type GatewayConfig struct {
	// PublicBaseURL is where platforms reach /webhook/{platform}/{botId}.
	PublicBaseURL  string `toml:"public_base_url" env:"PUBLIC_BASE_URL"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	// MetaAppSecret verifies Instagram and WhatsApp webhook signatures.
	// Meta signs with the app secret, so real deliveries need it set.
	MetaAppSecret  string `toml:"meta_app_secret" env:"META_APP_SECRET"`
}

func (c GatewayConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, DefaultGatewayTimeout)
}

// MonitorConfig configures the best-effort copy of every relayed exchange.
// Empty token or empty targets disable the fan-out.
type MonitorConfig struct {
	TelegramToken string `toml:"telegram_token" env:"TELEGRAM_TOKEN"`
	AdminChatID   string `toml:"admin_chat_id"`
	ChannelID     string `toml:"channel_id"`
}

type MarketingConfig struct {
	Enabled             bool   `toml:"enabled"`
	TelegramToken       string `toml:"telegram_token" env:"TELEGRAM_TOKEN"`
	SendDelayMillis     int    `toml:"send_delay_ms"`
	ExpiredCooldownDays int    `toml:"expired_cooldown_days"`
	EndingCooldownDays  int    `toml:"ending_cooldown_days"`
	ContactText         string `toml:"contact_text"`
}

type ScheduleConfig struct {
	TrialSweep         string `toml:"trial_sweep"`
	DailyStats         string `toml:"daily_stats"`
	TrialNotifications string `toml:"trial_notifications"`
	Marketing          string `toml:"marketing"`
	Cleanup            string `toml:"cleanup"`
}

type RetentionConfig struct {
	MessageDays int `toml:"message_days"`
	StatsDays   int `toml:"stats_days"`
}

type TrialConfig struct {
	Days int `toml:"days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "change-your-password-here",
			Email:    "admin@example.com",
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
			MaxConns: 10,
		},
		AI: AIConfig{
			Model:          DefaultAIModel,
			Temperature:    0.7,
			MaxTokens:      1000,
			TimeoutSeconds: 60,
		},
		Gateway: GatewayConfig{
			TimeoutSeconds: DefaultGatewayTimeout,
		},
		Marketing: MarketingConfig{
			SendDelayMillis:     50,
			ExpiredCooldownDays: 3,
			EndingCooldownDays:  1,
		},
		Schedule: ScheduleConfig{
			TrialSweep:         "0 * * * *",
			DailyStats:         "5 0 * * *",
			TrialNotifications: "0 9 * * *",
			Marketing:          "0 10 */3 * *",
			Cleanup:            "0 2 * * 0",
		},
		Retention: RetentionConfig{
			MessageDays: 90,
			StatsDays:   365,
		},
		Trial: TrialConfig{
			Days: DefaultTrialDays,
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// CHATRELAY_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env overrides: %w", err)
	}

	return cfg, nil
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}
