package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	AppEnv     string
	LogLevel   string
	AppBaseURL string

	DBDriver          string
	DBDSN             string
	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	TrustProxy         bool
	CORSAllowedOrigins []string

	IDVBaseURL       string
	IDVAPIKey        string
	IDVWorkflowID    string
	IDVCallbackURL   string
	IDVWebhookSecret string
	IDVTimeoutSec    int

	SigningWebhookSecret string

	WebhookRequireSignature bool
	WebhookAckOnFailure     bool

	EmailSender    string
	EmailFrom      string
	SMTPHost       string
	SMTPPort       int
	SMTPTimeoutSec int

	AdminAPIKey string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
	ShutdownTimeoutSec       int
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		AppEnv:                   strings.ToLower(env("APP_ENV", "development")),
		LogLevel:                 env("LOG_LEVEL", ""),
		AppBaseURL:               strings.TrimRight(env("APP_BASE_URL", "http://localhost:8080"), "/"),
		DBDriver:                 strings.ToLower(env("DB_DRIVER", "sqlite")),
		DBDSN:                    env("DB_DSN", ""),
		DBPath:                   env("APP_DB_PATH", "./data/signgate.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		IDVBaseURL:               strings.TrimRight(env("IDV_BASE_URL", "https://verification.didit.me"), "/"),
		IDVAPIKey:                env("IDV_API_KEY", ""),
		IDVWorkflowID:            env("IDV_WORKFLOW_ID", ""),
		IDVCallbackURL:           env("IDV_CALLBACK_URL", ""),
		IDVWebhookSecret:         env("IDV_WEBHOOK_SECRET", ""),
		IDVTimeoutSec:            envInt("IDV_TIMEOUT_SEC", 10),
		SigningWebhookSecret:     env("SIGNING_WEBHOOK_SECRET", ""),
		WebhookRequireSignature:  envBool("WEBHOOK_REQUIRE_SIGNATURE", false),
		WebhookAckOnFailure:      envBool("WEBHOOK_ACK_ON_FAILURE", true),
		EmailSender:              strings.ToLower(env("EMAIL_SENDER", "log")),
		EmailFrom:                env("EMAIL_FROM", "no-reply@example.com"),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPTimeoutSec:           envInt("SMTP_TIMEOUT_SEC", 10),
		AdminAPIKey:              env("ADMIN_API_KEY", ""),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		ShutdownTimeoutSec:       envInt("SHUTDOWN_TIMEOUT_SEC", 15),
	}

	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	switch cfg.DBDriver {
	case "sqlite":
	case "pgx", "postgres", "mysql":
		if cfg.DBDriver == "postgres" {
			cfg.DBDriver = "pgx"
		}
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return Config{}, fmt.Errorf("DB_DSN is required when DB_DRIVER=%s", cfg.DBDriver)
		}
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be one of: sqlite, pgx, mysql")
	}
	if cfg.IDVTimeoutSec <= 0 || cfg.SMTPTimeoutSec <= 0 {
		return Config{}, fmt.Errorf("outbound timeouts must be positive")
	}
	if cfg.SMTPPort <= 0 {
		return Config{}, fmt.Errorf("invalid SMTP port")
	}
	switch cfg.EmailSender {
	case "log", "smtp":
	default:
		return Config{}, fmt.Errorf("EMAIL_SENDER must be one of: log, smtp")
	}
	if _, err := url.ParseRequestURI(cfg.AppBaseURL); err != nil {
		return Config{}, fmt.Errorf("APP_BASE_URL is invalid: %w", err)
	}
	if cfg.WebhookRequireSignature && strings.TrimSpace(cfg.IDVWebhookSecret) == "" {
		return Config{}, fmt.Errorf("IDV_WEBHOOK_SECRET is required when WEBHOOK_REQUIRE_SIGNATURE=true")
	}
	if cfg.AdminAPIKey != "" && len(cfg.AdminAPIKey) < 24 {
		return Config{}, fmt.Errorf("ADMIN_API_KEY must be at least 24 chars")
	}
	return cfg, nil
}

func (c Config) IDVTimeout() time.Duration {
	return time.Duration(c.IDVTimeoutSec) * time.Second
}

func (c Config) SMTPTimeout() time.Duration {
	return time.Duration(c.SMTPTimeoutSec) * time.Second
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
