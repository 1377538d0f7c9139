package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, "log", cfg.EmailSender)
	require.True(t, cfg.WebhookAckOnFailure)
	require.False(t, cfg.WebhookRequireSignature)
	require.Equal(t, 10*time.Second, cfg.IDVTimeout())
}

func TestLoadPostgresAliasNeedsDSN(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("DB_DSN", "postgres://app@localhost/signgate")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "pgx", cfg.DBDriver)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "oracle")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequireSignatureNeedsSecret(t *testing.T) {
	t.Setenv("WEBHOOK_REQUIRE_SIGNATURE", "true")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("IDV_WEBHOOK_SECRET", "whsec")
	_, err = Load()
	require.NoError(t, err)
}

func TestLoadRejectsShortAdminKey(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "short")
	_, err := Load()
	require.Error(t, err)
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}
