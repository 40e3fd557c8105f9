package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("CONFIG_FILE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY is required")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plantchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_driver: sqlite
sqlite_path: /var/lib/plantchat.db
jwt_secret: from-file
encryption_key: file-key
refresh_debounce: 400ms
cors_origins: [https://plants.example]
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SUMMARY_STALE_AFTER", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "/var/lib/plantchat.db", cfg.SQLitePath)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, "file-key", cfg.EncryptKey)
	assert.Equal(t, 400*time.Millisecond, cfg.RefreshDebounce)
	assert.Equal(t, 90*time.Second, cfg.SummaryStaleAfter)
	assert.Equal(t, []string{"https://plants.example"}, cfg.CORSOrigins)
	assert.Equal(t, "0.0.0.0:9090", cfg.HTTPAddr())
}

func TestValidateRejectsHalfConfiguredVAPID(t *testing.T) {
	cfg := Defaults()
	cfg.JWTSecret = "s"
	cfg.EncryptKey = "k"
	cfg.VAPIDPublicKey = "pub"

	assert.Error(t, cfg.Validate())
	cfg.VAPIDPrivateKey = "priv"
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.PushEnabled())
}

func TestPostgresDSN(t *testing.T) {
	p := Postgres{Host: "db", Port: "5433", User: "app", Password: "p@ss", DB: "plants"}
	assert.Equal(t, "postgres://app:p%40ss@db:5433/plants?sslmode=disable", p.DSN())
}
