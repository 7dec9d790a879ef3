package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 64, cfg.Keystore.MaxInFlightInserts)
	assert.Equal(t, KeyIndexMemory, cfg.KeyIndex.Backend)
	assert.Equal(t, HashIndexMemory, cfg.HashIndex.Backend)
	assert.Equal(t, BlobStoreMemory, cfg.BlobStore.Backend)
	assert.True(t, cfg.Reservation.Enabled)
	assert.Equal(t, time.Minute, cfg.Reservation.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Reservation.GracePeriod)
	assert.Equal(t, ":9090", cfg.AdminServer.Addr)
	assert.Equal(t, 10*time.Second, cfg.AdminServer.ShutdownTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("HATSTORE_LOG_LEVEL", "debug")
	t.Setenv("HATSTORE_KEY_INDEX_BACKEND", "sqlite")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, KeyIndexSQLite, cfg.KeyIndex.Backend)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hatstore.yaml")
	contents := `
log_level: warn
hash_index:
  backend: redis
  redis:
    addr: redis.internal:6379
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, HashIndexRedis, cfg.HashIndex.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.HashIndex.Redis.Addr)
}

func TestLoad_ConfigFile_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("HATSTORE_KEY_INDEX_BACKEND", "postgres")

	_, err := Load("")
	assert.ErrorContains(t, err, "dsn")
}

func TestValidate_PostgresWithDSN(t *testing.T) {
	t.Setenv("HATSTORE_KEY_INDEX_BACKEND", "postgres")
	t.Setenv("HATSTORE_KEY_INDEX_POSTGRES_DSN", "postgres://localhost/db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/db", cfg.KeyIndex.Postgres.DSN)
}

func TestValidate_UnknownKeyIndexBackend(t *testing.T) {
	t.Setenv("HATSTORE_KEY_INDEX_BACKEND", "magic")

	_, err := Load("")
	assert.ErrorContains(t, err, "unknown key_index.backend")
}

func TestValidate_UnknownHashIndexBackend(t *testing.T) {
	t.Setenv("HATSTORE_HASH_INDEX_BACKEND", "magic")

	_, err := Load("")
	assert.ErrorContains(t, err, "unknown hash_index.backend")
}

func TestValidate_UnknownBlobStoreBackend(t *testing.T) {
	t.Setenv("HATSTORE_BLOBSTORE_BACKEND", "magic")

	_, err := Load("")
	assert.ErrorContains(t, err, "unknown blobstore.backend")
}

func TestValidate_EncryptionRequiresKey(t *testing.T) {
	t.Setenv("HATSTORE_BLOBSTORE_ENCRYPTION_ENABLED", "true")

	_, err := Load("")
	assert.ErrorContains(t, err, "key_hex is required")
}

func TestValidate_EncryptionWithKey(t *testing.T) {
	t.Setenv("HATSTORE_BLOBSTORE_ENCRYPTION_ENABLED", "true")
	t.Setenv("HATSTORE_BLOBSTORE_ENCRYPTION_KEY_HEX", "00112233")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.BlobStore.Encryption.Enabled)
	assert.Equal(t, "00112233", cfg.BlobStore.Encryption.KeyHex)
}
