package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testGrantSecret = "0123456789abcdef0123456789abcdef"

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STASH_GRANT_SECRET", testGrantSecret)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.Equal(t, 7, cfg.DefaultRetentionDays)
	require.Equal(t, int64(100<<20), cfg.MaxItemBytes)
	require.Equal(t, "disk", cfg.BlobBackend)
	require.Equal(t, 24*time.Hour, cfg.ShareTTL)
	require.Equal(t, 5, cfg.UnlockRatePerMin)
}

func TestLoadConfigRequiresGrantSecret(t *testing.T) {
	t.Setenv("STASH_GRANT_SECRET", "")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("STASH_GRANT_SECRET", "too-short")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: "127.0.0.1:9999"
default_retention_days: 30
blob_backend: s3
s3_bucket: stash-payloads
grant_secret: `+testGrantSecret+`
`), 0o600))

	t.Setenv("STASH_CONFIG", path)
	// Env overrides the file; the file overrides defaults.
	t.Setenv("STASH_DEFAULT_RETENTION_DAYS", "14")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	require.Equal(t, 14, cfg.DefaultRetentionDays)
	require.Equal(t, "s3", cfg.BlobBackend)
	require.Equal(t, "stash-payloads", cfg.S3Bucket)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("STASH_TEST_STR", "value")
	t.Setenv("STASH_TEST_INT", "42")
	t.Setenv("STASH_TEST_BOOL", "true")
	t.Setenv("STASH_TEST_DUR", "90s")
	t.Setenv("STASH_TEST_CSV", "a, b ,c")

	require.Equal(t, "value", EnvString("STASH_TEST_STR", "fallback"))
	require.Equal(t, "fallback", EnvString("STASH_TEST_MISSING", "fallback"))
	require.Equal(t, 42, EnvInt("STASH_TEST_INT", 1))
	require.Equal(t, 1, EnvInt("STASH_TEST_STR", 1))
	require.True(t, EnvBool("STASH_TEST_BOOL", false))
	require.Equal(t, 90*time.Second, EnvDuration("STASH_TEST_DUR", time.Second))
	require.Equal(t, []string{"a", "b", "c"}, EnvCSV("STASH_TEST_CSV", ""))
}
