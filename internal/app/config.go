package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration. Values come from an optional
// YAML file first, then environment variables on top; an env var set to a
// non-empty value always wins over the file.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	// GrantSecret signs unlock grants. Required.
	GrantSecret string        `yaml:"grant_secret"`
	GrantTTL    time.Duration `yaml:"grant_ttl"`

	// AdminMasterKey enables the administrative surface; empty disables it.
	AdminMasterKey string `yaml:"admin_master_key"`

	// UnlockRatePerMin throttles credential checks per client address;
	// 0 disables the throttle.
	UnlockRatePerMin int `yaml:"unlock_rate_per_min"`

	// Retention and size policy.
	DefaultRetentionDays int   `yaml:"default_retention_days"`
	MaxItemBytes         int64 `yaml:"max_item_bytes"`
	MaxNoteChars         int   `yaml:"max_note_chars"`

	// Blob backend: "memory", "disk", or "s3".
	BlobBackend string `yaml:"blob_backend"`
	BlobDir     string `yaml:"blob_dir"`

	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`

	// Chunked upload staging.
	UploadDir           string        `yaml:"upload_dir"`
	UploadIdleTTL       time.Duration `yaml:"upload_idle_ttl"`
	UploadSweepInterval time.Duration `yaml:"upload_sweep_interval"`

	// Share tokens.
	ShareTTL           time.Duration `yaml:"share_ttl"`
	ShareSweepInterval time.Duration `yaml:"share_sweep_interval"`

	// Retention sweep cadence.
	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`

	// Websocket origin policy.
	WSOriginRequired bool     `yaml:"ws_origin_required"`
	WSAllowedOrigins []string `yaml:"ws_allowed_origins"`
}

// LoadConfig loads the YAML file named by STASH_CONFIG (if any) and layers
// STASH_* environment variables over it.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr: "0.0.0.0:8080",
		LogLevel: "info",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 10,

		GrantTTL: 15 * time.Minute,

		UnlockRatePerMin: 5,

		DefaultRetentionDays: 7,
		MaxItemBytes:         100 << 20,
		MaxNoteChars:         10_000,

		BlobBackend: "disk",
		BlobDir:     "data/blobs",

		UploadDir:           "data/uploads",
		UploadIdleTTL:       time.Hour,
		UploadSweepInterval: 5 * time.Minute,

		ShareTTL:           24 * time.Hour,
		ShareSweepInterval: time.Hour,

		RetentionSweepInterval: time.Hour,

		WSOriginRequired: false,
		WSAllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
	}

	if path := strings.TrimSpace(os.Getenv("STASH_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = EnvString("STASH_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("STASH_LOG_LEVEL", cfg.LogLevel)

	cfg.ReadHeaderTimeout = EnvDuration("STASH_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("STASH_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("STASH_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("STASH_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("STASH_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("STASH_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("STASH_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("STASH_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.ReadinessRequireDB = EnvBool("STASH_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.GrantSecret = EnvString("STASH_GRANT_SECRET", cfg.GrantSecret)
	cfg.GrantTTL = EnvDuration("STASH_GRANT_TTL", cfg.GrantTTL)
	cfg.AdminMasterKey = EnvString("STASH_ADMIN_MASTER_KEY", cfg.AdminMasterKey)
	cfg.UnlockRatePerMin = EnvInt("STASH_UNLOCK_RATE_PER_MIN", cfg.UnlockRatePerMin)

	cfg.DefaultRetentionDays = EnvInt("STASH_DEFAULT_RETENTION_DAYS", cfg.DefaultRetentionDays)
	cfg.MaxItemBytes = EnvInt64("STASH_MAX_ITEM_BYTES", cfg.MaxItemBytes)
	cfg.MaxNoteChars = EnvInt("STASH_MAX_NOTE_CHARS", cfg.MaxNoteChars)

	cfg.BlobBackend = EnvString("STASH_BLOB_BACKEND", cfg.BlobBackend)
	cfg.BlobDir = EnvString("STASH_BLOB_DIR", cfg.BlobDir)
	cfg.S3Endpoint = EnvString("STASH_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = EnvString("STASH_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = EnvString("STASH_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = EnvString("STASH_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = EnvString("STASH_S3_SECRET_KEY", cfg.S3SecretKey)

	cfg.UploadDir = EnvString("STASH_UPLOAD_DIR", cfg.UploadDir)
	cfg.UploadIdleTTL = EnvDuration("STASH_UPLOAD_IDLE_TTL", cfg.UploadIdleTTL)
	cfg.UploadSweepInterval = EnvDuration("STASH_UPLOAD_SWEEP_INTERVAL", cfg.UploadSweepInterval)

	cfg.ShareTTL = EnvDuration("STASH_SHARE_TTL", cfg.ShareTTL)
	cfg.ShareSweepInterval = EnvDuration("STASH_SHARE_SWEEP_INTERVAL", cfg.ShareSweepInterval)
	cfg.RetentionSweepInterval = EnvDuration("STASH_RETENTION_SWEEP_INTERVAL", cfg.RetentionSweepInterval)

	cfg.WSOriginRequired = EnvBool("STASH_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	if v := EnvCSV("STASH_WS_ALLOWED_ORIGINS", ""); len(v) > 0 {
		cfg.WSAllowedOrigins = v
	}

	if strings.TrimSpace(cfg.GrantSecret) == "" {
		return Config{}, fmt.Errorf("config: STASH_GRANT_SECRET is required")
	}
	if len(cfg.GrantSecret) < 32 {
		return Config{}, fmt.Errorf("config: grant secret must be at least 32 bytes")
	}

	return cfg, nil
}
