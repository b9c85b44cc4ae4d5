package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/signtusk/multisigner/pkg/artifacts"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	DataDir     string

	Artifacts artifacts.Config

	MFAMasterKey string // hex, 32 bytes
	JWTSecret    string
	RedisURL     string

	OTelEnabled  bool
	OTelEndpoint string

	PolicyFile   string
	GeneratorURL string

	CORSOrigins []string
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := getenv("DATA_DIR", "data")

	// Without DATABASE_URL the service runs in lite mode on a local SQLite file.
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "file:" + filepath.Join(dataDir, "multisigner.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: dbURL,
		DataDir:     dataDir,
		Artifacts: artifacts.Config{
			Type:       artifacts.StoreType(strings.ToLower(getenv("ARTIFACT_STORAGE_TYPE", "fs"))),
			DataDir:    dataDir,
			S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
			S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
		},
		MFAMasterKey: os.Getenv("MFA_MASTER_KEY"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		RedisURL:     os.Getenv("REDIS_URL"),
		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		PolicyFile:   os.Getenv("POLICY_FILE"),
		GeneratorURL: os.Getenv("GENERATOR_URL"),
		CORSOrigins:  splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}
}

// LiteMode reports whether the service runs on SQLite.
func (c *Config) LiteMode() bool {
	return !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// MFAKey decodes MFA_MASTER_KEY.
func (c *Config) MFAKey() ([]byte, error) {
	if c.MFAMasterKey == "" {
		return nil, errors.New("MFA_MASTER_KEY is not set")
	}
	key, err := hex.DecodeString(c.MFAMasterKey)
	if err != nil {
		return nil, fmt.Errorf("MFA_MASTER_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MFA_MASTER_KEY: want 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks the settings the HTTP server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.MFAKey(); err != nil {
		errs = append(errs, err)
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	switch c.Artifacts.Type {
	case artifacts.StoreTypeFS:
	case artifacts.StoreTypeS3:
		if c.Artifacts.S3Bucket == "" {
			errs = append(errs, errors.New("ARTIFACT_S3_BUCKET is required for s3 storage"))
		}
	case artifacts.StoreTypeGCS:
		if c.Artifacts.GCSBucket == "" {
			errs = append(errs, errors.New("ARTIFACT_GCS_BUCKET is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ARTIFACT_STORAGE_TYPE %q", c.Artifacts.Type))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
