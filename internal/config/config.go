// Package config reads process configuration from the environment. Absent
// values disable the feature they configure; malformed values are errors.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendNone     = ""
	BackendS3       = "s3"
	BackendGCS      = "gcs"
	BackendDynamoDB = "dynamodb"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

const compatibleRegion = "auto"

type Config struct {
	InferenceEndpoint    string
	InferenceAPIKey      string
	InferenceAPIKeyParam string
	InferenceTimeout     time.Duration
	DefaultModel         string
	MaxPromptLen         int

	BlobBackend        string
	BlobBucket         string
	S3Endpoint         string
	S3Region           string
	S3AccessKeyID      string
	S3SecretAccessKey  string
	GCSCredentialsFile string
	DynamoDBTable      string
	BlobDir            string

	StorageTimeout  time.Duration
	StorageLocation *time.Location
	LookbackDays    int
	ListCap         int

	LogLevel slog.Level
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv. All problems are reported
// together.
func LoadFrom(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		InferenceEndpoint:    r.str("INFERENCE_ENDPOINT"),
		InferenceAPIKey:      r.str("INFERENCE_API_KEY"),
		InferenceAPIKeyParam: r.str("INFERENCE_API_KEY_PARAM"),
		InferenceTimeout:     r.duration("INFERENCE_TIMEOUT", 45*time.Second),
		DefaultModel:         r.strDefault("DEFAULT_MODEL", "L3.2-8X3B"),
		MaxPromptLen:         r.positiveInt("MAX_PROMPT_LENGTH", 4000),

		BlobBackend:        strings.ToLower(r.str("BLOB_BACKEND")),
		BlobBucket:         r.str("BLOB_BUCKET"),
		S3Endpoint:         r.str("S3_ENDPOINT"),
		S3Region:           r.str("S3_REGION"),
		S3AccessKeyID:      r.str("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey:  r.str("S3_SECRET_ACCESS_KEY"),
		GCSCredentialsFile: r.str("GCS_CREDENTIALS_FILE"),
		DynamoDBTable:      r.str("DYNAMODB_TABLE"),
		BlobDir:            r.str("BLOB_DIR"),

		StorageTimeout:  r.duration("STORAGE_TIMEOUT", 5*time.Second),
		StorageLocation: r.location("STORAGE_TIMEZONE"),
		LookbackDays:    r.positiveInt("LOOKBACK_DAYS", 30),
		ListCap:         r.positiveInt("LIST_CAP", 50),

		LogLevel: r.level("LOG_LEVEL"),
	}
	// S3-compatible endpoints such as R2 take the pseudo-region "auto". Plain
	// S3 keeps an empty region so the SDK's default chain (AWS_REGION) applies.
	if cfg.S3Region == "" && cfg.S3Endpoint != "" {
		cfg.S3Region = compatibleRegion
	}
	cfg.validateBlob(&r)
	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(r.errs...))
	}
	return cfg, nil
}

func (c Config) validateBlob(r *reader) {
	switch c.BlobBackend {
	case BackendNone, BackendMemory:
	case BackendS3, BackendGCS:
		if c.BlobBucket == "" {
			r.fail("BLOB_BUCKET is required for %s", c.BlobBackend)
		}
		if c.BlobBackend == BackendS3 && (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
			r.fail("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	case BackendDynamoDB:
		if c.DynamoDBTable == "" {
			r.fail("DYNAMODB_TABLE is required for dynamodb")
		}
	case BackendFile:
		if c.BlobDir == "" {
			r.fail("BLOB_DIR is required for file")
		}
	default:
		r.fail("BLOB_BACKEND %q is not one of s3, gcs, dynamodb, file, memory", c.BlobBackend)
	}
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) fail(format string, args ...any) {
	r.errs = append(r.errs, fmt.Errorf(format, args...))
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.getenv(key))
}

func (r *reader) strDefault(key, def string) string {
	if v := r.str(key); v != "" {
		return v
	}
	return def
}

func (r *reader) positiveInt(key string, def int) int {
	v := r.str(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.fail("%s must be a positive integer, got %q", key, v)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.fail("%s must be a positive duration, got %q", key, v)
		return def
	}
	return d
}

func (r *reader) location(key string) *time.Location {
	v := r.str(key)
	if v == "" || strings.EqualFold(v, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(v)
	if err != nil {
		r.fail("%s: %v", key, err)
		return time.Local
	}
	return loc
}

func (r *reader) level(key string) slog.Level {
	v := r.str(key)
	if v == "" {
		return slog.LevelInfo
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		r.fail("%s: %v", key, err)
		return slog.LevelInfo
	}
	return lvl
}
