// Package config loads ambient process configuration from the
// environment, plus the origin rules YAML document referenced by one of
// those env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/erfianugrah/edgevideo-proxy/internal/rules"
)

// Config is the fully-resolved process configuration.
type Config struct {
	ListenAddr           string
	LogLevel             slog.Level
	RulesPath            string
	TransformerURL       string
	KVBackend            string // "fs" or "s3"
	KVRoot               string // FS root, or S3 bucket
	KVPrefix             string // S3 key prefix, ignored for FS
	S3ForcePathStyle     bool
	ChunkSize            int64
	MaxUploadConcurrency int64
	InFlightMax          int
	SkipThreshold        int64 // fallback background-cache cap
	HardThreshold        int64 // normal transform-write cap
	VersionBackend       string // "fs" or "redis"
	RedisAddr            string
}

// Load resolves Config from the environment, one envOr call per field with
// an explicit default.
func Load() (Config, error) {
	c := Config{
		ListenAddr:           envOr("LISTEN_ADDR", ":8080"),
		RulesPath:            envOr("ORIGIN_RULES_PATH", "origin-rules.yaml"),
		TransformerURL:       envOr("TRANSFORMER_URL", "http://127.0.0.1:9000/transform"),
		KVBackend:            envOr("KV_BACKEND", "fs"),
		KVRoot:               envOr("KV_ROOT", "./data/kv"),
		KVPrefix:             envOr("KV_PREFIX", ""),
		VersionBackend:       envOr("VERSION_BACKEND", "fs"),
		RedisAddr:            envOr("REDIS_ADDR", "127.0.0.1:6379"),
	}

	level, err := parseLogLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return c, err
	}
	c.LogLevel = level

	c.S3ForcePathStyle = envOr("S3_FORCE_PATH_STYLE", "false") == "true"

	chunkSize, err := strconv.ParseInt(envOr("CHUNK_SIZE_BYTES", "5242880"), 10, 64)
	if err != nil {
		return c, fmt.Errorf("invalid CHUNK_SIZE_BYTES: %w", err)
	}
	c.ChunkSize = chunkSize

	maxUpload, err := strconv.ParseInt(envOr("MAX_UPLOAD_CONCURRENCY", "5"), 10, 64)
	if err != nil {
		return c, fmt.Errorf("invalid MAX_UPLOAD_CONCURRENCY: %w", err)
	}
	c.MaxUploadConcurrency = maxUpload

	inFlightMax, err := strconv.Atoi(envOr("INFLIGHT_MAX", "100"))
	if err != nil {
		return c, fmt.Errorf("invalid INFLIGHT_MAX: %w", err)
	}
	c.InFlightMax = inFlightMax

	skipThreshold, err := strconv.ParseInt(envOr("SKIP_THRESHOLD_BYTES", "134217728"), 10, 64)
	if err != nil {
		return c, fmt.Errorf("invalid SKIP_THRESHOLD_BYTES: %w", err)
	}
	c.SkipThreshold = skipThreshold

	hardThreshold, err := strconv.ParseInt(envOr("HARD_THRESHOLD_BYTES", "268435456"), 10, 64)
	if err != nil {
		return c, fmt.Errorf("invalid HARD_THRESHOLD_BYTES: %w", err)
	}
	c.HardThreshold = hardThreshold

	return c, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", s)
	}
}

// LoadRules reads and compiles the Origin Rules document at path.
func LoadRules(path string) (*rules.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading origin rules file: %w", err)
	}
	doc, err := rules.LoadDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parsing origin rules file: %w", err)
	}
	return doc, nil
}
