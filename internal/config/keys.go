package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		env: "CALLPIPE_SERVER_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		env: "CALLPIPE_SERVER_MCP_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
	},
	{
		env: "CALLPIPE_SERVER_ADMIN_TOKEN", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Server.AdminToken = v.(string) },
	},
	{
		env: "CALLPIPE_STORAGE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "CALLPIPE_WORKER_COUNT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Workers.Count = v.(int) },
	},
	{
		env: "CALLPIPE_WORKER_POLL_INTERVAL", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Workers.PollInterval = v.(time.Duration) },
	},
	{
		env: "CALLPIPE_WORKER_LEASE_TTL", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Workers.LeaseTTL = v.(time.Duration) },
	},
	{
		env: "CALLPIPE_WORKER_MAX_ATTEMPTS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Workers.MaxAttempts = v.(int) },
	},
	{
		env: "CALLPIPE_WORKER_BACKOFF_BASE", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Workers.BackoffBase = v.(time.Duration) },
	},
	{
		env: "CALLPIPE_WORKER_BACKOFF_CAP", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Workers.BackoffCap = v.(time.Duration) },
	},
	{
		env: "CALLPIPE_VENDOR_REQUEST_TIMEOUT", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Vendor.RequestTimeout = v.(time.Duration) },
	},
	{
		env: "CALLPIPE_VENDOR_SESSION_TTL", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Vendor.SessionTTL = v.(time.Duration) },
	},
	{
		env: "CALLPIPE_CACHE_ENDPOINT", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Cache.Endpoint = v.(string) },
	},
	{
		env: "CALLPIPE_CACHE_ACCESS_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Cache.AccessKey = v.(string) },
	},
	{
		env: "CALLPIPE_CACHE_SECRET_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Cache.SecretKey = v.(string) },
	},
	{
		env: "CALLPIPE_CACHE_BUCKET", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Cache.Bucket = v.(string) },
	},
	{
		env: "CALLPIPE_CACHE_USE_SSL", typ: kBool,
		apply: func(cfg *Config, v any) { cfg.Cache.UseSSL = v.(bool) },
	},
	{
		env: "CALLPIPE_AI_API_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.AI.APIKey = v.(string) },
	},
	{
		env: "CALLPIPE_AI_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.AI.BaseURL = v.(string) },
	},
	{
		env: "CALLPIPE_AI_TRANSCRIBE_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.AI.TranscribeModel = v.(string) },
	},
	{
		env: "CALLPIPE_AI_SENTIMENT_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.AI.SentimentModel = v.(string) },
	},
	{
		env: "CALLPIPE_AI_MAX_TRANSCRIPT_CHARS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.AI.MaxTranscriptChars = v.(int) },
	},
	{
		env: "CALLPIPE_AI_FFMPEG_PATH", typ: kString,
		apply: func(cfg *Config, v any) { cfg.AI.FFmpegPath = v.(string) },
	},
	{
		env: "CALLPIPE_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".callpipe")
	}
	return ".callpipe"
}
