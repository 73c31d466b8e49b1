package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Workers WorkerConfig
	Vendor  VendorConfig
	Cache   CacheConfig
	AI      AIConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// AdminToken guards the /admin endpoints. Empty leaves them open,
	// which is only sensible for local single-operator deployments.
	AdminToken string
}

type StorageConfig struct {
	DataDir string
}

type WorkerConfig struct {
	Count        int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// VendorConfig holds PBX vendor client settings that are not tenant-scoped.
// Per-tenant host/identity/secret live in the tenants table; there are no
// process-wide credential defaults.
type VendorConfig struct {
	RequestTimeout time.Duration
	SessionTTL     time.Duration
}

// CacheConfig configures the object-storage recording cache used as the
// acquisition fallback. Endpoint empty disables the fallback.
type CacheConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type AIConfig struct {
	APIKey             string
	BaseURL            string
	TranscribeModel    string
	SentimentModel     string
	MaxTranscriptChars int
	FFmpegPath         string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4700,
			MCPPort: 4701,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Workers: WorkerConfig{
			Count:        3,
			PollInterval: 500 * time.Millisecond,
			LeaseTTL:     5 * time.Minute,
			MaxAttempts:  5,
			BackoffBase:  2 * time.Second,
			BackoffCap:   10 * time.Minute,
		},
		Vendor: VendorConfig{
			RequestTimeout: 30 * time.Second,
			SessionTTL:     10 * time.Minute,
		},
		Cache: CacheConfig{
			Bucket: "callpipe-recordings",
		},
		AI: AIConfig{
			TranscribeModel:    "whisper-1",
			SentimentModel:     "gpt-4o-mini",
			MaxTranscriptChars: 24000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional .env file in the working
// directory, then environment variables (CALLPIPE_*), layered over defaults.
//
// The AI API key is not validated here: only the server wiring needs it, and
// operator commands (tenants, stop, status) must work without one. Callers
// that start the pipeline check RequireAIKey. Vendor credentials are per
// tenant and are validated at job time, not here.
func Load() (Config, error) {
	// Missing .env is fine; env vars alone are a complete configuration.
	_ = godotenv.Load()

	cfg := defaults()
	applyEnvOverrides(&cfg)

	if cfg.Workers.Count < 1 {
		return Config{}, fmt.Errorf("invalid config: worker count must be at least 1, got %d", cfg.Workers.Count)
	}
	if cfg.Workers.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("invalid config: max attempts must be at least 1, got %d", cfg.Workers.MaxAttempts)
	}

	return cfg, nil
}

// RequireAIKey verifies the transcription collaborator is configured. The
// server calls it before wiring the pipeline; CLI-only paths skip it.
func (c Config) RequireAIKey() error {
	if c.AI.APIKey == "" {
		return fmt.Errorf("missing required config: AI API key. Set it via environment variable CALLPIPE_AI_API_KEY")
	}
	return nil
}
