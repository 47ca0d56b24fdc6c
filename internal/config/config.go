package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/cache"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir       string        `envconfig:"TARGET_DIR" required:"true"`
	DBPath          string        `envconfig:"DB_PATH" default:"ingest.db"`
	UpdateInterval  time.Duration `envconfig:"UPDATE_INTERVAL" default:"10m"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepPartialFor  time.Duration `envconfig:"KEEP_PARTIAL_FOR" default:"72h"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`
	Workers         int           `envconfig:"WORKERS" default:"4"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Putio struct {
		BaseURL string `split_words:"true"`
		Token   string `split_words:"true" required:"true"`
		Tag     string `split_words:"true" default:"seedbox"`
	}

	Scheduler struct {
		MaxConcurrent int  `split_words:"true" default:"2"`
		DetectCycles  bool `split_words:"true" default:"false"`
	}

	Transfer struct {
		MaxRetries      int           `split_words:"true" default:"3"`
		ChunkSize       int64         `split_words:"true" default:"8388608"`
		DigestChunkSize int           `split_words:"true" default:"65536"`
		PersistInterval time.Duration `split_words:"true" default:"30s"`
	}

	Cache struct {
		MemoryMaxSize int           `split_words:"true" default:"1024"`
		MemoryTTL     time.Duration `envconfig:"MEMORY_TTL" default:"5m"`
		DiskMaxSize   int           `split_words:"true" default:"10000"`
		DiskTTL       time.Duration `envconfig:"DISK_TTL" default:"24h"`
		DiskDir       string        `split_words:"true" default:".cache/disk"`
		RemoteMaxSize int           `split_words:"true" default:"100000"`
		RemoteTTL     time.Duration `envconfig:"REMOTE_TTL" default:"720h"`
		RemoteBackend string        `split_words:"true" default:"fs"`
		RemoteDir     string        `split_words:"true" default:".cache/remote"`
		IndexPath     string        `split_words:"true" default:".cache/index.db"`
	}

	Minio struct {
		Endpoint  string `split_words:"true"`
		AccessKey string `split_words:"true"`
		SecretKey string `split_words:"true"`
		Bucket    string `split_words:"true" default:"seedbox-cache"`
		UseTLS    bool   `envconfig:"USE_TLS" default:"true"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"seedbox_ingest"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	switch cfg.Cache.RemoteBackend {
	case "fs":
	case "minio":
		if cfg.Minio.Endpoint == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT is required when CACHE_REMOTE_BACKEND is minio")
		}
	default:
		return nil, fmt.Errorf("unknown cache remote backend %q", cfg.Cache.RemoteBackend)
	}

	if _, err := cfg.Tiers(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Tiers returns the validated memory, disk and remote tier configurations.
func (c *Config) Tiers() (cache.Tiers, error) {
	tiers := cache.Tiers{
		Memory: cache.TierConfig{MaxSize: c.Cache.MemoryMaxSize, DefaultTTL: c.Cache.MemoryTTL},
		Disk:   cache.TierConfig{MaxSize: c.Cache.DiskMaxSize, DefaultTTL: c.Cache.DiskTTL},
		Remote: cache.TierConfig{MaxSize: c.Cache.RemoteMaxSize, DefaultTTL: c.Cache.RemoteTTL},
	}

	if err := tiers.Validate(); err != nil {
		return cache.Tiers{}, err
	}

	return tiers, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
