package config

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// Queue backend. Exactly one of these is used: a direct database
	// connection, or the coordinator's internal API.
	DatabaseDSN     string `mapstructure:"DATABASE_DSN" validate:"required_without=WorkerAPIURL"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES"`
	WorkerAPIURL    string `mapstructure:"WORKER_API_URL" validate:"required_without=DatabaseDSN,omitempty,url"`
	WorkerSecret    string `mapstructure:"WORKER_SECRET" validate:"required_with=WorkerAPIURL"`

	// CredentialSecret decrypts stored platform cookies. Only needed with a
	// direct database connection; the coordinator decrypts for API workers.
	CredentialSecret string `mapstructure:"CREDENTIAL_SECRET"`

	// Scheduling
	MaxConcurrentJobs        int `mapstructure:"MAX_CONCURRENT_JOBS" validate:"min=1"`
	PollIntervalSeconds      int `mapstructure:"POLL_INTERVAL_SECONDS" validate:"min=1"`
	HeartbeatIntervalSeconds int `mapstructure:"HEARTBEAT_INTERVAL_SECONDS" validate:"min=1"`
	StaleJobMinutes          int `mapstructure:"STALE_JOB_MINUTES" validate:"min=1"`
	RetryBaseDelaySeconds    int `mapstructure:"RETRY_BASE_DELAY_SECONDS" validate:"min=1"`

	// Segmentation
	MinClipSeconds    float64 `mapstructure:"MIN_CLIP_SECONDS" validate:"gt=0"`
	TargetClipSeconds float64 `mapstructure:"TARGET_CLIP_SECONDS" validate:"gt=0"`
	MaxClipSeconds    float64 `mapstructure:"MAX_CLIP_SECONDS" validate:"gt=0"`

	// Ingestion limits
	MaxVideoDurationSeconds float64 `mapstructure:"MAX_VIDEO_DURATION_SECONDS" validate:"min=0"`
	MaxDownloadSizeMB       int     `mapstructure:"MAX_DOWNLOAD_SIZE_MB" validate:"min=0"`
	MaxVideoHeight          int     `mapstructure:"MAX_VIDEO_HEIGHT" validate:"min=0"`
	ClipTTLDays             int     `mapstructure:"CLIP_TTL_DAYS" validate:"min=0"`

	// WorkDir hosts per-job scratch directories; empty means the OS default.
	WorkDir string `mapstructure:"WORK_DIR"`

	// Tool paths; empty values fall back to PATH lookups.
	YtdlpPath   string `mapstructure:"YTDLP_PATH"`
	FFmpegPath  string `mapstructure:"FFMPEG_PATH"`
	FFprobePath string `mapstructure:"FFPROBE_PATH"`
	WhisperPath string `mapstructure:"WHISPER_PATH"`

	// Transcription
	WhisperModel    string `mapstructure:"WHISPER_MODEL"`
	WhisperDevice   string `mapstructure:"WHISPER_DEVICE"`
	WhisperLanguage string `mapstructure:"WHISPER_LANGUAGE"`

	// ModelAPIURL enables enrichment (topics, embeddings, titles, scoring).
	// Empty disables those stages.
	ModelAPIURL string `mapstructure:"MODEL_API_URL" validate:"omitempty,url"`

	// Object storage
	StorageEndpoint  string `mapstructure:"STORAGE_ENDPOINT" validate:"required"`
	StorageAccessKey string `mapstructure:"STORAGE_ACCESS_KEY" validate:"required"`
	StorageSecretKey string `mapstructure:"STORAGE_SECRET_KEY" validate:"required"`
	StorageBucket    string `mapstructure:"STORAGE_BUCKET"`
	StorageUseSSL    bool   `mapstructure:"STORAGE_USE_SSL"`
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag != "" {
			viper.BindEnv(tag)
		}
	}
}

func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("MAX_CONCURRENT_JOBS", 2)
	viper.SetDefault("POLL_INTERVAL_SECONDS", 5)
	viper.SetDefault("HEARTBEAT_INTERVAL_SECONDS", 60)
	viper.SetDefault("STALE_JOB_MINUTES", 120)
	viper.SetDefault("RETRY_BASE_DELAY_SECONDS", 30)
	viper.SetDefault("MIN_CLIP_SECONDS", 15)
	viper.SetDefault("TARGET_CLIP_SECONDS", 45)
	viper.SetDefault("MAX_CLIP_SECONDS", 90)
	viper.SetDefault("MAX_VIDEO_DURATION_SECONDS", 14400)
	viper.SetDefault("MAX_DOWNLOAD_SIZE_MB", 2048)
	viper.SetDefault("MAX_VIDEO_HEIGHT", 1080)
	viper.SetDefault("CLIP_TTL_DAYS", 30)
	viper.SetDefault("WHISPER_MODEL", "small")
	viper.SetDefault("WHISPER_DEVICE", "cpu")
	viper.SetDefault("STORAGE_BUCKET", "clips")

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if !(cfg.MinClipSeconds <= cfg.TargetClipSeconds && cfg.TargetClipSeconds <= cfg.MaxClipSeconds) {
		return nil, fmt.Errorf("clip length bounds must satisfy MIN <= TARGET <= MAX, got %v/%v/%v",
			cfg.MinClipSeconds, cfg.TargetClipSeconds, cfg.MaxClipSeconds)
	}

	return &cfg, nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleJobMinutes) * time.Minute
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds) * time.Second
}

func (c *Config) ClipTTL() time.Duration {
	return time.Duration(c.ClipTTLDays) * 24 * time.Hour
}
