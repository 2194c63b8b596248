package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the dictation pipeline.
type Config struct {
	Deepgram   DeepgramConfig
	Audio      AudioConfig
	Pool       PoolConfig
	Connection ConnectionConfig
	Batching   BatchingConfig
	Rules      RulesConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

type DeepgramConfig struct {
	APIKey      string
	TokenFile   string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	Endpointing time.Duration
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
}

type PoolConfig struct {
	FrameBytes      int
	MaxPoolSize     int
	Prewarm         int
	MaxAge          time.Duration
	CleanupInterval time.Duration
	GrowHitRate     float64
	ShrinkHitRate   float64
	MemoryBudgetMB  float64
}

type ConnectionConfig struct {
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	StaleAfter     time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	JitterFraction float64
}

type BatchingConfig struct {
	DebounceWindow    time.Duration
	ChunkSize         int
	QueueSize         int
	TargetThroughput  float64
	TuningInterval    time.Duration
	QualityThreshold  float64
	LowConfidence     float64
	ConfidenceWeight  float64
	ThroughputWeight  float64
	ReliabilityWeight float64
}

type RulesConfig struct {
	Path string
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	ListenAddr string
}

// Load resolves configuration from environment variables and sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Deepgram: DeepgramConfig{
			APIKey:      strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			TokenFile:   strings.TrimSpace(os.Getenv("MURMUR_TOKEN_FILE")),
			APIBaseURL:  envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:       envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language:    strings.TrimSpace(os.Getenv("DEEPGRAM_LANGUAGE")),
			SmartFormat: envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true),
			Endpointing: envOrDefaultMillis("DEEPGRAM_ENDPOINTING_MS", 300),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("MURMUR_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("MURMUR_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("MURMUR_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("MURMUR_SAMPLE_RATE", 16000),
			Channels:        envOrDefaultInt("MURMUR_CHANNELS", 1),
		},
		Pool: PoolConfig{
			FrameBytes:      envOrDefaultInt("MURMUR_POOL_FRAME_BYTES", 4096),
			MaxPoolSize:     envOrDefaultInt("MURMUR_POOL_MAX_SIZE", 32),
			Prewarm:         envOrDefaultInt("MURMUR_POOL_PREWARM", 8),
			MaxAge:          envOrDefaultMillis("MURMUR_POOL_MAX_AGE_MS", 60_000),
			CleanupInterval: envOrDefaultMillis("MURMUR_POOL_CLEANUP_MS", 5_000),
			GrowHitRate:     envOrDefaultFloat("MURMUR_POOL_GROW_HIT_RATE", 0.9),
			ShrinkHitRate:   envOrDefaultFloat("MURMUR_POOL_SHRINK_HIT_RATE", 0.5),
			MemoryBudgetMB:  envOrDefaultFloat("MURMUR_POOL_MEMORY_BUDGET_MB", 4),
		},
		Connection: ConnectionConfig{
			ConnectTimeout: envOrDefaultMillis("MURMUR_CONNECT_TIMEOUT_MS", 15_000),
			HealthInterval: envOrDefaultMillis("MURMUR_HEALTH_INTERVAL_MS", 30_000),
			StaleAfter:     envOrDefaultMillis("MURMUR_STALE_AFTER_MS", 60_000),
			BaseDelay:      envOrDefaultMillis("MURMUR_BACKOFF_BASE_MS", 1_000),
			MaxDelay:       envOrDefaultMillis("MURMUR_BACKOFF_MAX_MS", 30_000),
			MaxRetries:     envOrDefaultInt("MURMUR_MAX_RETRIES", 10),
			JitterFraction: envOrDefaultFloat("MURMUR_BACKOFF_JITTER", 0.1),
		},
		Batching: BatchingConfig{
			DebounceWindow:    envOrDefaultMillis("MURMUR_DEBOUNCE_MS", 50),
			ChunkSize:         envOrDefaultInt("MURMUR_CHUNK_SIZE", 5),
			QueueSize:         envOrDefaultInt("MURMUR_FRAGMENT_QUEUE", 256),
			TargetThroughput:  envOrDefaultFloat("MURMUR_TARGET_THROUGHPUT", 100),
			TuningInterval:    envOrDefaultMillis("MURMUR_TUNING_INTERVAL_MS", 5_000),
			QualityThreshold:  envOrDefaultFloat("MURMUR_QUALITY_THRESHOLD", 0.7),
			LowConfidence:     envOrDefaultFloat("MURMUR_LOW_CONFIDENCE", 0.6),
			ConfidenceWeight:  envOrDefaultFloat("MURMUR_WEIGHT_CONFIDENCE", 0.4),
			ThroughputWeight:  envOrDefaultFloat("MURMUR_WEIGHT_THROUGHPUT", 0.3),
			ReliabilityWeight: envOrDefaultFloat("MURMUR_WEIGHT_RELIABILITY", 0.3),
		},
		Rules: RulesConfig{
			Path: strings.TrimSpace(os.Getenv("MURMUR_RULES_FILE")),
		},
		Log: LogConfig{
			Level:  envOrDefault("MURMUR_LOG_LEVEL", "info"),
			Format: envOrDefault("MURMUR_LOG_FORMAT", "console"),
		},
		Metrics: MetricsConfig{
			ListenAddr: strings.TrimSpace(os.Getenv("MURMUR_METRICS_ADDR")),
		},
	}

	cfg.clamp()
	return cfg, nil
}

func (c *Config) clamp() {
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	if c.Pool.FrameBytes < 256 {
		c.Pool.FrameBytes = 4096
	}
	if c.Pool.MaxPoolSize <= 0 {
		c.Pool.MaxPoolSize = 32
	}
	if c.Pool.Prewarm < 0 {
		c.Pool.Prewarm = 0
	}
	if c.Pool.Prewarm > c.Pool.MaxPoolSize {
		c.Pool.Prewarm = c.Pool.MaxPoolSize
	}
	if c.Connection.BaseDelay <= 0 {
		c.Connection.BaseDelay = time.Second
	}
	if c.Connection.MaxDelay < c.Connection.BaseDelay {
		c.Connection.MaxDelay = c.Connection.BaseDelay
	}
	if c.Connection.MaxRetries <= 0 {
		c.Connection.MaxRetries = 10
	}
	if c.Connection.JitterFraction < 0 || c.Connection.JitterFraction > 1 {
		c.Connection.JitterFraction = 0.1
	}
	if c.Batching.ChunkSize <= 0 {
		c.Batching.ChunkSize = 5
	}
	if c.Batching.QueueSize < 16 {
		c.Batching.QueueSize = 256
	}
	if c.Batching.DebounceWindow <= 0 {
		c.Batching.DebounceWindow = 50 * time.Millisecond
	}
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultMillis(key string, fallback int) time.Duration {
	return time.Duration(envOrDefaultInt(key, fallback)) * time.Millisecond
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
