package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" json:"server"`
	Database   DatabaseConfig   `mapstructure:"database" json:"database"`
	Redis      RedisConfig      `mapstructure:"redis" json:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka" json:"kafka"`
	Security   SecurityConfig   `mapstructure:"security" json:"security"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit" json:"ratelimit"`
	Token      TokenConfig      `mapstructure:"token" json:"token"`
	Voice      VoiceConfig      `mapstructure:"voice" json:"voice"`
	Webhooks   WebhookConfig    `mapstructure:"webhooks" json:"webhooks"`
	Context    ContextConfig    `mapstructure:"context" json:"context"`
	Summarizer SummarizerConfig `mapstructure:"summarizer" json:"summarizer"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host" json:"host"`
	Port           int           `mapstructure:"port" json:"port"`
	CORSOrigins    string        `mapstructure:"cors_origins" json:"cors_origins"`
	BodyLimit      int           `mapstructure:"body_limit" json:"body_limit"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval" json:"reaper_interval"`
}

type DatabaseConfig struct {
	// Driver is "postgres" (lib/pq), "pgx", or "memory" for a throwaway in-process store
	Driver   string `mapstructure:"driver" json:"driver"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password"`
	Database string `mapstructure:"database" json:"database"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"`
	MaxOpen  int    `mapstructure:"max_open" json:"max_open"`
	MaxIdle  int    `mapstructure:"max_idle" json:"max_idle"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	URL     string `mapstructure:"url" json:"url"`
}

type KafkaConfig struct {
	Enabled bool              `mapstructure:"enabled" json:"enabled"`
	Brokers []string          `mapstructure:"brokers" json:"brokers"`
	Topics  map[string]string `mapstructure:"topics" json:"topics"`
}

type SecurityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer" json:"jwt_issuer"`
	// SealingKey is a hex encoded 32 byte key for device secrets at rest
	SealingKey string `mapstructure:"sealing_key" json:"sealing_key"`
	// ProvisioningKeyHash is a bcrypt hash; empty disables the check
	ProvisioningKeyHash string        `mapstructure:"provisioning_key_hash" json:"provisioning_key_hash"`
	SignatureWindow     time.Duration `mapstructure:"signature_window" json:"signature_window"`
	NonceCache          bool          `mapstructure:"nonce_cache" json:"nonce_cache"`
}

type RateLimitConfig struct {
	FreeDaily        int `mapstructure:"free_daily" json:"free_daily"`
	BasicDaily       int `mapstructure:"basic_daily" json:"basic_daily"`
	PremiumDaily     int `mapstructure:"premium_daily" json:"premium_daily"` // -1 = unlimited
	GlobalPerMinute  int `mapstructure:"global_per_minute" json:"global_per_minute"`
	RegisterPerHour  int `mapstructure:"register_per_hour" json:"register_per_hour"`
	WebhookPerMinute int `mapstructure:"webhook_per_minute" json:"webhook_per_minute"`
}

type TokenConfig struct {
	TTL     time.Duration `mapstructure:"ttl" json:"ttl"`
	LockTTL time.Duration `mapstructure:"lock_ttl" json:"lock_ttl"`
}

type VoiceConfig struct {
	Provider   string           `mapstructure:"provider" json:"provider"`
	Timeout    time.Duration    `mapstructure:"timeout" json:"timeout"`
	ElevenLabs ElevenLabsConfig `mapstructure:"elevenlabs" json:"elevenlabs"`
	LiveKit    LiveKitConfig    `mapstructure:"livekit" json:"livekit"`
}

type ElevenLabsConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key,omitempty"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	AgentID string `mapstructure:"agent_id" json:"agent_id"`
}

type LiveKitConfig struct {
	APIKey    string        `mapstructure:"api_key" json:"api_key,omitempty"`
	APISecret string        `mapstructure:"api_secret" json:"api_secret,omitempty"`
	URL       string        `mapstructure:"url" json:"url"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" json:"token_ttl"`
}

type WebhookConfig struct {
	VoiceProvider   string        `mapstructure:"voice_provider" json:"voice_provider"`
	VoiceSecret     string        `mapstructure:"voice_secret" json:"voice_secret,omitempty"`
	PaymentProvider string        `mapstructure:"payment_provider" json:"payment_provider"`
	PaymentSecret   string        `mapstructure:"payment_secret" json:"payment_secret,omitempty"`
	Tolerance       time.Duration `mapstructure:"tolerance" json:"tolerance"`
	Retention       time.Duration `mapstructure:"retention" json:"retention"`
}

type ContextConfig struct {
	RecentTurns int `mapstructure:"recent_turns" json:"recent_turns"`
	MaxBytes    int `mapstructure:"max_bytes" json:"max_bytes"`
}

type SummarizerConfig struct {
	Type     string `mapstructure:"type" json:"type"`
	APIKey   string `mapstructure:"api_key" json:"api_key,omitempty"`
	BaseURL  string `mapstructure:"base_url" json:"base_url,omitempty"`
	Model    string `mapstructure:"model" json:"model"`
	MaxChars int    `mapstructure:"max_chars" json:"max_chars"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	// Add config paths
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Check for user config directory
	homeDir, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(homeDir, ".uneseule"))
	}

	setDefaults(v)

	v.SetEnvPrefix("UNESEULE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config; a missing file means defaults plus environment
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("server.body_limit", 1<<20)
	v.SetDefault("server.reaper_interval", 5*time.Minute)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "uneseule")
	v.SetDefault("database.database", "uneseule")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open", 25)
	v.SetDefault("database.max_idle", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})

	v.SetDefault("security.jwt_issuer", "uneseule")
	v.SetDefault("security.signature_window", 5*time.Minute)
	v.SetDefault("security.nonce_cache", true)

	v.SetDefault("ratelimit.free_daily", 50)
	v.SetDefault("ratelimit.basic_daily", 200)
	v.SetDefault("ratelimit.premium_daily", -1)
	v.SetDefault("ratelimit.global_per_minute", 1000)
	v.SetDefault("ratelimit.register_per_hour", 20)
	v.SetDefault("ratelimit.webhook_per_minute", 600)

	v.SetDefault("token.ttl", 30*time.Minute)
	v.SetDefault("token.lock_ttl", 15*time.Second)

	v.SetDefault("voice.provider", "elevenlabs")
	v.SetDefault("voice.timeout", 10*time.Second)
	v.SetDefault("voice.elevenlabs.base_url", "https://api.elevenlabs.io/v1")
	v.SetDefault("voice.livekit.token_ttl", 2*time.Hour)

	v.SetDefault("webhooks.voice_provider", "elevenlabs")
	v.SetDefault("webhooks.payment_provider", "stripe")
	v.SetDefault("webhooks.tolerance", 30*time.Minute)
	v.SetDefault("webhooks.retention", 7*24*time.Hour)

	v.SetDefault("context.recent_turns", 10)
	v.SetDefault("context.max_bytes", 4096)

	v.SetDefault("summarizer.type", "heuristic")
	v.SetDefault("summarizer.model", "gpt-4o-mini")
	v.SetDefault("summarizer.max_chars", 1200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func loadEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	// Database overrides
	if dbHost := os.Getenv("POSTGRES_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("POSTGRES_PORT"); dbPort != "" {
		if port, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = port
		}
	}
	if dbUser := os.Getenv("POSTGRES_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPass := os.Getenv("POSTGRES_PASSWORD"); dbPass != "" {
		cfg.Database.Password = dbPass
	}
	if dbName := os.Getenv("POSTGRES_DB"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
		cfg.Kafka.Enabled = true
	}
}

// DailyLimit returns the daily token quota for a tier name; -1 means unlimited
func (c RateLimitConfig) DailyLimit(tier string) int {
	switch tier {
	case "basic":
		return c.BasicDaily
	case "premium":
		return c.PremiumDaily
	default:
		return c.FreeDaily
	}
}
