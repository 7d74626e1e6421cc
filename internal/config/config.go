package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/videocast-api/internal/cache"
	"github.com/jwalitptl/videocast-api/pkg/messaging/redis"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Share      ShareConfig      `mapstructure:"share"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Avatar     AvatarConfig     `mapstructure:"avatar"`
	Messaging  MessagingConfig  `mapstructure:"messaging"`
	Compositor CompositorConfig `mapstructure:"compositor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Email      EmailConfig      `mapstructure:"email"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Preview    PreviewConfig    `mapstructure:"preview"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	TimeoutSeconds int           `mapstructure:"timeoutSeconds"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	Issuer      string `mapstructure:"issuer"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

type ShareConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type CacheConfig struct {
	Dir             string        `mapstructure:"dir"`
	Retention       time.Duration `mapstructure:"retention"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	MaxAgeSeconds   int           `mapstructure:"max_age_seconds"`
}

type AvatarConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Width           int           `mapstructure:"width"`
	Height          int           `mapstructure:"height"`
	NoopLanguages   []string      `mapstructure:"noop_languages"`
	WebhookURL      string        `mapstructure:"webhook_url"`
	PersonaCacheTTL time.Duration `mapstructure:"persona_cache_ttl"`
}

type MessagingConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
}

type CompositorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	FFmpegPath string        `mapstructure:"ffmpeg_path"`
	WorkDir    string        `mapstructure:"work_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	AccessKey  string        `mapstructure:"access_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	UseSSL     bool          `mapstructure:"use_ssl"`
	Region     string        `mapstructure:"region"`
	Bucket     string        `mapstructure:"bucket"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

type SchedulerConfig struct {
	SubmitInterval     time.Duration `mapstructure:"submit_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	DistributeInterval time.Duration `mapstructure:"distribute_interval"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	CacheInterval      time.Duration `mapstructure:"cache_interval"`
	WarmupInterval     time.Duration `mapstructure:"warmup_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	StatusPollAfter    time.Duration `mapstructure:"status_poll_after"`
	// Embedded runs the jobs inside the API process. Turn it off when a
	// separate worker process runs them.
	Embedded bool `mapstructure:"embedded"`
}

type SweeperConfig struct {
	GenerationDeadline   time.Duration `mapstructure:"generation_deadline"`
	DistributionDeadline time.Duration `mapstructure:"distribution_deadline"`
	WarmupBatchSize      int           `mapstructure:"warmup_batch_size"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
}

type WebhookConfig struct {
	Secret       string `mapstructure:"secret"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

type QueueConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
	MaxRetry    int  `mapstructure:"max_retry"`
}

type PreviewConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// Secrets are read from the environment only, never from config files.
type Secrets struct {
	JWTSecret        string `envconfig:"JWT_SECRET"`
	ShareSecret      string `envconfig:"SHARE_SECRET"`
	AvatarAPIKey     string `envconfig:"AVATAR_API_KEY"`
	MessagingToken   string `envconfig:"MESSAGING_TOKEN"`
	WebhookSecret    string `envconfig:"WEBHOOK_SECRET"`
	StorageSecret    string `envconfig:"STORAGE_SECRET_KEY"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
	DatabasePassword string `envconfig:"DB_PASSWORD"`
}

const envPrefix = "VIDEOCAST"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeoutSeconds", 30)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("jwt.issuer", "videocast")
	v.SetDefault("jwt.expiry_hours", 24)

	v.SetDefault("share.ttl", 30*24*time.Hour)

	v.SetDefault("cache.dir", "./data/video-cache")
	v.SetDefault("cache.retention", 7*24*time.Hour)
	v.SetDefault("cache.download_timeout", 60*time.Second)
	v.SetDefault("cache.max_age_seconds", 3600)

	v.SetDefault("avatar.timeout", 30*time.Second)
	v.SetDefault("avatar.rate_limit", 5.0)
	v.SetDefault("avatar.width", 720)
	v.SetDefault("avatar.height", 1280)
	v.SetDefault("avatar.noop_languages", []string{"", "id", "auto"})
	v.SetDefault("avatar.persona_cache_ttl", 10*time.Minute)

	v.SetDefault("messaging.timeout", 15*time.Second)
	v.SetDefault("messaging.rate_limit", 10.0)

	v.SetDefault("compositor.ffmpeg_path", "ffmpeg")
	v.SetDefault("compositor.work_dir", os.TempDir())
	v.SetDefault("compositor.timeout", 5*time.Minute)

	v.SetDefault("storage.bucket", "videocast-artifacts")
	v.SetDefault("storage.presign_ttl", 7*24*time.Hour)

	v.SetDefault("scheduler.submit_interval", 30*time.Second)
	v.SetDefault("scheduler.poll_interval", 20*time.Second)
	v.SetDefault("scheduler.distribute_interval", time.Minute)
	v.SetDefault("scheduler.sweep_interval", 5*time.Minute)
	v.SetDefault("scheduler.cache_interval", time.Hour)
	v.SetDefault("scheduler.warmup_interval", 2*time.Minute)
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.status_poll_after", 30*time.Minute)
	v.SetDefault("scheduler.embedded", true)

	v.SetDefault("sweeper.generation_deadline", 15*time.Minute)
	v.SetDefault("sweeper.distribution_deadline", 10*time.Minute)
	v.SetDefault("sweeper.warmup_batch_size", 20)
	v.SetDefault("sweeper.lock_ttl", 4*time.Minute)

	v.SetDefault("webhook.max_body_bytes", 1<<20)

	v.SetDefault("email.port", 587)

	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "videocast-api")

	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.max_retry", 5)

	v.SetDefault("preview.ttl", 30*time.Minute)
	v.SetDefault("preview.cleanup_interval", 5*time.Minute)
}

// LoadConfig reads .env, config.yaml and the environment, in that order of
// increasing precedence, then overlays secrets.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if path := os.Getenv("VIDEOCAST_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var secrets Secrets
	if err := envconfig.Process(envPrefix, &secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	config.applySecrets(secrets)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applySecrets(s Secrets) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&c.JWT.Secret, s.JWTSecret)
	override(&c.Share.Secret, s.ShareSecret)
	override(&c.Avatar.APIKey, s.AvatarAPIKey)
	override(&c.Messaging.Token, s.MessagingToken)
	override(&c.Webhook.Secret, s.WebhookSecret)
	override(&c.Storage.SecretKey, s.StorageSecret)
	override(&c.Email.Password, s.SMTPPassword)
	override(&c.Database.Password, s.DatabasePassword)
}

// Validate checks the values without which the service cannot start.
func (c *Config) Validate() error {
	switch {
	case c.Share.Secret == "":
		return fmt.Errorf("share.secret is required")
	case c.JWT.Secret == "":
		return fmt.Errorf("jwt.secret is required")
	case c.Cache.Dir == "":
		return fmt.Errorf("cache.dir is required")
	case c.Cache.Retention <= 0:
		return fmt.Errorf("cache.retention must be greater than 0")
	case c.Sweeper.GenerationDeadline <= 0 || c.Sweeper.DistributionDeadline <= 0:
		return fmt.Errorf("sweeper deadlines must be greater than 0")
	case c.Scheduler.BatchSize <= 0:
		return fmt.Errorf("scheduler.batch_size must be greater than 0")
	}
	return nil
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func (c *CacheConfig) ToCacheConfig() cache.Config {
	return cache.Config{
		Dir:             c.Dir,
		Retention:       c.Retention,
		DownloadTimeout: c.DownloadTimeout,
	}
}
