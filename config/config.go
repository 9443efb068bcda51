package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Cache    CacheConfig    `mapstructure:"cache"`
	OSS      OSSConfig      `mapstructure:"oss"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
	Mode string `mapstructure:"mode" validate:"oneof=debug release test"`
	// PublicBaseURL 用于拼接 poll_url，为空时返回相对路径
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// IsRelease reports whether internal error details must be hidden from responses.
func (s ServerConfig) IsRelease() bool {
	return s.Mode == "release"
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"oneof=mysql postgres sqlite"`
	DSN          string `mapstructure:"dsn"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Enabled reports whether a redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

type AuthConfig struct {
	// JWTSecret 校验前端 Supabase 会话令牌（HS256），为空时不解析用户身份
	JWTSecret string `mapstructure:"jwt_secret"`
	// WorkerSecret 保护 /jobs/process 与 /worker/trigger
	WorkerSecret string `mapstructure:"worker_secret" validate:"required,min=16"`
}

type QueueConfig struct {
	// Mode: redis 使用独立 worker 进程，inprocess 在 API 进程内执行
	Mode            string        `mapstructure:"mode" validate:"oneof=redis inprocess"`
	WakeupQueue     string        `mapstructure:"wakeup_queue"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchBudget     time.Duration `mapstructure:"batch_budget"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

type JobsConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	MinTokenLength int           `mapstructure:"min_token_length" validate:"min=1"`
	// EstimatedSeconds 创建任务时返回给客户端的预估耗时
	EstimatedSeconds int `mapstructure:"estimated_seconds"`
	// StaleAfter running 任务超过该时长没有进度写入视为 worker 已失联
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type ScraperConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIToken        string        `mapstructure:"api_token"`
	ActorID         string        `mapstructure:"actor_id"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MemoryMB        int           `mapstructure:"memory_mb"`
	FreemiumTimeout time.Duration `mapstructure:"freemium_timeout"`
	FreemiumMemory  int           `mapstructure:"freemium_memory_mb"`
	RateLimit       int           `mapstructure:"rate_limit"`
}

type LLMConfig struct {
	GoogleAPIKey string        `mapstructure:"google_api_key"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Temperature  float32       `mapstructure:"temperature"`
}

type CacheConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=memory redis"`
	TTL     time.Duration `mapstructure:"ttl"`
	Prefix  string        `mapstructure:"prefix"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
	ArchivePrefix   string `mapstructure:"archive_prefix"`
}

// Enabled reports whether expired jobs should be archived before deletion.
func (o OSSConfig) Enabled() bool {
	return o.Endpoint != "" && o.AccessKeyID != ""
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("queue.mode", "inprocess")
	v.SetDefault("queue.wakeup_queue", "listing_analysis_wakeup")
	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("queue.batch_budget", 60*time.Second)
	v.SetDefault("queue.cleanup_schedule", "@every 1h")

	v.SetDefault("jobs.ttl", 24*time.Hour)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.min_token_length", 10)
	v.SetDefault("jobs.estimated_seconds", 45)
	v.SetDefault("jobs.stale_after", 10*time.Minute)

	v.SetDefault("scraper.base_url", "https://api.apify.com")
	v.SetDefault("scraper.actor_id", "tri_angle~airbnb-rooms-urls-scraper")
	v.SetDefault("scraper.timeout", 45*time.Second)
	v.SetDefault("scraper.memory_mb", 1024)
	v.SetDefault("scraper.freemium_timeout", 30*time.Second)
	v.SetDefault("scraper.freemium_memory_mb", 512)
	v.SetDefault("scraper.rate_limit", 2)

	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.timeout", 20*time.Second)
	v.SetDefault("llm.temperature", 0.4)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.prefix", "freemium:")

	v.SetDefault("oss.archive_prefix", "job-archive")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
