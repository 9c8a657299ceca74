package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 應用配置
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	AI         AIConfig         `mapstructure:"ai"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Queue      QueueConfig      `mapstructure:"queue"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Guardrail  GuardrailConfig  `mapstructure:"guardrail"`
	Search     SearchConfig     `mapstructure:"search"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Storage    StorageConfig    `mapstructure:"storage"`

	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// AppConfig 應用程式設定
type AppConfig struct {
	Env     string `mapstructure:"env"`
	Debug   bool   `mapstructure:"debug"`
	Version string `mapstructure:"version"`
	Name    string `mapstructure:"name"`
}

// ServerConfig 服務器配置
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// LogConfig 日誌設定
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// OpenRouterConfig OpenRouter 配置
type OpenRouterConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AIConfig AI 配置
type AIConfig struct {
	EnableCache      bool    `mapstructure:"enable_cache"`
	RequestsPerSec   float64 `mapstructure:"requests_per_sec"`
	Burst            int     `mapstructure:"burst"`
	ContentCharLimit int     `mapstructure:"content_char_limit"`
}

// CacheConfig 緩存配置
type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxSize         int           `mapstructure:"max_size"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// QueueConfig 任務隊列設定
type QueueConfig struct {
	Workers int `mapstructure:"workers"`
	MaxSize int `mapstructure:"max_size"`
}

// RateLimitConfig 速率限制配置
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// FetchConfig 網頁抓取設定
type FetchConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxBytes             int64         `mapstructure:"max_bytes"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	MaxRedirects         int           `mapstructure:"max_redirects"`
	UserAgent            string        `mapstructure:"user_agent"`
	AllowPrivateNetworks bool          `mapstructure:"allow_private_networks"`
}

// BreakerConfig 斷路器設定
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// ExtractionConfig 擷取設定
type ExtractionConfig struct {
	ContentCharBudget int `mapstructure:"content_char_budget"`
	MaxRepairAttempts int `mapstructure:"max_repair_attempts"`
}

// GuardrailConfig 相似度防護設定
type GuardrailConfig struct {
	ShingleSize       int     `mapstructure:"shingle_size"`
	ContiguousWarn    int     `mapstructure:"contiguous_warn"`
	ContiguousError   int     `mapstructure:"contiguous_error"`
	NgramWarn         float64 `mapstructure:"ngram_warn"`
	NgramError        float64 `mapstructure:"ngram_error"`
	AutoRepair        bool    `mapstructure:"auto_repair"`
	MinSectionTokens  int     `mapstructure:"min_section_tokens"`
	ScoreConcurrency  int     `mapstructure:"score_concurrency"`
	MaxRepairPassages int     `mapstructure:"max_repair_passages"`
}

// SearchProviderConfig 單一搜尋供應商設定
type SearchProviderConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DisplayName    string        `mapstructure:"display_name"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	EngineID       string        `mapstructure:"engine_id"`
	Market         string        `mapstructure:"market"`
	SafeSearch     string        `mapstructure:"safe_search"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
	AllowDomains   []string      `mapstructure:"allow_domains"`
	DenyDomains    []string      `mapstructure:"deny_domains"`
}

// SearchConfig 搜尋設定
type SearchConfig struct {
	DefaultProvider string                          `mapstructure:"default_provider"`
	AllowFallback   bool                            `mapstructure:"allow_fallback"`
	MaxResults      int                             `mapstructure:"max_results"`
	Providers       map[string]SearchProviderConfig `mapstructure:"providers"`
}

// LifecycleConfig 草稿生命週期設定
type LifecycleConfig struct {
	ReviewWindow  time.Duration `mapstructure:"review_window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// RedisConfig Redis 設定
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig 儲存設定
type StorageConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// LoadConfig 載入設定
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 設定預設值
	setDefaults(v)

	// 設定環境變數前綴
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 綁定環境變量
	_ = v.BindEnv("openrouter.api_key", "OPENROUTER_API_KEY")
	_ = v.BindEnv("openrouter.model", "OPENROUTER_MODEL")
	_ = v.BindEnv("openrouter.max_tokens", "MODEL_MAX_TOKENS")
	_ = v.BindEnv("cache.enabled", "CACHE_ENABLED")
	_ = v.BindEnv("rate_limit.enabled", "RATE_LIMIT_ENABLED")
	_ = v.BindEnv("rate_limit.requests", "RATE_LIMIT_REQUESTS")
	_ = v.BindEnv("rate_limit.window", "RATE_LIMIT_WINDOW")
	_ = v.BindEnv("dedup_window", "DEDUP_WINDOW")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = v.BindEnv("storage.redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("search.default_provider", "SEARCH_DEFAULT_PROVIDER")
	_ = v.BindEnv("search.providers.brave.api_key", "BRAVE_API_KEY")
	_ = v.BindEnv("search.providers.google.api_key", "GOOGLE_CSE_API_KEY")
	_ = v.BindEnv("search.providers.google.engine_id", "GOOGLE_CSE_ENGINE_ID")
	_ = v.BindEnv("search.providers.searxng.base_url", "SEARXNG_BASE_URL")
	_ = v.BindEnv("guardrail.auto_repair", "GUARDRAIL_AUTO_REPAIR")
	_ = v.BindEnv("lifecycle.review_window", "REVIEW_WINDOW")

	// 設定設定檔名稱和路徑
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 讀取設定檔（可選）
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// 解析設定
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 驗證必要設定
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// MaskAPIKey 遮罩 API Key，只顯示前後各 4 個字符
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// setDefaults 設定預設值
func setDefaults(v *viper.Viper) {
	// 應用程式設定
	v.SetDefault("app.env", "development")
	v.SetDefault("app.debug", true)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.name", "recipe-ingest")

	// 伺服器設定
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	// 日誌設定
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "logs/app.log")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	// OpenRouter 設定
	v.SetDefault("openrouter.enabled", false)
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.model", "qwen/qwen2.5-72b-instruct:free")
	v.SetDefault("openrouter.max_tokens", 4096)
	v.SetDefault("openrouter.temperature", 0.2)
	v.SetDefault("openrouter.timeout", "90s")

	// AI 設定
	v.SetDefault("ai.enable_cache", true)
	v.SetDefault("ai.requests_per_sec", 2.0)
	v.SetDefault("ai.burst", 4)

	// 快取設定
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size", 500)
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.cleanup_interval", "10m")

	// 隊列設定
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_size", 100)

	// 限流設定
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", "1m")

	// 抓取設定
	v.SetDefault("fetch.timeout", "20s")
	v.SetDefault("fetch.max_bytes", 5*1024*1024) // 5MB
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_base", "500ms")
	v.SetDefault("fetch.backoff_max", "8s")
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.user_agent", "RecipeIngestBot/1.0 (+https://recipe-ingest.local/bot)")
	v.SetDefault("fetch.allow_private_networks", false)

	// 斷路器設定
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window", "1m")
	v.SetDefault("breaker.cooldown", "30s")

	// 擷取設定
	v.SetDefault("extraction.content_char_budget", 12000)
	v.SetDefault("extraction.max_repair_attempts", 2)

	// 相似度防護
	v.SetDefault("guardrail.shingle_size", 5)
	v.SetDefault("guardrail.contiguous_warn", 12)
	v.SetDefault("guardrail.contiguous_error", 25)
	v.SetDefault("guardrail.ngram_warn", 0.35)
	v.SetDefault("guardrail.ngram_error", 0.6)
	v.SetDefault("guardrail.auto_repair", true)
	v.SetDefault("guardrail.min_section_tokens", 1)
	v.SetDefault("guardrail.score_concurrency", 4)
	v.SetDefault("guardrail.max_repair_passages", 12)

	// 搜尋設定
	v.SetDefault("search.default_provider", "searxng")
	v.SetDefault("search.allow_fallback", true)
	v.SetDefault("search.max_results", 8)
	v.SetDefault("search.providers.brave.display_name", "Brave Search")
	v.SetDefault("search.providers.brave.base_url", "https://api.search.brave.com/res/v1")
	v.SetDefault("search.providers.brave.requests_per_sec", 1.0)
	v.SetDefault("search.providers.brave.burst", 1)
	v.SetDefault("search.providers.google.display_name", "Google Programmable Search")
	v.SetDefault("search.providers.google.base_url", "https://www.googleapis.com/customsearch/v1")
	v.SetDefault("search.providers.google.requests_per_sec", 1.0)
	v.SetDefault("search.providers.google.burst", 2)
	v.SetDefault("search.providers.searxng.enabled", true)
	v.SetDefault("search.providers.searxng.display_name", "SearXNG")
	v.SetDefault("search.providers.searxng.base_url", "http://localhost:8888")
	v.SetDefault("search.providers.searxng.requests_per_sec", 2.0)
	v.SetDefault("search.providers.searxng.burst", 4)

	// 生命週期設定
	v.SetDefault("lifecycle.review_window", "72h")
	v.SetDefault("lifecycle.sweep_interval", "1h")
	v.SetDefault("lifecycle.sweep_batch", 200)

	// 儲存設定
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key_prefix", "ingest:")

	v.SetDefault("dedup_window", "1s")
}

// validateConfig 驗證設定
func validateConfig(config *Config) error {
	if config.Server.Port == 0 {
		return fmt.Errorf("server port is required")
	}

	if config.Cache.Enabled {
		if config.Cache.MaxSize <= 0 {
			return fmt.Errorf("invalid cache max size")
		}
		if config.Cache.TTL <= 0 {
			return fmt.Errorf("invalid cache ttl")
		}
		if config.Cache.CleanupInterval <= 0 {
			return fmt.Errorf("invalid cache cleanup interval")
		}
	}

	if config.Queue.Workers <= 0 {
		return fmt.Errorf("invalid queue workers")
	}
	if config.Queue.MaxSize <= 0 {
		return fmt.Errorf("invalid queue max size")
	}

	if config.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("invalid fetch max bytes")
	}
	if config.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("invalid fetch max attempts")
	}

	if config.Breaker.FailureThreshold <= 0 || config.Breaker.Cooldown <= 0 {
		return fmt.Errorf("invalid breaker settings")
	}

	if config.Extraction.MaxRepairAttempts < 0 {
		return fmt.Errorf("invalid extraction max repair attempts")
	}

	if config.Guardrail.ShingleSize <= 0 {
		return fmt.Errorf("invalid guardrail shingle size")
	}
	if config.Guardrail.NgramError <= 0 || config.Guardrail.NgramError > 1 {
		return fmt.Errorf("invalid guardrail ngram error threshold")
	}
	if config.Guardrail.ContiguousError <= 0 {
		return fmt.Errorf("invalid guardrail contiguous error threshold")
	}

	if config.Lifecycle.ReviewWindow <= 0 {
		return fmt.Errorf("invalid lifecycle review window")
	}
	if config.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("invalid lifecycle sweep interval")
	}

	switch config.Storage.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported storage driver %q", config.Storage.Driver)
	}

	if config.Search.DefaultProvider != "" {
		if _, ok := config.Search.Providers[config.Search.DefaultProvider]; !ok {
			return fmt.Errorf("default search provider %q is not configured", config.Search.DefaultProvider)
		}
	}

	return nil
}
