package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the microtouch service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Push      PushConfig      `mapstructure:"push"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig contains language-model provider configuration.
type LLMConfig struct {
	Providers []ProviderCredential `mapstructure:"providers"`
	Routing   LLMRoutingConfig     `mapstructure:"routing"`
}

// ProviderCredential is one configured text-completion backend.
type ProviderCredential struct {
	ID      string        `mapstructure:"id"` // deepseek, openai, anthropic
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig defines which model to use for different stages
type LLMRoutingConfig struct {
	Planning string `mapstructure:"planning"`
	Acting   string `mapstructure:"acting"`
	Review   string `mapstructure:"review"`
	Fallback string `mapstructure:"fallback"`
}

// AgentConfig contains the orchestration loop knobs.
type AgentConfig struct {
	MaxIterations     int           `mapstructure:"max_iterations"`      // full plan→act→review cycles
	MaxSteps          int           `mapstructure:"max_steps"`           // ReAct think/act steps per execution
	MaxReviewAttempts int           `mapstructure:"max_review_attempts"` // extra rework attempts before forced push
	EnableReflection  bool          `mapstructure:"enable_reflection"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
}

// ToolsConfig contains search tool configurations
type ToolsConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	WeChat    WeChatConfig    `mapstructure:"wechat"`
	RSS       RSSConfig       `mapstructure:"rss"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider     string        `mapstructure:"provider"` // brave or serper
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// WeChatConfig contains the WeChat content-extraction API settings
type WeChatConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RSSConfig contains subscription-feed fetch settings
type RSSConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxItems int           `mapstructure:"max_items"`
}

// KnowledgeConfig contains the private knowledge index settings
type KnowledgeConfig struct {
	IndexPath string `mapstructure:"index_path"`
}

// FetchConfig contains page-fetch settings for content enrichment
type FetchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

// PushConfig contains delivery channel settings
type PushConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig contains SMTP settings
type EmailConfig struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// WebhookConfig contains outgoing webhook settings
type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoadConfig loads config from file and MICROTOUCH_* environment variables.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("agent.max_iterations", 3)
	viper.SetDefault("agent.max_steps", 8)
	viper.SetDefault("agent.max_review_attempts", 2)
	viper.SetDefault("agent.enable_reflection", false)
	viper.SetDefault("agent.stage_timeout", "2m")
	viper.SetDefault("llm.routing.planning", "default")
	viper.SetDefault("llm.routing.acting", "default")
	viper.SetDefault("llm.routing.review", "default")
	viper.SetDefault("tools.web_search.max_results", 10)
	viper.SetDefault("tools.web_search.timeout", "15s")
	viper.SetDefault("tools.rss.timeout", "10s")
	viper.SetDefault("tools.rss.max_items", 20)
	viper.SetDefault("tools.fetch.timeout", "25s")
	viper.SetDefault("tools.fetch.max_chars", 20000)
	viper.SetDefault("push.webhook.timeout", "10s")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("MICROTOUCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// env-only operation is allowed; missing file is not fatal
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil && cfg.Storage.Postgres != (PostgresConfig{}) {
		return nil, err
	}
	cfg.Agent = cfg.Agent.Normalize()
	return &cfg, nil
}

// Normalize clamps the loop bounds to their supported ranges.
func (a AgentConfig) Normalize() AgentConfig {
	if a.MaxIterations <= 0 {
		a.MaxIterations = 3
	}
	if a.MaxSteps < 5 {
		a.MaxSteps = 5
	}
	if a.MaxSteps > 10 {
		a.MaxSteps = 10
	}
	if a.MaxReviewAttempts <= 0 {
		a.MaxReviewAttempts = 2
	}
	return a
}
