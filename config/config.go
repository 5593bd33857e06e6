package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Serper    SerperConfig    `mapstructure:"serper"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SerperConfig contains settings for the Serper.dev search API.
type SerperConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (s SerperConfig) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" {
		return fmt.Errorf("serper.api_key is required")
	}
	return nil
}

// OllamaConfig contains settings for the local Ollama backend.
type OllamaConfig struct {
	URL       string        `mapstructure:"url"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxTokens int           `mapstructure:"max_tokens"`
}

// Normalize strips a trailing slash and a /api/generate suffix so the
// client can append API paths without duplication.
func (o OllamaConfig) Normalize() OllamaConfig {
	o.URL = strings.TrimRight(o.URL, "/")
	o.URL = strings.TrimSuffix(o.URL, "/api/generate")
	o.URL = strings.TrimRight(o.URL, "/")
	if o.MaxTokens <= 0 {
		o.MaxTokens = 2048
	}
	if o.Timeout <= 0 {
		o.Timeout = 180 * time.Second
	}
	return o
}

func (o OllamaConfig) Validate() error {
	if strings.TrimSpace(o.URL) == "" {
		return fmt.Errorf("ollama.url is required")
	}
	if strings.TrimSpace(o.Model) == "" {
		return fmt.Errorf("ollama.model is required")
	}
	return nil
}

// CacheConfig selects and tunes the search result cache.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"` // memory or redis
	Retention time.Duration `mapstructure:"retention"`
	SweepCron string        `mapstructure:"sweep_cron"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

func (c CacheConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "redis":
		return c.Redis.Validate()
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Backend)
	}
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("cache.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("cache.redis.port required")
	}
	return nil
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from an optional config file plus SEEKER_*
// environment variables. Every key has a default, so a missing file is fine.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.debug", false)
	v.SetDefault("serper.url", "https://google.serper.dev/search")
	v.SetDefault("serper.timeout", 30*time.Second)
	v.SetDefault("ollama.url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3:8b")
	v.SetDefault("ollama.timeout", 180*time.Second)
	v.SetDefault("ollama.max_tokens", 2048)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.retention", 2*time.Hour)
	v.SetDefault("cache.sweep_cron", "*/30 * * * *")
	v.SetDefault("cache.redis.port", "6379")
	v.SetDefault("cache.redis.timeout", 5*time.Second)
	v.SetDefault("telemetry.enabled", true)

	if path == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SEEKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Ollama = cfg.Ollama.Normalize()
	if err := cfg.Serper.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Ollama.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Cache.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
