package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location. Overridable with LUNABOT_CONFIG.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	WebhookToken   string   `yaml:"webhookToken"`
	TrustedProxies []string `yaml:"trustedProxies"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`

	OpenAIBaseURL     string `yaml:"openaiBaseURL"`
	OpenAIAPIKey      string `yaml:"openaiAPIKey"`
	OpenAIAssistantID string `yaml:"openaiAssistantID"`
	OpenAIModel       string `yaml:"openaiModel"`
	RunInstructions   string `yaml:"runInstructions"`

	UazapiBaseURL string `yaml:"uazapiBaseURL"`
	UazapiToken   string `yaml:"uazapiToken"`

	DeliveryStream    string `yaml:"deliveryStream"`
	DeliveryGroup     string `yaml:"deliveryGroup"`
	DeliveryConsumers int    `yaml:"deliveryConsumers"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MaxMediaMB     int    `yaml:"maxMediaMB"`
}

// MediaOffloadEnabled reports whether inbound media should be re-hosted on
// the object store.
func (c FileConfig) MediaOffloadEnabled() bool {
	return c.MinioEndpoint != ""
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
		if v := os.Getenv("LUNABOT_CONFIG"); v != "" {
			path = v
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("WEBHOOK_TOKEN"); v != "" {
		cfg.WebhookToken = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_ASSISTANT_ID"); v != "" {
		cfg.OpenAIAssistantID = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv("UAZAPI_BASE_URL"); v != "" {
		cfg.UazapiBaseURL = v
	}
	if v := os.Getenv("UAZAPI_TOKEN"); v != "" {
		cfg.UazapiToken = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = n
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 20
	}
	if cfg.DeliveryConsumers == 0 {
		cfg.DeliveryConsumers = 2
	}
	if cfg.MaxMediaMB == 0 {
		cfg.MaxMediaMB = 32
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.WebhookToken == "" {
		return errors.New("config: webhookToken is required (set in config.yaml or WEBHOOK_TOKEN)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
	}
	if cfg.OpenAIAssistantID == "" && cfg.OpenAIModel == "" {
		return errors.New("config: one of openaiAssistantID or openaiModel is required")
	}
	if cfg.UazapiBaseURL == "" {
		return errors.New("config: uazapiBaseURL is required (set in config.yaml or UAZAPI_BASE_URL)")
	}
	if cfg.UazapiToken == "" {
		return errors.New("config: uazapiToken is required (set in config.yaml or UAZAPI_TOKEN)")
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must not be negative")
	}
	if cfg.MediaOffloadEnabled() {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minio credentials are required when minioEndpoint is set")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required when minioEndpoint is set")
		}
	}
	return nil
}
