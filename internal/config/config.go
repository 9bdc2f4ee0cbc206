// Package config loads service configuration from YAML with environment
// overrides for deployment secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location.
const ConfigPath = "config.yaml"

// ModelConfig is one entry of the generation model price table.
type ModelConfig struct {
	ID             int    `yaml:"id"`
	Name           string `yaml:"name"`
	SearchCost     int64  `yaml:"searchCost"`
	PagesPerCredit int    `yaml:"pagesPerCredit"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	LLMBaseURL string `yaml:"llmBaseURL"`
	LLMAPIKey  string `yaml:"llmAPIKey"`
	LLMModel   string `yaml:"llmModel"`

	JWKSURL       string `yaml:"jwksURL"`
	TokenIssuer   string `yaml:"tokenIssuer"`
	TokenAudience string `yaml:"tokenAudience"`

	PageSize               int           `yaml:"pageSize"`
	InitialCreditGrant     int64         `yaml:"initialCreditGrant"`
	AuthorReuseProbability float64       `yaml:"authorReuseProbability"`
	Models                 []ModelConfig `yaml:"models"`

	ProviderKeySecret string `yaml:"providerKeySecret"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	SettlementStream string `yaml:"settlementStream"`

	SearchRateLimit      int      `yaml:"searchRateLimit"`
	SearchRateWindowSecs int      `yaml:"searchRateWindowSecs"`
	TrustedProxies       []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("PROVIDER_KEY_SECRET"); v != "" {
		cfg.ProviderKeySecret = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("SEARCH_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SearchRateLimit = n
		}
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
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml)")
	}
	if cfg.LLMBaseURL == "" {
		return errors.New("config: llmBaseURL is required (set in config.yaml)")
	}
	if cfg.JWKSURL == "" {
		return errors.New("config: jwksURL is required (set in config.yaml)")
	}
	if cfg.PageSize <= 0 {
		return errors.New("config: pageSize must be positive")
	}
	if cfg.AuthorReuseProbability < 0 || cfg.AuthorReuseProbability > 1 {
		return errors.New("config: authorReuseProbability must be between 0 and 1")
	}
	if len(cfg.Models) == 0 {
		return errors.New("config: at least one model is required")
	}
	seen := make(map[int]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.ID <= 0 {
			return fmt.Errorf("config: model %q has invalid id %d", m.Name, m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("config: duplicate model id %d", m.ID)
		}
		seen[m.ID] = struct{}{}
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("config: model %d needs a name", m.ID)
		}
		if m.SearchCost <= 0 || m.PagesPerCredit <= 0 {
			return fmt.Errorf("config: model %d needs positive searchCost and pagesPerCredit", m.ID)
		}
	}
	return nil
}
