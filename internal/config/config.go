// Package config centralizes runtime configuration for vsf-agent.
//
// Precedence, lowest to highest: built-in defaults, an optional YAML config
// file, environment variables. A .env file in the working directory is
// loaded into the environment before viper reads it.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration for every subcommand.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	Store      StoreConfig      `mapstructure:"store"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LLMConfig struct {
	Provider       string   `mapstructure:"provider"`
	Model          string   `mapstructure:"model"`
	FallbackModels []string `mapstructure:"fallback_models"`
	APIKey         string   `mapstructure:"api_key"`
	BaseURL        string   `mapstructure:"base_url"`
	Temperature    float64  `mapstructure:"temperature"`
	MaxTurns       int      `mapstructure:"max_turns"`
}

type EmbeddingsConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Model            string        `mapstructure:"model"`
	Dimensions       int           `mapstructure:"dimensions"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
}

type QdrantConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// StoreConfig selects the vector store backend. "qdrant" talks to the
// configured Qdrant server; "sqlite" keeps vectors in a local database file.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type MemoryConfig struct {
	DataDir            string `mapstructure:"data_dir"`
	LongtermFile       string `mapstructure:"longterm_file"`
	TempFile           string `mapstructure:"temp_file"`
	BufferSize         int    `mapstructure:"buffer_size"`
	RetentionDays      int    `mapstructure:"retention_days"`
	LongtermCollection string `mapstructure:"longterm_collection"`
	DoctorsCollection  string `mapstructure:"doctors_collection"`
}

type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	ConsoleExport  bool   `mapstructure:"console_export"`
	OTLPExport     bool   `mapstructure:"otlp_export"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
}

type DatabaseConfig struct {
	ChatHistoryPath string `mapstructure:"chat_history_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
	Stdout bool   `mapstructure:"stdout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.fallback_models", []string{})
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_turns", 10)

	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 768)
	v.SetDefault("embeddings.batch_size", 5)
	v.SetDefault("embeddings.max_retries", 5)
	v.SetDefault("embeddings.rate_limit_backoff", time.Minute)

	v.SetDefault("qdrant.url", "http://localhost:6333")

	v.SetDefault("store.backend", "qdrant")
	v.SetDefault("store.path", "data/vectors.db")

	v.SetDefault("memory.data_dir", "data")
	v.SetDefault("memory.longterm_file", "longterm.txt")
	v.SetDefault("memory.temp_file", "longterm_temp.txt")
	v.SetDefault("memory.buffer_size", 10)
	v.SetDefault("memory.retention_days", 10)
	v.SetDefault("memory.longterm_collection", "longterm_memory")
	v.SetDefault("memory.doctors_collection", "doctors")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "vsf")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.console_export", true)
	v.SetDefault("telemetry.otlp_export", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")

	v.SetDefault("database.chat_history_path", "data/chat_history.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.stdout", true)
}

// bindEnvAliases maps the environment variable names the deployment guide
// uses onto their config keys, on top of the automatic VSF_* mapping.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"llm.api_key":              "OPENAI_API_KEY",
		"embeddings.api_key":       "EMBEDDINGS_API_KEY",
		"embeddings.base_url":      "EMBEDDINGS_BASE_URL",
		"qdrant.url":               "QDRANT_URL",
		"qdrant.api_key":           "QDRANT_API_KEY",
		"telemetry.enabled":        "ENABLE_TELEMETRY",
		"telemetry.service_name":   "SERVICE_NAME",
		"telemetry.console_export": "CONSOLE_EXPORT",
		"telemetry.otlp_export":    "OTLP_EXPORT",
		"telemetry.otlp_endpoint":  "OTLP_ENDPOINT",
	}
	for key, env := range aliases {
		// Only errors on empty input, which cannot happen here.
		_ = v.BindEnv(key, env)
	}
}

// Load reads configuration from defaults, the optional config file, and the
// environment. cfgFile may be empty.
func Load(cfgFile string) (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VSF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("vsf-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the commands cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Memory.BufferSize <= 0 {
		return fmt.Errorf("memory buffer size must be positive, got %d", c.Memory.BufferSize)
	}
	if c.Memory.RetentionDays <= 0 {
		return fmt.Errorf("memory retention days must be positive, got %d", c.Memory.RetentionDays)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	switch c.Store.Backend {
	case "qdrant", "sqlite":
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}
	return nil
}

// LongtermPath returns the absolute-ish path of the long-term journal file.
func (c *Config) LongtermPath() string {
	return filepath.Join(c.Memory.DataDir, c.Memory.LongtermFile)
}

// TempPath returns the path of the in-day temp journal file.
func (c *Config) TempPath() string {
	return filepath.Join(c.Memory.DataDir, c.Memory.TempFile)
}
