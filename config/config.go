// Package config loads agentbus settings from TOML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/glimte/agentbus/contracts"
)

// LLM providers
const (
	ProviderExtractive = "extractive"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
)

// Embedding providers
const (
	EmbeddingsHash   = "hash"
	EmbeddingsOpenAI = "openai"
)

// Memory backends
const (
	MemoryInProcess = "memory"
	MemoryRedis     = "redis"
)

// Environment variables read by Load
const (
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvRedisAddr    = "AGENTBUS_REDIS_ADDR"
	EnvAMQPURL      = "AGENTBUS_AMQP_URL"
	EnvLLMProvider  = "AGENTBUS_LLM_PROVIDER"
	EnvTemperature  = "LLM_TEMPERATURE"
	EnvMaxTokens    = "LLM_MAX_TOKENS"
	EnvLogLevel     = "AGENTBUS_LOG_LEVEL"
)

// Config is the complete runtime configuration
type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Agents     AgentsConfig     `toml:"agents"`
	Ingestion  IngestionConfig  `toml:"ingestion"`
	LLM        LLMConfig        `toml:"llm"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
	Memory     MemoryConfig     `toml:"memory"`
	Audit      AuditConfig      `toml:"audit"`
}

// LogConfig controls the slog handler built by the CLI
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig configures the message server
type ServerConfig struct {
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// AgentsConfig configures the four agents
type AgentsConfig struct {
	StepTimeout  time.Duration `toml:"step_timeout"`
	Retries      int           `toml:"retries"`
	RetryDelay   time.Duration `toml:"retry_delay"`
	ErrorHistory int           `toml:"error_history"`
	HistoryTurns int           `toml:"history_turns"`
	SystemPrompt string        `toml:"system_prompt"`
}

// IngestionConfig configures document processing
type IngestionConfig struct {
	ChunkSize   int   `toml:"chunk_size"`
	Overlap     int   `toml:"overlap"`
	MaxFileSize int64 `toml:"max_file_size"`
}

// LLMConfig selects and configures the answer generator
type LLMConfig struct {
	Provider         string        `toml:"provider"`
	Model            string        `toml:"model"`
	APIKey           string        `toml:"api_key"`
	BaseURL          string        `toml:"base_url"`
	Temperature      float64       `toml:"temperature"`
	MaxTokens        int           `toml:"max_tokens"`
	Retries          int           `toml:"retries"`
	BreakerThreshold int           `toml:"breaker_threshold"`
	BreakerTimeout   time.Duration `toml:"breaker_timeout"`
}

// EmbeddingsConfig selects the vector store embedder
type EmbeddingsConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
}

// MemoryConfig selects the conversation memory backend
type MemoryConfig struct {
	Backend      string        `toml:"backend"`
	RedisAddr    string        `toml:"redis_addr"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	KeyPrefix    string        `toml:"key_prefix"`
	TTL          time.Duration `toml:"ttl"`
	MaxExchanges int           `toml:"max_exchanges"`
}

// AuditConfig enables the AMQP audit tap when URL is set
type AuditConfig struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			RequestTimeout: 0,
		},
		Agents: AgentsConfig{
			StepTimeout:  60 * time.Second,
			Retries:      0,
			RetryDelay:   500 * time.Millisecond,
			ErrorHistory: 100,
			HistoryTurns: 4,
		},
		Ingestion: IngestionConfig{
			ChunkSize:   contracts.DefaultChunkSize,
			Overlap:     contracts.DefaultChunkOverlap,
			MaxFileSize: 10 << 20,
		},
		LLM: LLMConfig{
			Provider:         ProviderExtractive,
			Temperature:      0.7,
			MaxTokens:        1000,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   EmbeddingsHash,
			Dimensions: 256,
		},
		Memory: MemoryConfig{
			Backend:      MemoryInProcess,
			KeyPrefix:    "agentbus:conversation:",
			TTL:          24 * time.Hour,
			MaxExchanges: 50,
		},
		Audit: AuditConfig{
			Exchange: "agentbus.audit",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults without reading the environment
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLLMProvider); ok && v != "" {
		c.LLM.Provider = v
	}
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case ProviderOpenAI:
			c.LLM.APIKey, _ = lookup(EnvOpenAIKey)
		case ProviderAnthropic:
			c.LLM.APIKey, _ = lookup(EnvAnthropicKey)
		}
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Memory.Backend = MemoryRedis
		c.Memory.RedisAddr = v
	}
	if v, ok := lookup(EnvAMQPURL); ok && v != "" {
		c.Audit.URL = v
	}
	if v, ok := lookup(EnvTemperature); ok && v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvTemperature, v, err)
		}
		c.LLM.Temperature = t
	}
	if v, ok := lookup(EnvMaxTokens); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxTokens, v, err)
		}
		c.LLM.MaxTokens = n
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case ProviderExtractive:
	case ProviderOpenAI, ProviderAnthropic:
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be between 0 and 2, got %v", c.LLM.Temperature))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be positive"))
	}

	switch c.Embeddings.Provider {
	case EmbeddingsHash:
		if c.Embeddings.Dimensions <= 0 {
			errs = append(errs, errors.New("embeddings.dimensions must be positive"))
		}
	case EmbeddingsOpenAI:
		if c.LLM.Provider != ProviderOpenAI {
			errs = append(errs, errors.New("openai embeddings require llm.provider \"openai\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings.provider %q", c.Embeddings.Provider))
	}

	switch c.Memory.Backend {
	case MemoryInProcess:
	case MemoryRedis:
		if c.Memory.RedisAddr == "" {
			errs = append(errs, errors.New("memory.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown memory.backend %q", c.Memory.Backend))
	}

	if c.Ingestion.ChunkSize <= 0 {
		errs = append(errs, errors.New("ingestion.chunk_size must be positive"))
	}
	if c.Ingestion.Overlap < 0 || c.Ingestion.Overlap >= c.Ingestion.ChunkSize {
		errs = append(errs, errors.New("ingestion.overlap must be in [0, chunk_size)"))
	}
	if c.LLM.Retries < 0 {
		errs = append(errs, errors.New("llm.retries cannot be negative"))
	}
	if c.Agents.Retries < 0 {
		errs = append(errs, errors.New("agents.retries cannot be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", level)
	}
	return l, nil
}
