package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	internal "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Agent      AgentConfig      `mapstructure:"agent"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Session    SessionConfig    `mapstructure:"session"`
	Assets     AssetsConfig     `mapstructure:"assets"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Search     SearchConfig     `mapstructure:"search"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Mode            string        `mapstructure:"mode"` // gin mode: debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AgentConfig holds the turn engine limits.
type AgentConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`             // reflection re-entries per turn
	MaxToolCallsPerTurn int           `mapstructure:"max_tool_calls_per_turn"` // calls beyond this fail locally
	ToolConcurrency     int           `mapstructure:"tool_concurrency"`        // in-flight tool calls
	ToolTimeout         time.Duration `mapstructure:"tool_timeout"`            // default per-call timeout
	TurnBudget          time.Duration `mapstructure:"turn_budget"`             // wall-clock budget for tools
	LLMRetryAttempts    int           `mapstructure:"llm_retry_attempts"`
	LLMRetryBackoff     time.Duration `mapstructure:"llm_retry_backoff"`
	HistoryWindow       int           `mapstructure:"history_window"`        // turns sent to the model
	ContextBudgetTokens int           `mapstructure:"context_budget_tokens"` // synthesis context size
	FallbackText        string        `mapstructure:"fallback_text"`
}

// LLMConfig selects the language model service.
type LLMConfig struct {
	Provider       string  `mapstructure:"provider"` // openai, googleai, ollama, anthropic
	Model          string  `mapstructure:"model"`
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Temperature    float32 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
}

// SessionConfig selects the Session Store backend.
type SessionConfig struct {
	Backend    string        `mapstructure:"backend"` // memory, libsql, redis
	LibSQLPath string        `mapstructure:"libsql_path"`
	RedisAddr  string        `mapstructure:"redis_addr"`
	RedisDB    int           `mapstructure:"redis_db"`
	RedisPass  string        `mapstructure:"redis_password"`
	TTL        time.Duration `mapstructure:"ttl"` // redis key expiry, 0 keeps threads forever
}

// AssetsConfig points at the telecom asset database.
type AssetsConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RowLimit    int    `mapstructure:"row_limit"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// RetrievalConfig configures internal document search.
type RetrievalConfig struct {
	Backend     string `mapstructure:"backend"` // pgvector, chromem
	Table       string `mapstructure:"table"`
	K           int    `mapstructure:"k"`
	ChromemPath string `mapstructure:"chromem_path"`
	Collection  string `mapstructure:"collection"`
}

// SearchConfig configures web search.
type SearchConfig struct {
	TavilyAPIKey string        `mapstructure:"tavily_api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	MaxResults   int           `mapstructure:"max_results"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// WorkflowConfig configures the Airflow spreadsheet ETL trigger.
type WorkflowConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DagID        string        `mapstructure:"dag_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// CacheConfig sizes the shared LRU cache.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig bounds turns per thread.
type RateLimitConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// GuardrailsConfig restricts tools and redacts output.
type GuardrailsConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	BlockedWords []string `mapstructure:"blocked_words"`
	AllowedTools []string `mapstructure:"allowed_tools"` // empty allows the whole catalogue
}

// TracingConfig toggles span logging.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables. An explicit
// path must exist; otherwise a missing config file means defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	SetDefaults(viper.GetViper())

	viper.SetEnvPrefix(internal.DefaultEnvPrefix)
	viper.AutomaticEnv()
	// agent.max_retries becomes ICONNET_AGENT_MAX_RETRIES
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return Decode(viper.GetViper())
}

// Decode unmarshals v into a fresh Config. It is used again on hot reload.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	AppConfig = cfg
	return &cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", internal.DefaultHTTPAddress)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "180s")
	v.SetDefault("server.shutdown_timeout", "20s")

	// Agent defaults
	v.SetDefault("agent.max_retries", 2)
	v.SetDefault("agent.max_tool_calls_per_turn", 5)
	v.SetDefault("agent.tool_concurrency", 5)
	v.SetDefault("agent.tool_timeout", "30s")
	v.SetDefault("agent.turn_budget", "90s")
	v.SetDefault("agent.llm_retry_attempts", 3)
	v.SetDefault("agent.llm_retry_backoff", "200ms")
	v.SetDefault("agent.history_window", 20)
	v.SetDefault("agent.context_budget_tokens", 3000)
	v.SetDefault("agent.fallback_text", "")

	v.SetDefault("llm.provider", "googleai")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.embedding_model", "text-embedding-004")

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.libsql_path", internal.DefaultSessionDB)
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.redis_db", 0)
	v.SetDefault("session.ttl", "0s")

	v.SetDefault("assets.row_limit", 10)
	v.SetDefault("assets.max_conns", 8)

	v.SetDefault("retrieval.backend", "pgvector")
	v.SetDefault("retrieval.table", "documents")
	v.SetDefault("retrieval.k", 4)
	v.SetDefault("retrieval.chromem_path", internal.DefaultChromemPath)
	v.SetDefault("retrieval.collection", "iconnet-docs")

	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.cache_ttl", "15m")

	v.SetDefault("workflow.dag_id", internal.DefaultAirflowDagID)
	v.SetDefault("workflow.poll_interval", "10s")
	v.SetDefault("workflow.max_wait", "300s")
	v.SetDefault("workflow.token_ttl", "50m")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.ttl", "1h")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.per_second", 1.0)
	v.SetDefault("rate_limit.burst", 3)

	v.SetDefault("guardrails.enabled", true)
	v.SetDefault("guardrails.blocked_words", []string{"password", "secret", "token", "credential"})
	v.SetDefault("guardrails.allowed_tools", []string{})

	v.SetDefault("tracing.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}
