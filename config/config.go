// Package config loads assistant configuration from a YAML file and
// ASSISTANT_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = goerr.New("invalid configuration")

// Config holds all configuration for the assistant.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Embedder  EmbedderConfig  `mapstructure:"embedder"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins lists websocket origins; empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return goerr.Wrap(ErrInvalid, "server.address is required")
	}
	return nil
}

// MemoryConfig configures per-owner memory.
type MemoryConfig struct {
	MergeThreshold float64       `mapstructure:"merge_threshold"`
	MinSimilarity  float64       `mapstructure:"min_similarity"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	ReadLimit      int           `mapstructure:"read_limit"`
	MaxRecords     int           `mapstructure:"max_records"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

func (c MemoryConfig) Validate() error {
	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return goerr.Wrap(ErrInvalid, "memory.merge_threshold must be within [0, 1]", goerr.V("value", c.MergeThreshold))
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return goerr.Wrap(ErrInvalid, "memory.min_similarity must be within [0, 1]", goerr.V("value", c.MinSimilarity))
	}
	if c.ReadLimit <= 0 {
		return goerr.Wrap(ErrInvalid, "memory.read_limit must be positive")
	}
	if c.MaxRecords < 0 {
		return goerr.Wrap(ErrInvalid, "memory.max_records cannot be negative")
	}
	return nil
}

// KnowledgeConfig configures ingestion and retrieval.
type KnowledgeConfig struct {
	ChunkSize    int     `mapstructure:"chunk_size"`
	ChunkOverlap int     `mapstructure:"chunk_overlap"`
	Concurrency  int     `mapstructure:"concurrency"`
	Candidates   int     `mapstructure:"candidates"`
	Limit        int     `mapstructure:"limit"`
	RerankWeight float64 `mapstructure:"rerank_weight"`
	// Scorer is "lexical", "crossencoder" or "none".
	Scorer   string `mapstructure:"scorer"`
	Language string `mapstructure:"language"`
}

func (c KnowledgeConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return goerr.Wrap(ErrInvalid, "knowledge.chunk_size must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return goerr.Wrap(ErrInvalid, "knowledge.chunk_overlap must be within [0, chunk_size)",
			goerr.V("overlap", c.ChunkOverlap), goerr.V("size", c.ChunkSize))
	}
	if c.Limit <= 0 || c.Candidates < c.Limit {
		return goerr.Wrap(ErrInvalid, "knowledge.candidates must be at least knowledge.limit",
			goerr.V("candidates", c.Candidates), goerr.V("limit", c.Limit))
	}
	if c.RerankWeight < 0 || c.RerankWeight > 1 {
		return goerr.Wrap(ErrInvalid, "knowledge.rerank_weight must be within [0, 1]")
	}
	switch c.Scorer {
	case "lexical", "crossencoder", "none":
	default:
		return goerr.Wrap(ErrInvalid, "unknown knowledge.scorer", goerr.V("scorer", c.Scorer))
	}
	return nil
}

// OracleConfig selects the decision model.
type OracleConfig struct {
	// Provider is "claude" or "offline".
	Provider  string        `mapstructure:"provider"`
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

func (c OracleConfig) Validate() error {
	switch c.Provider {
	case "offline":
	case "claude":
		if strings.TrimSpace(c.APIKey) == "" {
			return goerr.Wrap(ErrInvalid, "oracle.api_key is required for the claude provider")
		}
	default:
		return goerr.Wrap(ErrInvalid, "unknown oracle.provider", goerr.V("provider", c.Provider))
	}
	if c.Timeout <= 0 {
		return goerr.Wrap(ErrInvalid, "oracle.timeout must be positive")
	}
	return nil
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	// Provider is "remote", "mock" or "onnx".
	Provider   string        `mapstructure:"provider"`
	URL        string        `mapstructure:"url"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// CacheSize caps the embedding cache; 0 disables it.
	CacheSize int64 `mapstructure:"cache_size"`

	// ONNX model files.
	ModelPath         string `mapstructure:"model_path"`
	TokenizerPath     string `mapstructure:"tokenizer_path"`
	LibraryPath       string `mapstructure:"library_path"`
	RerankerPath      string `mapstructure:"reranker_path"`
	RerankerTokenizer string `mapstructure:"reranker_tokenizer_path"`
}

func (c EmbedderConfig) Validate() error {
	switch c.Provider {
	case "mock":
	case "remote":
		if strings.TrimSpace(c.URL) == "" {
			return goerr.Wrap(ErrInvalid, "embedder.url is required for the remote provider")
		}
	case "onnx":
		if c.ModelPath == "" || c.TokenizerPath == "" {
			return goerr.Wrap(ErrInvalid, "embedder.model_path and embedder.tokenizer_path are required for the onnx provider")
		}
	default:
		return goerr.Wrap(ErrInvalid, "unknown embedder.provider", goerr.V("provider", c.Provider))
	}
	if c.Dimensions <= 0 {
		return goerr.Wrap(ErrInvalid, "embedder.dimensions must be positive")
	}
	if c.CacheSize < 0 {
		return goerr.Wrap(ErrInvalid, "embedder.cache_size cannot be negative")
	}
	return nil
}

// ToolsConfig points tools at their backends. A tool with neither an
// HTTP nor a gRPC backend is reported as unavailable when called.
type ToolsConfig struct {
	HTTPBaseURL string        `mapstructure:"http_base_url"`
	GRPCTarget  string        `mapstructure:"grpc_target"`
	GRPCMethod  string        `mapstructure:"grpc_method"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// ContractsFile replaces the built-in contracts when set.
	ContractsFile string `mapstructure:"contracts_file"`
}

func (c ToolsConfig) Validate() error {
	if c.Timeout <= 0 {
		return goerr.Wrap(ErrInvalid, "tools.timeout must be positive")
	}
	return nil
}

// SessionConfig selects session persistence.
type SessionConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

func (c SessionConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return goerr.Wrap(ErrInvalid, "session.redis_addr is required for the redis backend")
		}
	default:
		return goerr.Wrap(ErrInvalid, "unknown session.backend", goerr.V("backend", c.Backend))
	}
	return nil
}

// StorageConfig locates durable records. An empty SQLitePath keeps
// everything in memory.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// SafetyConfig tunes the safety gates.
type SafetyConfig struct {
	MaxOutputChars int `mapstructure:"max_output_chars"`
}

func (c SafetyConfig) Validate() error {
	if c.MaxOutputChars < 0 {
		return goerr.Wrap(ErrInvalid, "safety.max_output_chars cannot be negative")
	}
	return nil
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	SummaryTrigger int `mapstructure:"summary_trigger"`
	KeepLast       int `mapstructure:"keep_last"`
	MemoryLimit    int `mapstructure:"memory_limit"`
}

func (c EngineConfig) Validate() error {
	if c.SummaryTrigger > 0 && (c.KeepLast < 0 || c.KeepLast >= c.SummaryTrigger) {
		return goerr.Wrap(ErrInvalid, "engine.keep_last must be within [0, summary_trigger)")
	}
	return nil
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var defaults = map[string]any{
	"server.address":          ":8080",
	"server.shutdown_timeout": 10 * time.Second,
	"server.allowed_origins":  []string{},

	"memory.merge_threshold": 0.35,
	"memory.min_similarity":  0.0,
	"memory.default_ttl":     720 * time.Hour,
	"memory.read_limit":      5,
	"memory.max_records":     1000,
	"memory.sweep_interval":  10 * time.Minute,

	"knowledge.chunk_size":    500,
	"knowledge.chunk_overlap": 50,
	"knowledge.concurrency":   4,
	"knowledge.candidates":    20,
	"knowledge.limit":         5,
	"knowledge.rerank_weight": 1.0,
	"knowledge.scorer":        "lexical",
	"knowledge.language":      "en",

	"oracle.provider":   "claude",
	"oracle.model":      "claude-sonnet-4-20250514",
	"oracle.api_key":    "",
	"oracle.base_url":   "",
	"oracle.max_tokens": 1024,
	"oracle.timeout":    30 * time.Second,

	"embedder.provider":                "remote",
	"embedder.url":                     "",
	"embedder.model":                   "",
	"embedder.api_key":                 "",
	"embedder.dimensions":              384,
	"embedder.timeout":                 10 * time.Second,
	"embedder.cache_size":              10000,
	"embedder.model_path":              "",
	"embedder.tokenizer_path":          "",
	"embedder.library_path":           "",
	"embedder.reranker_path":           "",
	"embedder.reranker_tokenizer_path": "",

	"tools.http_base_url":  "",
	"tools.grpc_target":    "",
	"tools.grpc_method":    "",
	"tools.timeout":        10 * time.Second,
	"tools.contracts_file": "",

	"session.backend":        "memory",
	"session.redis_addr":     "",
	"session.redis_password": "",
	"session.redis_db":       0,
	"session.ttl":            24 * time.Hour,

	"storage.sqlite_path": "",

	"safety.max_output_chars": 800,

	"engine.summary_trigger": 20,
	"engine.keep_last":       6,
	"engine.memory_limit":    5,

	"log.level": "info",
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the ASSISTANT_ prefix with dots replaced by
// underscores, e.g. ASSISTANT_ORACLE_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("ASSISTANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, validate := range []func() error{
		c.Server.Validate,
		c.Memory.Validate,
		c.Knowledge.Validate,
		c.Oracle.Validate,
		c.Embedder.Validate,
		c.Tools.Validate,
		c.Session.Validate,
		c.Safety.Validate,
		c.Engine.Validate,
	} {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}
