// Package config loads the docqa service configuration from a single YAML
// file via viper, with environment overrides for secrets and a fsnotify
// watcher for hot-reloading the tunable subset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration. One instance is loaded at
// startup and passed explicitly into every component.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Index     IndexConfig     `mapstructure:"index"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Reranker  RerankerConfig  `mapstructure:"reranker"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Grounding GroundingConfig `mapstructure:"grounding"`
	Topic     TopicConfig     `mapstructure:"topic"`
	Rewriter  RewriterConfig  `mapstructure:"rewriter"`
	Session   SessionConfig   `mapstructure:"session"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	PIIMask   bool            `mapstructure:"pii_mask"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	OpsPort        int           `mapstructure:"ops_port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxQueue       int           `mapstructure:"max_queue"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

type IndexConfig struct {
	// LexicalURL points to the BM25 search sidecar.
	LexicalURL string `mapstructure:"lexical_url"`
	// VectorURL points to the vector index (Qdrant-compatible HTTP API).
	VectorURL  string `mapstructure:"vector_url"`
	Collection string `mapstructure:"collection"`
	// ChunkDSN is the chunk store location: a sqlite file path or a
	// postgres DSN depending on ChunkDriver.
	ChunkDriver string        `mapstructure:"chunk_driver"`
	ChunkDSN    string        `mapstructure:"chunk_dsn"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type EmbeddingConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PrimaryModel   string        `mapstructure:"primary_model"`
	SecondaryModel string        `mapstructure:"secondary_model"`
	FallbackModel  string        `mapstructure:"fallback_model"`
	Dimension      int           `mapstructure:"dimension"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchWait      time.Duration `mapstructure:"batch_wait"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type RetrievalConfig struct {
	TopKBM25   int     `mapstructure:"topk_bm25"`
	TopKVector int     `mapstructure:"topk_vector"`
	TopKRerank int     `mapstructure:"topk_rerank"`
	RRFK       int     `mapstructure:"rrf_k"`
	WBM25      float64 `mapstructure:"w_bm25"`
	WVector    float64 `mapstructure:"w_vector"`
	WRerank    float64 `mapstructure:"w_rerank"`
	MaxPerDoc  int     `mapstructure:"max_per_doc"`
	FloorRatio float64 `mapstructure:"floor_ratio"`
	EvidenceN  int     `mapstructure:"evidence_n"`
}

type RerankerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Temperature   float64       `mapstructure:"temperature"`
	TopP          float64       `mapstructure:"top_p"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type GroundingConfig struct {
	EvidenceJaccard float64 `mapstructure:"evidence_jaccard"`
	CitationSentSim float64 `mapstructure:"citation_sent_sim"`
	CitationSpanIOU float64 `mapstructure:"citation_span_iou"`
	ConfidenceMin   float64 `mapstructure:"confidence_min"`
}

type TopicConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	MinScoreThreshold   float64 `mapstructure:"min_score_threshold"`
}

type RewriterConfig struct {
	MaxOutputChars int     `mapstructure:"max_output_chars"`
	MinKeepRatio   float64 `mapstructure:"min_keep_ratio"`
	HistoryWindow  int     `mapstructure:"history_window"`
	SummaryEvery   int     `mapstructure:"summary_every"`
}

type SessionConfig struct {
	Dir          string        `mapstructure:"dir"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxCached    int           `mapstructure:"max_cached"`
	RecentDocCap int           `mapstructure:"recent_doc_cap"`
}

type AuditConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads the config file named by DOCQA_CONFIG (default
// config/docqa.yaml), applies defaults, and overlays secret env vars.
func Load() (*Config, error) {
	path := os.Getenv("DOCQA_CONFIG")
	if path == "" {
		path = "config/docqa.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads and validates a specific config file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file runs on pure defaults; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets come from the environment, never the file.
	if s := os.Getenv("LLM_API_KEY"); s != "" {
		cfg.LLM.APIKey = s
	}
	if s := os.Getenv("DOCQA_AUTH_SECRET"); s != "" {
		cfg.Auth.Secret = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ops_port", 9090)
	v.SetDefault("server.request_timeout", "120s")
	v.SetDefault("server.max_queue", 2)
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)

	v.SetDefault("index.lexical_url", "http://localhost:9200")
	v.SetDefault("index.vector_url", "http://localhost:6333")
	v.SetDefault("index.collection", "doc_chunks")
	v.SetDefault("index.chunk_driver", "sqlite3")
	v.SetDefault("index.chunk_dsn", "data/chunks.db")
	v.SetDefault("index.timeout", "5s")

	v.SetDefault("embedding.base_url", "http://localhost:8001")
	v.SetDefault("embedding.primary_model", "bge-m3")
	v.SetDefault("embedding.dimension", 1024)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.batch_wait", "20ms")
	v.SetDefault("embedding.cache_ttl", "1h")
	v.SetDefault("embedding.timeout", "10s")

	v.SetDefault("retrieval.topk_bm25", 50)
	v.SetDefault("retrieval.topk_vector", 50)
	v.SetDefault("retrieval.topk_rerank", 20)
	v.SetDefault("retrieval.rrf_k", 60)
	v.SetDefault("retrieval.w_bm25", 0.4)
	v.SetDefault("retrieval.w_vector", 0.6)
	v.SetDefault("retrieval.w_rerank", 1.0)
	v.SetDefault("retrieval.max_per_doc", 3)
	v.SetDefault("retrieval.floor_ratio", 0.35)
	v.SetDefault("retrieval.evidence_n", 8)

	v.SetDefault("reranker.enabled", true)
	v.SetDefault("reranker.url", "http://localhost:8002")
	v.SetDefault("reranker.model", "bge-reranker-v2-m3")
	v.SetDefault("reranker.timeout", "10s")

	v.SetDefault("llm.endpoint", "http://localhost:8000/v1")
	v.SetDefault("llm.model", "qwen2.5-32b-instruct")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.top_p", 1.0)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.max_concurrent", 4)
	v.SetDefault("llm.timeout", "90s")

	v.SetDefault("grounding.evidence_jaccard", 0.55)
	v.SetDefault("grounding.citation_sent_sim", 0.90)
	v.SetDefault("grounding.citation_span_iou", 0.50)
	v.SetDefault("grounding.confidence_min", 0.30)

	v.SetDefault("topic.enabled", true)
	v.SetDefault("topic.similarity_threshold", 0.30)
	v.SetDefault("topic.confidence_threshold", 0.15)
	v.SetDefault("topic.min_score_threshold", 0.05)

	v.SetDefault("rewriter.max_output_chars", 512)
	v.SetDefault("rewriter.min_keep_ratio", 0.5)
	v.SetDefault("rewriter.history_window", 4)
	v.SetDefault("rewriter.summary_every", 6)

	v.SetDefault("session.dir", "data/sessions")
	v.SetDefault("session.timeout", "720h")
	v.SetDefault("session.max_cached", 1024)
	v.SetDefault("session.recent_doc_cap", 10)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.retention", "2160h")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("pii_mask", false)
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Retrieval.MaxPerDoc < 1 {
		return fmt.Errorf("config: max_per_doc must be >= 1, got %d", c.Retrieval.MaxPerDoc)
	}
	if c.Retrieval.EvidenceN < 1 {
		return fmt.Errorf("config: evidence_n must be >= 1, got %d", c.Retrieval.EvidenceN)
	}
	if c.Retrieval.FloorRatio < 0 || c.Retrieval.FloorRatio >= 1 {
		return fmt.Errorf("config: floor_ratio must be in [0,1), got %f", c.Retrieval.FloorRatio)
	}
	if c.Grounding.EvidenceJaccard < 0 || c.Grounding.EvidenceJaccard > 1 {
		return fmt.Errorf("config: evidence_jaccard must be in [0,1], got %f", c.Grounding.EvidenceJaccard)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("config: auth enabled but no secret configured")
	}
	if c.Session.MaxCached <= 0 {
		c.Session.MaxCached = 1024
	}
	if c.Session.RecentDocCap <= 0 {
		c.Session.RecentDocCap = 10
	}
	return nil
}

// Tunables is the hot-reloadable subset of the configuration.
type Tunables struct {
	Retrieval RetrievalConfig
	Grounding GroundingConfig
	Topic     TopicConfig
	Rewriter  RewriterConfig
}

// CurrentTunables extracts the hot-reloadable subset.
func (c *Config) CurrentTunables() Tunables {
	return Tunables{
		Retrieval: c.Retrieval,
		Grounding: c.Grounding,
		Topic:     c.Topic,
		Rewriter:  c.Rewriter,
	}
}
