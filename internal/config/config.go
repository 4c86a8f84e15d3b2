// Package config provides configuration loading for knowledged.
//
// Configuration is assembled from built-in defaults, an optional YAML file
// and KNOWLEDGED_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete knowledged configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Knowledge     KnowledgeConfig     `koanf:"knowledge"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Jobs          JobsConfig          `koanf:"jobs"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Backfill      BackfillConfig      `koanf:"backfill"`
	NATS          NATSConfig          `koanf:"nats"`
	Redis         RedisConfig         `koanf:"redis"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool     `koanf:"enable_telemetry"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	MetricsEnabled  bool     `koanf:"metrics_enabled"`
	ExportInterval  Duration `koanf:"export_interval"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
	OTEL   bool   `koanf:"otel"`
}

// VectorStoreConfig selects and configures the vector index.
type VectorStoreConfig struct {
	Provider        string `koanf:"provider"` // chromem or qdrant
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`
	QdrantHost      string `koanf:"qdrant_host"`
	QdrantPort      int    `koanf:"qdrant_port"`
	QdrantUseTLS    bool   `koanf:"qdrant_use_tls"`
	QdrantAPIKey    Secret `koanf:"qdrant_api_key"`
}

// ProfileConfig describes one embedding profile.
type ProfileConfig struct {
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	Dimension int    `koanf:"dimension"`
}

// EmbeddingsConfig holds embedding profiles and provider endpoints.
type EmbeddingsConfig struct {
	Profiles      map[string]ProfileConfig `koanf:"profiles"`
	ActiveProfile string                   `koanf:"active_profile"`

	TEIURL            string   `koanf:"tei_url"`
	OllamaURL         string   `koanf:"ollama_url"`
	OpenAIBaseURL     string   `koanf:"openai_base_url"`
	OpenAIAPIKey      Secret   `koanf:"openai_api_key"`
	FastEmbedCacheDir string   `koanf:"fastembed_cache_dir"`
	Timeout           Duration `koanf:"timeout"`

	// Requests per second across all calls to one provider; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	// Consecutive failures before the breaker opens; 0 disables the breaker.
	BreakerMaxFailures uint32   `koanf:"breaker_max_failures"`
	BreakerTimeout     Duration `koanf:"breaker_timeout"`
}

// KnowledgeConfig configures the knowledge store.
type KnowledgeConfig struct {
	BaseCollection      string             `koanf:"base_collection"`
	DedupThreshold      float64            `koanf:"dedup_threshold"`
	DedupThresholds     map[string]float64 `koanf:"dedup_thresholds"` // per entry type
	BackfillMaxAttempts int                `koanf:"backfill_max_attempts"`
}

// IngestConfig configures the bulk ingestion pipeline.
type IngestConfig struct {
	BatchSize          int      `koanf:"batch_size"`
	MinContentLength   int      `koanf:"min_content_length"`
	SummaryMaxLength   int      `koanf:"summary_max_length"`
	MetaPrefixes       []string `koanf:"meta_prefixes"`
	RedirectMarkers    []string `koanf:"redirect_markers"`
	ArticleURLBase     string   `koanf:"article_url_base"`
	Language           string   `koanf:"language"`
	SourceName         string   `koanf:"source_name"`
	EstimatedPageBytes int64    `koanf:"estimated_page_bytes"`
}

// JobsConfig configures the import job registry and runner.
type JobsConfig struct {
	Backend        string   `koanf:"backend"` // memory, nats or redis
	RetentionTTL   Duration `koanf:"retention_ttl"`
	ListLimit      int      `koanf:"list_limit"`
	MaxErrors      int      `koanf:"max_errors"`
	Workers        int      `koanf:"workers"`
	EstimatedTotal int      `koanf:"estimated_total"`
}

// NotificationsConfig configures job notifications.
type NotificationsConfig struct {
	Backend       string   `koanf:"backend"` // memory or nats
	HistorySize   int      `koanf:"history_size"`
	TTL           Duration `koanf:"ttl"`
	SubjectPrefix string   `koanf:"subject_prefix"`
}

// BackfillConfig configures the periodic embedding backfill worker.
type BackfillConfig struct {
	Enabled    bool     `koanf:"enabled"`
	Interval   Duration `koanf:"interval"`
	BatchSize  int      `koanf:"batch_size"`
	MaxBatches int      `koanf:"max_batches"`
	Pause      Duration `koanf:"pause"`
	Profiles   []string `koanf:"profiles"` // empty means the active profile
}

// NATSConfig configures the NATS connection used by job backends.
type NATSConfig struct {
	URL      string `koanf:"url"`
	KVBucket string `koanf:"kv_bucket"`
}

// RedisConfig configures the Redis job registry.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  Secret `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// DefaultMetaPrefixes lists title prefixes of non-article wiki pages.
var DefaultMetaPrefixes = []string{
	"Wikipedia:", "ウィキペディア:",
	"Template:", "テンプレート:",
	"Category:", "カテゴリ:",
	"Help:", "ヘルプ:",
	"Portal:", "ポータル:",
	"MediaWiki:", "メディアウィキ:",
	"Module:", "モジュール:",
	"Draft:",
	"User:", "利用者:",
	"File:", "ファイル:",
	"Project:", "プロジェクト:",
}

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "knowledged",
			SamplingRate:   1.0,
			MetricsEnabled: true,
			ExportInterval: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		VectorStore: VectorStoreConfig{
			Provider:        "chromem",
			ChromemPath:     "~/.config/knowledged/vectorstore",
			ChromemCompress: true,
			QdrantHost:      "localhost",
			QdrantPort:      6334,
		},
		Embeddings: EmbeddingsConfig{
			Profiles: map[string]ProfileConfig{
				"default": {Provider: "fastembed", Model: "BAAI/bge-small-en-v1.5", Dimension: 384},
			},
			ActiveProfile:      "default",
			TEIURL:             "http://localhost:8080",
			OllamaURL:          "http://localhost:11434",
			OpenAIBaseURL:      "https://api.openai.com/v1",
			Timeout:            Duration(30 * time.Second),
			RateBurst:          1,
			BreakerMaxFailures: 5,
			BreakerTimeout:     Duration(30 * time.Second),
		},
		Knowledge: KnowledgeConfig{
			BaseCollection:      "knowledge_base",
			DedupThreshold:      0.98,
			BackfillMaxAttempts: 3,
		},
		Ingest: IngestConfig{
			BatchSize:          100,
			MinContentLength:   100,
			SummaryMaxLength:   500,
			MetaPrefixes:       append([]string(nil), DefaultMetaPrefixes...),
			RedirectMarkers:    []string{"#REDIRECT", "#転送"},
			ArticleURLBase:     "https://ja.wikipedia.org/wiki/",
			Language:           "ja",
			SourceName:         "wikipedia",
			EstimatedPageBytes: 4096,
		},
		Jobs: JobsConfig{
			Backend:      "memory",
			RetentionTTL: Duration(7 * 24 * time.Hour),
			ListLimit:    100,
			MaxErrors:    50,
			Workers:      2,
		},
		Notifications: NotificationsConfig{
			Backend:       "memory",
			HistorySize:   100,
			TTL:           Duration(24 * time.Hour),
			SubjectPrefix: "knowledged.jobs",
		},
		Backfill: BackfillConfig{
			Enabled:   true,
			Interval:  Duration(time.Minute),
			BatchSize: 50,
			Pause:     Duration(500 * time.Millisecond),
		},
		NATS: NATSConfig{
			URL:      "nats://127.0.0.1:4222",
			KVBucket: "knowledged_jobs",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "knowledged:jobs",
		},
	}
}

// ApplyDefaults fills zero values left behind by partial YAML or env input.
func (c *Config) ApplyDefaults() {
	d := Default()

	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = d.Observability.ServiceName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.VectorStore.Provider == "" {
		c.VectorStore.Provider = d.VectorStore.Provider
	}
	if len(c.Embeddings.Profiles) == 0 {
		c.Embeddings.Profiles = d.Embeddings.Profiles
	}
	if c.Embeddings.ActiveProfile == "" && len(c.Embeddings.Profiles) == 1 {
		for name := range c.Embeddings.Profiles {
			c.Embeddings.ActiveProfile = name
		}
	}
	if c.Knowledge.BaseCollection == "" {
		c.Knowledge.BaseCollection = d.Knowledge.BaseCollection
	}
	if c.Knowledge.DedupThreshold == 0 {
		c.Knowledge.DedupThreshold = d.Knowledge.DedupThreshold
	}
	if c.Knowledge.BackfillMaxAttempts <= 0 {
		c.Knowledge.BackfillMaxAttempts = d.Knowledge.BackfillMaxAttempts
	}
	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = d.Ingest.BatchSize
	}
	if c.Ingest.SummaryMaxLength <= 0 {
		c.Ingest.SummaryMaxLength = d.Ingest.SummaryMaxLength
	}
	if c.Jobs.Backend == "" {
		c.Jobs.Backend = d.Jobs.Backend
	}
	if c.Jobs.RetentionTTL == 0 {
		c.Jobs.RetentionTTL = d.Jobs.RetentionTTL
	}
	if c.Jobs.ListLimit <= 0 {
		c.Jobs.ListLimit = d.Jobs.ListLimit
	}
	if c.Jobs.MaxErrors <= 0 {
		c.Jobs.MaxErrors = d.Jobs.MaxErrors
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = d.Jobs.Workers
	}
	if c.Notifications.Backend == "" {
		c.Notifications.Backend = d.Notifications.Backend
	}
	if c.Notifications.HistorySize <= 0 {
		c.Notifications.HistorySize = d.Notifications.HistorySize
	}
	if c.Notifications.TTL == 0 {
		c.Notifications.TTL = d.Notifications.TTL
	}
	if c.Notifications.SubjectPrefix == "" {
		c.Notifications.SubjectPrefix = d.Notifications.SubjectPrefix
	}
	if c.Backfill.BatchSize <= 0 {
		c.Backfill.BatchSize = d.Backfill.BatchSize
	}
	if c.Backfill.Interval == 0 {
		c.Backfill.Interval = d.Backfill.Interval
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be between 0 and 1"))
	}

	switch c.VectorStore.Provider {
	case "chromem":
	case "qdrant":
		if c.VectorStore.QdrantHost == "" {
			errs = append(errs, errors.New("vectorstore.qdrant_host is required for qdrant"))
		}
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be 'chromem' or 'qdrant', got %q", c.VectorStore.Provider))
	}

	for name, p := range c.Embeddings.Profiles {
		if strings.TrimSpace(p.Provider) == "" || strings.TrimSpace(p.Model) == "" {
			errs = append(errs, fmt.Errorf("embeddings.profiles.%s: provider and model are required", name))
		}
		if p.Dimension <= 0 {
			errs = append(errs, fmt.Errorf("embeddings.profiles.%s: dimension must be positive", name))
		}
	}
	if _, ok := c.Embeddings.Profiles[c.Embeddings.ActiveProfile]; !ok {
		errs = append(errs, fmt.Errorf("embeddings.active_profile %q is not a configured profile", c.Embeddings.ActiveProfile))
	}

	if c.Knowledge.DedupThreshold <= 0 || c.Knowledge.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("knowledge.dedup_threshold must be in (0, 1], got %v", c.Knowledge.DedupThreshold))
	}
	for typ, th := range c.Knowledge.DedupThresholds {
		if th <= 0 || th > 1 {
			errs = append(errs, fmt.Errorf("knowledge.dedup_thresholds.%s must be in (0, 1], got %v", typ, th))
		}
	}

	if c.Ingest.MinContentLength < 0 {
		errs = append(errs, errors.New("ingest.min_content_length cannot be negative"))
	}

	switch c.Jobs.Backend {
	case "memory", "nats", "redis":
	default:
		errs = append(errs, fmt.Errorf("jobs.backend must be 'memory', 'nats' or 'redis', got %q", c.Jobs.Backend))
	}
	switch c.Notifications.Backend {
	case "memory", "nats":
	default:
		errs = append(errs, fmt.Errorf("notifications.backend must be 'memory' or 'nats', got %q", c.Notifications.Backend))
	}
	if (c.Jobs.Backend == "nats" || c.Notifications.Backend == "nats") && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required for nats backends"))
	}
	if c.Jobs.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis backend"))
	}

	return errors.Join(errs...)
}
