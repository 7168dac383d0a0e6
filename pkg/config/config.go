package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Dataset configuration
	Dataset DatasetConfig `mapstructure:"dataset"`

	// Extractor configuration
	Extractor ExtractorConfig `mapstructure:"extractor"`

	// Sampler configuration
	Sampler SamplerConfig `mapstructure:"sampler"`

	// Trainer configuration
	Trainer TrainerConfig `mapstructure:"trainer"`

	// Cluster configuration (accelerator-pool training)
	Cluster ClusterConfig `mapstructure:"cluster"`

	// Reranker configuration
	Reranker RerankerConfig `mapstructure:"reranker"`

	// Evaluator configuration
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`

	// CircuitBreaker configuration for the remote reranker backend
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ParquetPath string `mapstructure:"parquet_path"`
}

// DatasetConfig points at a dataset manifest and the experiment root
type DatasetConfig struct {
	Manifest    string `mapstructure:"manifest"`
	DevManifest string `mapstructure:"dev_manifest"`
	RunDir      string `mapstructure:"run_dir"`
}

// ExtractorConfig holds passage extraction settings
type ExtractorConfig struct {
	VocabPath   string  `mapstructure:"vocab_path"`
	MaxSeqLen   int     `mapstructure:"max_seq_len"`
	PassageLen  int     `mapstructure:"passage_len"`
	Stride      int     `mapstructure:"stride"`
	NumPassages int     `mapstructure:"num_passages"`
	Prob        float64 `mapstructure:"prob"`
	UseCache    bool    `mapstructure:"use_cache"`
	CacheDir    string  `mapstructure:"cache_dir"`
	Seed        int64   `mapstructure:"seed"`
}

// SamplerConfig holds training-stream settings
type SamplerConfig struct {
	Variant        string `mapstructure:"variant"` // triplet, pair
	RelevanceLevel int    `mapstructure:"relevance_level"`
	Seed           int64  `mapstructure:"seed"`
}

// TrainerConfig holds the iteration-loop settings
type TrainerConfig struct {
	Batch        int     `mapstructure:"batch"`
	NIters       int     `mapstructure:"niters"`
	IterSize     int     `mapstructure:"itersize"`
	GradAcc      int     `mapstructure:"gradacc"`
	LR           float64 `mapstructure:"lr"`
	SoftmaxLoss  bool    `mapstructure:"softmax_loss"`
	FastForward  bool    `mapstructure:"fastforward"`
	ValidateFreq int     `mapstructure:"validate_freq"`
	Metric       string  `mapstructure:"metric"`
}

// ClusterConfig holds accelerator-pool and record-cache settings
type ClusterConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	PoolName  string `mapstructure:"pool_name"`
	PoolZone  string `mapstructure:"pool_zone"`
	Bucket    string `mapstructure:"bucket"`
	RecordDir string `mapstructure:"record_dir"`
	ShardSize int    `mapstructure:"shard_size"`
	UseCache  bool   `mapstructure:"use_cache"`
}

// RerankerConfig holds scoring-model settings
type RerankerConfig struct {
	// Backend selects the scoring model: linear, embedeverything, service
	Backend  string `mapstructure:"backend"`
	EmbedDim int    `mapstructure:"embed_dim"`
	Seed     int64  `mapstructure:"seed"`

	// Model/BaseURL/APIKey configure the embedeverything and service
	// backends
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
}

// EvaluatorConfig holds metric settings
type EvaluatorConfig struct {
	Metrics        []string `mapstructure:"metrics"`
	RelevanceLevel int      `mapstructure:"relevance_level"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", false)
	home, err := os.UserHomeDir()
	if err == nil {
		viper.SetDefault("telemetry.parquet_path", fmt.Sprintf("%s/.rerankbench/telemetry", home))
	}

	// Experiment layout defaults
	viper.SetDefault("dataset.run_dir", "./runs")

	// Extractor defaults
	viper.SetDefault("extractor.max_seq_len", 256)
	viper.SetDefault("extractor.passage_len", 150)
	viper.SetDefault("extractor.stride", 100)
	viper.SetDefault("extractor.num_passages", 16)
	viper.SetDefault("extractor.prob", 0.1)
	viper.SetDefault("extractor.use_cache", true)
	viper.SetDefault("extractor.cache_dir", "./cache")
	viper.SetDefault("extractor.seed", 42)

	// Sampler defaults
	viper.SetDefault("sampler.variant", "triplet")
	viper.SetDefault("sampler.relevance_level", 1)
	viper.SetDefault("sampler.seed", 42)

	// Trainer defaults
	viper.SetDefault("trainer.batch", 32)
	viper.SetDefault("trainer.niters", 20)
	viper.SetDefault("trainer.itersize", 4096)
	viper.SetDefault("trainer.gradacc", 1)
	viper.SetDefault("trainer.lr", 0.001)
	viper.SetDefault("trainer.softmax_loss", false)
	viper.SetDefault("trainer.fastforward", false)
	viper.SetDefault("trainer.validate_freq", 1)
	viper.SetDefault("trainer.metric", "map")

	// Cluster defaults
	viper.SetDefault("cluster.enabled", false)
	viper.SetDefault("cluster.record_dir", "./records")
	viper.SetDefault("cluster.shard_size", 1000)
	viper.SetDefault("cluster.use_cache", true)

	// Reranker defaults
	viper.SetDefault("reranker.backend", "linear")
	viper.SetDefault("reranker.embed_dim", 64)
	viper.SetDefault("reranker.seed", 42)
	viper.SetDefault("reranker.model", "cross-encoder/ms-marco-MiniLM-L-6-v2")
	viper.SetDefault("reranker.max_concurrency", 4)

	// Evaluator defaults
	viper.SetDefault("evaluator.metrics", []string{"map", "ndcg_cut_20", "P_20"})
	viper.SetDefault("evaluator.relevance_level", 1)

	// Circuit breaker defaults
	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", 60)
	viper.SetDefault("circuit_breaker.timeout", 30)
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)
}

// overrideWithEnv overrides config with environment variables
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.Reranker.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.Reranker.BaseURL = baseURL
	}
	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}
	if dir := os.Getenv("RERANKBENCH_CACHE_DIR"); dir != "" {
		config.Extractor.CacheDir = dir
	}
	if dir := os.Getenv("RERANKBENCH_RUN_DIR"); dir != "" {
		config.Dataset.RunDir = dir
	}
}
