package config

import (
	"os"
	"strconv"
)

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend  string         `yaml:"backend" json:"backend"` // "local" or "postgres"
	Local    LocalStorage   `yaml:"local" json:"local"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// LocalStorage configures the embedded backend.
type LocalStorage struct {
	KeywordIndex string `yaml:"keyword_index" json:"keyword_index"` // "sqlite" or "bleve"
}

// PostgresConfig configures the relational backend.
type PostgresConfig struct {
	DSN                string `yaml:"dsn" json:"dsn"` // overrides Host/Port/... when set; normally sourced from DATABASE_URL
	Host               string `yaml:"host" json:"host"`
	Port               int    `yaml:"port" json:"port"`
	Database           string `yaml:"database" json:"database"`
	User               string `yaml:"user" json:"user"`
	Password           string `yaml:"password" json:"password"`
	PoolSize           int    `yaml:"pool_size" json:"pool_size"`
	PoolMaxOverflow    int    `yaml:"pool_max_overflow" json:"pool_max_overflow"`
	DistanceMetric     string `yaml:"distance_metric" json:"distance_metric"`
	HNSWM              int    `yaml:"hnsw_m" json:"hnsw_m"`
	HNSWEfConstruction int    `yaml:"hnsw_ef_construction" json:"hnsw_ef_construction"`
}

// JobQueueConfig configures the background indexing job queue.
type JobQueueConfig struct {
	MaxQueue           int `yaml:"max_queue" json:"max_queue"`
	JobTimeoutSeconds  int `yaml:"job_timeout_seconds" json:"job_timeout_seconds"`
	MaxRetries         int `yaml:"max_retries" json:"max_retries"`
	CheckpointInterval int `yaml:"checkpoint_interval" json:"checkpoint_interval"`
}

// RerankerConfig configures optional cross-encoder reranking.
type RerankerConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	Provider         string `yaml:"provider" json:"provider"` // "sentence-transformers" or "ollama"
	Model            string `yaml:"model" json:"model"`
	TopKMultiplier   int    `yaml:"top_k_multiplier" json:"top_k_multiplier"`
	MaxCandidates    int    `yaml:"max_candidates" json:"max_candidates"`
}

// GraphConfig configures the optional graph index.
type GraphConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	StoreType      string `yaml:"store_type" json:"store_type"` // "simple" or "kuzu"
	RRFConstant    int    `yaml:"rrf_constant" json:"rrf_constant"`
	TraversalDepth int    `yaml:"traversal_depth" json:"traversal_depth"`
}

// QueryConfig configures query-time defaults and limits.
type QueryConfig struct {
	DefaultTopK               int     `yaml:"default_top_k" json:"default_top_k"`
	MaxTopK                   int     `yaml:"max_top_k" json:"max_top_k"`
	DefaultSimilarityThreshold float64 `yaml:"default_similarity_threshold" json:"default_similarity_threshold"`
}

// ServiceConfig bundles the retrieval-service-level settings this
// expansion adds on top of the CLI-oriented Config: storage backend
// selection, job queue tuning, reranking, graph, and query defaults.
type ServiceConfig struct {
	BindHost  string         `yaml:"bind_host" json:"bind_host"`
	BindPort  int            `yaml:"bind_port" json:"bind_port"`
	Mode      string         `yaml:"mode" json:"mode"` // "project" or "shared"
	StateDir  string         `yaml:"state_dir" json:"state_dir"`
	Storage   StorageConfig  `yaml:"storage" json:"storage"`
	JobQueue  JobQueueConfig `yaml:"job_queue" json:"job_queue"`
	Reranker  RerankerConfig `yaml:"reranker" json:"reranker"`
	Graph     GraphConfig    `yaml:"graph" json:"graph"`
	Query     QueryConfig    `yaml:"query" json:"query"`
	Embedding EmbeddingsConfig `yaml:"embedding" json:"embedding"`
	Strict    bool           `yaml:"strict_mode" json:"strict_mode"`
}

// DefaultServiceConfig returns the documented defaults for the retrieval
// service's own settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BindHost: "127.0.0.1",
		BindPort: 8000,
		Mode:     "project",
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalStorage{KeywordIndex: "sqlite"},
			Postgres: PostgresConfig{
				Port:               5432,
				PoolSize:           10,
				PoolMaxOverflow:    5,
				DistanceMetric:     "cosine",
				HNSWM:              16,
				HNSWEfConstruction: 64,
			},
		},
		JobQueue: JobQueueConfig{
			MaxQueue:           100,
			JobTimeoutSeconds:  7200,
			MaxRetries:         3,
			CheckpointInterval: 50,
		},
		Reranker: RerankerConfig{
			Enabled:        false,
			TopKMultiplier: 10,
			MaxCandidates:  100,
		},
		Graph: GraphConfig{
			Enabled:        false,
			StoreType:      "simple",
			RRFConstant:    60,
			TraversalDepth: 2,
		},
		Query: QueryConfig{
			DefaultTopK:                5,
			MaxTopK:                    50,
			DefaultSimilarityThreshold: 0.7,
		},
		Embedding: EmbeddingsConfig{
			BatchSize: 100,
		},
	}
}

// ApplyServiceEnvOverrides layers AGENT_BRAIN_* environment variables over
// cfg, matching the documented override precedence (env vars beat YAML and
// built-in defaults, but lose to explicit CLI flags handled by the caller).
func ApplyServiceEnvOverrides(cfg *ServiceConfig) {
	if v := os.Getenv("AGENT_BRAIN_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("AGENT_BRAIN_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("AGENT_BRAIN_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("AGENT_BRAIN_STRICT_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Strict = b
		}
	}
	if v := os.Getenv("AGENT_BRAIN_MAX_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobQueue.MaxQueue = n
		}
	}
	if v := os.Getenv("AGENT_BRAIN_JOB_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobQueue.JobTimeoutSeconds = n
		}
	}
	if v := os.Getenv("AGENT_BRAIN_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobQueue.MaxRetries = n
		}
	}
	if v := os.Getenv("AGENT_BRAIN_CHECKPOINT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobQueue.CheckpointInterval = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
}
