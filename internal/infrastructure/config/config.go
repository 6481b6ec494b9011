package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	TextIndex  TextIndexConfig  `mapstructure:"text_index"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Boundary   BoundaryConfig   `mapstructure:"boundary"`
	Episode    EpisodeConfig    `mapstructure:"episode"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Agentic    AgenticConfig    `mapstructure:"agentic"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// DatabaseConfig 文档库配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// RedisConfig 缓冲队列后端配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TextIndexConfig 倒排索引配置
type TextIndexConfig struct {
	Path string `mapstructure:"path"` // bleve 索引目录，":memory:" 表示纯内存
}

// QdrantConfig 向量索引配置
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	StoreType  string `mapstructure:"store_type"` // qdrant | memory
}

// KafkaConfig 记忆事件总线配置，Brokers 为空则禁用发布
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LLMConfig LLM 提供商配置（OpenAI 兼容协议）
type LLMConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	// 全局并发上限，抽取与检索共享
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
}

// EmbeddingConfig 嵌入提供商配置
type EmbeddingConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	MaxConcurrent int64  `mapstructure:"max_concurrent"`
}

// QueueConfig 缓冲队列参数
type QueueConfig struct {
	MaxLength          int     `mapstructure:"max_length"`
	ExpireMinutes      int     `mapstructure:"expire_minutes"`
	CleanupProbability float64 `mapstructure:"cleanup_probability"`
}

// DispatcherConfig 分组调度器参数
type DispatcherConfig struct {
	NumQueues        int           `mapstructure:"num_queues"`
	MaxTotalMessages int64         `mapstructure:"max_total_messages"`
	StopMaxDelay     time.Duration `mapstructure:"stop_max_delay"` // 软停机排空预算
}

// BoundaryConfig 边界检测参数
type BoundaryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	HardCutMinutes int           `mapstructure:"hard_cut_minutes"`
	HardCutCount   int           `mapstructure:"hard_cut_count"` // 0 → 取 queue.max_length
}

// EpisodeConfig Episode 聚合参数
type EpisodeConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// RetrievalConfig 检索参数（支持热加载）
type RetrievalConfig struct {
	RRFK              int `mapstructure:"rrf_k"`
	CandidatesPerSide int `mapstructure:"candidates_per_side"`
	DefaultTopK       int `mapstructure:"default_top_k"`
}

// AgenticConfig 两轮检索参数
type AgenticConfig struct {
	Round1K            int           `mapstructure:"round1_k"` // 0 → 取请求 top_k
	MaxParallelRefined int           `mapstructure:"max_parallel_refined"`
	OverallTimeout     time.Duration `mapstructure:"overall_timeout"`
	Round1Timeout      time.Duration `mapstructure:"round1_timeout"`
	JudgeTimeout       time.Duration `mapstructure:"judge_timeout"`
	Round2Timeout      time.Duration `mapstructure:"round2_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 加载配置：默认值 → config.yaml → 环境变量
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// MEMOS_ 前缀覆盖任意键
	v.SetEnvPrefix("MEMOS")
	v.AutomaticEnv()

	// 约定的环境变量名直接绑定（部署脚本按这些名字注入）
	bindWellKnownEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Boundary.HardCutCount <= 0 {
		cfg.Boundary.HardCutCount = cfg.Queue.MaxLength
	}
	return &cfg, nil
}

// Validate 启动期校验，缺关键依赖直接失败（Fatal 类错误）
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set LLM_API_KEY)")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required (set LLM_MODEL)")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set DATABASE_DSN)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required (set REDIS_ADDR)")
	}
	return nil
}

// ConfigFilePath 返回实际使用的配置文件路径，未找到返回空串
func ConfigFilePath() string {
	for _, p := range []string{"./config/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func bindWellKnownEnv(v *viper.Viper) {
	pairs := map[string]string{
		"llm.model":          "LLM_MODEL",
		"llm.api_key":        "LLM_API_KEY",
		"llm.base_url":       "LLM_BASE_URL",
		"embedding.base_url": "EMB_BASE_URL",
		"embedding.model":    "EMB_MODEL",
		"embedding.api_key":  "EMB_API_KEY",
		"database.dsn":       "DATABASE_DSN",
		"redis.addr":         "REDIS_ADDR",
		"qdrant.host":        "QDRANT_ADDR",
		"kafka.brokers":      "KAFKA_BROKERS",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18900)
	v.SetDefault("server.mode", "local")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "evermem.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("text_index.path", "data/textindex.bleve")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "memory_records")
	v.SetDefault("qdrant.store_type", "qdrant")

	v.SetDefault("kafka.topic", "memory.events")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 16384)
	v.SetDefault("llm.max_concurrent", 8)

	v.SetDefault("embedding.max_concurrent", 32)

	v.SetDefault("queue.max_length", 100)
	v.SetDefault("queue.expire_minutes", 60)
	v.SetDefault("queue.cleanup_probability", 0.1)

	v.SetDefault("dispatcher.num_queues", 10)
	v.SetDefault("dispatcher.max_total_messages", 200)
	v.SetDefault("dispatcher.stop_max_delay", "30s")

	v.SetDefault("boundary.max_retries", 3)
	v.SetDefault("boundary.retry_backoff", "500ms")
	v.SetDefault("boundary.hard_cut_minutes", 30)

	v.SetDefault("episode.batch_size", 10)

	v.SetDefault("retrieval.rrf_k", 60)
	v.SetDefault("retrieval.candidates_per_side", 100)
	v.SetDefault("retrieval.default_top_k", 20)

	v.SetDefault("agentic.max_parallel_refined", 3)
	v.SetDefault("agentic.overall_timeout", "180s")
	v.SetDefault("agentic.round1_timeout", "30s")
	v.SetDefault("agentic.judge_timeout", "15s")
	v.SetDefault("agentic.round2_timeout", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
