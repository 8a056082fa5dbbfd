package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid 表示配置项缺失或格式错误，启动时即为致命错误。
var ErrInvalid = errors.New("invalid configuration")

// DatabaseConfig 定义了关系型数据库引擎的连接与连接池配置。
type DatabaseConfig struct {
	URL         string `yaml:"url"`         // 连接串，方言由 scheme 决定 (sqlite, postgresql, mysql, mssql)
	PoolSize    int    `yaml:"poolSize"`    // 常驻连接数
	MaxOverflow int    `yaml:"maxOverflow"` // 超出常驻连接数后允许的额外连接
	PoolRecycle int    `yaml:"poolRecycle"` // 连接回收间隔 (秒)
	PoolTimeout int    `yaml:"poolTimeout"` // 获取连接的超时时间 (秒)
}

// RecycleInterval 以 time.Duration 返回 PoolRecycle。
func (c DatabaseConfig) RecycleInterval() time.Duration {
	return time.Duration(c.PoolRecycle) * time.Second
}

// CheckoutTimeout 以 time.Duration 返回 PoolTimeout。
func (c DatabaseConfig) CheckoutTimeout() time.Duration {
	return time.Duration(c.PoolTimeout) * time.Second
}

// LegalNormConfig 定义了法规缓存及其外部数据源的配置。
type LegalNormConfig struct {
	TTLDays        int    `yaml:"ttlDays"`        // 缓存新鲜期 (天)
	SourceURL      string `yaml:"sourceURL"`      // LexML 查询服务地址
	RequestTimeout string `yaml:"requestTimeout"` // 单次请求超时，例如 "15s"
}

// TTL 返回法规缓存条目的新鲜期。
func (c LegalNormConfig) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// EmbeddingConfig 包含了不同 Embedding 提供商的配置。
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "openai", "ollama", "gemini", "huggingface"
	Model    string `yaml:"model"`    // 模型名称
	APIKey   string `yaml:"apiKey"`   // API 密钥
	BaseURL  string `yaml:"baseURL"`  // 服务地址 (ollama / huggingface)
}

// FieldConfig 定义了 Milvus 集合中字段的配置。
type FieldConfig struct {
	Name         string `yaml:"name"`
	DataType     string `yaml:"dataType"` // "Int64", "VarChar", "FloatVector"
	IsPrimaryKey bool   `yaml:"isPrimaryKey"`
	IsAutoID     bool   `yaml:"isAutoID"`
	Dim          int    `yaml:"dim,omitempty"`
	MaxLength    int    `yaml:"maxLength,omitempty"`
}

// IndexConfig 定义了 Milvus 集合中索引的配置。
type IndexConfig struct {
	FieldName  string                 `yaml:"fieldName"`
	IndexType  string                 `yaml:"indexType"`  // "IVF_FLAT", "HNSW", "AUTOINDEX"
	MetricType string                 `yaml:"metricType"` // "L2", "COSINE", "IP"
	Params     map[string]interface{} `yaml:"params"`
}

// SchemaConfig 定义了 Milvus 集合的 Schema 配置。
type SchemaConfig struct {
	CollectionName string        `yaml:"collectionName"`
	Description    string        `yaml:"description"`
	IDField        string        `yaml:"idField"`
	VectorField    string        `yaml:"vectorField"`
	Fields         []FieldConfig `yaml:"fields"`
	Index          IndexConfig   `yaml:"index"`
}

// MilvusConfig 定义了 Milvus 数据库的连接和 Schema 配置。
type MilvusConfig struct {
	Address string       `yaml:"address"`
	Schema  SchemaConfig `yaml:"schema"`
}

// RedisConfig 定义了 Redis 数据库的连接配置。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VectorIndexConfig 选择片段向量的存放位置。
type VectorIndexConfig struct {
	Backend string `yaml:"backend"` // "sqvect" (embedded file) or "milvus"
	Path    string `yaml:"path"`    // sqvect database file
}

// SyncConfig 定义了向量同步维护任务的配置。
type SyncConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"` // 调用 embedding 服务的速率上限，0 表示不限速
	Burst         int     `yaml:"burst"`
	BatchLimit    int     `yaml:"batchLimit"` // 单次运行最多处理的待嵌入片段数，0 表示不限
	LockTTL       string  `yaml:"lockTTL"`    // Redis 运行锁的过期时间，例如 "30m"
	UseLock       bool    `yaml:"useLock"`
}

// CircuitBreakerConfig 定义了熔断器的配置。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// DatabaseConfigs 包含外部存储服务的配置。
type DatabaseConfigs struct {
	Milvus MilvusConfig `yaml:"milvus"`
	Redis  RedisConfig  `yaml:"redis"`
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"`
}

// AppConfig 是整个 YAML 文件的根结构。
type AppConfig struct {
	App            AppInfo              `yaml:"app"`
	Logger         LoggerConfig         `yaml:"logger"`
	Database       DatabaseConfig       `yaml:"database"`
	LegalNorms     LegalNormConfig      `yaml:"legalNorms"`
	Embedding      EmbeddingConfig      `yaml:"embedding"`
	VectorIndex    VectorIndexConfig    `yaml:"vectorIndex"`
	Databases      DatabaseConfigs      `yaml:"databases"`
	Sync           SyncConfig           `yaml:"sync"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// Default 返回未指定配置文件时使用的默认配置。
// 取值与摄取服务的环境变量默认值保持一致。
func Default() *AppConfig {
	return &AppConfig{
		App:    AppInfo{Name: "procurement-kb", Environment: "development"},
		Logger: LoggerConfig{Level: "info"},
		Database: DatabaseConfig{
			URL:         "sqlite:///./local.db",
			PoolSize:    5,
			MaxOverflow: 10,
			PoolRecycle: 1800,
			PoolTimeout: 30,
		},
		LegalNorms: LegalNormConfig{
			TTLDays:        7,
			SourceURL:      "https://www.lexml.gov.br/busca/api",
			RequestTimeout: "15s",
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		VectorIndex: VectorIndexConfig{Backend: "sqvect", Path: "./vectors.db"},
		Databases: DatabaseConfigs{
			Milvus: MilvusConfig{
				Address: "localhost:19530",
				Schema: SchemaConfig{
					CollectionName: "kb_chunks",
					Description:    "fragment embeddings keyed by chunk_id",
					IDField:        "chunk_id",
					VectorField:    "embedding",
					Fields: []FieldConfig{
						{Name: "chunk_id", DataType: "VarChar", IsPrimaryKey: true, MaxLength: 255},
						{Name: "embedding", DataType: "FloatVector", Dim: 1536},
					},
					Index: IndexConfig{FieldName: "embedding", IndexType: "AUTOINDEX", MetricType: "COSINE"},
				},
			},
			Redis: RedisConfig{Address: "localhost:6379"},
		},
		Sync: SyncConfig{Burst: 1, LockTTL: "30m"},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          "30s",
		},
	}
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件。
// 文件中缺失的字段保留 Default() 中的取值，随后叠加环境变量并校验。
func LoadConfig(path string) (*AppConfig, error) {
	cfg := Default()
	if path != "" {
		yamlFile, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
			return nil, fmt.Errorf("%w: 解析 YAML 文件失败: %v", ErrInvalid, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv 把 path 中的 KEY=VALUE 读入进程环境变量。
// 已经存在的环境变量优先；文件不存在不算错误。
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// ApplyEnv 用环境变量覆盖配置。
// 生产环境中 lookup 是 os.LookupEnv，测试中是基于 map 的函数。
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.URL = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"DB_POOL_SIZE", &c.Database.PoolSize},
		{"DB_MAX_OVERFLOW", &c.Database.MaxOverflow},
		{"DB_POOL_RECYCLE", &c.Database.PoolRecycle},
		{"DB_POOL_TIMEOUT", &c.Database.PoolTimeout},
		{"LEGAL_CACHE_TTL_DAYS", &c.LegalNorms.TTLDays},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, e.name, v)
		}
		*e.dst = n
	}
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" && c.Embedding.APIKey == "" && c.Embedding.Provider == "openai" {
		c.Embedding.APIKey = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logger.Level = v
	}
	return nil
}

// Validate 在构建任何组件之前检查必需的配置项。
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("%w: database url is required", ErrInvalid)
	}
	if c.Database.PoolSize < 0 || c.Database.MaxOverflow < 0 || c.Database.PoolRecycle < 0 || c.Database.PoolTimeout < 0 {
		return fmt.Errorf("%w: pool settings must be non-negative", ErrInvalid)
	}
	if c.LegalNorms.TTLDays < 0 {
		return fmt.Errorf("%w: legal norm ttl must be non-negative", ErrInvalid)
	}
	switch c.VectorIndex.Backend {
	case "sqvect":
		if c.VectorIndex.Path == "" {
			return fmt.Errorf("%w: vectorIndex.path is required for the sqvect backend", ErrInvalid)
		}
	case "milvus":
		if c.Databases.Milvus.Address == "" {
			return fmt.Errorf("%w: databases.milvus.address is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown vector index backend %q", ErrInvalid, c.VectorIndex.Backend)
	}
	for _, d := range []string{c.LegalNorms.RequestTimeout, c.Sync.LockTTL, c.CircuitBreaker.Timeout} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%w: bad duration %q", ErrInvalid, d)
		}
	}
	return nil
}

// ParseDurationOr 解析 s，为空或格式错误时返回 def。
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
